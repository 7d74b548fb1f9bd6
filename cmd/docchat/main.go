// Command docchat is a terminal client for document-chat agent sessions. It
// streams agent turns, shows live status narration, and prompts for tool
// approvals when the agent pauses on a protected action.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/docchat/docchat/config"
	"github.com/docchat/docchat/logging"
	"github.com/docchat/docchat/store"
	"github.com/docchat/docchat/transport"
)

type rootFlags struct {
	configPath string
	serverURL  string
	logLevel   string
}

func main() {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "docchat",
		Short: "Chat with the document agent",
		Long: `docchat drives long-running agent conversations over a streaming
connection. Turns can pause for tool approval; docchat prompts for a
decision and resumes the turn.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (defaults to ~/.docchat/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flags.serverURL, "server", "", "Backend URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(newChatCmd(flags))
	rootCmd.AddCommand(newSessionsCmd(flags))
	rootCmd.AddCommand(newConfigCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything a command needs after configuration is resolved.
type app struct {
	cfg    *config.Config
	client *transport.Client
	store  *store.Store
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	logging.Sync()
}

func setup(flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.serverURL != "" {
		cfg.ServerURL = flags.serverURL
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logging.Init(logging.Level(cfg.LogLevel))

	if cfg.Token == "" {
		token, err := promptToken()
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	client := transport.NewClient(cfg.ServerURL,
		transport.WithToken(cfg.Token),
		transport.WithCallTimeout(cfg.CallTimeout),
		transport.WithIdleTimeout(cfg.IdleTimeout),
	)

	return &app{cfg: cfg, client: client, store: st}, nil
}

// promptToken reads the API token without echo when attached to a terminal.
func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no API token configured; set DOCCHAT_TOKEN or the token config key")
	}
	fmt.Fprint(os.Stderr, "API token: ")
	token, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	if len(token) == 0 {
		return "", fmt.Errorf("no API token provided")
	}
	return string(token), nil
}
