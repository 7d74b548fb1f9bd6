package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docchat/docchat/config"
)

func newConfigCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if root.serverURL != "" {
				cfg.ServerURL = root.serverURL
			}

			token := "(not set)"
			if cfg.Token != "" {
				token = "(set)"
			}
			fmt.Printf("server_url:       %s\n", cfg.ServerURL)
			fmt.Printf("token:            %s\n", token)
			fmt.Printf("data_dir:         %s\n", cfg.DataDir)
			fmt.Printf("log_level:        %s\n", cfg.LogLevel)
			fmt.Printf("freeze_threshold: %d\n", cfg.FreezeThreshold)
			fmt.Printf("call_timeout:     %s\n", cfg.CallTimeout)
			fmt.Printf("idle_timeout:     %s\n", cfg.IdleTimeout)
			return nil
		},
	}
}
