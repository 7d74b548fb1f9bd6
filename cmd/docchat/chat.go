package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docchat/docchat/protocol"
	"github.com/docchat/docchat/session"
	"github.com/docchat/docchat/tools"
)

type chatFlags struct {
	sessionID string
	title     string
}

func newChatCmd(root *rootFlags) *cobra.Command {
	flags := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start or resume an interactive agent conversation",
		Example: `  docchat chat
  docchat chat --session sess-42
  docchat chat --title "quarterly report cleanup"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(root, flags)
		},
	}

	cmd.Flags().StringVar(&flags.sessionID, "session", "", "Resume an existing session")
	cmd.Flags().StringVar(&flags.title, "title", "", "Title for a new session")
	return cmd
}

func runChat(root *rootFlags, flags *chatFlags) error {
	a, err := setup(root)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := flags.sessionID
	if sessionID == "" {
		info, err := a.client.CreateSession(ctx, flags.title)
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		if _, err := a.store.CreateSession(ctx, info.ID, info.Title); err != nil {
			return fmt.Errorf("recording session: %w", err)
		}
		sessionID = info.ID
		fmt.Printf("Started session %s\n", sessionID)
	}

	ctrl := session.New(a.client,
		session.WithStore(a.store),
		session.WithFreezeThreshold(a.cfg.FreezeThreshold),
	)
	defer ctrl.Close()

	if err := ctrl.Attach(ctx, sessionID); err != nil {
		return err
	}
	printHistory(ctrl.Messages())

	repl := &chatREPL{
		ctrl:     ctrl,
		registry: tools.DefaultRegistry(),
		stdin:    bufio.NewScanner(os.Stdin),
	}
	return repl.run(ctx)
}

type chatREPL struct {
	ctrl     *session.Controller
	registry *tools.Registry
	stdin    *bufio.Scanner
}

func (r *chatREPL) run(ctx context.Context) error {
	fmt.Println(`Type a message, or "/quit" to leave.`)
	for {
		fmt.Print("> ")
		if !r.stdin.Scan() {
			return r.stdin.Err()
		}
		line := strings.TrimSpace(r.stdin.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/history":
			printHistory(r.ctrl.Messages())
			continue
		}

		if err := r.runTurn(ctx, line); err != nil {
			if !session.IsRecoverable(err) {
				return err
			}
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		}
	}
}

// runTurn sends one message and renders events until the turn ends. Ctrl-C
// cancels the turn but keeps the conversation.
func (r *chatREPL) runTurn(ctx context.Context, content string) error {
	// Events buffered from a cancelled turn belong to that turn.
drain:
	for {
		select {
		case <-r.ctrl.Events():
		default:
			break drain
		}
	}

	if err := r.ctrl.StartTurn(ctx, protocol.TurnRequest{Content: content}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			r.ctrl.CancelTurn()
			fmt.Println("\n(turn cancelled)")
			return nil
		case ev := <-r.ctrl.Events():
			done, err := r.render(ctx, ev)
			if done {
				return err
			}
		}
	}
}

// render handles one controller event. It returns true when the turn ended.
func (r *chatREPL) render(ctx context.Context, ev session.Event) (bool, error) {
	switch e := ev.(type) {
	case session.TextEvent:
		fmt.Print(e.Delta)
	case session.StatusEvent:
		marker := "*"
		if e.Completed {
			marker = "+"
		}
		fmt.Printf("  %s %s\n", marker, e.Text)
	case session.PlanEvent:
		fmt.Println("\nProposed plan:")
		printPlan(e.Plan)
		if e.Clarification != "" {
			fmt.Printf("Clarification requested: %s\n", e.Clarification)
		}
	case session.ApprovalRequiredEvent:
		if err := r.promptApprovals(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "approval failed: %v\n", err)
		}
	case session.NoticeEvent:
		fmt.Fprintf(os.Stderr, "notice (%s): %v\n", e.Context, e.Err)
	case session.TurnCompleteEvent:
		fmt.Println()
		if e.TokensUsed > 0 {
			fmt.Printf("(%d tokens)\n", e.TokensUsed)
		}
		return true, e.Err
	}
	return false, nil
}

// promptApprovals walks every pending tool call and submits a decision.
func (r *chatREPL) promptApprovals(ctx context.Context) error {
	for _, tc := range r.ctrl.PendingApprovals() {
		args, _ := json.MarshalIndent(tc.Args, "  ", "  ")
		fmt.Printf("\nThe agent wants to run %s:\n  %s\n", tc.Tool, args)
		if def, ok := r.registry.Describe(tc.Tool); ok {
			fmt.Printf("  (%s)\n", def.Description)
		}

		for {
			fmt.Print("Approve? [y]es / [n]o / [e]dit args: ")
			if !r.stdin.Scan() {
				return r.ctrl.Reject(ctx, tc.ID)
			}
			switch strings.ToLower(strings.TrimSpace(r.stdin.Text())) {
			case "y", "yes":
				return firstApprovalErr(r.ctrl.Approve(ctx, tc.ID, nil))
			case "n", "no":
				return firstApprovalErr(r.ctrl.Reject(ctx, tc.ID))
			case "e", "edit":
				edited, err := r.promptEditedArgs(tc.Tool)
				if err != nil {
					fmt.Fprintf(os.Stderr, "  %v\n", err)
					continue
				}
				return firstApprovalErr(r.ctrl.Approve(ctx, tc.ID, edited))
			}
		}
	}
	return nil
}

func (r *chatREPL) promptEditedArgs(tool string) (map[string]interface{}, error) {
	fmt.Print("New args (JSON object): ")
	if !r.stdin.Scan() {
		return nil, fmt.Errorf("no input")
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(r.stdin.Text()), &args); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	if err := r.registry.ValidateArgs(tool, args); err != nil {
		return nil, err
	}
	return args, nil
}

// firstApprovalErr swallows local double-decision refusals; the user just
// pressed a key twice.
func firstApprovalErr(err error) error {
	if err == session.ErrApprovalInFlight {
		return nil
	}
	return err
}

func printHistory(msgs []session.Message) {
	for _, m := range msgs {
		if m.IsStatus() || m.Content == "" {
			continue
		}
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
}

func printPlan(plan json.RawMessage) {
	var steps []string
	if err := json.Unmarshal(plan, &steps); err == nil {
		for i, step := range steps {
			fmt.Printf("  %d. %s\n", i+1, step)
		}
		return
	}
	fmt.Printf("  %s\n", plan)
}
