package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionsCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage locally known sessions",
	}
	cmd.AddCommand(newSessionsListCmd(root))
	cmd.AddCommand(newSessionsDeleteCmd(root))
	return cmd
}

func newSessionsListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(root)
			if err != nil {
				return err
			}
			defer a.close()

			sessions, err := a.store.ListSessions(context.Background())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions yet. Start one with: docchat chat")
				return nil
			}
			for _, s := range sessions {
				title := s.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%-24s  %-30s  last active %s\n",
					s.ID, title, s.LastActiveAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newSessionsDeleteCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session's local history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(root)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.DeleteSession(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}
