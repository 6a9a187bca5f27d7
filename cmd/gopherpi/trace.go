package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"gopherpi/internal/trace"
)

func newTraceCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "trace database",
		Short: "Summarize a recorded trace session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := trace.Summarize(args[0], session)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session:  %s\n", s.Session)
			if s.Label != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "cmdline:  %s\n", s.Label)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "switches: %d\n", s.Switches)
			fmt.Fprintf(cmd.OutOrStdout(), "faults:   %d (%d unresolved)\n", s.Faults, s.Unresolved)

			names := make([]string, 0, len(s.Syscalls))
			for name := range s.Syscalls {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-8s %d\n", name, s.Syscalls[name])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "session id (default: most recent)")
	return cmd
}
