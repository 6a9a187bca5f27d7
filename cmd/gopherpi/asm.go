package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"gopherpi/internal/board"
)

func newAsmCmd() *cobra.Command {
	var (
		output  string
		symbols bool
	)

	cmd := &cobra.Command{
		Use:   "asm [flags] program.s",
		Short: "Assemble a user program into an ELF executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			prog, err := board.Assemble(string(src))
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			if output == "" {
				output = strings.TrimSuffix(args[0], filepath.Ext(args[0]))
			}
			if err = os.WriteFile(output, prog.ELF(), 0o755); err != nil {
				return err
			}

			if symbols {
				names := make([]string, 0, len(prog.Symbols))
				for name := range prog.Symbols {
					names = append(names, name)
				}
				sort.Slice(names, func(i, j int) bool { return prog.Symbols[names[i]] < prog.Symbols[names[j]] })
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "%016x %s\n", prog.Symbols[name], name)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: source name without extension)")
	cmd.Flags().BoolVar(&symbols, "symbols", false, "print the symbol table")
	return cmd
}
