package main

import (
	"debug/elf"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect executable",
		Short: "Print the loadable segments of an ELF executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := elf.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if f.Machine != elf.EM_AARCH64 || f.Class != elf.ELFCLASS64 {
				return fmt.Errorf("%s: not an aarch64 executable (%s, %s)", args[0], f.Class, f.Machine)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "entry: 0x%x\n", f.Entry)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tVADDR\tFILESZ\tMEMSZ\tFLAGS")
			for _, p := range f.Progs {
				fmt.Fprintf(w, "%s\t0x%x\t0x%x\t0x%x\t%s\n", p.Type, p.Vaddr, p.Filesz, p.Memsz, p.Flags)
			}
			return w.Flush()
		},
	}
}
