package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gopherpi/internal/config"
)

// version is set at link time.
var version = "dev"

func newRootCmd() *cobra.Command {
	var (
		envFiles []string
		logLevel string
	)

	root := &cobra.Command{
		Use:   "gopherpi",
		Short: "gopherpi runs a small aarch64 kernel on a simulated Raspberry Pi",
		Long: `gopherpi boots a teaching kernel with paging, processes and a ` +
			`round-robin scheduler on a simulated board and runs user ` +
			`programs written in a small A64 assembly dialect.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			logrus.SetOutput(cmd.ErrOrStderr())

			return config.LoadEnv(envFiles...)
		},
	}

	root.PersistentFlags().StringSliceVar(&envFiles, "env", []string{".env"}, "dotenv files to load")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "host log level")

	root.AddCommand(
		newRunCmd(),
		newAsmCmd(),
		newInspectCmd(),
		newTraceCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "gopherpi %s\n", version)
			},
		},
	)
	return root
}
