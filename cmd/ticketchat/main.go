// Command ticketchat opens the real-time conversation of a support ticket
// in the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "ticketchat",
		Short:         "Real-time ticket conversations",
		Long:          "ticketchat keeps a live conversation open for a support ticket, merging chat, intervention records and bridged messages into one timeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(cmd)

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newViewCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ticketchat %s (commit: %s)\n", Version, Commit)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
