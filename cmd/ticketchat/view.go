package main

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/helpdesk/ticketchat/internal/conversation"
	"github.com/helpdesk/ticketchat/internal/tui"
)

func newViewCmd(opts *globalOptions) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "view <ticket-id>",
		Short: "Open the live conversation of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			// The terminal belongs to the UI; only file sinks survive.
			if !strings.HasPrefix(cfg.Log.Sink, "file:") {
				cfg.Log.Sink = "off"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx, cfg, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			return tui.Run(ctx, s.ctrl, tui.Options{
				TicketID: args[0],
				SelfID:   cfg.User.ID,
				Filter:   conversation.ParseFilter(filter),
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "initial view: all, chat, interventions or bridged")
	return cmd
}
