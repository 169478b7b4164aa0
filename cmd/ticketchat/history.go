package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/conversation"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "history <ticket-id>",
		Short: "Print the merged timeline of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			printTimeline(cmd.OutOrStdout(), s.ctrl.View(conversation.ParseFilter(filter)))
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "all, chat, interventions or bridged")
	return cmd
}

func printTimeline(w io.Writer, msgs []chat.Message) {
	for _, m := range msgs {
		name := m.AuthorName
		if name == "" {
			name = m.AuthorID
		}
		status := ""
		if m.Status != chat.StatusNone {
			status = " (" + string(m.Status) + ")"
		}
		fmt.Fprintf(w, "%s  %-12s %s [%s]%s\n", m.Timestamp.Format("2006-01-02 15:04"), name, oneLine(m.Body), m.Origin, status)
		for _, a := range m.Attachments {
			fmt.Fprintf(w, "    attachment: %s (%s)\n", a.Name, humanize.Bytes(uint64(a.Size)))
		}
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
