package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/reconnect"
	"github.com/helpdesk/ticketchat/internal/tui"
)

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		attachments []string
		viaBridge   bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <ticket-id> <message>",
		Short: "Send one message and wait for the relay to acknowledge it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			body := strings.Join(args[1:], " ")

			var atts []chat.Attachment
			for _, path := range attachments {
				a, err := tui.LoadAttachment(path)
				if err != nil {
					return err
				}
				atts = append(atts, a)
			}
			if viaBridge && len(atts) > 0 {
				return errors.New("attachments cannot be sent through the bridge")
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, cfg, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if viaBridge {
				if err := s.ctrl.SendBridged(ctx, body); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sent through the bridge")
				return nil
			}

			if err := waitFor(ctx, timeout, func() (bool, error) {
				switch st := s.ctrl.ConnectionStatus().State; st {
				case reconnect.StateConnected:
					return true, nil
				case reconnect.StateFailed:
					return false, errors.New("could not connect to the relay")
				}
				if n := s.ctrl.Status().Notice; n != nil && n.Persistent {
					if n.Err == nil {
						return false, errors.New(n.Text)
					}
					return false, fmt.Errorf("%s: %w", n.Text, n.Err)
				}
				return false, nil
			}); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			id, err := s.ctrl.Submit(ctx, body, atts)
			if err != nil {
				return err
			}
			var durable string
			err = waitFor(ctx, timeout, func() (bool, error) {
				for _, p := range s.ctrl.Status().Pending {
					if p.ProvisionalID == id {
						if p.Status == chat.StatusFailed {
							return false, fmt.Errorf("message failed: %w", p.LastError)
						}
						return false, nil
					}
				}
				durable = lastOwn(s.ctrl.Timeline(), cfg.User.ID)
				return true, nil
			})
			if errors.Is(err, context.DeadlineExceeded) {
				return errors.New("no acknowledgement from the relay")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), durable)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&attachments, "attach", "a", nil, "image file to attach (repeatable)")
	cmd.Flags().BoolVar(&viaBridge, "via-bridge", false, "send through the external messaging bridge")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "how long to wait for the connection and the acknowledgement")
	return cmd
}

// lastOwn returns the id of the newest message authored by selfID.
func lastOwn(tl []chat.Message, selfID string) string {
	for i := len(tl) - 1; i >= 0; i-- {
		if tl[i].AuthorID == selfID && tl[i].Status != chat.StatusNone {
			return tl[i].ID
		}
	}
	return ""
}
