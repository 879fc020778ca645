package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	messenger "github.com/groupware-io/messenger-sdk-go"
)

var sendTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the server echo")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, text := args[0], strings.Join(args[1:], " ")

		s, err := newSession()
		if err != nil {
			return err
		}
		engine, err := s.newEngine(messenger.NewMemoryStorage(), nil)
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		changes := make(chan messenger.Change, 64)
		engine.OnChange(func(c messenger.Change) {
			select {
			case changes <- c:
			default:
			}
		})
		go engine.Run(ctx)

		if err := waitReady(ctx, changes); err != nil {
			return err
		}

		msg, err := engine.Send(ctx, convID, text)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("no confirmation for %s within %s", msg.ClientID, sendTimeout)
			case c := <-changes:
				if c.ConversationID != convID {
					continue
				}
				switch c.Kind {
				case messenger.ChangeSendFailed:
					if c.ClientID == msg.ClientID {
						return errors.New("send failed: push channel write error")
					}
				case messenger.ChangeMessages:
					msgs, err := engine.Messages(ctx, convID)
					if err != nil {
						return err
					}
					for _, m := range msgs {
						if m.ClientID == msg.ClientID && !m.Pending() {
							fmt.Printf("Sent %s\n", m.ID)
							return nil
						}
					}
				}
			}
		}
	},
}

// waitReady blocks until the conversation list is loaded and the push
// channel is open.
func waitReady(ctx context.Context, changes <-chan messenger.Change) error {
	var loaded, connected bool
	for !loaded || !connected {
		select {
		case <-ctx.Done():
			return fmt.Errorf("not ready: %w", ctx.Err())
		case c := <-changes:
			switch c.Kind {
			case messenger.ChangeConversations:
				loaded = true
			case messenger.ChangeConnection:
				connected = c.Connected
			}
		}
	}
	return nil
}
