package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	messenger "github.com/groupware-io/messenger-sdk-go"
)

var (
	conversationsJSON bool
	historyJSON       bool
	historyLimit      int
	openCompanyID     string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last n messages")
	openCmd.Flags().StringVar(&openCompanyID, "company", "", "Company id (defaults to default.company_id)")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(readCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := s.client.Conversations.List(ctx, s.cfg.Default.Scope)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		messenger.SortByRecency(convs)

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		renderConversations(os.Stdout, s.cfg.Auth.UserID, convs)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := s.client.Messages.History(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		renderMessages(os.Stdout, msgs)
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Get or create the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		companyID := openCompanyID
		if companyID == "" {
			companyID = s.cfg.Default.CompanyID
		}
		conv, err := s.client.Conversations.GetOrCreate(ctx, &messenger.GetOrCreateOptions{
			UserID:    args[0],
			CompanyID: companyID,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("%s\t%s\n", conv.ID, conv.Title(s.cfg.Auth.UserID))
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark every message of a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := s.client.Messages.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %s as read\n", args[0])
		return nil
	},
}
