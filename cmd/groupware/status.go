package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	messenger "github.com/groupware-io/messenger-sdk-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live conversation counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, messenger.DefaultBaseURL+" (default)"))
		fmt.Printf("  Scope:       %s\n", valueOrDefault(cfg.Default.Scope, "(not set)"))
		fmt.Printf("  Company:     %s\n", valueOrDefault(cfg.Default.CompanyID, "(not set)"))
		fmt.Printf("  Cache dir:   %s\n", valueOrDefault(cfg.Default.CacheDir, "(memory only)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth, time.Now()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := s.client.Conversations.List(ctx, cfg.Default.Scope)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return fmt.Sprintf("%s (no expiry set)", maskToken(auth.Token))
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
