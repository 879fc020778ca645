package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initUserID  string
	initExpires string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API root of the messenger server")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Participant id of this account")
	initCmd.Flags().StringVar(&initExpires, "expires", "", "Token expiry (RFC 3339)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.groupware/config.toml",
	Long:  "Initialize the groupware CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initExpires != "" {
			cfg.Auth.TokenExpires = initExpires
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if err := validateConfig(cfg); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id set; run 'groupware config set auth.user_id <id>' before using watch or send.")
		}
		return nil
	},
}
