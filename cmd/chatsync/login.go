package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var loginUserID string

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "User id, for tokens that do not carry one")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token in ~/.chatsync/config.toml",
	Long:  "Store the bearer token used for REST and WebSocket access. When the token is a JWT, the user id, username and expiry are read from its claims.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{Token: token}
		if info, err := parseToken(token); err == nil {
			cfg.Auth.UserID = info.UserID
			cfg.Auth.Username = info.Username
			if !info.Expires.IsZero() {
				cfg.Auth.TokenExpires = info.Expires.UTC().Format(time.RFC3339)
			}
		}
		if loginUserID != "" {
			cfg.Auth.UserID = loginUserID
		}
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("cannot determine user id from token; pass --user-id")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Logged in as user %s. Token saved to %s\n", cfg.Auth.UserID, path)
		return nil
	},
}
