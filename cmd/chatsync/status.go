package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token has expired, and reach the chat API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  WS URL:    %s\n", valueOrDefault(cfg.Default.WSURL, deriveWSURL(cfg.Default.BaseURL)+" (derived)"))
		fmt.Printf("  Tenant:    %s\n", valueOrDefault(cfg.Default.Tenant, "(none)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username:  %s\n", cfg.Auth.Username)
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = fmt.Sprintf("%s (no expiry set)", maskKey(cfg.Auth.Token))
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				switch {
				case err != nil:
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				case time.Now().Before(expires):
					tokenStatus = fmt.Sprintf("valid, expires %s", humanize.Time(expires))
				default:
					tokenStatus = fmt.Sprintf("EXPIRED %s", humanize.Time(expires))
				}
			}
		}
		fmt.Printf("  Token:     %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		start := time.Now()
		channels, err := client.ListChannels(ctx)
		if err != nil {
			fmt.Printf("  Error reaching chat API: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range channels {
			unread += c.UnreadCount
		}
		fmt.Printf("  Channels:  %s\n", humanize.Comma(int64(len(channels))))
		fmt.Printf("  Unread:    %s\n", humanize.Comma(int64(unread)))
		fmt.Printf("  Latency:   %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
