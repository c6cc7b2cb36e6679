package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, login and realtime status",
	Long:  "Display the current configuration, check whether the stored token is still valid, and probe the API and realtime server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", cfg.baseURL())
		fmt.Printf("  Realtime:   %s (%s)\n", cfg.transport(), campusrooms.RealtimeURL(cfg.baseURL()))
		fmt.Printf("  Reconcile:  %s\n", cfg.reconcileSchedule())

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:      (not logged in)")
			return nil
		}
		fmt.Printf("  User:       %s (%s)\n", valueOrDefault(cfg.Auth.Name, "(unknown)"), cfg.Auth.UserID)
		fmt.Printf("  Role:       %s\n", cfg.Auth.Role)
		fmt.Printf("  Token:      %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if _, _, err := campusrooms.ParseCredential(cfg.Auth.Token, time.Now()); err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		session, err := newSession(cfg, campusrooms.AlerterFunc(func(campusrooms.AlertLevel, string) {}), nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := requestContext()
		defer cancel()
		if _, err := session.Login(ctx, cfg.Auth.Token); err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		u := session.Unread()
		fmt.Printf("  Realtime:      %s\n", session.Connection.Status())
		fmt.Printf("  Messages:      %s unread\n", u.MessagesBadge)
		fmt.Printf("  Notifications: %s unread\n", u.NotificationsBadge)
		return nil
	},
}

// tokenStatus describes the validity of a stored token.
func tokenStatus(token string, now time.Time) string {
	_, claims, err := campusrooms.ParseCredential(token, now)
	if err != nil {
		return fmt.Sprintf("INVALID (%v)", err)
	}
	if claims.ExpiresAt == nil {
		return fmt.Sprintf("%s (no expiry set)", maskToken(token))
	}
	return fmt.Sprintf("%s valid (expires %s)", maskToken(token), claims.ExpiresAt.Format(time.RFC3339))
}
