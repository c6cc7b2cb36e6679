package main

import (
	"fmt"

	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

var unreadJSON bool

func init() {
	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(unreadCmd)
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread message and notification badges",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		convs, err := client.Messages.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		list, err := client.Notifications.Mine(ctx, nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		snap := unreadSnapshot(convs, list.Notifications, cfg.Auth.UserID)
		if unreadJSON {
			return printJSON(snap)
		}
		fmt.Printf("Messages:      %s\n", snap.MessagesBadge)
		fmt.Printf("Notifications: %s\n", snap.NotificationsBadge)
		return nil
	},
}

func unreadSnapshot(convs []campusrooms.Conversation, ns []campusrooms.Notification, userID string) campusrooms.UnreadSnapshot {
	return campusrooms.NewUnreadSnapshot(
		campusrooms.TotalUnreadMessages(convs),
		campusrooms.TotalUnreadNotificationsFor(ns, userID),
	)
}
