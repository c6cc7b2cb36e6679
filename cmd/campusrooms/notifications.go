package main

import (
	"fmt"

	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

var (
	notificationsUnread bool
	notificationsJSON   bool
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Read and manage notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		list, err := client.Notifications.Mine(ctx, &campusrooms.NotificationQuery{UnreadOnly: notificationsUnread})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notificationsJSON {
			return printJSON(list.Notifications)
		}
		if len(list.Notifications) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range list.Notifications {
			mark := " "
			if !n.Read {
				mark = "*"
			}
			fmt.Printf("%s %s [%s] %s: %s\n", mark, n.ID, n.Type, valueOrDefault(n.Title, "New notification"), n.Message)
		}
		unread := campusrooms.TotalUnreadNotificationsFor(list.Notifications, cfg.Auth.UserID)
		fmt.Printf("\n%s unread\n", campusrooms.DisplayBadge(unread))
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark one notification, or all with --all, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getAuthClient()
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			return fmt.Errorf("give a notification id or --all")
		}

		ctx, cancel := requestContext()
		defer cancel()

		if all {
			if err := client.Notifications.MarkAllAsRead(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println("All notifications marked as read")
			return nil
		}
		if err := client.Notifications.MarkAsRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Notification %s marked as read\n", args[0])
		return nil
	},
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <notification-id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Notifications.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Notification %s deleted\n", args[0])
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Show only unread notifications")
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output JSON")
	notificationsReadCmd.Flags().Bool("all", false, "Mark every notification as read")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)

	rootCmd.AddCommand(notificationsCmd)
}
