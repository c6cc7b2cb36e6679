package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages conversations
	convsUnread bool
	convsJSON   bool

	// messages history
	historyJSON bool
)

var messagesCmd = &cobra.Command{
	Use:     "messages",
	Aliases: []string{"msg"},
	Short:   "Direct messaging",
	Long:    "List conversations, read history, and send direct messages.",
}

// ============================================================================
// messages conversations
// ============================================================================

var messagesConversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
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
		if convsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}
		if convsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Println(formatConversation(c, cfg.Auth.UserID))
		}
		fmt.Printf("\n%s unread\n", campusrooms.DisplayBadge(campusrooms.TotalUnreadMessages(convs)))
		return nil
	},
}

// ============================================================================
// messages history
// ============================================================================

var messagesHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation, grouped by day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		msgs, err := client.Messages.History(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		msgs = campusrooms.SortMessages(msgs)
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, g := range campusrooms.GroupMessagesByDate(msgs, time.Now(), time.Local) {
			fmt.Printf("-- %s --\n", g.Label)
			for _, m := range g.Messages {
				who := m.SenderID
				if who == cfg.Auth.UserID {
					who = "you"
				}
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Text)
			}
		}
		return nil
	},
}

// ============================================================================
// messages send / read / contacts
// ============================================================================

var messagesSendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		msg, err := client.Messages.Send(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		return nil
	},
}

var messagesReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Messages.MarkAsRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked as read\n", args[0])
		return nil
	},
}

var messagesContactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List users you can message",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		users, err := client.Messages.ContactableUsers(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(users) == 0 {
			fmt.Println("No contacts found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %s: %s (%s)\n", u.ID, u.Name, u.Role)
		}
		return nil
	},
}

// formatConversation names the other participants of c.
func formatConversation(c campusrooms.Conversation, selfID string) string {
	var names []string
	for _, p := range c.Participants {
		if p.ID != selfID {
			names = append(names, valueOrDefault(p.Name, "Unknown user"))
		}
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	last := ""
	if c.LastMessage != nil {
		last = ": " + c.LastMessage.Text
	}
	return fmt.Sprintf("  %s with %s%s%s", c.ID, strings.Join(names, ", "), unread, last)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	messagesConversationsCmd.Flags().BoolVar(&convsUnread, "unread", false, "Show only unread conversations")
	messagesConversationsCmd.Flags().BoolVar(&convsJSON, "json", false, "Output JSON")

	messagesHistoryCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	messagesCmd.AddCommand(messagesConversationsCmd)
	messagesCmd.AddCommand(messagesHistoryCmd)
	messagesCmd.AddCommand(messagesSendCmd)
	messagesCmd.AddCommand(messagesReadCmd)
	messagesCmd.AddCommand(messagesContactsCmd)

	rootCmd.AddCommand(messagesCmd)
}
