package campusrooms

import (
	"sort"
	"strconv"
	"time"
)

// TotalUnreadMessages sums UnreadCount across conversations. Negative counts
// from a misbehaving server are ignored.
func TotalUnreadMessages(conversations []Conversation) int {
	total := 0
	for _, c := range conversations {
		if c.UnreadCount > 0 {
			total += c.UnreadCount
		}
	}
	return total
}

// TotalUnreadNotifications counts notifications not yet read.
func TotalUnreadNotifications(notifications []Notification) int {
	total := 0
	for _, n := range notifications {
		if !n.Read {
			total++
		}
	}
	return total
}

// TotalUnreadNotificationsFor counts unread notifications addressed to
// userID, broadcasts included.
func TotalUnreadNotificationsFor(notifications []Notification, userID string) int {
	total := 0
	for _, n := range notifications {
		if !n.Read && (n.Broadcast() || n.RecipientID == userID) {
			total++
		}
	}
	return total
}

// DisplayBadge renders count for a badge: "0" through "9", then "9+".
func DisplayBadge(count int) string {
	switch {
	case count <= 0:
		return "0"
	case count > 9:
		return "9+"
	default:
		return strconv.Itoa(count)
	}
}

// UnreadSnapshot is the derived unread state at one point in time.
type UnreadSnapshot struct {
	Messages           int    `json:"messages"`
	Notifications      int    `json:"notifications"`
	MessagesBadge      string `json:"messagesBadge"`
	NotificationsBadge string `json:"notificationsBadge"`
}

// NewUnreadSnapshot fills in the badges for the given totals.
func NewUnreadSnapshot(messages, notifications int) UnreadSnapshot {
	return UnreadSnapshot{
		Messages:           messages,
		Notifications:      notifications,
		MessagesBadge:      DisplayBadge(messages),
		NotificationsBadge: DisplayBadge(notifications),
	}
}

// Unread derives unread totals from the cached conversation and notification
// collections. Nothing is stored; a missing collection counts as empty.
func Unread(cache *QueryCache) UnreadSnapshot {
	conversations, _ := Lookup[[]Conversation](cache, KeyConversations)
	notifications, _ := Lookup[[]Notification](cache, KeyNotifications)
	return NewUnreadSnapshot(TotalUnreadMessages(conversations), TotalUnreadNotifications(notifications))
}

// UnreadFor is Unread counting only notifications addressed to userID or
// broadcast to everyone.
func UnreadFor(cache *QueryCache, userID string) UnreadSnapshot {
	conversations, _ := Lookup[[]Conversation](cache, KeyConversations)
	notifications, _ := Lookup[[]Notification](cache, KeyNotifications)
	return NewUnreadSnapshot(TotalUnreadMessages(conversations), TotalUnreadNotificationsFor(notifications, userID))
}

// ============================================================================
// Message Ordering
// ============================================================================

// SortMessages returns a copy of msgs ordered by creation time, ties broken
// by ID.
func SortMessages(msgs []Message) []Message {
	out := append([]Message(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MessageGroup is a run of messages sent on the same calendar day.
type MessageGroup struct {
	Label    string
	Date     time.Time
	Messages []Message
}

// GroupMessagesByDate sorts msgs and splits them by calendar day in loc.
// Days are labelled "Today", "Yesterday" or dd/mm/yyyy relative to now.
func GroupMessagesByDate(msgs []Message, now time.Time, loc *time.Location) []MessageGroup {
	if loc == nil {
		loc = time.Local
	}
	today := startOfDay(now.In(loc))
	yesterday := today.AddDate(0, 0, -1)

	var groups []MessageGroup
	for _, m := range SortMessages(msgs) {
		day := startOfDay(m.CreatedAt.In(loc))
		if n := len(groups); n > 0 && groups[n-1].Date.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		label := day.Format("02/01/2006")
		switch {
		case day.Equal(today):
			label = "Today"
		case day.Equal(yesterday):
			label = "Yesterday"
		}
		groups = append(groups, MessageGroup{Label: label, Date: day, Messages: []Message{m}})
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
