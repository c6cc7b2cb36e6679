package campusrooms

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the marketplace API.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "api error: HTTP " + strconv.Itoa(e.Status)
	}
	return fmt.Sprintf("api error: HTTP %d: %s", e.Status, e.Message)
}

// ============================================================================
// Identity
// ============================================================================

// Role is the marketplace role of an authenticated user.
type Role string

const (
	RoleStudent Role = "student"
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
)

// roleAliases maps the role names issued by the backend onto Role.
var roleAliases = map[string]Role{
	"student":      RoleStudent,
	"etudiant":     RoleStudent,
	"owner":        RoleOwner,
	"proprietaire": RoleOwner,
	"admin":        RoleAdmin,
}

// ParseRole converts a wire role name into a Role.
func ParseRole(s string) (Role, error) {
	if r, ok := roleAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*r = ""
		return nil
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Identity is the authenticated user context. It is owned by the auth
// collaborator; the realtime core only reads it.
type Identity struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"name"`
}

// Room returns the identity-scoped realtime room name.
func (i Identity) Room() string {
	return "user:" + i.ID
}

// ============================================================================
// Messaging
// ============================================================================

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role,omitempty"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is a cached projection of server state. UnreadCount is never
// authoritative locally.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
}

type SendMessageOptions struct {
	RecipientID string `json:"recipientId"`
	Text        string `json:"text"`
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Notification is addressed to RecipientID, or broadcast when it is empty.
type Notification struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Message     string               `json:"message"`
	Type        NotificationType     `json:"type"`
	Priority    NotificationPriority `json:"priority"`
	Read        bool                 `json:"read"`
	RecipientID string               `json:"recipientId,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// Broadcast reports whether the notification targets every user.
func (n Notification) Broadcast() bool {
	return n.RecipientID == ""
}

// NotificationList is the listing envelope returned by the API. UnreadCount
// is informational; badges are derived from Notifications.
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

type NotificationQuery struct {
	UnreadOnly bool
	Type       NotificationType
}

type CreateNotificationOptions struct {
	Title       string               `json:"title"`
	Message     string               `json:"message"`
	Type        NotificationType     `json:"type,omitempty"`
	Priority    NotificationPriority `json:"priority,omitempty"`
	RecipientID string               `json:"recipientId,omitempty"`
}

// ============================================================================
// Listings & Reservations
// ============================================================================

type Room struct {
	ID        string  `json:"id"`
	Number    string  `json:"number"`
	Title     string  `json:"title,omitempty"`
	City      string  `json:"city,omitempty"`
	Price     float64 `json:"price"`
	Available bool    `json:"available"`
	OwnerID   string  `json:"ownerId,omitempty"`
}

type RoomFilters struct {
	City      string
	MinPrice  float64
	MaxPrice  float64
	Available *bool
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

type Reservation struct {
	ID        string            `json:"id"`
	RoomID    string            `json:"roomId"`
	Room      *Room             `json:"room,omitempty"`
	StudentID string            `json:"studentId"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ============================================================================
// Users & Admin
// ============================================================================

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

type LoginOptions struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterOptions struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type ChangePasswordOptions struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type AdminStats struct {
	Users        int `json:"users"`
	Rooms        int `json:"rooms"`
	Reservations int `json:"reservations"`
	Pending      int `json:"pending"`
}
