// Package campusrooms provides a Go client for the campus room-rental
// marketplace: the REST API (listings, reservations, messages,
// notifications, admin) and the realtime layer that keeps a local query
// cache in sync with server pushes.
//
// Example:
//
//	client := campusrooms.NewClient(token, campusrooms.WithBaseURL("http://localhost:5000/api"))
//	session := campusrooms.NewSession(client, campusrooms.SessionOptions{})
//	if _, err := session.Login(ctx, token); err != nil { ... }
//	defer session.Logout()
//
//	unread := session.Unread()
//	fmt.Println(campusrooms.DisplayBadge(unread.Messages))
package campusrooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:5000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client

	Auth          *AuthClient
	Rooms         *RoomsClient
	Reservations  *ReservationsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
	Users         *UsersClient
	Admin         *AdminClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout sets the request timeout on a copy of the HTTP client, so a
// client passed to WithHTTPClient is left untouched.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = timeout
		c.httpClient = &hc
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new marketplace client.
// token is optional; pass "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Rooms = &RoomsClient{c: c}
	c.Reservations = &ReservationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Admin = &AdminClient{c: c}
	return c
}

// SetToken sets or updates the bearer token, e.g. after Auth.Login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func do[T any](ctx context.Context, c *Client, method, path string, body interface{}, query url.Values) (*T, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles login, registration and e-mail verification.
type AuthClient struct{ c *Client }

func (a *AuthClient) Login(ctx context.Context, opts *LoginOptions) (*LoginResult, error) {
	return do[LoginResult](ctx, a.c, "POST", "/auth/login", opts, nil)
}

func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*LoginResult, error) {
	return do[LoginResult](ctx, a.c, "POST", "/auth/register", opts, nil)
}

func (a *AuthClient) VerifyEmail(ctx context.Context, token string) error {
	_, err := a.c.doRequest(ctx, "GET", "/auth/verify-email", nil, url.Values{"token": {token}})
	return err
}

// RoomsClient handles room listings.
type RoomsClient struct{ c *Client }

func (r *RoomsClient) List(ctx context.Context, filters *RoomFilters) ([]Room, error) {
	rooms, err := do[[]Room](ctx, r.c, "GET", "/chambres", nil, roomQuery(filters))
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

func (r *RoomsClient) Get(ctx context.Context, roomID string) (*Room, error) {
	return do[Room](ctx, r.c, "GET", "/chambres/"+url.PathEscape(roomID), nil, nil)
}

func (r *RoomsClient) Create(ctx context.Context, room *Room) (*Room, error) {
	return do[Room](ctx, r.c, "POST", "/chambres", room, nil)
}

func (r *RoomsClient) Update(ctx context.Context, roomID string, room *Room) (*Room, error) {
	return do[Room](ctx, r.c, "PUT", "/chambres/"+url.PathEscape(roomID), room, nil)
}

func (r *RoomsClient) Delete(ctx context.Context, roomID string) error {
	_, err := r.c.doRequest(ctx, "DELETE", "/chambres/"+url.PathEscape(roomID), nil, nil)
	return err
}

// Cities lists the university cities that have listings.
func (r *RoomsClient) Cities(ctx context.Context) ([]string, error) {
	cities, err := do[[]string](ctx, r.c, "GET", "/chambres/villes", nil, nil)
	if err != nil {
		return nil, err
	}
	return *cities, nil
}

func roomQuery(f *RoomFilters) url.Values {
	if f == nil {
		return nil
	}
	q := url.Values{}
	if f.City != "" {
		q.Set("ville", f.City)
	}
	if f.MinPrice > 0 {
		q.Set("prixMin", strconv.FormatFloat(f.MinPrice, 'f', -1, 64))
	}
	if f.MaxPrice > 0 {
		q.Set("prixMax", strconv.FormatFloat(f.MaxPrice, 'f', -1, 64))
	}
	if f.Available != nil {
		q.Set("disponible", strconv.FormatBool(*f.Available))
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ReservationsClient handles reservation requests for students and owners.
type ReservationsClient struct{ c *Client }

func (r *ReservationsClient) Mine(ctx context.Context) ([]Reservation, error) {
	res, err := do[[]Reservation](ctx, r.c, "GET", "/reservations", nil, nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (r *ReservationsClient) Get(ctx context.Context, reservationID string) (*Reservation, error) {
	return do[Reservation](ctx, r.c, "GET", "/reservations/"+url.PathEscape(reservationID), nil, nil)
}

func (r *ReservationsClient) Create(ctx context.Context, roomID string) (*Reservation, error) {
	return do[Reservation](ctx, r.c, "POST", "/reservations", map[string]string{"chambre": roomID}, nil)
}

func (r *ReservationsClient) Cancel(ctx context.Context, reservationID string) error {
	_, err := r.c.doRequest(ctx, "DELETE", "/reservations/"+url.PathEscape(reservationID), nil, nil)
	return err
}

// Delete removes a reservation from an owner's listing history.
func (r *ReservationsClient) Delete(ctx context.Context, reservationID string) error {
	return r.Cancel(ctx, reservationID)
}

func (r *ReservationsClient) ForOwner(ctx context.Context) ([]Reservation, error) {
	res, err := do[[]Reservation](ctx, r.c, "GET", "/proprietaire/reservations", nil, nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (r *ReservationsClient) UpdateStatus(ctx context.Context, reservationID string, status ReservationStatus) (*Reservation, error) {
	return do[Reservation](ctx, r.c, "PUT", "/proprietaire/reservations/"+url.PathEscape(reservationID),
		map[string]string{"status": string(status)}, nil)
}

// MessagesClient handles direct messaging.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) Conversations(ctx context.Context) ([]Conversation, error) {
	convs, err := do[[]Conversation](ctx, m.c, "GET", "/messages/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

func (m *MessagesClient) ContactableUsers(ctx context.Context) ([]User, error) {
	users, err := do[[]User](ctx, m.c, "GET", "/messages/contactable-users", nil, nil)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

func (m *MessagesClient) History(ctx context.Context, conversationID string) ([]Message, error) {
	msgs, err := do[[]Message](ctx, m.c, "GET", "/messages/conversation/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

func (m *MessagesClient) Send(ctx context.Context, recipientID, text string) (*Message, error) {
	return do[Message](ctx, m.c, "POST", "/messages", &SendMessageOptions{RecipientID: recipientID, Text: text}, nil)
}

func (m *MessagesClient) CreateConversation(ctx context.Context, recipientID string) (*Conversation, error) {
	return do[Conversation](ctx, m.c, "POST", "/messages/conversation", map[string]string{"recipientId": recipientID}, nil)
}

func (m *MessagesClient) MarkAsRead(ctx context.Context, conversationID string) error {
	_, err := m.c.doRequest(ctx, "PUT", "/messages/conversation/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// NotificationsClient handles the notification inbox.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) Mine(ctx context.Context, opts *NotificationQuery) (*NotificationList, error) {
	var query url.Values
	if opts != nil {
		query = url.Values{}
		if opts.UnreadOnly {
			query.Set("unreadOnly", "true")
		}
		if opts.Type != "" {
			query.Set("type", string(opts.Type))
		}
	}
	return do[NotificationList](ctx, n.c, "GET", "/notifications/me", nil, query)
}

// Create sends a notification (admin only). An empty RecipientID broadcasts.
func (n *NotificationsClient) Create(ctx context.Context, opts *CreateNotificationOptions) (*Notification, error) {
	return do[Notification](ctx, n.c, "POST", "/notifications", opts, nil)
}

func (n *NotificationsClient) MarkAsRead(ctx context.Context, notificationID string) error {
	_, err := n.c.doRequest(ctx, "PUT", "/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
	return err
}

func (n *NotificationsClient) MarkAllAsRead(ctx context.Context) error {
	_, err := n.c.doRequest(ctx, "PUT", "/notifications/mark-all-read", nil, nil)
	return err
}

func (n *NotificationsClient) Delete(ctx context.Context, notificationID string) error {
	_, err := n.c.doRequest(ctx, "DELETE", "/notifications/"+url.PathEscape(notificationID), nil, nil)
	return err
}

// UsersClient handles profiles and favorites.
type UsersClient struct{ c *Client }

func (u *UsersClient) Get(ctx context.Context, userID string) (*User, error) {
	return do[User](ctx, u.c, "GET", "/users/"+url.PathEscape(userID), nil, nil)
}

func (u *UsersClient) ChangePassword(ctx context.Context, userID string, opts *ChangePasswordOptions) error {
	_, err := u.c.doRequest(ctx, "PUT", "/users/"+url.PathEscape(userID)+"/password", opts, nil)
	return err
}

func (u *UsersClient) AddFavorite(ctx context.Context, roomID string) error {
	_, err := u.c.doRequest(ctx, "POST", "/users/favoris", map[string]string{"chambreId": roomID}, nil)
	return err
}

func (u *UsersClient) RemoveFavorite(ctx context.Context, roomID string) error {
	_, err := u.c.doRequest(ctx, "DELETE", "/users/favoris", map[string]string{"chambreId": roomID}, nil)
	return err
}

// AdminClient handles platform administration.
type AdminClient struct{ c *Client }

func (a *AdminClient) Stats(ctx context.Context) (*AdminStats, error) {
	return do[AdminStats](ctx, a.c, "GET", "/admin/stats", nil, nil)
}

func (a *AdminClient) Users(ctx context.Context) ([]User, error) {
	users, err := do[[]User](ctx, a.c, "GET", "/admin/users", nil, nil)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

func (a *AdminClient) UpdateUserRole(ctx context.Context, userID string, role Role) error {
	_, err := a.c.doRequest(ctx, "PATCH", "/admin/users/"+url.PathEscape(userID)+"/role", map[string]string{"role": string(role)}, nil)
	return err
}

func (a *AdminClient) DeleteUser(ctx context.Context, userID string) error {
	_, err := a.c.doRequest(ctx, "DELETE", "/admin/users/"+url.PathEscape(userID), nil, nil)
	return err
}

func (a *AdminClient) Reservations(ctx context.Context) ([]Reservation, error) {
	res, err := do[[]Reservation](ctx, a.c, "GET", "/admin/reservations", nil, nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}
