package campusrooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var ErrNotLoggedIn = errors.New("not logged in")

// SessionOptions configures NewSession.
type SessionOptions struct {
	// Transport builds the realtime transport. Defaults to WebSocketTransport
	// against the client's base URL without its /api suffix.
	Transport TransportFactory
	Alerts    Alerter
	Logger    *slog.Logger
	Metrics   *Metrics

	ConnectTimeout time.Duration
	// ReconcileSchedule is a cron spec for periodic full refetches. Empty
	// disables the schedule; reconnects still reconcile.
	ReconcileSchedule string
}

// Session ties one authenticated user to the REST client, the query cache,
// the event router and the realtime connection.
type Session struct {
	Client     *Client
	Cache      *QueryCache
	Router     *EventRouter
	Connection *ConnectionManager
	Reconciler *CacheReconciler

	logger *slog.Logger

	mu       sync.Mutex
	identity *Identity
}

// RealtimeURL derives the realtime server root from an API base URL.
func RealtimeURL(apiBaseURL string) string {
	return strings.TrimSuffix(strings.TrimRight(apiBaseURL, "/"), "/api")
}

func NewSession(client *Client, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = LogAlerter{Logger: logger}
	}
	factory := opts.Transport
	if factory == nil {
		factory = WebSocketTransport(RealtimeConfig{
			URL:           RealtimeURL(client.BaseURL()),
			AutoReconnect: true,
			Logger:        logger,
		})
	}

	cache := NewQueryCache(WithQueryLogger(logger), WithQueryMetrics(opts.Metrics))
	router := NewEventRouter(cache, alerts, WithRouterLogger(logger), WithRouterMetrics(opts.Metrics))
	reconciler := NewCacheReconciler(cache,
		WithSchedule(opts.ReconcileSchedule),
		WithReconcileLogger(logger),
		WithReconcileMetrics(opts.Metrics),
	)
	connOpts := []ConnectionOption{
		WithReconciler(reconciler),
		WithConnectionLogger(logger),
		WithConnectionMetrics(opts.Metrics),
	}
	if opts.ConnectTimeout > 0 {
		connOpts = append(connOpts, WithConnectTimeout(opts.ConnectTimeout))
	}

	return &Session{
		Client:     client,
		Cache:      cache,
		Router:     router,
		Connection: NewConnectionManager(factory, router, connOpts...),
		Reconciler: reconciler,
		logger:     logger,
	}
}

// Login scopes the session to the identity carried by credential: it
// registers the queries that identity observes, primes them, starts the
// reconcile schedule and opens the realtime connection. A realtime failure
// is logged and leaves the session usable over REST.
func (s *Session) Login(ctx context.Context, credential string) (*Identity, error) {
	identity, _, err := ParseCredential(credential, time.Now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	previous := s.identity
	s.mu.Unlock()
	if previous != nil {
		s.Logout()
	}

	s.Client.SetToken(credential)
	s.registerQueries(*identity)

	if err := s.Reconciler.ReconcileNow(ctx); err != nil {
		s.logger.Warn("initial load incomplete", "user_id", identity.ID, "error", err)
	}
	if err := s.Reconciler.Start(context.Background()); err != nil {
		s.logger.Warn("reconcile schedule disabled", "error", err)
	}
	if err := s.Connection.Activate(ctx, *identity, credential); err != nil {
		s.logger.Warn("realtime unavailable", "user_id", identity.ID, "error", err)
	}

	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	s.logger.Info("session started", "user_id", identity.ID, "role", string(identity.Role))
	return identity, nil
}

// LoginWithPassword authenticates against the API and starts the session
// with the returned token.
func (s *Session) LoginWithPassword(ctx context.Context, email, password string) (*Identity, error) {
	res, err := s.Client.Auth.Login(ctx, &LoginOptions{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return s.Login(ctx, res.Token)
}

// Logout closes the realtime connection and forgets every cached value.
func (s *Session) Logout() {
	if err := s.Connection.Deactivate(); err != nil {
		s.logger.Warn("realtime disconnect failed", "error", err)
	}
	s.Reconciler.Stop()
	s.Cache.Reset()
	s.Client.SetToken("")

	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
}

// Close logs out and cancels any fetch still in flight.
func (s *Session) Close() {
	s.Logout()
	s.Cache.Close()
}

// Identity returns the logged-in identity.
func (s *Session) Identity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Unread derives the current unread totals from the cache. Notifications
// addressed to another user are not counted.
func (s *Session) Unread() UnreadSnapshot {
	id, ok := s.Identity()
	if !ok {
		return Unread(s.Cache)
	}
	return UnreadFor(s.Cache, id.ID)
}

func (s *Session) registerQueries(id Identity) {
	c := s.Client
	s.Cache.Register(KeyConversations, func(ctx context.Context, _ QueryKey) (any, error) {
		return c.Messages.Conversations(ctx)
	})
	s.Cache.RegisterPrefix(KeyMessages, func(ctx context.Context, key QueryKey) (any, error) {
		if len(key) < 2 {
			return nil, fmt.Errorf("messages query needs a conversation id")
		}
		msgs, err := c.Messages.History(ctx, key[1])
		if err != nil {
			return nil, err
		}
		return SortMessages(msgs), nil
	})
	s.Cache.Register(KeyNotifications, func(ctx context.Context, _ QueryKey) (any, error) {
		list, err := c.Notifications.Mine(ctx, nil)
		if err != nil {
			return nil, err
		}
		return list.Notifications, nil
	})

	s.Cache.Unregister(KeyMyReservations)
	s.Cache.Unregister(KeyOwnerReservations)
	switch id.Role {
	case RoleStudent:
		s.Cache.Register(KeyMyReservations, func(ctx context.Context, _ QueryKey) (any, error) {
			return c.Reservations.Mine(ctx)
		})
	case RoleOwner:
		s.Cache.Register(KeyOwnerReservations, func(ctx context.Context, _ QueryKey) (any, error) {
			return c.Reservations.ForOwner(ctx)
		})
	}
}

// ============================================================================
// Reads
// ============================================================================

// Conversations returns the cached conversation list, loading it if absent.
func (s *Session) Conversations(ctx context.Context) ([]Conversation, error) {
	return cachedOrFetch[[]Conversation](ctx, s.Cache, KeyConversations)
}

// Notifications returns the cached notification list, loading it if absent.
func (s *Session) Notifications(ctx context.Context) ([]Notification, error) {
	return cachedOrFetch[[]Notification](ctx, s.Cache, KeyNotifications)
}

// Messages returns a conversation's history ordered by creation time. The
// conversation becomes observed, so new-message events refresh it.
func (s *Session) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	return cachedOrFetch[[]Message](ctx, s.Cache, MessagesKey(conversationID))
}

// Reservations returns the cached reservations for a student or an owner.
func (s *Session) Reservations(ctx context.Context) ([]Reservation, error) {
	id, ok := s.Identity()
	if !ok {
		return nil, ErrNotLoggedIn
	}
	switch id.Role {
	case RoleStudent:
		return cachedOrFetch[[]Reservation](ctx, s.Cache, KeyMyReservations)
	case RoleOwner:
		return cachedOrFetch[[]Reservation](ctx, s.Cache, KeyOwnerReservations)
	}
	return s.Client.Admin.Reservations(ctx)
}

func cachedOrFetch[T any](ctx context.Context, cache *QueryCache, key QueryKey) (T, error) {
	if v, ok := Lookup[T](cache, key); ok && !cache.Stale(key) {
		return v, nil
	}
	var zero T
	v, err := cache.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected cached type %T", key, v)
	}
	return t, nil
}

// ============================================================================
// Mutations
// ============================================================================

// SendMessage sends a direct message and refreshes the affected queries.
func (s *Session) SendMessage(ctx context.Context, recipientID, text string) (*Message, error) {
	msg, err := s.Client.Messages.Send(ctx, recipientID, text)
	if err != nil {
		return nil, err
	}
	s.Cache.Invalidate(KeyConversations)
	if msg.ConversationID != "" {
		s.Cache.Invalidate(MessagesKey(msg.ConversationID))
	}
	return msg, nil
}

// MarkConversationRead clears a conversation's unread count server-side.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) error {
	if err := s.Client.Messages.MarkAsRead(ctx, conversationID); err != nil {
		return err
	}
	s.Cache.Invalidate(KeyConversations)
	return nil
}

func (s *Session) MarkNotificationRead(ctx context.Context, notificationID string) error {
	if err := s.Client.Notifications.MarkAsRead(ctx, notificationID); err != nil {
		return err
	}
	s.Cache.Invalidate(KeyNotifications)
	return nil
}

func (s *Session) MarkAllNotificationsRead(ctx context.Context) error {
	if err := s.Client.Notifications.MarkAllAsRead(ctx); err != nil {
		return err
	}
	s.Cache.Invalidate(KeyNotifications)
	return nil
}

// UpdateReservationStatus lets an owner confirm or cancel a request.
func (s *Session) UpdateReservationStatus(ctx context.Context, reservationID string, status ReservationStatus) (*Reservation, error) {
	res, err := s.Client.Reservations.UpdateStatus(ctx, reservationID, status)
	if err != nil {
		return nil, err
	}
	s.Cache.Invalidate(KeyOwnerReservations)
	return res, nil
}

// Reserve requests a room for the logged-in student.
func (s *Session) Reserve(ctx context.Context, roomID string) (*Reservation, error) {
	res, err := s.Client.Reservations.Create(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.Cache.Invalidate(KeyMyReservations)
	return res, nil
}
