package campusrooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Reconciler refetches every observed query.
type Reconciler interface {
	ReconcileNow(ctx context.Context) error
}

// ConnectionManager owns at most one realtime connection, scoped to the
// active identity's room. Activate and Deactivate are idempotent.
type ConnectionManager struct {
	factory        TransportFactory
	router         *EventRouter
	reconciler     Reconciler
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *Metrics
	now            func() time.Time

	mu           sync.Mutex
	transport    Transport
	identity     Identity
	status       ConnectionStatus
	reconnecting bool
	cancel       context.CancelFunc
	listeners    []func(ConnectionStatus)
}

type ConnectionOption func(*ConnectionManager)

// WithConnectTimeout bounds Activate's connect and join. Default 10s.
func WithConnectTimeout(d time.Duration) ConnectionOption {
	return func(m *ConnectionManager) { m.connectTimeout = d }
}

// WithReconciler runs r each time the transport recovers from a dropped
// connection.
func WithReconciler(r Reconciler) ConnectionOption {
	return func(m *ConnectionManager) { m.reconciler = r }
}

func WithConnectionLogger(l *slog.Logger) ConnectionOption {
	return func(m *ConnectionManager) { m.logger = l }
}

func WithConnectionMetrics(mt *Metrics) ConnectionOption {
	return func(m *ConnectionManager) { m.metrics = mt }
}

func NewConnectionManager(factory TransportFactory, router *EventRouter, opts ...ConnectionOption) *ConnectionManager {
	m := &ConnectionManager{
		factory:        factory,
		router:         router,
		connectTimeout: 10 * time.Second,
		logger:         slog.Default(),
		now:            time.Now,
		status:         StatusDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.SetStatus(StatusDisconnected)
	return m
}

// Status returns the current connection status.
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Identity returns the identity the connection is scoped to.
func (m *ConnectionManager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.transport != nil
}

// OnStatusChange registers fn for status transitions.
func (m *ConnectionManager) OnStatusChange(fn func(ConnectionStatus)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Activate opens the realtime connection for identity and joins its room.
// It is a no-op while a connection already exists. An absent, malformed or
// expired credential opens nothing and returns an error wrapping
// ErrInvalidCredential.
func (m *ConnectionManager) Activate(ctx context.Context, identity Identity, credential string) error {
	m.mu.Lock()
	if m.transport != nil {
		current := m.identity
		m.mu.Unlock()
		if current.ID != identity.ID {
			m.logger.Warn("connection already active for another identity", "user_id", current.ID, "requested_user_id", identity.ID)
		}
		return nil
	}

	parsed, _, err := ParseCredential(credential, m.now())
	if err == nil && identity.ID != "" && parsed.ID != identity.ID {
		err = fmt.Errorf("%w: issued to another user", ErrInvalidCredential)
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("realtime activation skipped", "user_id", identity.ID, "error", err)
		return err
	}
	if identity.ID == "" {
		identity = *parsed
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	t := m.factory(credential)
	m.transport = t
	m.identity = identity
	m.cancel = cancel
	m.reconnecting = false
	m.mu.Unlock()
	defer cancel()

	t.OnStatusChange(func(s ConnectionStatus) { m.onTransportStatus(t, s) })
	m.router.Bind(t, identity)

	err = t.Connect(connectCtx)
	if err == nil {
		err = t.Join(connectCtx, identity.Room())
	}
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrConnectTimeout) {
			err = fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		m.fail(t, err)
		return err
	}

	m.logger.Info("realtime connected", "user_id", identity.ID, "role", string(identity.Role), "room", identity.Room())
	return nil
}

func (m *ConnectionManager) fail(t Transport, err error) {
	if m.detach(t) {
		m.logger.Warn("realtime connect failed", "error", err)
	}
}

// detach drops t if it is still the current transport, so the next Activate
// opens a fresh one.
func (m *ConnectionManager) detach(t Transport) bool {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return false
	}
	m.transport = nil
	m.cancel = nil
	m.reconnecting = false
	m.mu.Unlock()

	m.router.Unbind()
	_ = t.Disconnect()
	m.setStatus(StatusFailed)
	return true
}

// Deactivate closes the connection and removes every handler. It is safe to
// call when no connection exists.
func (m *ConnectionManager) Deactivate() error {
	m.mu.Lock()
	t := m.transport
	cancel := m.cancel
	m.transport = nil
	m.cancel = nil
	m.identity = Identity{}
	m.reconnecting = false
	m.mu.Unlock()

	if t == nil {
		m.setStatus(StatusDisconnected)
		return nil
	}
	if cancel != nil {
		cancel()
	}
	m.router.Unbind()
	err := t.Disconnect()
	m.setStatus(StatusDisconnected)
	m.logger.Info("realtime disconnected")
	return err
}

// Switch re-scopes the connection to a different identity.
func (m *ConnectionManager) Switch(ctx context.Context, identity Identity, credential string) error {
	if err := m.Deactivate(); err != nil {
		m.logger.Warn("disconnect before switch failed", "error", err)
	}
	return m.Activate(ctx, identity, credential)
}

func (m *ConnectionManager) onTransportStatus(t Transport, s ConnectionStatus) {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return
	}
	recovered := false
	switch s {
	case StatusReconnecting:
		m.reconnecting = true
	case StatusConnected:
		recovered = m.reconnecting
		m.reconnecting = false
	case StatusFailed:
		userID := m.identity.ID
		m.mu.Unlock()
		if m.detach(t) {
			m.logger.Warn("realtime connection gave up", "user_id", userID)
		}
		return
	}
	m.mu.Unlock()

	m.setStatus(s)

	if recovered && m.reconciler != nil {
		m.logger.Info("realtime recovered, reconciling")
		go func() {
			if err := m.reconciler.ReconcileNow(context.Background()); err != nil {
				m.logger.Warn("reconcile after reconnect failed", "error", err)
			}
		}()
	}
}

func (m *ConnectionManager) setStatus(s ConnectionStatus) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	listeners := append([]func(ConnectionStatus){}, m.listeners...)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.metrics.SetStatus(s)
	for _, fn := range listeners {
		fn(s)
	}
}
