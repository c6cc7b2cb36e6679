package campusrooms

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

const (
	unknownSender       = "Unknown user"
	defaultNotification = "New notification"
	unknownRoomNumber   = "N/A"
)

// Invalidator marks cached queries stale.
type Invalidator interface {
	Invalidate(prefix QueryKey)
}

// Effects are the side effects a route may perform.
type Effects struct {
	Cache  Invalidator
	Alerts Alerter
}

// Route maps one event kind to its effects. Roles restricts the route to
// identities holding one of the listed roles; an empty list matches all.
type Route struct {
	Kind  EventKind
	Roles []Role
	Apply func(ev Event, fx Effects)
}

func (r Route) appliesTo(role Role) bool {
	return len(r.Roles) == 0 || slices.Contains(r.Roles, role)
}

// DefaultRoutes is the marketplace routing table.
var DefaultRoutes = []Route{
	{
		Kind: EventNewMessage,
		Apply: func(ev Event, fx Effects) {
			m, _ := ev.(MessageEvent)
			fx.Cache.Invalidate(KeyConversations)
			if m.ConversationID != "" {
				fx.Cache.Invalidate(MessagesKey(m.ConversationID))
			} else {
				fx.Cache.Invalidate(KeyMessages)
			}
			sender := unknownSender
			if m.Sender != nil && strings.TrimSpace(m.Sender.Name) != "" {
				sender = m.Sender.Name
			}
			fx.Alerts.Notify(AlertInfo, "New message from "+sender)
		},
	},
	{
		Kind: EventNewNotification,
		Apply: func(ev Event, fx Effects) {
			n, _ := ev.(NotificationEvent)
			fx.Cache.Invalidate(KeyNotifications)
			title := n.Title
			if strings.TrimSpace(title) == "" {
				title = defaultNotification
			}
			fx.Alerts.Notify(AlertInfo, title)
		},
	},
	{
		Kind:  EventNewReservation,
		Roles: []Role{RoleOwner},
		Apply: func(ev Event, fx Effects) {
			r, _ := ev.(ReservationEvent)
			fx.Cache.Invalidate(KeyOwnerReservations)
			number := unknownRoomNumber
			if r.Room != nil && r.Room.Number != "" {
				number = r.Room.Number
			}
			fx.Alerts.Notify(AlertSuccess, "New reservation for room "+number)
		},
	},
	{
		Kind:  EventReservationUpdated,
		Roles: []Role{RoleStudent},
		Apply: func(ev Event, fx Effects) {
			r, _ := ev.(ReservationStatusEvent)
			fx.Cache.Invalidate(KeyMyReservations)
			switch r.Status {
			case ReservationConfirmed:
				fx.Alerts.Notify(AlertSuccess, "Your reservation has been confirmed")
			case ReservationCancelled:
				fx.Alerts.Notify(AlertError, "Your reservation has been cancelled")
			default:
				status := string(r.Status)
				if status == "" {
					status = "updated"
				}
				fx.Alerts.Notify(AlertInfo, fmt.Sprintf("Your reservation is now %s", status))
			}
		},
	},
}

// ============================================================================
// Event Router
// ============================================================================

// EventRouter turns inbound realtime events into cache invalidations and
// alerts. Handlers never propagate a failure to the transport.
type EventRouter struct {
	routes  []Route
	fx      Effects
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	bound Transport
	kinds []EventKind
}

type RouterOption func(*EventRouter)

// WithRoutes replaces DefaultRoutes.
func WithRoutes(routes []Route) RouterOption {
	return func(r *EventRouter) { r.routes = routes }
}

func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *EventRouter) { r.logger = l }
}

func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *EventRouter) { r.metrics = m }
}

func NewEventRouter(cache Invalidator, alerts Alerter, opts ...RouterOption) *EventRouter {
	r := &EventRouter{
		routes: DefaultRoutes,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.fx = Effects{Cache: cache, Alerts: &countingAlerter{next: alerts, metrics: r.metrics}}
	return r
}

// Bind subscribes t to every kind routed for id's role. A previous binding
// is released first.
func (r *EventRouter) Bind(t Transport, id Identity) {
	r.Unbind()

	var kinds []EventKind
	for _, route := range r.routes {
		if route.appliesTo(id.Role) && !slices.Contains(kinds, route.Kind) {
			kinds = append(kinds, route.Kind)
		}
	}
	for _, kind := range kinds {
		t.On(string(kind), func(eventType string, payload json.RawMessage) {
			r.Handle(id, RealtimeEnvelope{Type: eventType, Payload: payload})
		})
	}

	r.mu.Lock()
	r.bound = t
	r.kinds = kinds
	r.mu.Unlock()
	r.logger.Debug("router bound", "user_id", id.ID, "role", string(id.Role), "kinds", len(kinds))
}

// Unbind removes the handlers installed by Bind.
func (r *EventRouter) Unbind() {
	r.mu.Lock()
	t, kinds := r.bound, r.kinds
	r.bound, r.kinds = nil, nil
	r.mu.Unlock()

	if t == nil {
		return
	}
	for _, kind := range kinds {
		t.Off(string(kind))
	}
}

// Handle routes one envelope for id. A payload that fails to decode is still
// routed with placeholder values.
func (r *EventRouter) Handle(id Identity, env RealtimeEnvelope) {
	kind := EventKind(env.Type)
	ev, err := DecodeEvent(env)
	if errors.Is(err, ErrUnknownEvent) {
		r.metrics.RecordEvent(kind, "ignored")
		r.logger.Debug("ignoring unknown event", "event_type", env.Type)
		return
	}
	outcome := "handled"
	if err != nil {
		outcome = "malformed"
		r.logger.Warn("malformed event payload", "event_type", env.Type, "error", err)
	}

	matched := false
	for _, route := range r.routes {
		if route.Kind != kind || !route.appliesTo(id.Role) {
			continue
		}
		matched = true
		if !r.apply(route, ev) {
			outcome = "failed"
		}
	}
	if !matched {
		outcome = "ignored"
	}
	r.metrics.RecordEvent(kind, outcome)
}

func (r *EventRouter) apply(route Route, ev Event) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked", "event_type", string(route.Kind), "panic", p)
			ok = false
		}
	}()
	route.Apply(ev, r.fx)
	return true
}

type countingAlerter struct {
	next    Alerter
	metrics *Metrics
}

func (a *countingAlerter) Notify(level AlertLevel, text string) {
	a.metrics.RecordAlert(level)
	if a.next != nil {
		a.next.Notify(level, text)
	}
}
