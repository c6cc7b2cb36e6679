package campusrooms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

var (
	ErrNotConnected   = errors.New("realtime: not connected")
	ErrConnectTimeout = errors.New("realtime: connect timeout")
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format for all server-pushed events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

const (
	cmdJoinRoom      = "join_user_room"
	cmdPing          = "ping"
	evtAuthenticated = "authenticated"
	evtPong          = "pong"
)

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime transports.
type RealtimeConfig struct {
	// URL is the realtime server root, e.g. http://localhost:5000.
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.URL = strings.TrimRight(c.URL, "/")
}

// ConnectionStatus represents the realtime connection state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusFailed       ConnectionStatus = "failed"
)

// ============================================================================
// Transport
// ============================================================================

// RealtimeEventHandler is the raw event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// Transport is a bidirectional event channel authenticated by a bearer
// token, with room scoping and named event subscription.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Join(ctx context.Context, room string) error
	On(eventType string, h RealtimeEventHandler)
	Off(eventType string)
	OnStatusChange(h func(ConnectionStatus))
	State() ConnectionStatus
}

// TransportFactory builds a transport authenticated with credential.
type TransportFactory func(credential string) Transport

// WebSocketTransport returns a factory for RealtimeWSClient.
func WebSocketTransport(config RealtimeConfig) TransportFactory {
	return func(credential string) Transport {
		cfg := config
		cfg.Token = credential
		return NewRealtimeWSClient(&cfg)
	}
}

// SSETransport returns a factory for RealtimeSSEClient.
func SSETransport(config RealtimeConfig) TransportFactory {
	return func(credential string) Transport {
		cfg := config
		cfg.Token = credential
		return NewRealtimeSSEClient(&cfg)
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]RealtimeEventHandler
	onStatus []func(ConnectionStatus)
	logger   *slog.Logger
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]RealtimeEventHandler),
		logger:   logger,
	}
}

func (d *eventDispatcher) on(eventType string, h RealtimeEventHandler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) off(eventType string) {
	d.mu.Lock()
	delete(d.handlers, eventType)
	d.mu.Unlock()
}

func (d *eventDispatcher) onStatusChange(h func(ConnectionStatus)) {
	d.mu.Lock()
	d.onStatus = append(d.onStatus, h)
	d.mu.Unlock()
}

// dispatch runs handlers synchronously, in registration order, on the
// caller's goroutine. A panicking handler is logged and skipped.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	handlers := append([]RealtimeEventHandler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("realtime handler panicked", "event_type", env.Type, "panic", r)
				}
			}()
			h(env.Type, env.Payload)
		}()
	}
}

func (d *eventDispatcher) emitStatus(s ConnectionStatus) {
	d.mu.RLock()
	handlers := append([]func(ConnectionStatus){}, d.onStatus...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the attempt number and how long to wait before it. A
// connection that stayed up for a minute resets the count.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	r.attempt++
	return r.attempt, backoffDelay(r.baseDelay, r.maxDelay, r.attempt, rand.Float64()) // #nosec G404 -- jitter only
}

// run retries connect with backoff until it succeeds, stop is closed or the
// attempt budget is spent, in which case the state ends as failed.
func (r *reconnector) run(stop <-chan struct{}, logger *slog.Logger, setState func(ConnectionStatus), connect func() error) {
	for r.shouldReconnect() {
		if closed(stop) {
			setState(StatusDisconnected)
			return
		}
		attempt, delay := r.nextDelay()
		setState(StatusReconnecting)
		logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			// Disconnect may have run before the reconnecting state above.
			setState(StatusDisconnected)
			return
		case <-timer.C:
		}

		err := connect()
		if err == nil {
			return
		}
		logger.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
	if closed(stop) {
		setState(StatusDisconnected)
		return
	}
	setState(StatusFailed)
}

func closed(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// backoffDelay is base*2^(attempt-1) plus up to half of that again as jitter
// (scaled by random in [0,1)), capped at limit.
func backoffDelay(base, limit time.Duration, attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	d := float64(base) * math.Pow(2, exp)
	d += d * 0.5 * random
	return time.Duration(math.Min(d, float64(limit)))
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket transport with heartbeat and optional
// auto-reconnect. Joined rooms are re-joined after a reconnect.
type RealtimeWSClient struct {
	config       *RealtimeConfig
	logger       *slog.Logger
	mu           sync.Mutex
	conn         *websocket.Conn
	state        ConnectionStatus
	intentional  bool
	stop         chan struct{}
	cancelFn     context.CancelFunc
	rooms        map[string]struct{}
	dispatcher   *eventDispatcher
	recon        *reconnector
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

var _ Transport = (*RealtimeWSClient)(nil)

// NewRealtimeWSClient creates a WebSocket client. Call Connect to establish
// the connection.
func NewRealtimeWSClient(config *RealtimeConfig) *RealtimeWSClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeWSClient{
		config:       &cfg,
		logger:       cfg.Logger.With("transport", "websocket"),
		state:        StatusDisconnected,
		rooms:        make(map[string]struct{}),
		dispatcher:   newEventDispatcher(cfg.Logger),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// On registers a handler for an event type.
func (ws *RealtimeWSClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.on(eventType, h)
}

// Off removes every handler for an event type.
func (ws *RealtimeWSClient) Off(eventType string) {
	ws.dispatcher.off(eventType)
}

// OnStatusChange registers a handler for connection state transitions.
func (ws *RealtimeWSClient) OnStatusChange(h func(ConnectionStatus)) {
	ws.dispatcher.onStatusChange(h)
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() ConnectionStatus {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// setSessionState is setState for the session that owns stop. It does
// nothing once a later Connect has started a new session.
func (ws *RealtimeWSClient) setSessionState(stop chan struct{}, s ConnectionStatus) {
	ws.mu.Lock()
	if ws.stop != nil && ws.stop != stop {
		ws.mu.Unlock()
		return
	}
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.dispatcher.emitStatus(s)
	}
}

func (ws *RealtimeWSClient) setState(s ConnectionStatus) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.dispatcher.emitStatus(s)
	}
}

func (ws *RealtimeWSClient) wsURL() string {
	u := strings.Replace(ws.config.URL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(ws.config.Token)
}

// Connect dials the server and waits for the "authenticated" acknowledgement,
// bounded by ConnectTimeout. A Disconnect during the handshake aborts it with
// ErrNotConnected.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	return ws.connect(ctx, nil)
}

// connect runs one handshake. resume is the stop channel of the reconnect
// loop calling it, or nil for a caller-initiated Connect.
func (ws *RealtimeWSClient) connect(ctx context.Context, resume chan struct{}) error {
	ws.mu.Lock()
	if resume != nil && ws.stop != resume {
		ws.mu.Unlock()
		return ErrNotConnected
	}
	if ws.state == StatusConnected || ws.state == StatusConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentional = false
	if ws.stop == nil {
		ws.stop = make(chan struct{})
	}
	stop := ws.stop
	ws.mu.Unlock()
	ws.setState(StatusConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, ws.config.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	failed := func(err error) error {
		if ws.stopped(stop) {
			return ErrNotConnected
		}
		ws.setState(StatusFailed)
		return err
	}

	conn, _, err := websocket.Dial(dialCtx, ws.wsURL(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return failed(connectErr("websocket dial", dialCtx, err))
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return failed(connectErr("read auth message", dialCtx, err))
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != evtAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		return failed(fmt.Errorf("expected %q, got %q", evtAuthenticated, env.Type))
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	if ws.stop != stop {
		ws.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	ws.conn = conn
	ws.cancelFn = connCancel
	rooms := make([]string, 0, len(ws.rooms))
	for room := range ws.rooms {
		rooms = append(rooms, room)
	}
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.setState(StatusConnected)
	if ws.stopped(stop) {
		ws.setState(StatusDisconnected)
		return ErrNotConnected
	}

	for _, room := range rooms {
		if err := ws.sendJoin(ctx, room); err != nil {
			ws.logger.Warn("rejoin failed", "room", room, "error", err)
		}
	}

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// stopped reports whether Disconnect ran since stop was captured.
func (ws *RealtimeWSClient) stopped(stop chan struct{}) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.stop != stop
}

// Disconnect closes the connection and stops any reconnect in progress.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentional = true
	cancel := ws.cancelFn
	ws.cancelFn = nil
	if ws.stop != nil {
		close(ws.stop)
		ws.stop = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.rooms = make(map[string]struct{})
	ws.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			ws.logger.Debug("close handshake incomplete", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	ws.clearPendingPings()
	ws.setState(StatusDisconnected)
	return nil
}

// Join subscribes the connection to a room. Rooms joined before Connect are
// sent once the connection is up; joining the same room twice sends nothing.
func (ws *RealtimeWSClient) Join(ctx context.Context, room string) error {
	ws.mu.Lock()
	if _, ok := ws.rooms[room]; ok {
		ws.mu.Unlock()
		return nil
	}
	ws.rooms[room] = struct{}{}
	connected := ws.conn != nil
	ws.mu.Unlock()

	if !connected {
		return nil
	}
	return ws.sendJoin(ctx, room)
}

func (ws *RealtimeWSClient) sendJoin(ctx context.Context, room string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:      cmdJoinRoom,
		Payload:   map[string]string{"room": room},
		RequestID: uuid.NewString(),
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      cmdPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentional
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.logger.Warn("connection lost", "error", err)
			ws.clearPendingPings()
			ws.setState(StatusDisconnected)

			if ws.config.AutoReconnect {
				ws.reconnectLoop()
			}
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if env.Type == evtPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StatusConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) reconnectLoop() {
	ws.mu.Lock()
	stop := ws.stop
	ws.mu.Unlock()
	if stop == nil {
		return
	}
	ws.recon.run(stop, ws.logger, func(s ConnectionStatus) { ws.setSessionState(stop, s) }, func() error {
		return ws.connect(context.Background(), stop)
	})
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

func connectErr(op string, ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrConnectTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is a server-push-only fallback transport. Rooms are
// joined with a side-channel HTTP request.
type RealtimeSSEClient struct {
	config       *RealtimeConfig
	logger       *slog.Logger
	mu           sync.Mutex
	state        ConnectionStatus
	intentional  bool
	stop         chan struct{}
	cancelFn     context.CancelFunc
	rooms        map[string]struct{}
	dispatcher   *eventDispatcher
	recon        *reconnector
	lastDataTime time.Time
}

var _ Transport = (*RealtimeSSEClient)(nil)

// NewRealtimeSSEClient creates an SSE client. Call Connect to establish the
// stream.
func NewRealtimeSSEClient(config *RealtimeConfig) *RealtimeSSEClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeSSEClient{
		config:     &cfg,
		logger:     cfg.Logger.With("transport", "sse"),
		state:      StatusDisconnected,
		rooms:      make(map[string]struct{}),
		dispatcher: newEventDispatcher(cfg.Logger),
		recon:      newReconnector(&cfg),
	}
}

func (sse *RealtimeSSEClient) On(eventType string, h RealtimeEventHandler) {
	sse.dispatcher.on(eventType, h)
}

func (sse *RealtimeSSEClient) Off(eventType string) {
	sse.dispatcher.off(eventType)
}

func (sse *RealtimeSSEClient) OnStatusChange(h func(ConnectionStatus)) {
	sse.dispatcher.onStatusChange(h)
}

func (sse *RealtimeSSEClient) State() ConnectionStatus {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// setSessionState is setState for the session that owns stop. It does
// nothing once a later Connect has started a new session.
func (sse *RealtimeSSEClient) setSessionState(stop chan struct{}, s ConnectionStatus) {
	sse.mu.Lock()
	if sse.stop != nil && sse.stop != stop {
		sse.mu.Unlock()
		return
	}
	changed := sse.state != s
	sse.state = s
	sse.mu.Unlock()
	if changed {
		sse.dispatcher.emitStatus(s)
	}
}

func (sse *RealtimeSSEClient) setState(s ConnectionStatus) {
	sse.mu.Lock()
	changed := sse.state != s
	sse.state = s
	sse.mu.Unlock()
	if changed {
		sse.dispatcher.emitStatus(s)
	}
}

// Connect opens the event stream. The connect timeout covers the response
// headers only; the stream itself lives until Disconnect. A Disconnect before
// the headers arrive aborts it with ErrNotConnected.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	return sse.connect(ctx, nil)
}

func (sse *RealtimeSSEClient) connect(ctx context.Context, resume chan struct{}) error {
	sse.mu.Lock()
	if resume != nil && sse.stop != resume {
		sse.mu.Unlock()
		return ErrNotConnected
	}
	if sse.state == StatusConnected || sse.state == StatusConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.intentional = false
	if sse.stop == nil {
		sse.stop = make(chan struct{})
	}
	stop := sse.stop
	sse.mu.Unlock()
	sse.setState(StatusConnecting)

	streamCtx, cancel := context.WithCancel(context.Background())
	stopCtx := context.AfterFunc(ctx, cancel)
	headers := make(chan struct{})
	defer close(headers)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-headers:
		}
	}()
	timedOut := false
	var timeoutMu sync.Mutex
	timer := time.AfterFunc(sse.config.ConnectTimeout, func() {
		timeoutMu.Lock()
		timedOut = true
		timeoutMu.Unlock()
		cancel()
	})

	fail := func(err error) error {
		timer.Stop()
		stopCtx()
		cancel()
		if sse.stopped(stop) {
			return ErrNotConnected
		}
		sse.setState(StatusFailed)
		timeoutMu.Lock()
		defer timeoutMu.Unlock()
		if timedOut {
			return fmt.Errorf("sse connect: %w", ErrConnectTimeout)
		}
		return err
	}

	req, err := http.NewRequestWithContext(streamCtx, "GET", sse.config.URL+"/sse?token="+url.QueryEscape(sse.config.Token), nil)
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("sse connect: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fail(fmt.Errorf("sse connect: HTTP %d", resp.StatusCode))
	}
	if !timer.Stop() {
		resp.Body.Close()
		return fail(fmt.Errorf("sse connect: %w", ErrConnectTimeout))
	}
	stopCtx()

	sse.mu.Lock()
	if sse.stop != stop {
		sse.mu.Unlock()
		resp.Body.Close()
		cancel()
		return ErrNotConnected
	}
	sse.cancelFn = cancel
	sse.lastDataTime = time.Now()
	rooms := make([]string, 0, len(sse.rooms))
	for room := range sse.rooms {
		rooms = append(rooms, room)
	}
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.setState(StatusConnected)
	if sse.stopped(stop) {
		sse.setState(StatusDisconnected)
		return ErrNotConnected
	}

	for _, room := range rooms {
		if err := sse.postJoin(ctx, room); err != nil {
			sse.logger.Warn("rejoin failed", "room", room, "error", err)
		}
	}

	go sse.readLoop(streamCtx, resp)
	go sse.heartbeatWatchdog(streamCtx)

	return nil
}

// stopped reports whether Disconnect ran since stop was captured.
func (sse *RealtimeSSEClient) stopped(stop chan struct{}) bool {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.stop != stop
}

func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentional = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	if sse.stop != nil {
		close(sse.stop)
		sse.stop = nil
	}
	sse.rooms = make(map[string]struct{})
	sse.mu.Unlock()

	sse.setState(StatusDisconnected)
	return nil
}

// Join subscribes the stream to a room via POST /sse/join.
func (sse *RealtimeSSEClient) Join(ctx context.Context, room string) error {
	sse.mu.Lock()
	if _, ok := sse.rooms[room]; ok {
		sse.mu.Unlock()
		return nil
	}
	sse.rooms[room] = struct{}{}
	connected := sse.state == StatusConnected
	sse.mu.Unlock()

	if !connected {
		return nil
	}
	return sse.postJoin(ctx, room)
}

func (sse *RealtimeSSEClient) postJoin(ctx context.Context, room string) error {
	body, err := json.Marshal(&RealtimeCommand{
		Type:      cmdJoinRoom,
		Payload:   map[string]string{"room": room},
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", sse.config.URL+"/sse/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sse.config.Token)
	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sse join: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sse join: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for ctx.Err() == nil && scanner.Scan() {
		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		env, ok, err := sseEvent(scanner.Text())
		switch {
		case err != nil:
			sse.logger.Warn("dropping malformed event", "error", err)
		case ok && env.Type != evtAuthenticated:
			sse.dispatcher.dispatch(env)
		}
	}

	sse.mu.Lock()
	intentional := sse.intentional
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.logger.Warn("stream ended", "error", scanner.Err())
	sse.setState(StatusDisconnected)
	if sse.config.AutoReconnect {
		sse.reconnectLoop()
	}
}

// sseEvent decodes one event-stream line. Comments, blank lines and
// non-data fields report ok=false.
func sseEvent(line string) (env RealtimeEnvelope, ok bool, err error) {
	data, found := strings.CutPrefix(line, "data:")
	if !found {
		return env, false, nil
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &env); err != nil {
		return env, false, err
	}
	return env, true, nil
}

// heartbeatWatchdog cancels the stream when nothing, not even a keepalive
// comment, arrived for two heartbeat intervals.
func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context) {
	limit := 2 * sse.config.HeartbeatInterval
	ticker := time.NewTicker(max(sse.config.HeartbeatInterval/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			idle := time.Since(sse.lastDataTime)
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if idle <= limit {
				continue
			}
			sse.logger.Warn("event stream idle, reconnecting", "idle", idle)
			if cancel != nil {
				cancel()
			}
			return
		}
	}
}

func (sse *RealtimeSSEClient) reconnectLoop() {
	sse.mu.Lock()
	stop := sse.stop
	sse.mu.Unlock()
	if stop == nil {
		return
	}
	sse.recon.run(stop, sse.logger, func(s ConnectionStatus) { sse.setSessionState(stop, s) }, func() error {
		return sse.connect(context.Background(), stop)
	})
}
