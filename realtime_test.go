package campusrooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// WebSocket test server
// ============================================================================

type wsServer struct {
	*httptest.Server
	commands chan RealtimeCommand
	push     chan RealtimeEnvelope
	skipAck  bool
}

func newWSServer(t *testing.T, token string) *wsServer {
	t.Helper()
	s := &wsServer{
		commands: make(chan RealtimeCommand, 16),
		push:     make(chan RealtimeEnvelope, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		if s.skipAck {
			_, _, _ = conn.Read(ctx)
			return
		}
		writeEnvelope(ctx, conn, RealtimeEnvelope{Type: "authenticated", Payload: json.RawMessage(`{"userId":"s1"}`)})

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-s.push:
					writeEnvelope(ctx, conn, env)
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd RealtimeCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			if cmd.Type == "ping" {
				pong, _ := json.Marshal(PongPayload{RequestID: cmd.RequestID})
				writeEnvelope(ctx, conn, RealtimeEnvelope{Type: "pong", Payload: pong})
				continue
			}
			s.commands <- cmd
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env RealtimeEnvelope) {
	b, _ := json.Marshal(env)
	_ = conn.Write(ctx, websocket.MessageText, b)
}

func TestRealtimeWSClient(t *testing.T) {
	srv := newWSServer(t, "tok")
	client := NewRealtimeWSClient(&RealtimeConfig{URL: srv.URL, Token: "tok"})

	var statuses []ConnectionStatus
	var mu sync.Mutex
	client.OnStatusChange(func(s ConnectionStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	received := make(chan RealtimeEnvelope, 4)
	client.On("new_message", func(eventType string, payload json.RawMessage) {
		received <- RealtimeEnvelope{Type: eventType, Payload: payload}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	if s := client.State(); s != StatusConnected {
		t.Fatalf("state = %s", s)
	}

	t.Run("join sends room command", func(t *testing.T) {
		if err := client.Join(ctx, "user:s1"); err != nil {
			t.Fatal(err)
		}
		if err := client.Join(ctx, "user:s1"); err != nil {
			t.Fatal(err)
		}
		select {
		case cmd := <-srv.commands:
			if cmd.Type != "join_user_room" || cmd.RequestID == "" {
				t.Fatalf("command = %+v", cmd)
			}
			payload, _ := cmd.Payload.(map[string]any)
			if payload["room"] != "user:s1" {
				t.Fatalf("payload = %v", cmd.Payload)
			}
		case <-ctx.Done():
			t.Fatal("no join command")
		}
		select {
		case cmd := <-srv.commands:
			t.Fatalf("duplicate join sent: %+v", cmd)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("events dispatched", func(t *testing.T) {
		srv.push <- RealtimeEnvelope{Type: "new_message", Payload: json.RawMessage(`{"conversationId":"c1"}`)}
		select {
		case env := <-received:
			if string(env.Payload) != `{"conversationId":"c1"}` {
				t.Fatalf("payload = %s", env.Payload)
			}
		case <-ctx.Done():
			t.Fatal("event not dispatched")
		}
	})

	t.Run("off stops delivery", func(t *testing.T) {
		client.Off("new_message")
		srv.push <- RealtimeEnvelope{Type: "new_message", Payload: json.RawMessage(`{}`)}
		select {
		case env := <-received:
			t.Fatalf("delivered after Off: %+v", env)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("ping", func(t *testing.T) {
		pong, err := client.Ping(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if pong.RequestID == "" {
			t.Fatal("empty pong request id")
		}
	})

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if s := client.State(); s != StatusDisconnected {
		t.Fatalf("state after disconnect = %s", s)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []ConnectionStatus{StatusConnecting, StatusConnected, StatusDisconnected}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
}

func TestRealtimeWSClientPanickingHandler(t *testing.T) {
	srv := newWSServer(t, "tok")
	client := NewRealtimeWSClient(&RealtimeConfig{URL: srv.URL, Token: "tok"})

	got := make(chan string, 2)
	client.On("new_notification", func(string, json.RawMessage) { panic("handler bug") })
	client.On("new_notification", func(_ string, p json.RawMessage) { got <- string(p) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	srv.push <- RealtimeEnvelope{Type: "new_notification", Payload: json.RawMessage(`{"id":"1"}`)}
	srv.push <- RealtimeEnvelope{Type: "new_notification", Payload: json.RawMessage(`{"id":"2"}`)}
	for _, want := range []string{`{"id":"1"}`, `{"id":"2"}`} {
		select {
		case p := <-got:
			if p != want {
				t.Fatalf("payload = %s, want %s", p, want)
			}
		case <-ctx.Done():
			t.Fatal("read loop died after handler panic")
		}
	}
}

func TestRealtimeWSClientConnectErrors(t *testing.T) {
	t.Run("bad token", func(t *testing.T) {
		srv := newWSServer(t, "tok")
		client := NewRealtimeWSClient(&RealtimeConfig{URL: srv.URL, Token: "wrong"})
		if err := client.Connect(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if s := client.State(); s != StatusFailed {
			t.Fatalf("state = %s", s)
		}
	})

	t.Run("no ack times out", func(t *testing.T) {
		srv := newWSServer(t, "tok")
		srv.skipAck = true
		client := NewRealtimeWSClient(&RealtimeConfig{URL: srv.URL, Token: "tok", ConnectTimeout: 100 * time.Millisecond})
		err := client.Connect(context.Background())
		if !errors.Is(err, ErrConnectTimeout) {
			t.Fatalf("err = %v, want ErrConnectTimeout", err)
		}
	})

	t.Run("send before connect", func(t *testing.T) {
		client := NewRealtimeWSClient(&RealtimeConfig{URL: "http://127.0.0.1:1"})
		if err := client.Send(context.Background(), &RealtimeCommand{Type: "ping"}); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestRealtimeWSClientDisconnectDuringReconnect(t *testing.T) {
	var accepted atomic.Int32
	held := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		ack := RealtimeEnvelope{Type: "authenticated", Payload: json.RawMessage(`{}`)}

		switch accepted.Add(1) {
		case 1:
			// Drop the first connection right after the handshake.
			writeEnvelope(ctx, conn, ack)
			return
		case 2:
			close(held)
			<-release
		}
		writeEnvelope(ctx, conn, ack)
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	client := NewRealtimeWSClient(&RealtimeConfig{
		URL:                srv.URL,
		Token:              "tok",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  10 * time.Millisecond,
	})
	var mu sync.Mutex
	var statuses []ConnectionStatus
	client.OnStatusChange(func(s ConnectionStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-held:
	case <-ctx.Done():
		t.Fatal("client did not reconnect")
	}
	if err := client.Disconnect(); err != nil {
		t.Fatal(err)
	}
	unblock()
	time.Sleep(100 * time.Millisecond)

	if s := client.State(); s != StatusDisconnected {
		t.Fatalf("state = %s, want disconnected", s)
	}
	if err := client.Send(ctx, &RealtimeCommand{Type: "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after Disconnect: %v", err)
	}
	if n := accepted.Load(); n != 2 {
		t.Fatalf("connections = %d, want 2", n)
	}
	mu.Lock()
	last := statuses[len(statuses)-1]
	mu.Unlock()
	if last != StatusDisconnected {
		t.Fatalf("last status = %s", last)
	}
}

func TestRealtimeSSEClientDisconnectDuringReconnect(t *testing.T) {
	var streams atomic.Int32
	held := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch streams.Add(1) {
		case 1:
			// End the first stream after the handshake.
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"type\":\"authenticated\",\"payload\":{}}\n\n")
			return
		case 2:
			close(held)
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewRealtimeSSEClient(&RealtimeConfig{
		URL:                srv.URL,
		Token:              "tok",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  10 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-held:
	case <-ctx.Done():
		t.Fatal("client did not reconnect")
	}
	if err := client.Disconnect(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if s := client.State(); s != StatusDisconnected {
		t.Fatalf("state = %s, want disconnected", s)
	}
	if n := streams.Load(); n != 2 {
		t.Fatalf("streams opened = %d, want 2", n)
	}
}

func TestReconnectorDelay(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})
	var last time.Duration
	for i := 1; i <= 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d refused", i)
		}
		attempt, d := r.nextDelay()
		if attempt != i {
			t.Fatalf("attempt = %d, want %d", attempt, i)
		}
		if d > time.Second {
			t.Fatalf("delay %v above cap", d)
		}
		if d < last {
			t.Fatalf("delay shrank: %v < %v", d, last)
		}
		last = d
	}
	if r.shouldReconnect() {
		t.Fatal("should stop after max attempts")
	}
}

func TestBackoffDelay(t *testing.T) {
	base, limit := 100*time.Millisecond, time.Second
	cases := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{1, 0.5, 125 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{3, 0, 400 * time.Millisecond},
		{4, 0.99, time.Second},
		{0, 0, 100 * time.Millisecond},
	}
	for _, c := range cases {
		if got := backoffDelay(base, limit, c.attempt, c.random); got != c.want {
			t.Errorf("backoffDelay(attempt=%d, r=%v) = %v, want %v", c.attempt, c.random, got, c.want)
		}
	}
}

// ============================================================================
// SSE
// ============================================================================

func TestRealtimeSSEClient(t *testing.T) {
	joined := make(chan string, 4)
	push := make(chan string, 4)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"authenticated\",\"payload\":{}}\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case line := <-push:
				fmt.Fprintf(w, ": keepalive\ndata: %s\n\n", line)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/sse/join", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var cmd struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		_ = json.NewDecoder(r.Body).Decode(&cmd)
		joined <- cmd.Type + " " + cmd.Payload["room"]
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewRealtimeSSEClient(&RealtimeConfig{URL: srv.URL, Token: "tok"})
	got := make(chan string, 4)
	client.On("reservation_updated", func(_ string, p json.RawMessage) { got <- string(p) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	if err := client.Join(ctx, "user:s1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if j := <-joined; j != "join_user_room user:s1" {
		t.Fatalf("join = %q", j)
	}

	push <- `{"type":"reservation_updated","payload":{"id":"r1","status":"confirmed"}}`
	select {
	case p := <-got:
		if p != `{"id":"r1","status":"confirmed"}` {
			t.Fatalf("payload = %s", p)
		}
	case <-ctx.Done():
		t.Fatal("event not dispatched")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if s := client.State(); s != StatusDisconnected {
		t.Fatalf("state = %s", s)
	}
}

func TestSSEEvent(t *testing.T) {
	for _, line := range []string{"", ": keepalive", "event: message", "id: 4"} {
		if _, ok, err := sseEvent(line); ok || err != nil {
			t.Errorf("sseEvent(%q) = ok %v, err %v", line, ok, err)
		}
	}
	for _, line := range []string{
		`data: {"type":"new_message","payload":{"id":"m1"}}`,
		`data:{"type":"new_message","payload":{"id":"m1"}}`,
	} {
		env, ok, err := sseEvent(line)
		if !ok || err != nil || env.Type != "new_message" || string(env.Payload) != `{"id":"m1"}` {
			t.Errorf("sseEvent(%q) = %+v, %v, %v", line, env, ok, err)
		}
	}
	if _, ok, err := sseEvent("data: {not json"); ok || err == nil {
		t.Errorf("malformed data: ok %v, err %v", ok, err)
	}
}

func TestRealtimeSSEClientRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewRealtimeSSEClient(&RealtimeConfig{URL: srv.URL, Token: "bad"})
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s := client.State(); s != StatusFailed {
		t.Fatalf("state = %s", s)
	}
}
