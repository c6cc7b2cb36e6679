package campusrooms

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSigningKey = "test-signing-key"

func testToken(t *testing.T, userID, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		Role:   role,
		Name:   "User " + userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// fakeTransport is an in-memory Transport. Tests push events with emit and
// drive state transitions with setStatus.
type fakeTransport struct {
	credential string

	mu          sync.Mutex
	handlers    map[string][]RealtimeEventHandler
	statusFns   []func(ConnectionStatus)
	state       ConnectionStatus
	joined      []string
	connects    int
	disconnects int

	connectErr error
	block      bool
}

func newFakeTransport(credential string) *fakeTransport {
	return &fakeTransport{
		credential: credential,
		handlers:   make(map[string][]RealtimeEventHandler),
		state:      StatusDisconnected,
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	block, connectErr := f.block, f.connectErr
	f.mu.Unlock()

	f.setStatus(StatusConnecting)
	if block {
		<-ctx.Done()
		f.setStatus(StatusFailed)
		return ctx.Err()
	}
	if connectErr != nil {
		f.setStatus(StatusFailed)
		return connectErr
	}
	f.setStatus(StatusConnected)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.setStatus(StatusDisconnected)
	return nil
}

func (f *fakeTransport) Join(_ context.Context, room string) error {
	f.mu.Lock()
	f.joined = append(f.joined, room)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) On(eventType string, h RealtimeEventHandler) {
	f.mu.Lock()
	f.handlers[eventType] = append(f.handlers[eventType], h)
	f.mu.Unlock()
}

func (f *fakeTransport) Off(eventType string) {
	f.mu.Lock()
	delete(f.handlers, eventType)
	f.mu.Unlock()
}

func (f *fakeTransport) OnStatusChange(h func(ConnectionStatus)) {
	f.mu.Lock()
	f.statusFns = append(f.statusFns, h)
	f.mu.Unlock()
}

func (f *fakeTransport) State() ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setStatus(s ConnectionStatus) {
	f.mu.Lock()
	f.state = s
	fns := append([]func(ConnectionStatus){}, f.statusFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeTransport) emit(t *testing.T, eventType string, payload any) {
	t.Helper()
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	f.mu.Lock()
	hs := append([]RealtimeEventHandler(nil), f.handlers[eventType]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(eventType, raw)
	}
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeTransport) rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joined...)
}

// fakeFactory records every transport it builds.
type fakeFactory struct {
	mu    sync.Mutex
	built []*fakeTransport
	setup func(*fakeTransport)
}

func (ff *fakeFactory) New(credential string) Transport {
	t := newFakeTransport(credential)
	if ff.setup != nil {
		ff.setup(t)
	}
	ff.mu.Lock()
	ff.built = append(ff.built, t)
	ff.mu.Unlock()
	return t
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.built)
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.built) == 0 {
		return nil
	}
	return ff.built[len(ff.built)-1]
}

// recordingInvalidator collects invalidated keys.
type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) Invalidate(prefix QueryKey) {
	r.mu.Lock()
	r.keys = append(r.keys, prefix.String())
	r.mu.Unlock()
}

func (r *recordingInvalidator) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
