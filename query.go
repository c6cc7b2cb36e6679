package campusrooms

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Query Keys
// ============================================================================

// QueryKey is a hierarchical cache key. Invalidating a key invalidates every
// key it prefixes.
type QueryKey []string

var (
	KeyConversations     = QueryKey{"conversations"}
	KeyMessages          = QueryKey{"messages"}
	KeyNotifications     = QueryKey{"notifications"}
	KeyMyReservations    = QueryKey{"my-reservations"}
	KeyOwnerReservations = QueryKey{"owner-reservations"}
)

// MessagesKey is the key of one conversation's message history.
func MessagesKey(conversationID string) QueryKey {
	return QueryKey{"messages", conversationID}
}

func (k QueryKey) String() string {
	return strings.Join(k, "/")
}

// Root returns the first segment, used as a low-cardinality label.
func (k QueryKey) Root() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// HasPrefix reports whether p is a segment-wise prefix of k.
func (k QueryKey) HasPrefix(p QueryKey) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

// Fetcher loads the authoritative value for key.
type Fetcher func(ctx context.Context, key QueryKey) (any, error)

// ============================================================================
// Query Cache
// ============================================================================

type cacheEntry struct {
	key       QueryKey
	value     any
	has       bool
	stale     bool
	issued    uint64
	applied   uint64
	updatedAt time.Time
}

type registeredFetcher struct {
	key     QueryKey
	fetch   Fetcher
	observe bool
}

// QueryCache is a keyed cache of server state with prefix invalidation.
// Every fetch carries a sequence number; a result is only stored when it is
// newer than the one already applied, so a slow stale fetch can never
// overwrite a fresher value.
type QueryCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	fetchers []registeredFetcher
	seq      uint64
	floor    uint64
	subs     map[int]func(QueryKey)
	nextSub  int

	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// QueryOption configures a QueryCache.
type QueryOption func(*QueryCache)

func WithQueryLogger(l *slog.Logger) QueryOption {
	return func(c *QueryCache) { c.logger = l }
}

func WithQueryMetrics(m *Metrics) QueryOption {
	return func(c *QueryCache) { c.metrics = m }
}

// NewQueryCache creates an empty cache. Close cancels in-flight fetches.
func NewQueryCache(opts ...QueryOption) *QueryCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &QueryCache{
		entries: make(map[string]*cacheEntry),
		subs:    make(map[int]func(QueryKey)),
		ctx:     ctx,
		cancel:  cancel,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register declares key as an observed query whose value is loaded by f.
// f also serves any key below key that has no more specific fetcher.
func (c *QueryCache) Register(key QueryKey, f Fetcher) {
	c.register(key, f, true)
}

// RegisterPrefix installs f for keys below key without observing key
// itself. Keys below it become observed once fetched.
func (c *QueryCache) RegisterPrefix(key QueryKey, f Fetcher) {
	c.register(key, f, false)
}

func (c *QueryCache) register(key QueryKey, f Fetcher, observe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if observe {
		c.entryLocked(key)
	}
	for i, rf := range c.fetchers {
		if rf.key.String() == key.String() {
			c.fetchers[i].fetch = f
			c.fetchers[i].observe = observe
			return
		}
	}
	c.fetchers = append(c.fetchers, registeredFetcher{
		key:     append(QueryKey(nil), key...),
		fetch:   f,
		observe: observe,
	})
}

// Unregister removes the fetcher for key and drops every entry below it.
func (c *QueryCache) Unregister(key QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, rf := range c.fetchers {
		if rf.key.String() == key.String() {
			c.fetchers = append(c.fetchers[:i], c.fetchers[i+1:]...)
			break
		}
	}
	for id, e := range c.entries {
		if e.key.HasPrefix(key) {
			delete(c.entries, id)
		}
	}
}

func (c *QueryCache) fetcherLocked(key QueryKey) Fetcher {
	var best Fetcher
	bestLen := -1
	for _, rf := range c.fetchers {
		if key.HasPrefix(rf.key) && len(rf.key) > bestLen {
			best, bestLen = rf.fetch, len(rf.key)
		}
	}
	return best
}

func (c *QueryCache) entryLocked(key QueryKey) *cacheEntry {
	id := key.String()
	e, ok := c.entries[id]
	if !ok {
		e = &cacheEntry{key: append(QueryKey(nil), key...)}
		c.entries[id] = e
	}
	return e
}

// Get returns the cached value for key.
func (c *QueryCache) Get(key QueryKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || !e.has {
		return nil, false
	}
	return e.value, true
}

// Lookup returns the cached value for key as a T.
func Lookup[T any](c *QueryCache, key QueryKey) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Stale reports whether key has been invalidated since its last refresh.
func (c *QueryCache) Stale(key QueryKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	return ok && e.stale
}

// Set stores v under key, superseding any fetch already in flight.
func (c *QueryCache) Set(key QueryKey, v any) {
	c.mu.Lock()
	e := c.entryLocked(key)
	c.seq++
	e.issued = c.seq
	c.applyLocked(e, c.seq, v)
	c.mu.Unlock()
	c.notify(key)
}

func (c *QueryCache) applyLocked(e *cacheEntry, seq uint64, v any) bool {
	if seq <= e.applied {
		return false
	}
	e.applied = seq
	e.value = v
	e.has = true
	e.stale = seq < e.issued
	e.updatedAt = c.now()
	return true
}

// Invalidate marks every entry under prefix stale and starts a refetch for
// each one that has a fetcher. It does not wait for the fetches.
func (c *QueryCache) Invalidate(prefix QueryKey) {
	c.metrics.RecordInvalidation(prefix)

	type job struct {
		key   QueryKey
		seq   uint64
		fetch Fetcher
	}
	var jobs []job

	c.mu.Lock()
	for _, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		e.stale = true
		f := c.fetcherLocked(e.key)
		if f == nil {
			continue
		}
		c.seq++
		e.issued = c.seq
		jobs = append(jobs, job{key: e.key, seq: c.seq, fetch: f})
	}
	c.mu.Unlock()

	for _, j := range jobs {
		c.inflight.Add(1)
		go func(j job) {
			defer c.inflight.Done()
			_, _ = c.run(c.ctx, j.key, j.seq, j.fetch)
		}(j)
	}
}

// Fetch loads key synchronously and stores the result. The key becomes
// observed, so later invalidations refetch it.
func (c *QueryCache) Fetch(ctx context.Context, key QueryKey) (any, error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	f := c.fetcherLocked(key)
	if f == nil {
		c.mu.Unlock()
		return nil, &noFetcherError{key: key}
	}
	c.seq++
	e.issued = c.seq
	seq := c.seq
	c.mu.Unlock()

	return c.run(ctx, key, seq, f)
}

func (c *QueryCache) run(ctx context.Context, key QueryKey, seq uint64, f Fetcher) (any, error) {
	v, err := f(ctx, key)
	if err != nil {
		c.metrics.RecordFetch(key, "error")
		c.logger.Warn("query fetch failed", "query", key.String(), "error", err)
		return nil, err
	}

	c.mu.Lock()
	applied := false
	if seq > c.floor {
		applied = c.applyLocked(c.entryLocked(key), seq, v)
	}
	c.mu.Unlock()

	if !applied {
		c.metrics.RecordFetch(key, "superseded")
		c.logger.Debug("dropping superseded fetch", "query", key.String(), "seq", seq)
		return v, nil
	}
	c.metrics.RecordFetch(key, "ok")
	c.notify(key)
	return v, nil
}

// Keys returns every observed key.
func (c *QueryCache) Keys() []QueryKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]QueryKey, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, append(QueryKey(nil), e.key...))
	}
	return keys
}

// Subscribe calls fn with the key of every stored value. The returned func
// removes the subscription.
func (c *QueryCache) Subscribe(fn func(QueryKey)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *QueryCache) notify(key QueryKey) {
	c.mu.Lock()
	subs := make([]func(QueryKey), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("cache subscriber panicked", "query", key.String(), "panic", r)
				}
			}()
			fn(key)
		}()
	}
}

// Wait blocks until every fetch started by Invalidate has finished.
func (c *QueryCache) Wait() {
	c.inflight.Wait()
}

// Reset drops every cached value and discards results of fetches already
// in flight. Registered fetchers are kept.
func (c *QueryCache) Reset() {
	c.mu.Lock()
	c.floor = c.seq
	c.entries = make(map[string]*cacheEntry)
	for _, rf := range c.fetchers {
		if rf.observe {
			c.entryLocked(rf.key)
		}
	}
	c.mu.Unlock()
}

// Close cancels in-flight fetches and waits for them to return.
func (c *QueryCache) Close() {
	c.cancel()
	c.inflight.Wait()
}

type noFetcherError struct {
	key QueryKey
}

func (e *noFetcherError) Error() string {
	return "no fetcher registered for " + e.key.String()
}
