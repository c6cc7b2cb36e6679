package campusrooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultReconcileSchedule refetches every observed query every five minutes.
const DefaultReconcileSchedule = "@every 5m"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether spec is a usable reconcile schedule. An
// empty spec is valid and disables periodic reconciliation.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return nil
}

// CacheReconciler refetches every observed query, on demand and on a cron
// schedule.
type CacheReconciler struct {
	cache    *QueryCache
	schedule string
	limit    int
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	stop    context.CancelFunc
}

type ReconcileOption func(*CacheReconciler)

// WithSchedule sets the cron spec. An empty spec disables the schedule.
func WithSchedule(spec string) ReconcileOption {
	return func(r *CacheReconciler) { r.schedule = spec }
}

// WithConcurrency bounds parallel fetches during one reconcile. Default 4.
func WithConcurrency(n int) ReconcileOption {
	return func(r *CacheReconciler) { r.limit = n }
}

func WithReconcileTimeout(d time.Duration) ReconcileOption {
	return func(r *CacheReconciler) { r.timeout = d }
}

func WithReconcileLogger(l *slog.Logger) ReconcileOption {
	return func(r *CacheReconciler) { r.logger = l }
}

func WithReconcileMetrics(m *Metrics) ReconcileOption {
	return func(r *CacheReconciler) { r.metrics = m }
}

func NewCacheReconciler(cache *QueryCache, opts ...ReconcileOption) *CacheReconciler {
	r := &CacheReconciler{
		cache:    cache,
		schedule: DefaultReconcileSchedule,
		limit:    4,
		timeout:  30 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileNow refetches every observed query and waits for them. A call made
// while another reconcile is running returns nil immediately. Every fetch runs
// even if one fails; the first failure is returned.
func (r *CacheReconciler) ReconcileNow(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	keys := r.cache.Keys()

	var g errgroup.Group
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for _, key := range keys {
		key := key
		g.Go(func() error {
			_, err := r.cache.Fetch(ctx, key)
			var nf *noFetcherError
			if errors.As(err, &nf) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.metrics.RecordReconcile("error")
		r.logger.Warn("reconcile failed", "queries", len(keys), "error", err)
		return err
	}
	r.metrics.RecordReconcile("ok")
	r.logger.Debug("reconcile complete", "queries", len(keys), "duration", time.Since(start))
	return nil
}

// Start schedules periodic reconciliation until Stop or ctx is done.
func (r *CacheReconciler) Start(ctx context.Context) error {
	if strings.TrimSpace(r.schedule) == "" {
		return nil
	}
	if err := ValidateSchedule(r.schedule); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(r.schedule, func() {
		_ = r.ReconcileNow(runCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	c.Start()
	r.cron = c
	r.stop = cancel
	r.logger.Info("reconcile scheduled", "schedule", r.schedule)
	return nil
}

// Stop halts the schedule and waits for a running reconcile to finish.
func (r *CacheReconciler) Stop() {
	r.mu.Lock()
	c, cancel := r.cron, r.stop
	r.cron, r.stop = nil, nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}
