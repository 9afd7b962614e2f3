// Package poll drives reconciliation passes over all active subscribers.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nowplaying-notifier/metrics"
	"nowplaying-notifier/pkg/notifier"
	"nowplaying-notifier/reconcile"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInterval is the pass cadence.
	DefaultInterval = 5 * time.Second
	// DefaultWorkers bounds concurrent reconciliations within a pass.
	DefaultWorkers = 8
)

// Store interface for listing subscriber profiles.
type Store interface {
	List(ctx context.Context) ([]*notifier.Profile, error)
}

// Syncer interface for reconciling one subscriber.
type Syncer interface {
	Sync(ctx context.Context, p *notifier.Profile, trigger reconcile.Trigger) (reconcile.Outcome, error)
}

// Scheduler runs a reconciliation pass on a fixed period.
type Scheduler struct {
	store    Store
	syncer   Syncer
	logger   *slog.Logger
	interval time.Duration
	workers  int
}

// Config holds scheduler configuration.
type Config struct {
	Store    Store
	Syncer   Syncer
	Logger   *slog.Logger
	Interval time.Duration
	Workers  int
}

// New creates a new poll scheduler.
func New(cfg *Config) *Scheduler {
	s := &Scheduler{
		store:    cfg.Store,
		syncer:   cfg.Syncer,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		workers:  cfg.Workers,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	return s
}

// String names the service in supervisor logs.
func (*Scheduler) String() string { return "poll-scheduler" }

// Serve implements suture.Service. Passes never overlap: the next tick
// waits for the current pass to finish.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Poll scheduler started", "interval", s.interval.String(), "workers", s.workers)
	for {
		if err := s.CheckAll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Poll pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Poll scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckAll runs one pass over every active subscriber. Only a failure to
// list subscribers is returned; per-subscriber failures are logged.
func (s *Scheduler) CheckAll(ctx context.Context) error {
	start := time.Now()
	passID := uuid.NewString()

	profiles, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}

	var active []*notifier.Profile
	for _, p := range profiles {
		if p.Active() {
			active = append(active, p)
		}
	}
	metrics.ActiveSubscribers.Set(float64(len(active)))

	var (
		mu       sync.Mutex
		outcomes = make(map[reconcile.Outcome]int)
		failed   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, p := range active {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := s.checkOne(gctx, passID, p)
			mu.Lock()
			defer mu.Unlock()
			outcomes[outcome]++
			if err != nil && !errors.Is(err, notifier.ErrNotConfigured) && !errors.Is(err, notifier.ErrBusy) {
				failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("poll pass: %w", err)
	}

	duration := time.Since(start)
	metrics.PassDuration.Observe(duration.Seconds())

	attrs := []any{
		"pass_id", passID,
		"total", len(profiles),
		"active", len(active),
		"failed", failed,
		"duration_ms", duration.Milliseconds(),
	}
	for outcome, n := range outcomes {
		attrs = append(attrs, string(outcome), n)
	}
	if len(active) > 0 {
		s.logger.Info("Poll pass completed", attrs...)
	} else {
		s.logger.Debug("Poll pass completed", attrs...)
	}
	return nil
}

// checkOne reconciles a single subscriber. A panic is contained to that subscriber.
func (s *Scheduler) checkOne(ctx context.Context, passID string, p *notifier.Profile) (outcome reconcile.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic during reconciliation",
				"pass_id", passID,
				"subscriber_id", p.SubscriberID,
				"panic", fmt.Sprint(r))
			outcome = "panic"
			err = fmt.Errorf("reconcile %s: panic: %v", p.SubscriberID, r)
		}
	}()
	return s.syncer.Sync(ctx, p, reconcile.Trigger{})
}
