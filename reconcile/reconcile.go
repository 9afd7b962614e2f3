// Package reconcile keeps each subscriber's live notification in sync with
// what they are listening to.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nowplaying-notifier/chat"
	"nowplaying-notifier/compose"
	"nowplaying-notifier/lease"
	"nowplaying-notifier/metrics"
	"nowplaying-notifier/pkg/notifier"
	"time"
)

// Store interface for profile persistence.
type Store interface {
	Get(ctx context.Context, subscriberID string) (*notifier.Profile, error)
	Save(ctx context.Context, p *notifier.Profile) error
}

// Source interface for sampling playback.
type Source interface {
	Sample(ctx context.Context, p *notifier.Profile) (*notifier.Sample, error)
}

// Enricher interface for cover art lookups. A nil result is a miss.
type Enricher interface {
	Enrich(ctx context.Context, artist, track, album string) *notifier.Enrichment
}

// Messenger interface for chat delivery. Errors are classified with chat.Classify.
type Messenger interface {
	Send(ctx context.Context, target string, msg *notifier.Message) (int, error)
	Edit(ctx context.Context, target string, messageID int, msg *notifier.Message) error
}

// IsNotFound checks if a store error means the profile does not exist.
type IsNotFound func(error) bool

// Outcome names how a tick ended. It is used as a metrics label.
type Outcome string

// Tick outcomes.
const (
	OutcomeInactive          Outcome = "skipped_inactive"
	OutcomeBusy              Outcome = "skipped_busy"
	OutcomeNotConfigured     Outcome = "skipped_not_configured"
	OutcomeSourceUnavailable Outcome = "skipped_source_unavailable"
	OutcomeDeliveryTransient Outcome = "skipped_delivery_transient"
	OutcomeStoreUnavailable  Outcome = "skipped_store_unavailable"
	OutcomeEdited            Outcome = "edited"
	OutcomePosted            Outcome = "posted"
	OutcomeReposted          Outcome = "reposted"
	OutcomeDeactivated       Outcome = "deactivated"
)

// Trigger describes who asked for the tick.
type Trigger struct {
	// OnDemand marks a user or operator refresh. It turns on the refresh
	// button, which later scheduled ticks keep rendering.
	OnDemand bool
}

// Reconciler runs reconciliation ticks.
type Reconciler struct {
	store      Store
	source     Source
	enricher   Enricher
	messenger  Messenger
	locker     lease.Locker
	isNotFound IsNotFound
	now        func() time.Time
	logger     *slog.Logger
}

// Config holds reconciler dependencies.
type Config struct {
	Store      Store
	Source     Source
	Enricher   Enricher
	Messenger  Messenger
	Locker     lease.Locker     // defaults to an in-process lock
	IsNotFound IsNotFound       // defaults to never
	Now        func() time.Time // defaults to time.Now
	Logger     *slog.Logger
}

// New creates a new reconciler.
func New(cfg *Config) *Reconciler {
	r := &Reconciler{
		store:      cfg.Store,
		source:     cfg.Source,
		enricher:   cfg.Enricher,
		messenger:  cfg.Messenger,
		locker:     cfg.Locker,
		isNotFound: cfg.IsNotFound,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if r.locker == nil {
		r.locker = lease.NewLocal()
	}
	if r.isNotFound == nil {
		r.isNotFound = func(error) bool { return false }
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Refresh runs an on-demand tick for one subscriber. Skips surface as
// errors so callers can tell the user why nothing changed.
func (r *Reconciler) Refresh(ctx context.Context, subscriberID string) error {
	p, err := r.store.Get(ctx, subscriberID)
	if err != nil {
		if r.isNotFound(err) {
			return fmt.Errorf("refresh %s: %w", subscriberID, notifier.ErrNotConfigured)
		}
		return fmt.Errorf("%w: load profile: %w", notifier.ErrStoreUnavailable, err)
	}

	outcome, err := r.Sync(ctx, p, Trigger{OnDemand: true})
	if err != nil {
		return err
	}
	if outcome == OutcomeInactive {
		return fmt.Errorf("refresh %s: no target channel: %w", subscriberID, notifier.ErrNotConfigured)
	}
	return nil
}

// Sync runs one tick for the subscriber whose last known profile is p.
// Subscribers without a target return immediately without any I/O.
// A nil error means the tick completed or was a no-op; otherwise the error
// wraps one of the notifier sentinels.
func (r *Reconciler) Sync(ctx context.Context, p *notifier.Profile, trigger Trigger) (Outcome, error) {
	if !p.Active() {
		return OutcomeInactive, nil
	}

	start := time.Now()
	outcome, err := r.sync(ctx, p.SubscriberID, trigger)

	metrics.ReconcileTotal.WithLabelValues(string(outcome)).Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	attrs := []any{
		"subscriber_id", p.SubscriberID,
		"outcome", string(outcome),
		"on_demand", trigger.OnDemand,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
		r.logger.Debug("Reconciliation completed", attrs...)
	case errors.Is(err, notifier.ErrNotConfigured), errors.Is(err, notifier.ErrBusy):
		r.logger.Debug("Reconciliation skipped", append(attrs, "reason", err)...)
	default:
		r.logger.Warn("Reconciliation skipped", append(attrs, "error", err)...)
	}
	return outcome, err
}

func (r *Reconciler) sync(ctx context.Context, subscriberID string, trigger Trigger) (Outcome, error) {
	release, ok, err := r.locker.TryAcquire(ctx, subscriberID)
	if err != nil {
		return OutcomeStoreUnavailable, fmt.Errorf("%w: acquire lease: %w", notifier.ErrStoreUnavailable, err)
	}
	if !ok {
		return OutcomeBusy, notifier.ErrBusy
	}
	defer release()

	// Re-read under the lease so a tick never works from a stale listing.
	current, err := r.store.Get(ctx, subscriberID)
	if err != nil {
		if r.isNotFound(err) {
			return OutcomeInactive, nil
		}
		return OutcomeStoreUnavailable, fmt.Errorf("%w: load profile: %w", notifier.ErrStoreUnavailable, err)
	}
	if !current.Active() {
		return OutcomeInactive, nil
	}

	sample, err := r.source.Sample(ctx, current)
	if err != nil {
		if errors.Is(err, notifier.ErrNotConfigured) {
			return OutcomeNotConfigured, err
		}
		if !errors.Is(err, notifier.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", notifier.ErrSourceUnavailable, err)
		}
		return OutcomeSourceUnavailable, err
	}

	now := r.now()
	next := current.Clone()
	applyTransition(next, sample.Status(), now)
	if trigger.OnDemand {
		next.RefreshButton = true
	}

	enrichment := r.enricher.Enrich(ctx, sample.ArtistName, sample.TrackName, sample.AlbumName)
	msg := compose.Compose(sample, next, enrichment, compose.Options{Now: now, OnDemand: next.RefreshButton})

	outcome, err := r.deliver(ctx, current, next, msg)
	if err != nil {
		return outcome, err
	}
	if outcome == OutcomeDeactivated {
		next = current.Clone()
		next.Deactivate()
	}

	if next.Equal(current) {
		return outcome, nil
	}
	if err := r.store.Save(ctx, next); err != nil {
		if outcome == OutcomePosted || outcome == OutcomeReposted {
			r.logger.Error("Message delivered but profile not saved, next tick will post again",
				"subscriber_id", subscriberID, "message_id", next.LastMessageID, "error", err)
		}
		return OutcomeStoreUnavailable, fmt.Errorf("%w: save profile: %w", notifier.ErrStoreUnavailable, err)
	}
	return outcome, nil
}

// deliver edits the live message or posts a new one, updating next.LastMessageID.
func (r *Reconciler) deliver(ctx context.Context, current, next *notifier.Profile, msg *notifier.Message) (Outcome, error) {
	target := current.TargetChannelID
	reposting := false

	if next.LastMessageID != 0 {
		err := r.messenger.Edit(ctx, target, next.LastMessageID, msg)
		if err == nil {
			return OutcomeEdited, nil
		}
		switch chat.Classify(err) {
		case chat.TargetGone:
			r.logDeactivation(current, err)
			return OutcomeDeactivated, nil
		case chat.MessageGone:
			r.logger.Info("Live message gone, posting a replacement",
				"subscriber_id", current.SubscriberID,
				"stale_message_id", next.LastMessageID,
				"error", err)
			next.LastMessageID = 0
			reposting = true
		default:
			return OutcomeDeliveryTransient, fmt.Errorf("%w: edit message %d: %w", notifier.ErrDeliveryTransient, next.LastMessageID, err)
		}
	}

	id, err := r.messenger.Send(ctx, target, msg)
	if err != nil {
		if chat.Classify(err) == chat.TargetGone {
			r.logDeactivation(current, err)
			return OutcomeDeactivated, nil
		}
		return OutcomeDeliveryTransient, fmt.Errorf("%w: send message: %w", notifier.ErrDeliveryTransient, err)
	}
	next.LastMessageID = id

	if reposting {
		return OutcomeReposted, nil
	}
	return OutcomePosted, nil
}

func (r *Reconciler) logDeactivation(p *notifier.Profile, err error) {
	r.logger.Warn("Target channel unreachable, deactivating subscriber",
		"subscriber_id", p.SubscriberID,
		"target", p.TargetChannelID,
		"error", err)
}

// applyTransition records the new status. Only Playing to Paused stamps
// LastListenedAt.
func applyTransition(p *notifier.Profile, status notifier.PlaybackStatus, now time.Time) {
	if p.PlaybackStatus == notifier.StatusPlaying && status == notifier.StatusPaused {
		t := now
		p.LastListenedAt = &t
	}
	p.PlaybackStatus = status
}
