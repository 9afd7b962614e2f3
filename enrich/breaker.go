package enrich

import (
	"context"
	"errors"
	"log/slog"
	"nowplaying-notifier/metrics"
	"nowplaying-notifier/pkg/notifier"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerSettings configures the per-provider circuit breaker.
type BreakerSettings struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// OpenTimeout is how long the circuit stays open before a trial request.
	OpenTimeout time.Duration
}

type guarded struct {
	Provider
	cb *gobreaker.CircuitBreaker[*notifier.Enrichment]
}

// WithBreaker wraps a provider so that a failing upstream is skipped quickly
// instead of costing its full timeout on every tick.
func WithBreaker(p Provider, settings BreakerSettings, logger *slog.Logger) Provider {
	if settings.Failures == 0 {
		settings.Failures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = time.Minute
	}

	metrics.BreakerState.WithLabelValues(p.Name()).Set(0)

	cb := gobreaker.NewCircuitBreaker[*notifier.Enrichment](gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.Failures
		},
		// Cancellation by the caller says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Provider circuit breaker state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &guarded{Provider: p, cb: cb}
}

func (g *guarded) Lookup(ctx context.Context, q Query) (*notifier.Enrichment, error) {
	return g.cb.Execute(func() (*notifier.Enrichment, error) {
		return g.Provider.Lookup(ctx, q)
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
