// Package enrich looks up cover art and deep-link ids for a track across an
// ordered chain of metadata providers.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"nowplaying-notifier/metrics"
	"nowplaying-notifier/pkg/notifier"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// DefaultTimeout bounds a single provider lookup.
const DefaultTimeout = 4 * time.Second

// Query identifies the track to look up. Album may be empty.
type Query struct {
	Artist string
	Track  string
	Album  string
}

// Text is the free-text search string for providers without field search.
func (q Query) Text() string {
	return strings.TrimSpace(q.Artist + " " + q.Track)
}

// Provider is one metadata source. A miss is (nil, nil).
type Provider interface {
	Name() string
	Lookup(ctx context.Context, q Query) (*notifier.Enrichment, error)
}

// Chain tries providers in order and returns the first usable result.
type Chain struct {
	logger    *slog.Logger
	providers []Provider
	timeout   time.Duration
}

// NewChain creates an enrichment chain. A zero timeout uses DefaultTimeout.
func NewChain(providers []Provider, timeout time.Duration, logger *slog.Logger) *Chain {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Chain{
		logger:    logger,
		providers: providers,
		timeout:   timeout,
	}
}

// Providers returns the provider names in lookup order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Enrich returns the first provider result with a cover image, or nil when
// every provider misses or fails. It never returns an error.
func (c *Chain) Enrich(ctx context.Context, artist, track, album string) *notifier.Enrichment {
	q := Query{Artist: artist, Track: track, Album: album}
	if q.Artist == "" && q.Track == "" {
		return nil
	}

	for _, p := range c.providers {
		if ctx.Err() != nil {
			return nil
		}
		if res := c.lookup(ctx, p, q); res != nil {
			return res
		}
	}

	c.logger.Debug("No provider returned cover art", "artist", artist, "track", track)
	return nil
}

func (c *Chain) lookup(ctx context.Context, p Provider, q Query) *notifier.Enrichment {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.Lookup(ctx, q)
	duration := time.Since(start)

	if err != nil {
		result := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		metrics.EnrichTotal.WithLabelValues(p.Name(), result).Inc()
		c.logger.Debug("Provider lookup failed",
			"provider", p.Name(),
			"result", result,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil
	}
	if res == nil || res.CoverURL == "" {
		metrics.EnrichTotal.WithLabelValues(p.Name(), "miss").Inc()
		return nil
	}

	out := *res
	out.CoverURL = NormalizeCoverURL(out.CoverURL)
	if out.Provider == "" {
		out.Provider = p.Name()
	}
	metrics.EnrichTotal.WithLabelValues(p.Name(), "hit").Inc()
	c.logger.Debug("Provider returned cover art",
		"provider", out.Provider,
		"duration_ms", duration.Milliseconds(),
		"cover_url", out.CoverURL)
	return &out
}
