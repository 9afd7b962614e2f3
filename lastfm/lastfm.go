// Package lastfm samples a subscriber's current playback from the Last.fm API.
package lastfm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"nowplaying-notifier/pkg/notifier"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Last.fm web service endpoint.
const DefaultBaseURL = "https://ws.audioscrobbler.com/2.0/"

const maxBodyBytes = 1 << 20

// APIError is the error envelope Last.fm returns in place of a result.
type APIError struct {
	Message string `json:"message"`
	Code    int    `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("last.fm error %d: %s", e.Code, e.Message)
}

// Temporary reports whether the error code is documented as transient.
func (e *APIError) Temporary() bool {
	switch e.Code {
	case 8, 11, 16, 29: // operation failed, service offline, temporarily unavailable, rate limited
		return true
	}
	return false
}

// HTTPError is a non-2xx response without a Last.fm error envelope.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsAPIError checks if an error carries a Last.fm error envelope.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Track is the most recent row of a user's scrobble history.
type Track struct {
	Name       string
	Artist     string
	Album      string
	NowPlaying bool
}

// Config configures a Client.
type Config struct {
	HTTPClient    *http.Client
	APIKey        string
	BaseURL       string
	RatePerSecond float64
}

// Client queries the Last.fm API.
type Client struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	apiKey  string
	baseURL string
}

// New creates a new Last.fm client.
func New(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		client:  httpClient,
		limiter: rate.NewLimiter(limit, 5),
		logger:  logger,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
	}
}

// Sample returns the subscriber's most recent track as a playback sample.
// It never mutates the profile.
func (c *Client) Sample(ctx context.Context, p *notifier.Profile) (*notifier.Sample, error) {
	if p.SourceUsername == "" {
		return nil, notifier.ErrNotConfigured
	}

	track, err := c.RecentTrack(ctx, p.SourceUsername)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", notifier.ErrSourceUnavailable, err)
	}
	if track == nil {
		return nil, fmt.Errorf("%w: no scrobble history for %s", notifier.ErrSourceUnavailable, p.SourceUsername)
	}

	sample := &notifier.Sample{
		TrackName:  track.Name,
		ArtistName: track.Artist,
		AlbumName:  track.Album,
		IsPlaying:  track.NowPlaying,
		PlayCount:  notifier.PlayCountUnknown,
	}

	plays, err := c.UserPlayCount(ctx, track.Artist, track.Name, p.SourceUsername)
	if err != nil {
		c.logger.Debug("Play count lookup failed", "user", p.SourceUsername, "track", track.Name, "error", err)
	} else {
		sample.PlayCount = plays
	}

	return sample, nil
}

type textField struct {
	Text string `json:"#text"`
}

type recentTrack struct {
	Attr *struct {
		NowPlaying string `json:"nowplaying"`
	} `json:"@attr"`
	Artist textField `json:"artist"`
	Album  textField `json:"album"`
	Name   string    `json:"name"`
}

type recentTracksResponse struct {
	RecentTracks struct {
		// A single object when there is exactly one row, an array otherwise.
		Track json.RawMessage `json:"track"`
	} `json:"recenttracks"`
}

// RecentTrack returns the newest row of the user's history, or nil if the history is empty.
func (c *Client) RecentTrack(ctx context.Context, user string) (*Track, error) {
	var resp recentTracksResponse
	params := url.Values{"user": {user}, "limit": {"1"}}
	if err := c.call(ctx, "user.getrecenttracks", params, &resp); err != nil {
		return nil, err
	}

	rows, err := decodeTracks(resp.RecentTracks.Track)
	if err != nil {
		return nil, fmt.Errorf("decode recent tracks: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	top := rows[0]
	return &Track{
		Name:       top.Name,
		Artist:     top.Artist.Text,
		Album:      top.Album.Text,
		NowPlaying: top.Attr != nil && top.Attr.NowPlaying == "true",
	}, nil
}

func decodeTracks(raw json.RawMessage) ([]recentTrack, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var rows []recentTrack
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var row recentTrack
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return []recentTrack{row}, nil
}

type trackInfoResponse struct {
	Track struct {
		UserPlayCount json.RawMessage `json:"userplaycount"`
	} `json:"track"`
}

// UserPlayCount returns how many times the user has scrobbled a track.
func (c *Client) UserPlayCount(ctx context.Context, artist, track, user string) (int64, error) {
	var resp trackInfoResponse
	params := url.Values{"artist": {artist}, "track": {track}, "username": {user}, "autocorrect": {"1"}}
	if err := c.call(ctx, "track.getInfo", params, &resp); err != nil {
		return 0, err
	}

	raw := strings.Trim(strings.TrimSpace(string(resp.Track.UserPlayCount)), `"`)
	if raw == "" || raw == "null" {
		return 0, errors.New("userplaycount missing")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse userplaycount %q: %w", raw, err)
	}
	return n, nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("method", method)
	q.Set("api_key", c.apiKey)
	q.Set("format", "json")
	reqURL := c.baseURL + "?" + q.Encode()

	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rate limiter: %w", err))
			}

			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			resp, err := c.client.Do(req)
			if err != nil {
				return fmt.Errorf("%s: %w", method, err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return fmt.Errorf("read %s response: %w", method, err)
			}

			c.logger.Debug("Last.fm request completed",
				"method", method,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			var envelope APIError
			if json.Unmarshal(body, &envelope) == nil && envelope.Code != 0 {
				return &envelope
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return &HTTPError{URL: c.baseURL + "?method=" + method, StatusCode: resp.StatusCode}
			}
			if err := json.Unmarshal(body, out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode %s response: %w", method, err))
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(250*time.Millisecond),
		retry.MaxJitter(100*time.Millisecond),
		retry.Context(ctx),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Last.fm request after error", "method", method, "attempt", n, "error", err)
		}),
	)
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return true
}
