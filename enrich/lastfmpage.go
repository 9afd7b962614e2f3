package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"nowplaying-notifier/pkg/notifier"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	lastfmWebURL = "https://www.last.fm"
	// Image hash Last.fm serves when a track has no artwork.
	lastfmPlaceholder = "2a96cbd8b46e442fc41c2b86b821562f"
)

// LastFMPage reads the og:image of a track's public Last.fm page.
type LastFMPage struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewLastFMPage creates a page-scraping provider. An empty baseURL uses www.last.fm.
func NewLastFMPage(client *http.Client, baseURL string, logger *slog.Logger) *LastFMPage {
	if baseURL == "" {
		baseURL = lastfmWebURL
	}
	return &LastFMPage{client: client, logger: logger, baseURL: strings.TrimRight(baseURL, "/")}
}

// Name implements Provider.
func (*LastFMPage) Name() string { return "lastfm" }

// Lookup implements Provider.
func (p *LastFMPage) Lookup(ctx context.Context, q Query) (*notifier.Enrichment, error) {
	if q.Artist == "" || q.Track == "" {
		return nil, nil
	}
	pageURL := fmt.Sprintf("%s/music/%s/_/%s", p.baseURL, pathSegment(q.Artist), pathSegment(q.Track))

	body, err := get(ctx, p.client, p.logger, p.Name(), pageURL)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	image := strings.TrimSpace(doc.Find(`meta[property="og:image"]`).AttrOr("content", ""))
	if image == "" || strings.Contains(image, lastfmPlaceholder) {
		return nil, nil
	}
	return &notifier.Enrichment{CoverURL: image, Provider: p.Name()}, nil
}

// pathSegment encodes a name the way last.fm URLs do, with '+' for spaces.
func pathSegment(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "%20", "+")
}
