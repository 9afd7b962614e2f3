package enrich

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"nowplaying-notifier/pkg/notifier"
	"strings"
)

// YTMusic queries a YouTube Music search sidecar exposing GET /search?q=.
type YTMusic struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewYTMusic creates a provider for the sidecar at baseURL.
func NewYTMusic(client *http.Client, baseURL string, logger *slog.Logger) *YTMusic {
	return &YTMusic{client: client, logger: logger, baseURL: strings.TrimRight(baseURL, "/")}
}

// Name implements Provider.
func (*YTMusic) Name() string { return "ytmusic" }

type ytmusicThumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type ytmusicResponse struct {
	Results []struct {
		VideoID    string             `json:"videoId"`
		Thumbnail  string             `json:"thumbnail"`
		Thumbnails []ytmusicThumbnail `json:"thumbnails"`
	} `json:"results"`
}

// Lookup implements Provider.
func (p *YTMusic) Lookup(ctx context.Context, q Query) (*notifier.Enrichment, error) {
	v := url.Values{"q": {q.Text()}}
	var resp ytmusicResponse
	if err := getJSON(ctx, p.client, p.logger, p.Name(), p.baseURL+"/search?"+v.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 || resp.Results[0].VideoID == "" {
		return nil, nil
	}

	r := resp.Results[0]
	cover := r.Thumbnail
	if cover == "" {
		cover = largestThumbnail(r.Thumbnails)
	}
	return &notifier.Enrichment{
		CoverURL:   cover,
		ExternalID: r.VideoID,
		Provider:   p.Name(),
	}, nil
}

func largestThumbnail(thumbs []ytmusicThumbnail) string {
	best := ""
	bestArea := -1
	for _, t := range thumbs {
		if area := t.Width * t.Height; t.URL != "" && area > bestArea {
			best, bestArea = t.URL, area
		}
	}
	return best
}
