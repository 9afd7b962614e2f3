package enrich

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"nowplaying-notifier/pkg/notifier"
	"strconv"
)

const itunesSearchURL = "https://itunes.apple.com/search"

// ITunes searches the keyless iTunes Search API.
type ITunes struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewITunes creates an iTunes provider. An empty baseURL uses the public endpoint.
func NewITunes(client *http.Client, baseURL string, logger *slog.Logger) *ITunes {
	if baseURL == "" {
		baseURL = itunesSearchURL
	}
	return &ITunes{client: client, logger: logger, baseURL: baseURL}
}

// Name implements Provider.
func (*ITunes) Name() string { return "itunes" }

type itunesResponse struct {
	Results []struct {
		ArtworkURL100 string `json:"artworkUrl100"`
		ArtworkURL60  string `json:"artworkUrl60"`
		TrackID       int64  `json:"trackId"`
	} `json:"results"`
	ResultCount int `json:"resultCount"`
}

// Lookup implements Provider.
func (p *ITunes) Lookup(ctx context.Context, q Query) (*notifier.Enrichment, error) {
	v := url.Values{
		"term":   {q.Text()},
		"media":  {"music"},
		"entity": {"song"},
		"limit":  {"1"},
	}
	var resp itunesResponse
	if err := getJSON(ctx, p.client, p.logger, p.Name(), p.baseURL+"?"+v.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	r := resp.Results[0]
	cover := r.ArtworkURL100
	if cover == "" {
		cover = r.ArtworkURL60
	}
	res := &notifier.Enrichment{CoverURL: cover, Provider: p.Name()}
	if r.TrackID != 0 {
		res.ExternalID = strconv.FormatInt(r.TrackID, 10)
	}
	return res, nil
}
