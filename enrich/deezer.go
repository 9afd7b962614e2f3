package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"nowplaying-notifier/pkg/notifier"
	"strconv"
)

const deezerSearchURL = "https://api.deezer.com/search"

// Deezer searches the keyless Deezer API using its advanced field syntax.
type Deezer struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewDeezer creates a Deezer provider. An empty baseURL uses the public endpoint.
func NewDeezer(client *http.Client, baseURL string, logger *slog.Logger) *Deezer {
	if baseURL == "" {
		baseURL = deezerSearchURL
	}
	return &Deezer{client: client, logger: logger, baseURL: baseURL}
}

// Name implements Provider.
func (*Deezer) Name() string { return "deezer" }

type deezerResponse struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
	Data []struct {
		Album struct {
			CoverXL  string `json:"cover_xl"`
			CoverBig string `json:"cover_big"`
		} `json:"album"`
		ID int64 `json:"id"`
	} `json:"data"`
}

// Lookup implements Provider.
func (p *Deezer) Lookup(ctx context.Context, q Query) (*notifier.Enrichment, error) {
	term := fmt.Sprintf("artist:%q track:%q", q.Artist, q.Track)
	if q.Album != "" {
		term += fmt.Sprintf(" album:%q", q.Album)
	}
	v := url.Values{"q": {term}, "limit": {"1"}}

	var resp deezerResponse
	if err := getJSON(ctx, p.client, p.logger, p.Name(), p.baseURL+"?"+v.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("deezer error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	d := resp.Data[0]
	cover := d.Album.CoverXL
	if cover == "" {
		cover = d.Album.CoverBig
	}
	return &notifier.Enrichment{
		CoverURL:   cover,
		ExternalID: strconv.FormatInt(d.ID, 10),
		Provider:   p.Name(),
	}, nil
}
