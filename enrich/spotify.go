package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"nowplaying-notifier/pkg/notifier"

	spotify "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

// Spotify searches the Spotify Web API catalogue.
type Spotify struct {
	client *spotify.Client
	logger *slog.Logger
}

// NewSpotifyHTTPClient returns an HTTP client that authenticates with the
// client-credentials flow and refreshes its token as needed.
func NewSpotifyHTTPClient(ctx context.Context, clientID, clientSecret string) *http.Client {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	return cfg.Client(ctx)
}

// NewSpotify creates a Spotify provider.
func NewSpotify(client *spotify.Client, logger *slog.Logger) *Spotify {
	return &Spotify{client: client, logger: logger}
}

// Name implements Provider.
func (*Spotify) Name() string { return "spotify" }

// Lookup implements Provider.
func (p *Spotify) Lookup(ctx context.Context, q Query) (*notifier.Enrichment, error) {
	query := fmt.Sprintf("track:%s artist:%s", q.Track, q.Artist)
	if q.Album != "" {
		query += " album:" + q.Album
	}

	res, err := p.client.Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(1))
	if err != nil {
		return nil, fmt.Errorf("spotify search: %w", err)
	}
	if res.Tracks == nil || len(res.Tracks.Tracks) == 0 {
		return nil, nil
	}

	track := res.Tracks.Tracks[0]
	if len(track.Album.Images) == 0 {
		return &notifier.Enrichment{ExternalID: track.ID.String(), Provider: p.Name()}, nil
	}
	// Images are ordered widest first.
	return &notifier.Enrichment{
		CoverURL:   track.Album.Images[0].URL,
		ExternalID: track.ID.String(),
		Provider:   p.Name(),
	}, nil
}
