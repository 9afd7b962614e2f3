package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"nowplaying-notifier/pkg/notifier"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const musicCategoryID = "10"

// YouTube searches the YouTube Data API for a matching music video.
type YouTube struct {
	service *youtube.Service
	logger  *slog.Logger
}

// NewYouTube creates a YouTube provider. opts typically carries option.WithAPIKey.
func NewYouTube(ctx context.Context, logger *slog.Logger, opts ...option.ClientOption) (*YouTube, error) {
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &YouTube{service: svc, logger: logger}, nil
}

// Name implements Provider.
func (*YouTube) Name() string { return "youtube" }

// Lookup implements Provider.
func (p *YouTube) Lookup(ctx context.Context, q Query) (*notifier.Enrichment, error) {
	resp, err := p.service.Search.List([]string{"snippet"}).
		Q(q.Text()).
		Type("video").
		VideoCategoryId(musicCategoryID).
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube search: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil || resp.Items[0].Id.VideoId == "" {
		return nil, nil
	}

	item := resp.Items[0]
	res := &notifier.Enrichment{ExternalID: item.Id.VideoId, Provider: p.Name()}
	if item.Snippet != nil {
		res.CoverURL = bestThumbnail(item.Snippet.Thumbnails)
	}
	return res, nil
}

func bestThumbnail(t *youtube.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*youtube.Thumbnail{t.Maxres, t.Standard, t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}
