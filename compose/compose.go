// Package compose renders now-playing notifications. It performs no I/O.
package compose

import (
	"fmt"
	"html"
	"net/url"
	"nowplaying-notifier/pkg/notifier"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultDisplayName labels subscribers who never set a display name.
	DefaultDisplayName = "Someone"
	// RefreshPrefix prefixes the callback data of the refresh button.
	RefreshPrefix = "refresh_"
)

// Options controls context-dependent parts of the message.
type Options struct {
	// Now is the reference time for the "last played" line.
	Now time.Time
	// OnDemand adds the refresh button.
	OnDemand bool
}

// Compose builds the caption and keyboard for a sample. enrichment may be nil.
func Compose(sample *notifier.Sample, profile *notifier.Profile, enrichment *notifier.Enrichment, opts Options) *notifier.Message {
	msg := &notifier.Message{
		Caption:  Caption(sample, profile, opts.Now),
		Keyboard: Keyboard(sample, profile, enrichment, opts.OnDemand),
	}
	if enrichment != nil {
		msg.PhotoURL = enrichment.CoverURL
	}
	return msg
}

// Caption renders the HTML caption.
func Caption(sample *notifier.Sample, profile *notifier.Profile, now time.Time) string {
	name := strings.TrimSpace(profile.DisplayName)
	if name == "" {
		name = DefaultDisplayName
	}
	status := sample.Status()

	var b strings.Builder
	if status == notifier.StatusPlaying {
		fmt.Fprintf(&b, "<b>%s</b> is listening to\n\n", html.EscapeString(name))
	} else {
		fmt.Fprintf(&b, "<b>%s</b> was listening to\n\n", html.EscapeString(name))
	}
	fmt.Fprintf(&b, "🎵 <b>Song:</b> %s\n", html.EscapeString(sample.TrackName))
	fmt.Fprintf(&b, "👤 <b>Artist:</b> %s\n", html.EscapeString(sample.ArtistName))
	if sample.AlbumName != "" {
		fmt.Fprintf(&b, "💿 <b>Album:</b> %s\n", html.EscapeString(sample.AlbumName))
	}
	if sample.PlayCount >= 0 {
		fmt.Fprintf(&b, "🔁 <b>Plays:</b> %s\n", humanize.Comma(sample.PlayCount))
	}

	if status == notifier.StatusPlaying {
		b.WriteString("\n▶️ <b>Status:</b> Playing")
	} else {
		b.WriteString("\n⏸ <b>Status:</b> Paused")
		if profile.LastListenedAt != nil {
			fmt.Fprintf(&b, "\n🕒 <b>Last played:</b> %s", RelativeTime(*profile.LastListenedAt, now))
		}
	}
	return b.String()
}

// Keyboard builds the inline actions.
func Keyboard(sample *notifier.Sample, profile *notifier.Profile, enrichment *notifier.Enrichment, onDemand bool) [][]notifier.Button {
	rows := [][]notifier.Button{{
		{Text: "🎧 Listen", URL: ListenURL(sample, enrichment)},
		{Text: "🔎 About " + sample.ArtistName, URL: "https://www.google.com/search?q=" + url.QueryEscape(sample.ArtistName)},
	}}
	if onDemand {
		rows = append(rows, []notifier.Button{{Text: "🔄 Refresh", CallbackData: RefreshPrefix + profile.SubscriberID}})
	}
	return rows
}

// ListenURL deep-links the provider's external id through song.link, or
// falls back to a search.
func ListenURL(sample *notifier.Sample, enrichment *notifier.Enrichment) string {
	if enrichment != nil && enrichment.ExternalID != "" {
		id := url.PathEscape(enrichment.ExternalID)
		switch enrichment.Provider {
		case "spotify":
			return "https://song.link/s/" + id
		case "youtube", "ytmusic":
			return "https://song.link/y/" + id
		case "itunes":
			return "https://song.link/i/" + id
		case "deezer":
			return "https://song.link/d/" + id
		}
	}
	query := strings.TrimSpace(sample.ArtistName + " " + sample.TrackName)
	return "https://www.youtube.com/results?search_query=" + url.QueryEscape(query)
}

// RelativeTime renders how long ago t was, with "Just now" under a minute.
func RelativeTime(t, now time.Time) string {
	if now.Sub(t) < time.Minute {
		return "Just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// ParseRefresh extracts the subscriber id from refresh callback data.
func ParseRefresh(data string) (string, bool) {
	id, ok := strings.CutPrefix(data, RefreshPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
