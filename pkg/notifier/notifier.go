// Package notifier defines the core domain types shared across packages.
package notifier

import (
	"errors"
	"time"
)

// Error taxonomy for a reconciliation tick. Each skip is attributable to one of these.
var (
	// ErrNotConfigured means the subscriber is missing profile fields required for the tick.
	ErrNotConfigured = errors.New("subscriber not configured")
	// ErrSourceUnavailable means the playback source failed or returned no history.
	ErrSourceUnavailable = errors.New("playback source unavailable")
	// ErrDeliveryTransient means a send or edit failed for a reason worth retrying next tick.
	ErrDeliveryTransient = errors.New("delivery failed")
	// ErrStoreUnavailable means the profile store could not be reached after bounded retries.
	ErrStoreUnavailable = errors.New("profile store unavailable")
	// ErrBusy means another reconciliation for the same subscriber is in flight.
	ErrBusy = errors.New("subscriber reconciliation in flight")
)

// PlaybackStatus is the last observed playback state of a subscriber.
type PlaybackStatus string

// Playback states. The zero value is Unknown.
const (
	StatusUnknown PlaybackStatus = ""
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
)

func (s PlaybackStatus) String() string {
	switch s {
	case StatusPlaying:
		return "Playing"
	case StatusPaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Profile is the durable per-subscriber record.
type Profile struct {
	LastListenedAt  *time.Time     `json:"last_listened_at,omitempty" bson:"lastListenedAt,omitempty"`
	SubscriberID    string         `json:"subscriber_id" bson:"_id"`
	DisplayName     string         `json:"display_name,omitempty" bson:"tgUser,omitempty"`
	TargetChannelID string         `json:"target_channel_id,omitempty" bson:"channelId,omitempty"`
	SourceUsername  string         `json:"source_username,omitempty" bson:"lastfmUsername,omitempty"`
	PlaybackStatus  PlaybackStatus `json:"playback_status,omitempty" bson:"playbackStatus,omitempty"`
	LastMessageID   int            `json:"last_message_id,omitempty" bson:"lastMessageId,omitempty"`
	// RefreshButton is set once the subscriber asks for a refresh; the live
	// message keeps the refresh action from then on.
	RefreshButton   bool           `json:"refresh_button,omitempty" bson:"refreshButton,omitempty"`
}

// Active reports whether the subscriber has a posting target.
func (p *Profile) Active() bool {
	return p.TargetChannelID != ""
}

// SetTarget points the subscriber at a new channel. The live message handle
// belongs to the old channel, so it is always dropped.
func (p *Profile) SetTarget(channelID string) {
	if channelID != p.TargetChannelID {
		p.LastMessageID = 0
		p.RefreshButton = false
	}
	p.TargetChannelID = channelID
}

// Deactivate clears the posting target and message handle together.
func (p *Profile) Deactivate() {
	p.TargetChannelID = ""
	p.LastMessageID = 0
	p.RefreshButton = false
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	if p.LastListenedAt != nil {
		t := *p.LastListenedAt
		c.LastListenedAt = &t
	}
	return &c
}

// Equal reports whether two profiles hold the same persisted state.
func (p *Profile) Equal(o *Profile) bool {
	if p == nil || o == nil {
		return p == o
	}
	if (p.LastListenedAt == nil) != (o.LastListenedAt == nil) {
		return false
	}
	if p.LastListenedAt != nil && !p.LastListenedAt.Equal(*o.LastListenedAt) {
		return false
	}
	return p.SubscriberID == o.SubscriberID &&
		p.DisplayName == o.DisplayName &&
		p.TargetChannelID == o.TargetChannelID &&
		p.SourceUsername == o.SourceUsername &&
		p.PlaybackStatus == o.PlaybackStatus &&
		p.LastMessageID == o.LastMessageID &&
		p.RefreshButton == o.RefreshButton
}

// PlayCountUnknown marks a sample whose play count lookup failed.
const PlayCountUnknown int64 = -1

// Sample is one observation of what a subscriber is listening to.
type Sample struct {
	TrackName  string
	ArtistName string
	AlbumName  string
	PlayCount  int64
	IsPlaying  bool
}

// Status derives the playback status from the sample.
func (s *Sample) Status() PlaybackStatus {
	if s.IsPlaying {
		return StatusPlaying
	}
	return StatusPaused
}

// Enrichment is presentational metadata found for a track.
type Enrichment struct {
	CoverURL   string
	ExternalID string
	Provider   string
}

// Button is one inline keyboard action. Exactly one of URL or CallbackData is set.
type Button struct {
	Text         string
	URL          string
	CallbackData string
}

// Message is a rendered notification ready for delivery.
type Message struct {
	Caption  string
	PhotoURL string
	Keyboard [][]Button
}

// HasPhoto reports whether the message should be delivered in photo mode.
func (m *Message) HasPhoto() bool {
	return m.PhotoURL != ""
}
