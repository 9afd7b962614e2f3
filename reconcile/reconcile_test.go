package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"nowplaying-notifier/chat"
	"nowplaying-notifier/lease"
	"nowplaying-notifier/pkg/notifier"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	profiles map[string]*notifier.Profile
	getErr   error
	saveErr  error
	gets     int
	saves    int
	mu       sync.Mutex
}

func newFakeStore(profiles ...*notifier.Profile) *fakeStore {
	s := &fakeStore{profiles: make(map[string]*notifier.Profile)}
	for _, p := range profiles {
		s.profiles[p.SubscriberID] = p.Clone()
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id string) (*notifier.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.profiles[id]
	if !ok {
		return nil, errNotFound
	}
	return p.Clone(), nil
}

func (s *fakeStore) Save(_ context.Context, p *notifier.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.profiles[p.SubscriberID] = p.Clone()
	return nil
}

func (s *fakeStore) profile(id string) *notifier.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[id].Clone()
}

type fakeSource struct {
	sample *notifier.Sample
	err    error
	calls  int
}

func (f *fakeSource) Sample(context.Context, *notifier.Profile) (*notifier.Sample, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	s := *f.sample
	return &s, nil
}

type fakeEnricher struct {
	result *notifier.Enrichment
	calls  int
}

func (f *fakeEnricher) Enrich(context.Context, string, string, string) *notifier.Enrichment {
	f.calls++
	return f.result
}

type edit struct {
	target    string
	messageID int
	msg       *notifier.Message
}

type fakeMessenger struct {
	editErrs []error
	sendErrs []error
	edits    []edit
	sends    []edit
	nextID   int
}

func (f *fakeMessenger) Send(_ context.Context, target string, msg *notifier.Message) (int, error) {
	f.sends = append(f.sends, edit{target: target, msg: msg})
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.nextID++
	return 1000 + f.nextID, nil
}

func (f *fakeMessenger) Edit(_ context.Context, target string, messageID int, msg *notifier.Message) error {
	f.edits = append(f.edits, edit{target: target, messageID: messageID, msg: msg})
	if len(f.editErrs) > 0 {
		err := f.editErrs[0]
		f.editErrs = f.editErrs[1:]
		return err
	}
	return nil
}

func (f *fakeMessenger) calls() int {
	return len(f.edits) + len(f.sends)
}

func deliveryErr(kind chat.Kind) error {
	return &chat.DeliveryError{Op: "test", Kind: kind, Err: errors.New(kind.String())}
}

var tick = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type harness struct {
	store     *fakeStore
	source    *fakeSource
	enricher  *fakeEnricher
	messenger *fakeMessenger
	r         *Reconciler
}

func newHarness(t *testing.T, p *notifier.Profile) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(p),
		source:    &fakeSource{sample: &notifier.Sample{TrackName: "Song X", ArtistName: "Artist Y", PlayCount: 3, IsPlaying: true}},
		enricher:  &fakeEnricher{},
		messenger: &fakeMessenger{},
	}
	h.r = New(&Config{
		Store:      h.store,
		Source:     h.source,
		Enricher:   h.enricher,
		Messenger:  h.messenger,
		IsNotFound: func(err error) bool { return errors.Is(err, errNotFound) },
		Now:        func() time.Time { return tick },
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	return h
}

func (h *harness) sync(t *testing.T, id string) (Outcome, error) {
	t.Helper()
	p, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return h.r.Sync(context.Background(), p, Trigger{})
}

func activeProfile() *notifier.Profile {
	return &notifier.Profile{
		SubscriberID:    "42",
		DisplayName:     "Ada",
		TargetChannelID: "-100",
		SourceUsername:  "ada",
		PlaybackStatus:  notifier.StatusPlaying,
		LastMessageID:   10,
	}
}

func TestInactiveSubscriberDoesNoIO(t *testing.T) {
	p := activeProfile()
	p.Deactivate()
	h := newHarness(t, p)
	h.store.gets = 0

	outcome, err := h.r.Sync(context.Background(), p, Trigger{})
	if err != nil || outcome != OutcomeInactive {
		t.Fatalf("Sync() = %v, %v; want inactive", outcome, err)
	}
	if h.store.gets+h.store.saves+h.source.calls+h.enricher.calls+h.messenger.calls() != 0 {
		t.Errorf("inactive tick made calls: store %d/%d source %d enrich %d chat %d",
			h.store.gets, h.store.saves, h.source.calls, h.enricher.calls, h.messenger.calls())
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	p := activeProfile()
	p.PlaybackStatus = notifier.StatusPaused
	listened := tick.Add(-time.Hour)
	p.LastListenedAt = &listened
	h := newHarness(t, p)
	h.source.sample.IsPlaying = false

	for i := range 2 {
		outcome, err := h.sync(t, "42")
		if err != nil || outcome != OutcomeEdited {
			t.Fatalf("tick %d: Sync() = %v, %v; want edited", i, outcome, err)
		}
	}

	got := h.store.profile("42")
	if got.LastMessageID != 10 {
		t.Errorf("LastMessageID = %d, want 10", got.LastMessageID)
	}
	if !got.LastListenedAt.Equal(listened) {
		t.Errorf("LastListenedAt = %v, want unchanged %v", got.LastListenedAt, listened)
	}
	if h.store.saves != 0 {
		t.Errorf("unchanged profile saved %d times", h.store.saves)
	}
	if len(h.messenger.edits) != 2 || len(h.messenger.sends) != 0 {
		t.Errorf("edits %d sends %d, want 2/0", len(h.messenger.edits), len(h.messenger.sends))
	}
}

func TestTransitionLaw(t *testing.T) {
	earlier := tick.Add(-24 * time.Hour)
	tests := []struct {
		name      string
		previous  notifier.PlaybackStatus
		playing   bool
		wantStamp bool
	}{
		{name: "playing to paused", previous: notifier.StatusPlaying, playing: false, wantStamp: true},
		{name: "paused to paused", previous: notifier.StatusPaused, playing: false},
		{name: "paused to playing", previous: notifier.StatusPaused, playing: true},
		{name: "playing to playing", previous: notifier.StatusPlaying, playing: true},
		{name: "unknown to paused", previous: notifier.StatusUnknown, playing: false},
		{name: "unknown to playing", previous: notifier.StatusUnknown, playing: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activeProfile()
			p.PlaybackStatus = tt.previous
			p.LastListenedAt = &earlier
			h := newHarness(t, p)
			h.source.sample.IsPlaying = tt.playing

			if _, err := h.sync(t, "42"); err != nil {
				t.Fatalf("Sync() error = %v", err)
			}

			got := h.store.profile("42")
			want := earlier
			if tt.wantStamp {
				want = tick
			}
			if got.LastListenedAt == nil || !got.LastListenedAt.Equal(want) {
				t.Errorf("LastListenedAt = %v, want %v", got.LastListenedAt, want)
			}
			wantStatus := notifier.StatusPaused
			if tt.playing {
				wantStatus = notifier.StatusPlaying
			}
			if got.PlaybackStatus != wantStatus {
				t.Errorf("PlaybackStatus = %v, want %v", got.PlaybackStatus, wantStatus)
			}
		})
	}
}

func TestMessageGoneReanchors(t *testing.T) {
	h := newHarness(t, activeProfile())
	h.messenger.editErrs = []error{deliveryErr(chat.MessageGone)}

	outcome, err := h.sync(t, "42")
	if err != nil || outcome != OutcomeReposted {
		t.Fatalf("Sync() = %v, %v; want reposted", outcome, err)
	}

	got := h.store.profile("42")
	if got.LastMessageID == 10 || got.LastMessageID == 0 {
		t.Errorf("LastMessageID = %d, want a fresh handle", got.LastMessageID)
	}
	if got.TargetChannelID != "-100" {
		t.Errorf("TargetChannelID = %q, want unchanged", got.TargetChannelID)
	}
	if h.store.saves != 1 {
		t.Errorf("saves = %d, want a single write", h.store.saves)
	}

	// The new handle is edited from now on.
	if _, err := h.sync(t, "42"); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	last := h.messenger.edits[len(h.messenger.edits)-1]
	if last.messageID != got.LastMessageID {
		t.Errorf("second tick edited %d, want %d", last.messageID, got.LastMessageID)
	}
}

func TestTargetGoneDeactivates(t *testing.T) {
	tests := []struct {
		name     string
		lastID   int
		editErrs []error
		sendErrs []error
	}{
		{name: "edit", lastID: 10, editErrs: []error{deliveryErr(chat.TargetGone)}},
		{name: "first send", lastID: 0, sendErrs: []error{deliveryErr(chat.TargetGone)}},
		{name: "send after stale message", lastID: 10, editErrs: []error{deliveryErr(chat.MessageGone)}, sendErrs: []error{deliveryErr(chat.TargetGone)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activeProfile()
			p.LastMessageID = tt.lastID
			h := newHarness(t, p)
			h.messenger.editErrs = tt.editErrs
			h.messenger.sendErrs = tt.sendErrs

			outcome, err := h.sync(t, "42")
			if err != nil || outcome != OutcomeDeactivated {
				t.Fatalf("Sync() = %v, %v; want deactivated", outcome, err)
			}
			got := h.store.profile("42")
			if got.TargetChannelID != "" || got.LastMessageID != 0 {
				t.Errorf("after deactivation target=%q message=%d, want both cleared", got.TargetChannelID, got.LastMessageID)
			}

			calls := h.messenger.calls() + h.source.calls
			outcome, err = h.sync(t, "42")
			if err != nil || outcome != OutcomeInactive {
				t.Errorf("next Sync() = %v, %v; want inactive", outcome, err)
			}
			if h.messenger.calls()+h.source.calls != calls {
				t.Error("tick after deactivation made network calls")
			}
		})
	}
}

func TestTransientFailuresPreserveState(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		outcome Outcome
		want    error
	}{
		{
			name:    "source unavailable",
			setup:   func(h *harness) { h.source.err = errors.New("connection reset") },
			outcome: OutcomeSourceUnavailable,
			want:    notifier.ErrSourceUnavailable,
		},
		{
			name:    "source not configured",
			setup:   func(h *harness) { h.source.err = notifier.ErrNotConfigured },
			outcome: OutcomeNotConfigured,
			want:    notifier.ErrNotConfigured,
		},
		{
			name:    "edit transient",
			setup:   func(h *harness) { h.messenger.editErrs = []error{deliveryErr(chat.Transient)} },
			outcome: OutcomeDeliveryTransient,
			want:    notifier.ErrDeliveryTransient,
		},
		{
			name: "send transient after stale message",
			setup: func(h *harness) {
				h.messenger.editErrs = []error{deliveryErr(chat.MessageGone)}
				h.messenger.sendErrs = []error{errors.New("timeout")}
			},
			outcome: OutcomeDeliveryTransient,
			want:    notifier.ErrDeliveryTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activeProfile()
			h := newHarness(t, p)
			h.source.sample.IsPlaying = false
			tt.setup(h)

			outcome, err := h.sync(t, "42")
			if outcome != tt.outcome || !errors.Is(err, tt.want) {
				t.Errorf("Sync() = %v, %v; want %v, %v", outcome, err, tt.outcome, tt.want)
			}
			if h.store.saves != 0 {
				t.Errorf("failed tick saved %d times", h.store.saves)
			}
			if got := h.store.profile("42"); !got.Equal(p) {
				t.Errorf("profile changed: %+v", got)
			}
		})
	}
}

func TestStoreUnavailable(t *testing.T) {
	h := newHarness(t, activeProfile())
	p := activeProfile()
	h.store.getErr = errors.New("dial tcp: refused")

	outcome, err := h.r.Sync(context.Background(), p, Trigger{})
	if outcome != OutcomeStoreUnavailable || !errors.Is(err, notifier.ErrStoreUnavailable) {
		t.Errorf("Sync() = %v, %v; want store unavailable", outcome, err)
	}
	if h.source.calls != 0 {
		t.Error("sampled without a profile")
	}
}

func TestSaveFailureAfterPost(t *testing.T) {
	p := activeProfile()
	p.LastMessageID = 0
	h := newHarness(t, p)
	h.store.saveErr = errors.New("quota exceeded")

	outcome, err := h.sync(t, "42")
	if outcome != OutcomeStoreUnavailable || !errors.Is(err, notifier.ErrStoreUnavailable) {
		t.Errorf("Sync() = %v, %v; want store unavailable", outcome, err)
	}
}

func TestFirstRunPosts(t *testing.T) {
	p := activeProfile()
	p.LastMessageID = 0
	p.PlaybackStatus = notifier.StatusUnknown
	h := newHarness(t, p)

	outcome, err := h.sync(t, "42")
	if err != nil || outcome != OutcomePosted {
		t.Fatalf("Sync() = %v, %v; want posted", outcome, err)
	}
	got := h.store.profile("42")
	if got.LastMessageID == 0 || got.PlaybackStatus != notifier.StatusPlaying {
		t.Errorf("profile = %+v, want handle and Playing", got)
	}
	if got.LastListenedAt != nil {
		t.Errorf("LastListenedAt = %v, want unset", got.LastListenedAt)
	}
	if h.messenger.sends[0].target != "-100" {
		t.Errorf("sent to %q", h.messenger.sends[0].target)
	}
}

func TestPausedWithCoverEditsPhoto(t *testing.T) {
	h := newHarness(t, activeProfile())
	h.source.sample.IsPlaying = false
	h.enricher.result = &notifier.Enrichment{CoverURL: "https://img.example/x.jpg", ExternalID: "abc", Provider: "spotify"}

	outcome, err := h.sync(t, "42")
	if err != nil || outcome != OutcomeEdited {
		t.Fatalf("Sync() = %v, %v; want edited", outcome, err)
	}

	e := h.messenger.edits[0]
	if e.messageID != 10 || e.target != "-100" {
		t.Errorf("edited %s/%d", e.target, e.messageID)
	}
	if e.msg.PhotoURL != "https://img.example/x.jpg" {
		t.Errorf("PhotoURL = %q", e.msg.PhotoURL)
	}
	for _, want := range []string{"Song X", "Artist Y", "Paused", "Just now"} {
		if !strings.Contains(e.msg.Caption, want) {
			t.Errorf("caption missing %q:\n%s", want, e.msg.Caption)
		}
	}

	got := h.store.profile("42")
	if got.LastListenedAt == nil || !got.LastListenedAt.Equal(tick) {
		t.Errorf("LastListenedAt = %v, want %v", got.LastListenedAt, tick)
	}
	if got.PlaybackStatus != notifier.StatusPaused {
		t.Errorf("PlaybackStatus = %v", got.PlaybackStatus)
	}
}

func TestPausedWithoutCoverEditsText(t *testing.T) {
	h := newHarness(t, activeProfile())
	h.source.sample.IsPlaying = false

	if _, err := h.sync(t, "42"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	e := h.messenger.edits[0]
	if e.msg.HasPhoto() {
		t.Errorf("text-only edit carried photo %q", e.msg.PhotoURL)
	}
	for _, want := range []string{"Song X", "Artist Y", "Paused", "Just now"} {
		if !strings.Contains(e.msg.Caption, want) {
			t.Errorf("caption missing %q", want)
		}
	}
	if got := h.store.profile("42"); got.LastListenedAt == nil || !got.LastListenedAt.Equal(tick) {
		t.Errorf("LastListenedAt = %v, want %v", got.LastListenedAt, tick)
	}
}

type busyLocker struct{}

func (busyLocker) TryAcquire(context.Context, string) (lease.Release, bool, error) {
	return nil, false, nil
}

func TestBusySubscriberSkipped(t *testing.T) {
	h := newHarness(t, activeProfile())
	h.r.locker = busyLocker{}

	outcome, err := h.sync(t, "42")
	if outcome != OutcomeBusy || !errors.Is(err, notifier.ErrBusy) {
		t.Errorf("Sync() = %v, %v; want busy", outcome, err)
	}
	if h.source.calls != 0 || h.messenger.calls() != 0 {
		t.Error("busy tick did work")
	}
}

func TestRefresh(t *testing.T) {
	inactive := activeProfile()
	inactive.SubscriberID = "7"
	inactive.Deactivate()

	h := newHarness(t, activeProfile())
	h.store.profiles["7"] = inactive

	if err := h.r.Refresh(context.Background(), "42"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	rows := h.messenger.edits[0].msg.Keyboard
	last := rows[len(rows)-1]
	if last[0].CallbackData != "refresh_42" {
		t.Errorf("refresh keyboard row = %+v", last)
	}

	if err := h.r.Refresh(context.Background(), "7"); !errors.Is(err, notifier.ErrNotConfigured) {
		t.Errorf("Refresh(inactive) error = %v, want ErrNotConfigured", err)
	}
	if err := h.r.Refresh(context.Background(), "missing"); !errors.Is(err, notifier.ErrNotConfigured) {
		t.Errorf("Refresh(missing) error = %v, want ErrNotConfigured", err)
	}
}

func hasRefreshButton(msg *notifier.Message, id string) bool {
	for _, row := range msg.Keyboard {
		for _, b := range row {
			if b.CallbackData == "refresh_"+id {
				return true
			}
		}
	}
	return false
}

func TestRefreshButtonSurvivesScheduledTicks(t *testing.T) {
	h := newHarness(t, activeProfile())

	if _, err := h.sync(t, "42"); err != nil {
		t.Fatalf("sync() error = %v", err)
	}
	if hasRefreshButton(h.messenger.edits[0].msg, "42") {
		t.Error("scheduled tick rendered a refresh button before any refresh")
	}

	if err := h.r.Refresh(context.Background(), "42"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !h.store.profile("42").RefreshButton {
		t.Error("refresh flag not persisted")
	}

	for i := range 2 {
		if _, err := h.sync(t, "42"); err != nil {
			t.Fatalf("sync() error = %v", err)
		}
		last := h.messenger.edits[len(h.messenger.edits)-1]
		if last.messageID != 10 || !hasRefreshButton(last.msg, "42") {
			t.Errorf("scheduled tick %d after refresh: message %d lost the refresh button", i+1, last.messageID)
		}
	}

	p := h.store.profile("42")
	p.SetTarget("-200")
	h.store.profiles["42"] = p
	if _, err := h.sync(t, "42"); err != nil {
		t.Fatalf("sync() error = %v", err)
	}
	if hasRefreshButton(h.messenger.sends[len(h.messenger.sends)-1].msg, "42") {
		t.Error("refresh button carried over to a new target channel")
	}
}
