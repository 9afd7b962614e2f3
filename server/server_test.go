package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"nowplaying-notifier/lease"
	"nowplaying-notifier/pkg/notifier"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	profiles map[string]*notifier.Profile
	mu       sync.Mutex
}

func (f *fakeStore) Get(_ context.Context, id string) (*notifier.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, errNotFound
	}
	return p.Clone(), nil
}

func (f *fakeStore) Save(_ context.Context, p *notifier.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.SubscriberID] = p.Clone()
	return nil
}

type fakePoller struct {
	err   error
	calls int
}

func (f *fakePoller) CheckAll(context.Context) error {
	f.calls++
	return f.err
}

type fakeRefresher struct {
	errs map[string]error
}

func (f *fakeRefresher) Refresh(_ context.Context, id string) error {
	return f.errs[id]
}

func newTestServer(t *testing.T, locker lease.Locker) (*Server, *fakeStore, *fakePoller) {
	t.Helper()
	store := &fakeStore{profiles: map[string]*notifier.Profile{
		"42": {SubscriberID: "42", TargetChannelID: "-100", SourceUsername: "ada", LastMessageID: 7},
	}}
	poller := &fakePoller{}
	s := New(&Config{
		Store:  store,
		Poller: poller,
		Refresher: &fakeRefresher{errs: map[string]error{
			"busy":     notifier.ErrBusy,
			"inactive": notifier.ErrNotConfigured,
			"broken":   notifier.ErrSourceUnavailable,
		}},
		Locker:     locker,
		IsNotFound: func(err error) bool { return errors.Is(err, errNotFound) },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Port:       "0",
	})
	return s, store, poller
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(t, s.Handler(), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("GET /health = %d %q", w.Code, w.Body.String())
	}
	if w := do(t, s.Handler(), http.MethodPost, "/health", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", w.Code)
	}
}

func TestPoll(t *testing.T) {
	s, _, poller := newTestServer(t, nil)
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/pollz", ""); w.Code != http.StatusOK {
		t.Errorf("POST /pollz = %d", w.Code)
	}
	if poller.calls != 1 {
		t.Errorf("CheckAll calls = %d, want 1", poller.calls)
	}

	poller.err = errors.New("list failed")
	if w := do(t, h, http.MethodPost, "/pollz", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("POST /pollz with failure = %d, want 500", w.Code)
	}
}

func TestRefresh(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	h := s.Handler()

	tests := []struct {
		id   string
		want int
	}{
		{id: "42", want: http.StatusOK},
		{id: "busy", want: http.StatusConflict},
		{id: "inactive", want: http.StatusUnprocessableEntity},
		{id: "broken", want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, "/refresh/"+tt.id, ""); w.Code != tt.want {
				t.Errorf("POST /refresh/%s = %d, want %d", tt.id, w.Code, tt.want)
			}
		})
	}
}

func TestGetProfile(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/profiles/42", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /profiles/42 = %d", w.Code)
	}
	var p notifier.Profile
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SourceUsername != "ada" || p.LastMessageID != 7 {
		t.Errorf("profile = %+v", p)
	}

	if w := do(t, h, http.MethodGet, "/profiles/nobody", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET /profiles/nobody = %d, want 404", w.Code)
	}
}

func TestPutProfile(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		body        string
		want        int
		wantTarget  string
		wantMessage int
		wantSource  string
	}{
		{name: "rename keeps handle", id: "42", body: `{"display_name":"Ada L"}`, want: http.StatusOK, wantTarget: "-100", wantMessage: 7, wantSource: "ada"},
		{name: "same target keeps handle", id: "42", body: `{"target_channel_id":"-100"}`, want: http.StatusOK, wantTarget: "-100", wantMessage: 7, wantSource: "ada"},
		{name: "new target drops handle", id: "42", body: `{"target_channel_id":"@mychannel"}`, want: http.StatusOK, wantTarget: "mychannel", wantSource: "ada"},
		{name: "clear target drops handle", id: "42", body: `{"target_channel_id":""}`, want: http.StatusOK, wantSource: "ada"},
		{name: "create", id: "99", body: `{"target_channel_id":"-5","source_username":"bob"}`, want: http.StatusOK, wantTarget: "-5", wantSource: "bob"},
		{name: "bad json", id: "42", body: `{`, want: http.StatusBadRequest},
		{name: "too long", id: "42", body: `{"display_name":"` + strings.Repeat("x", 65) + `"}`, want: http.StatusBadRequest},
		{name: "unsafe id", id: "bad.id", body: `{}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store, _ := newTestServer(t, nil)
			w := do(t, s.Handler(), http.MethodPut, "/profiles/"+tt.id, tt.body)
			if w.Code != tt.want {
				t.Fatalf("PUT = %d %q, want %d", w.Code, w.Body.String(), tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			p := store.profiles[tt.id]
			if p.TargetChannelID != tt.wantTarget || p.LastMessageID != tt.wantMessage || p.SourceUsername != tt.wantSource {
				t.Errorf("stored = target %q message %d source %q", p.TargetChannelID, p.LastMessageID, p.SourceUsername)
			}
		})
	}
}

func TestPutProfileWhileReconciling(t *testing.T) {
	locker := lease.NewLocal()
	release, ok, err := locker.TryAcquire(context.Background(), "42")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}
	defer release()

	s, store, _ := newTestServer(t, locker)
	if w := do(t, s.Handler(), http.MethodPut, "/profiles/42", `{"target_channel_id":""}`); w.Code != http.StatusConflict {
		t.Errorf("PUT during reconciliation = %d, want 409", w.Code)
	}
	if store.profiles["42"].TargetChannelID != "-100" {
		t.Error("profile changed while leased")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d", w.Code)
	}
}
