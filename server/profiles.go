package server

import (
	"log/slog"
	"net/http"
	"nowplaying-notifier/pkg/notifier"
	"nowplaying-notifier/storage"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New()

// profileUpdate is a partial update; nil fields are left unchanged and
// empty strings clear the field.
type profileUpdate struct {
	DisplayName     *string `json:"display_name" validate:"omitempty,max=64"`
	TargetChannelID *string `json:"target_channel_id" validate:"omitempty,max=64"`
	SourceUsername  *string `json:"source_username" validate:"omitempty,max=64"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store.Get(r.Context(), id)
	if err != nil {
		if s.isNotFound(err) {
			http.Error(w, "Profile not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load profile", "subscriber_id", id, "error", err)
		http.Error(w, "Failed to load profile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if storage.ProfileKey(id) == "" {
		http.Error(w, "Invalid subscriber id", http.StatusBadRequest)
		return
	}

	var req profileUpdate
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "Invalid profile: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Hold the subscriber's lease so a concurrent tick cannot overwrite this update.
	release, ok, err := s.locker.TryAcquire(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to acquire lease", "subscriber_id", id, "error", err)
		http.Error(w, "Failed to update profile", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Reconciliation in flight, retry shortly", http.StatusConflict)
		return
	}
	defer release()

	p, err := s.store.Get(r.Context(), id)
	switch {
	case err == nil:
	case s.isNotFound(err):
		p = &notifier.Profile{SubscriberID: id}
	default:
		s.logger.Error("Failed to load profile", "subscriber_id", id, "error", err)
		http.Error(w, "Failed to load profile", http.StatusInternalServerError)
		return
	}

	if req.DisplayName != nil {
		p.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.SourceUsername != nil {
		p.SourceUsername = strings.TrimSpace(*req.SourceUsername)
	}
	if req.TargetChannelID != nil {
		p.SetTarget(strings.TrimPrefix(strings.TrimSpace(*req.TargetChannelID), "@"))
	}

	if err := s.store.Save(r.Context(), p); err != nil {
		s.logger.Error("Failed to save profile", "subscriber_id", id, "error", err)
		http.Error(w, "Failed to save profile", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Profile updated",
		"subscriber_id", id,
		"active", p.Active(),
		"has_source", p.SourceUsername != "")
	writeJSON(w, s.logger, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}
