package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/armandaspatt/slack-scheduler/internal/core"
	"github.com/armandaspatt/slack-scheduler/internal/metrics"
	"github.com/armandaspatt/slack-scheduler/internal/slack"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// HandleSource yields an authenticated Slack handle for a user; in production
// this is the auth.Manager.
type HandleSource interface {
	Acquire(ctx context.Context, userID string) (slack.Handle, error)
}

type Server struct {
	Store       *core.Store
	Handles     HandleSource
	OAuth       *slack.OAuth
	FrontendURL string
}

func NewServer(store *core.Store, handles HandleSource, oauth *slack.OAuth, frontendURL string) *Server {
	return &Server{Store: store, Handles: handles, OAuth: oauth, FrontendURL: frontendURL}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Get("/auth/slack", s.authRedirect)
	r.Get("/auth/slack/callback", s.authCallback)

	r.Route("/api", func(r chi.Router) {
		r.Get("/auth/status", s.authStatus)
		r.Get("/channels", s.listChannels)
		r.Post("/messages/send", s.sendNow)
		r.Post("/messages/schedule", s.scheduleMessage)
		r.Get("/messages/scheduled", s.listScheduled)
		r.Delete("/messages/scheduled/{id}", s.cancelScheduled)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input"})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, core.ErrNotAuthorized):
		// User must go through /auth/slack again.
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not_authorized"})
	case errors.Is(err, core.ErrRenewalFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "renewal_failed"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func userID(r *http.Request) string { return r.Header.Get("X-User-ID") }

const stateCookie = "slack_oauth_state"

func (s *Server) authRedirect(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth/slack",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.OAuth.AuthorizeURL(state), http.StatusFound)
}

func (s *Server) authCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_code"})
		return
	}
	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" || c.Value != r.URL.Query().Get("state") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state_mismatch"})
		return
	}

	tok, err := s.OAuth.Exchange(r.Context(), code)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "oauth_exchange_failed"})
		return
	}

	cred := core.Credential{
		UserID:      tok.SlackUserID,
		AccessToken: tok.AccessToken,
		ExpiresAt:   time.Now().Add(tok.ExpiresIn),
		SlackUserID: tok.SlackUserID,
	}
	if tok.RefreshToken != "" {
		rt := tok.RefreshToken
		cred.RefreshToken = &rt
	}
	if err := s.Store.UpsertCredential(r.Context(), cred); err != nil {
		writeError(w, err)
		return
	}

	// Hand the identity back to the frontend for client-side storage.
	http.Redirect(w, r, s.FrontendURL+"/?userId="+url.QueryEscape(cred.UserID), http.StatusFound)
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"isAuthenticated": false})
		return
	}
	ok, err := s.Store.HasCredential(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isAuthenticated": ok})
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	h, err := s.Handles.Acquire(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	chans, err := h.ListConversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": chans})
}

func (s *Server) sendNow(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	var in struct {
		ChannelID string `json:"channelId"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ChannelID == "" || in.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	h, err := s.Handles.Acquire(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.PostMessage(r.Context(), in.ChannelID, in.Text); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "send_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) scheduleMessage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	var in struct {
		ChannelID string `json:"channelId"`
		Text      string `json:"text"`
		SendAt    int64  `json:"sendAt"` // unix seconds
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.ScheduleDelivery(r.Context(), core.ScheduleRequest{
		UserID:  uid,
		Channel: in.ChannelID,
		Body:    in.Text,
		SendAt:  time.Unix(in.SendAt, 0),
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			metrics.ScheduleRequests.WithLabelValues("invalid").Inc()
		} else {
			metrics.ScheduleRequests.WithLabelValues("error").Inc()
		}
		writeError(w, err)
		return
	}
	metrics.ScheduleRequests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	items, err := s.Store.ListPending(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []core.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) cancelScheduled(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	if err := s.Store.CancelDelivery(r.Context(), uid, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
