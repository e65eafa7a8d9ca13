package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/XavierBriggs/betcode/services/code-sync/internal/backend"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/connection"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/lifecycle"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/notify"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/store"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/syncer"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/validator"
	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	lifecycle  *lifecycle.Store
	manager    *connection.Manager
	syncer     *syncer.Syncer
	local      *store.Store
	dispatcher *notify.Dispatcher
	submit     syncer.SubmitFunc
	log        *logrus.Logger
}

// NewHandler creates a new handler
func NewHandler(lc *lifecycle.Store, m *connection.Manager, sy *syncer.Syncer, local *store.Store, d *notify.Dispatcher, submit syncer.SubmitFunc, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{
		lifecycle:  lc,
		manager:    m,
		syncer:     sy,
		local:      local,
		dispatcher: d,
		submit:     submit,
		log:        log,
	}
}

// Routes mounts all endpoints on a chi router
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.HealthCheck)
	r.Get("/metrics", h.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/codes", h.GetCodes)
		r.Post("/codes", h.SubmitCode)
		r.Get("/pending", h.GetPending)
		r.Post("/filters", h.SetFilters)
		r.Get("/notices", h.GetNotices)

		r.Get("/connection", h.GetConnection)
		r.Post("/connection/reconnect", h.Reconnect)
		r.Post("/sync", h.SyncNow)

		r.Post("/session", h.SetSession)
		r.Delete("/session", h.ClearSession)
		r.Post("/visibility", h.SetVisibility)
	})
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "code-sync",
	})
}

// Metrics reports queue depths, connection state and sync diagnostics
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	state := h.lifecycle.State()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"connection":       h.manager.State(),
		"codes":            len(state.BettingCodes),
		"pending_local":    len(state.PendingCodes),
		"pending_buffered": len(h.local.GetPendingSubmissions(r.Context())),
		"cached_events":    len(h.local.CachedEvents(r.Context())),
		"sync_history":     h.local.SyncHistory(r.Context()),
	})
}

// GetState returns the full lifecycle projection
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.lifecycle.State())
}

// GetCodes fetches a page of history from the backend and returns the merged
// filtered view
func (h *Handler) GetCodes(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = parsed
	}

	if err := h.lifecycle.FetchHistory(r.Context(), page); err != nil {
		// The merged local view is still useful when the backend is down.
		h.log.WithError(err).Warn("history fetch failed, serving local view")
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"codes":      h.lifecycle.Filtered(),
		"pagination": h.lifecycle.State().Pagination,
	})
}

// SubmitCode validates and submits a betting code
func (h *Handler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	result, err := h.lifecycle.Submit(r.Context(), req)
	if err != nil {
		var vErr *validator.ValidationError
		var rejected *backend.RejectedError
		switch {
		case errors.As(err, &vErr):
			respondError(w, http.StatusUnprocessableEntity, vErr.Error())
		case errors.Is(err, lifecycle.ErrDuplicateSubmission):
			respondError(w, http.StatusConflict, "this code was already submitted")
		case errors.Is(err, lifecycle.ErrMissingCountryContext):
			respondError(w, http.StatusBadRequest, "no session country; set the session first")
		case errors.Is(err, backend.ErrUnauthorized):
			respondError(w, http.StatusUnauthorized, "authentication required")
		case errors.As(err, &rejected):
			respondError(w, http.StatusUnprocessableEntity, rejected.Detail)
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := http.StatusCreated
	if result.Outcome == lifecycle.OutcomeQueued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, result)
}

// GetPending returns the offline submission buffer
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pending": h.local.GetPendingSubmissions(r.Context()),
	})
}

// SetFilters updates the history view filters
func (h *Handler) SetFilters(w http.ResponseWriter, r *http.Request) {
	var f models.Filters
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	h.lifecycle.SetFilters(f)
	respondJSON(w, http.StatusOK, map[string]interface{}{"filters": f})
}

// GetNotices returns recent user-facing notices
func (h *Handler) GetNotices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"notices": h.dispatcher.Recent(),
	})
}

// GetConnection returns the real-time connection state
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.manager.State())
}

// Reconnect resets the backoff budget and forces a fresh connection attempt
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	h.manager.Reconnect()
	respondJSON(w, http.StatusAccepted, h.manager.State())
}

// SyncNow runs a full sync round inline
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.syncer.SyncNow(r.Context(), h.submit); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"history": h.local.SyncHistory(r.Context()),
	})
}

type sessionRequest struct {
	Token   string         `json:"token"`
	Country models.Country `json:"country"`
}

// SetSession stores credentials and starts the real-time connection
func (h *Handler) SetSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}
	if !req.Country.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported country: %s", req.Country))
		return
	}

	if err := h.local.SetCredentials(r.Context(), req.Token, req.Country); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.manager.Connect()
	respondJSON(w, http.StatusOK, map[string]string{"status": "session set"})
}

// ClearSession drops credentials and disconnects
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	h.local.ClearCredentials(r.Context())
	h.manager.Disconnect()
	respondJSON(w, http.StatusOK, map[string]string{"status": "session cleared"})
}

type visibilityRequest struct {
	Foreground bool `json:"foreground"`
}

// SetVisibility gates reconnect behavior on whether a client UI is visible
func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.Foreground {
		h.manager.Foreground()
	} else {
		h.manager.Background()
	}
	respondJSON(w, http.StatusOK, map[string]bool{"foreground": req.Foreground})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
