package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/models"
	"wismo-triage/pkg/store"
	"wismo-triage/pkg/triage"
)

// ChatService is satisfied by *triage.Machine.
type ChatService interface {
	HandleMessage(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

// Options carries the handler settings that do not come from the stores.
type Options struct {
	PodID           string
	MaxMessageChars int
	// Ping checks the backing store; nil means there is nothing to check.
	Ping func(ctx context.Context) error
}

type Handler struct {
	chat     ChatService
	sessions store.SessionStore
	cases    store.CaseStore
	logger   *logrus.Logger
	opts     Options
}

func NewHandler(chat ChatService, sessions store.SessionStore, cases store.CaseStore, opts Options, logger *logrus.Logger) *Handler {
	return &Handler{
		chat:     chat,
		sessions: sessions,
		cases:    cases,
		logger:   logger,
		opts:     opts,
	}
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var request models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if limit := h.opts.MaxMessageChars; limit > 0 && utf8.RuneCountInString(request.Message) > limit {
		http.Error(w, "Message too long", http.StatusRequestEntityTooLarge)
		return
	}

	response, err := h.chat.HandleMessage(r.Context(), request)
	if err != nil {
		status := chatErrorStatus(err)
		entry := h.logger.WithError(err).WithField("session_id", request.SessionID)
		if status >= http.StatusInternalServerError {
			entry.Error("Failed to process chat message")
		} else {
			entry.Debug("Rejected chat message")
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// chatErrorStatus maps turn failures onto HTTP status codes.
func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, triage.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, triage.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, triage.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, err := h.sessions.Load(r.Context(), sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to load session")
		http.Error(w, "Failed to load session", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["id"]

	c, err := h.cases.Get(r.Context(), caseID)
	if errors.Is(err, store.ErrCaseNotFound) {
		http.Error(w, "Case not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("case_id", caseID).Error("Failed to load case")
		http.Error(w, "Failed to load case", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// CloseCase is the agent-side action that ends a case. The next claim for the
// same order opens a fresh one.
func (h *Handler) CloseCase(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["id"]

	c, err := h.cases.Close(r.Context(), caseID)
	if errors.Is(err, store.ErrCaseNotFound) {
		http.Error(w, "Case not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("case_id", caseID).Error("Failed to close case")
		http.Error(w, "Failed to close case", http.StatusServiceUnavailable)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"case_id":  c.CaseID,
		"order_id": c.OrderID,
	}).Info("Case closed")
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ping != nil {
		if err := h.opts.Ping(r.Context()); err != nil {
			h.logger.WithError(err).Warn("Health check failed")
			http.Error(w, "Health check failed", http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if h.opts.Ping != nil {
		if err := h.opts.Ping(r.Context()); err != nil {
			storeStatus = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pod_id":    h.opts.PodID,
		"store":     storeStatus,
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
