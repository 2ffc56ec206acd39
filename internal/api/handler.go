// Package api exposes the conversation services over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dudenrb/think41nikhil/internal/conversation"
	"github.com/dudenrb/think41nikhil/internal/history"
	"github.com/dudenrb/think41nikhil/internal/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ChatService runs one chat round-trip.
type ChatService interface {
	HandleChat(ctx context.Context, in conversation.ChatInput) (*conversation.ChatOutput, error)
}

// HistoryService answers session picker queries.
type HistoryService interface {
	ListForUser(ctx context.Context, userID string) ([]history.Summary, error)
	GetSession(ctx context.Context, sessionID string) (*history.Session, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the chat and history endpoints.
type Handler struct {
	chat    ChatService
	history HistoryService
	store   Pinger
}

// NewHandler creates a new Handler with its dependencies.
func NewHandler(chat ChatService, hist HistoryService, store Pinger) *Handler {
	return &Handler{chat: chat, history: hist, store: store}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// writeError maps service errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())

	var upErr *conversation.UpstreamError
	switch {
	case errors.Is(err, conversation.ErrInvalidInput):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		Error(w, http.StatusNotFound, "conversation not found")
	case errors.As(err, &upErr):
		JSON(w, http.StatusBadGateway, ErrorResponse{
			Error:     "the assistant could not answer right now, please try again",
			SessionID: upErr.SessionID,
		})
	case errors.Is(err, conversation.ErrStorage):
		log.Error("Storage failure", "path", r.URL.Path, "error", err)
		Error(w, http.StatusServiceUnavailable, "conversation storage is unavailable")
	default:
		log.Error("Unhandled error", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
