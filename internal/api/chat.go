package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dudenrb/think41nikhil/internal/conversation"
)

// RegisterRoutes registers the chat and history routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.Chat)
	r.Get("/conversations/{user_id}", h.ListConversations)
	r.Get("/conversation/{session_id}", h.GetConversation)
}

// Chat handles one user message and returns the updated conversation.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed request body", conversation.ErrInvalidInput))
		return
	}

	out, err := h.chat.HandleChat(r.Context(), conversation.ChatInput{
		UserID:    req.UserID,
		Message:   req.Message,
		SessionID: strings.TrimSpace(req.SessionID),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, ChatResponse{
		SessionID:           out.SessionID,
		AssistantResponse:   out.Reply,
		ConversationHistory: out.History,
	})
}

// ListConversations returns the user's session summaries, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	sums, err := h.history.ListForUser(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sums)
}

// GetConversation returns one full session.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	sess, err := h.history.GetSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Root reports that the API is up.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, StatusResponse{Message: "ShopAssist conversation API is running"})
}

// Ready checks that the session store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", conversation.ErrStorage, err))
		return
	}
	JSON(w, http.StatusOK, StatusResponse{Status: "ready"})
}
