package api

import "github.com/dudenrb/think41nikhil/internal/history"

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is returned by a successful POST /chat.
type ChatResponse struct {
	SessionID           string            `json:"session_id"`
	AssistantResponse   string            `json:"assistant_response"`
	ConversationHistory []history.Message `json:"conversation_history"`
}

// ErrorResponse is the body of every error status. SessionID is set when the
// user message was stored before the failure.
type ErrorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
}

// StatusResponse is returned by the root and readiness endpoints.
type StatusResponse struct {
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}
