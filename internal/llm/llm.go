// Package llm connects to an OpenAI-compatible chat completions API.
package llm

import (
	"context"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/dudenrb/think41nikhil/internal/config"
)

// Client is the part of *openai.Client the assistant calls. Tests replace it
// with canned responses.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient creates an OpenAI client for cfg. BaseURL may point at any
// compatible server; the request timeout backs up the caller's context.
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return openai.NewClientWithConfig(clientCfg)
}
