package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/dudenrb/think41nikhil/internal/history"
)

// MockGenerator answers without calling a model. It is selected with
// llm.provider "mock" for local runs.
type MockGenerator struct{}

func (MockGenerator) GenerateReply(ctx context.Context, past []history.Message, userMessage string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	turn := 1
	for _, m := range past {
		if m.Role == history.RoleUser {
			turn++
		}
	}
	return fmt.Sprintf("ShopAssist (offline mode, turn %d): you said %q.", turn, strings.TrimSpace(userMessage)), nil
}
