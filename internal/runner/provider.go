package runner

import (
	"context"
	"fmt"

	"github.com/robman/flohub/internal/stream"
	"github.com/robman/flohub/internal/tools"
	"github.com/robman/flohub/pkg/models"
)

// StatusError reports a non-2xx provider response. The upstream answered,
// so the request is not retried: the turn aborts with an error event.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Code, e.Body)
}

// ProviderRequest is one turn's payload for the upstream model.
type ProviderRequest struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []models.Message
	Tools     []tools.ToolDefinition
}

// Provider sends a request and emits the canonical event sequence.
// HTTP providers normalize their SSE dialect; CLI providers synthesize
// the sequence from subprocess output.
type Provider interface {
	Stream(ctx context.Context, req ProviderRequest, emit stream.Handler) error
}
