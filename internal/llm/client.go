// Package llm provides the backend adapters a dispatcher submits
// assembled conversations to.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/loom/internal/chat"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Provider names accepted by [NewFactory].
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ErrEmptyReply is returned when a backend answers 2xx with no text.
var ErrEmptyReply = errors.New("empty reply")

// Client is the interface every backend adapter implements. Messages
// are already normalized: roles are user or model.
type Client interface {
	// Submit sends msgs to model and returns the reply text.
	Submit(ctx context.Context, model string, msgs []chat.Message) (string, error)
}

// StatusError reports a non-2xx response from a backend.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Code, e.Body)
}
