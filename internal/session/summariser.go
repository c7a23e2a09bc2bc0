package session

import (
	"context"

	"github.com/kestrelhq/dawbridge/pkg/provider/llm"
)

// Summariser compresses a run of older messages into a compact textual
// summary so [ContextManager] can keep a long-running conversation within
// its provider's context window.
type Summariser interface {
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}
