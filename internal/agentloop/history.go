package agentloop

import (
	"context"

	"github.com/kestrelhq/dawbridge/internal/session"
	"github.com/kestrelhq/dawbridge/pkg/provider/llm"
)

// llmSummariser implements [session.Summariser] by asking the same
// provider driving the conversation to compress older turns. This keeps a
// long-running session's rolling history within the provider's context
// window without pulling in a second provider or a local tokenizer.
type llmSummariser struct {
	provider llm.Provider
}

// Summarise implements [session.Summariser].
func (s *llmSummariser) Summarise(ctx context.Context, msgs []llm.Message) (string, error) {
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Summarize the following conversation turns concisely, preserving any DAW parameter changes, track/device names, and user intent that later turns might reference.",
		Messages:     msgs,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// newHistory builds a per-session rolling message history backed by the
// provider's own reported context window. The rolling history is
// ephemeral by design (spec §4.7 Cancellation): nothing here persists
// across process restarts.
func newHistory(provider llm.Provider) *session.ContextManager {
	caps := provider.Capabilities()
	maxTokens := caps.ContextWindow
	if maxTokens <= 0 {
		maxTokens = 32_000
	}
	return session.NewContextManager(session.ContextManagerConfig{
		MaxTokens:  maxTokens,
		Summariser: &llmSummariser{provider: provider},
	})
}
