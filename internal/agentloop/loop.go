// Package agentloop implements the agent loop (C7): a multi-turn,
// tool-using chat completion driver over exactly three fixed tools, with
// client-approval gating for the one mutating tool.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kestrelhq/dawbridge/internal/eventbus"
	"github.com/kestrelhq/dawbridge/internal/observe"
	"github.com/kestrelhq/dawbridge/internal/session"
	"github.com/kestrelhq/dawbridge/pkg/provider/llm"
)

// defaultApprovalTimeout is used when Config.ApprovalTimeout is zero
// (SPEC_FULL.md §4 item 6).
const defaultApprovalTimeout = 2 * time.Minute

// Config configures a [Loop].
type Config struct {
	Provider        llm.Provider
	Executor        *Executor
	Bus             *eventbus.Bus
	SystemPrompt    string
	ApprovalTimeout time.Duration
	Logger          *slog.Logger
}

// pendingApproval tracks the single in-flight approval request for a
// loop. Only one set of mutating calls is ever awaiting approval at a
// time, since a session's agent loop processes one turn at a time.
type pendingApproval struct {
	decision chan map[string]bool
}

// Loop drives a session's agent turns. One Loop exists per session,
// holding that session's rolling message history.
//
// Not safe for concurrent RunTurn calls; a session processes turns
// sequentially. SubmitApproval may be called concurrently with RunTurn —
// it is how the client's approval decision reaches the goroutine blocked
// awaiting it.
type Loop struct {
	provider        llm.Provider
	executor        *Executor
	bus             *eventbus.Bus
	history         *session.ContextManager
	systemPrompt    string
	approvalTimeout time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	pending *pendingApproval
}

// New constructs a Loop bound to one session's provider, tool executor,
// and event bus.
func New(cfg Config) *Loop {
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaultApprovalTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		provider:        cfg.Provider,
		executor:        cfg.Executor,
		bus:             cfg.Bus,
		history:         newHistory(cfg.Provider),
		systemPrompt:    cfg.SystemPrompt,
		approvalTimeout: cfg.ApprovalTimeout,
		logger:          cfg.Logger,
	}
}

// SubmitApproval delivers a client's approval decisions, keyed by
// tool_call_id, for the currently pending mutating tool calls. A no-op if
// nothing is awaiting approval.
func (l *Loop) SubmitApproval(decisions map[string]bool) {
	l.mu.Lock()
	p := l.pending
	l.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.decision <- decisions:
	default:
	}
}

// RunTurn appends userMessage to the session's history and drives the
// loop in spec §4.7 until the assistant produces a tool-free reply.
// Canceling ctx aborts the current streaming completion; the history
// retains whatever was appended before cancellation.
func (l *Loop) RunTurn(ctx context.Context, userMessage string) error {
	if err := l.history.AddMessages(ctx, llm.Message{Role: "user", Content: userMessage}); err != nil {
		return fmt.Errorf("agentloop: append user message: %w", err)
	}

	for {
		assistantMsg, toolCalls, err := l.streamTurn(ctx)
		if err != nil {
			l.bus.Publish(eventbus.Event{Kind: eventbus.KindError, Error: err.Error()})
			return err
		}
		if err := l.history.AddMessages(ctx, assistantMsg); err != nil {
			return fmt.Errorf("agentloop: append assistant message: %w", err)
		}
		l.bus.Publish(eventbus.Event{Kind: eventbus.KindEndMessage})

		if len(toolCalls) == 0 {
			return nil
		}

		results, err := l.executeToolCalls(ctx, toolCalls)
		if err != nil {
			return err
		}
		if err := l.history.AddMessages(ctx, results...); err != nil {
			return fmt.Errorf("agentloop: append tool results: %w", err)
		}
	}
}

// streamTurn opens one streaming completion, emits a text event per
// delta, and returns the accumulated assistant message plus any tool
// calls on its terminal chunk.
func (l *Loop) streamTurn(ctx context.Context) (llm.Message, []llm.ToolCall, error) {
	req := llm.CompletionRequest{
		SystemPrompt: l.systemPrompt,
		Messages:     l.history.Messages(),
		Tools:        Catalog(),
	}
	stream, err := l.provider.StreamCompletion(ctx, req)
	if err != nil {
		return llm.Message{}, nil, fmt.Errorf("agentloop: start completion: %w", err)
	}

	var content strings.Builder
	var toolCalls []llm.ToolCall
	for chunk := range stream {
		if chunk.FinishReason == "error" {
			return llm.Message{}, nil, fmt.Errorf("agentloop: stream error: %s", chunk.Text)
		}
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
			l.bus.Publish(eventbus.Event{Kind: eventbus.KindText, Text: chunk.Text})
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = chunk.ToolCalls
		}
	}
	if err := ctx.Err(); err != nil {
		return llm.Message{}, nil, err
	}

	return llm.Message{Role: "assistant", Content: content.String(), ToolCalls: toolCalls}, toolCalls, nil
}

// toolOutcome is the result of one executed (or denied) tool call.
type toolOutcome struct {
	result string
	err    error
}

// executeToolCalls runs the approval-gated mutating calls and the
// auto-approved reading calls, emits function_call/function_result
// events in call order, and returns the tool-role messages to append to
// history.
func (l *Loop) executeToolCalls(ctx context.Context, calls []llm.ToolCall) ([]llm.Message, error) {
	var mutating, reading []llm.ToolCall
	for _, c := range calls {
		if IsMutating(c.Name) {
			mutating = append(mutating, c)
		} else {
			reading = append(reading, c)
		}
	}

	var approved map[string]bool
	if len(mutating) > 0 {
		approved = l.awaitApproval(ctx, mutating)
	}

	// Mutating calls run first, inside the approval gate, matching spec
	// §4.7's turn pseudocode: a read in the same turn must observe the
	// mutation's effect, not a value captured before it applied.
	outcomes := make(map[string]toolOutcome, len(calls))
	for _, c := range mutating {
		if !approved[c.ID] {
			observe.DefaultMetrics().RecordApprovalOutcome(ctx, "denied")
			outcomes[c.ID] = toolOutcome{result: "denied by user"}
			continue
		}
		observe.DefaultMetrics().RecordApprovalOutcome(ctx, "approved")
		result, err := l.executor.Execute(ctx, c)
		outcomes[c.ID] = toolOutcome{result: result, err: err}
	}
	for _, c := range reading {
		result, err := l.executor.Execute(ctx, c)
		outcomes[c.ID] = toolOutcome{result: result, err: err}
	}

	messages := make([]llm.Message, 0, len(calls))
	for _, c := range calls {
		o := outcomes[c.ID]

		args := map[string]any{}
		_ = json.Unmarshal([]byte(c.Arguments), &args)
		l.bus.Publish(eventbus.Event{Kind: eventbus.KindFunctionCall, FunctionCall: &eventbus.FunctionCall{
			ToolCallID: c.ID,
			ToolName:   c.Name,
			Arguments:  args,
		}})

		fr := &eventbus.FunctionResult{ToolCallID: c.ID}
		content := o.result
		if o.err != nil {
			fr.Error = o.err.Error()
			content = "error: " + o.err.Error()
		} else {
			fr.Result = o.result
		}
		l.bus.Publish(eventbus.Event{Kind: eventbus.KindFunctionResult, FunctionResult: fr})

		messages = append(messages, llm.Message{Role: "tool", ToolCallID: c.ID, Content: content})
	}
	return messages, nil
}

// awaitApproval emits approval_required and blocks for a decision, a
// configured timeout, or context cancellation — whichever comes first.
// A timeout or cancellation is treated as a full denial (SPEC_FULL.md §4
// item 6).
func (l *Loop) awaitApproval(ctx context.Context, calls []llm.ToolCall) map[string]bool {
	reqs := make([]eventbus.ApprovalRequest, len(calls))
	for i, c := range calls {
		args := map[string]any{}
		_ = json.Unmarshal([]byte(c.Arguments), &args)
		reqs[i] = eventbus.ApprovalRequest{ToolCallID: c.ID, ToolName: c.Name, Arguments: args}
	}

	decision := make(chan map[string]bool, 1)
	l.mu.Lock()
	l.pending = &pendingApproval{decision: decision}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
	}()

	l.bus.Publish(eventbus.Event{Kind: eventbus.KindApprovalRequired, ApprovalRequired: reqs})

	timer := time.NewTimer(l.approvalTimeout)
	defer timer.Stop()

	select {
	case d := <-decision:
		return d
	case <-timer.C:
		l.logger.Warn("agentloop: approval timed out, treating pending calls as denied", "count", len(calls))
		return nil
	case <-ctx.Done():
		return nil
	}
}
