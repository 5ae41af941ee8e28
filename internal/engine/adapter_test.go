package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulstream/soulstream/internal/common/logger"
	"github.com/soulstream/soulstream/internal/runner"
	"github.com/soulstream/soulstream/pkg/claudecode"
)

// scriptedAgent drives the run callbacks from a test script.
type scriptedAgent struct {
	id  string
	run func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error)

	mu         sync.Mutex
	closed     bool
	allowed    []string
	disallowed []string
}

func (s *scriptedAgent) ID() string { return s.id }

func (s *scriptedAgent) Connect(ctx context.Context) error { return nil }

func (s *scriptedAgent) Interrupt(ctx context.Context) bool { return false }

func (s *scriptedAgent) SetToolPolicy(allowed, disallowed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed = allowed
	s.disallowed = disallowed
}

func (s *scriptedAgent) IsCLIAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *scriptedAgent) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedAgent) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *scriptedAgent) Run(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
	return s.run(ctx, in)
}

func poolFor(t *testing.T, agent *scriptedAgent) *runner.Pool {
	t.Helper()
	return runner.NewPool(func() runner.Agent { return agent },
		runner.PoolConfig{MaxSize: 2}, logger.Default())
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventsOfType(events []Event, et EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.EventType() == et {
			out = append(out, ev)
		}
	}
	return out
}

func TestExecuteTranslatesCards(t *testing.T) {
	agent := &scriptedAgent{id: "a1"}
	agent.run = func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
		cb := in.Callbacks
		cb.OnSession("11111111-2222-3333-4444-555555555555")
		cb.OnEvent(runner.AgentEvent{Type: runner.AgentTextDelta, Text: "thinking about it"})
		cb.OnEvent(runner.AgentEvent{
			Type: runner.AgentToolStart, ToolName: "Read",
			ToolInput: map[string]any{"file_path": "/tmp/x"}, ToolUseID: "tu_1",
		})
		cb.OnEvent(runner.AgentEvent{Type: runner.AgentTextDelta, Text: "second card"})
		cb.OnEvent(runner.AgentEvent{
			Type: runner.AgentToolResult, Result: "contents", ToolUseID: "tu_1",
		})
		cb.OnEvent(runner.AgentEvent{Type: runner.AgentResult, Success: true, Output: "done"})
		return &runner.RunResult{
			Success:   true,
			Output:    "done",
			SessionID: "11111111-2222-3333-4444-555555555555",
		}, nil
	}

	adapter := NewAdapter(AdapterConfig{WorkspaceDir: t.TempDir(), Pool: poolFor(t, agent)}, logger.Default())
	events := collectEvents(t, adapter.Execute(context.Background(), ExecuteRequest{Prompt: "hi"}))

	starts := eventsOfType(events, EventTextStart)
	deltas := eventsOfType(events, EventTextDelta)
	ends := eventsOfType(events, EventTextEnd)
	require.Len(t, starts, 2)
	require.Len(t, deltas, 2)
	require.Len(t, ends, 2)

	firstCard := starts[0].(TextStartEvent).CardID
	secondCard := starts[1].(TextStartEvent).CardID
	assert.NotEqual(t, firstCard, secondCard)
	assert.Equal(t, firstCard, deltas[0].(TextDeltaEvent).CardID)
	assert.Equal(t, firstCard, ends[0].(TextEndEvent).CardID)

	toolStarts := eventsOfType(events, EventToolStart)
	require.Len(t, toolStarts, 1)
	assert.Equal(t, firstCard, toolStarts[0].(ToolStartEvent).CardID)

	// The result arrives after the second card opened, but joins back to
	// the card its tool_use_id was registered under.
	toolResults := eventsOfType(events, EventToolResult)
	require.Len(t, toolResults, 1)
	tr := toolResults[0].(ToolResultEvent)
	assert.Equal(t, firstCard, tr.CardID)
	assert.Equal(t, "Read", tr.ToolName)

	completes := eventsOfType(events, EventComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, "done", completes[0].(CompleteEvent).Result)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555",
		completes[0].(CompleteEvent).ClaudeSessionID)
}

func TestExecuteReleasesRunnerOnSuccess(t *testing.T) {
	agent := &scriptedAgent{id: "a1"}
	agent.run = func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
		return &runner.RunResult{Success: true, Output: "ok", SessionID: "22222222-2222-3333-4444-555555555555"}, nil
	}
	pool := poolFor(t, agent)
	adapter := NewAdapter(AdapterConfig{WorkspaceDir: t.TempDir(), Pool: pool}, logger.Default())

	collectEvents(t, adapter.Execute(context.Background(), ExecuteRequest{Prompt: "hi"}))

	assert.False(t, agent.isClosed())
	assert.Equal(t, 1, pool.Stats().SessionCount)
	assert.Same(t, agent, pool.Acquire("22222222-2222-3333-4444-555555555555"))
}

func TestExecuteDiscardsRunnerOnErrorResult(t *testing.T) {
	agent := &scriptedAgent{id: "a1"}
	agent.run = func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
		return &runner.RunResult{IsError: true, Error: "agent blew up"}, nil
	}
	pool := poolFor(t, agent)
	adapter := NewAdapter(AdapterConfig{WorkspaceDir: t.TempDir(), Pool: pool}, logger.Default())

	events := collectEvents(t, adapter.Execute(context.Background(), ExecuteRequest{Prompt: "hi"}))

	errs := eventsOfType(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "agent blew up", errs[0].(ErrorEvent).Message)
	assert.True(t, agent.isClosed(), "a failed runner never returns to the pool")
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestExecuteDiscardsRunnerOnTransportError(t *testing.T) {
	agent := &scriptedAgent{id: "a1"}
	agent.run = func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
		return nil, errors.New("pipe broke")
	}
	pool := poolFor(t, agent)
	adapter := NewAdapter(AdapterConfig{WorkspaceDir: t.TempDir(), Pool: pool}, logger.Default())

	events := collectEvents(t, adapter.Execute(context.Background(), ExecuteRequest{Prompt: "hi"}))

	errs := eventsOfType(events, EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(ErrorEvent).Message, "pipe broke")
	assert.True(t, agent.isClosed())
}

func TestExecuteAppliesToolPolicy(t *testing.T) {
	agent := &scriptedAgent{id: "a1"}
	agent.run = func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
		return &runner.RunResult{Success: true}, nil
	}
	adapter := NewAdapter(AdapterConfig{WorkspaceDir: t.TempDir(), Pool: poolFor(t, agent)}, logger.Default())

	collectEvents(t, adapter.Execute(context.Background(), ExecuteRequest{
		Prompt:       "hi",
		AllowedTools: []string{"Read"},
	}))

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, []string{"Read"}, agent.allowed)
	assert.Equal(t, DefaultDisallowedTools, agent.disallowed)
}

func TestExecuteInterventionFlow(t *testing.T) {
	var injected string
	agent := &scriptedAgent{id: "a1"}
	agent.run = func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
		if prompt, ok := in.Callbacks.OnIntervention(); ok {
			injected = prompt
		}
		return &runner.RunResult{Success: true, Output: "ok"}, nil
	}

	queue := []*Intervention{{Text: "stop that", User: "u1", AttachmentPaths: []string{"/tmp/a.txt"}}}
	var sentUser, sentText string

	adapter := NewAdapter(AdapterConfig{WorkspaceDir: t.TempDir(), Pool: poolFor(t, agent)}, logger.Default())
	events := collectEvents(t, adapter.Execute(context.Background(), ExecuteRequest{
		Prompt: "hi",
		GetIntervention: func() *Intervention {
			if len(queue) == 0 {
				return nil
			}
			iv := queue[0]
			queue = queue[1:]
			return iv
		},
		OnInterventionSent: func(user, text string) {
			sentUser, sentText = user, text
		},
	}))

	sent := eventsOfType(events, EventInterventionSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "u1", sent[0].(InterventionSentEvent).User)
	assert.Equal(t, "stop that", sent[0].(InterventionSentEvent).Text)
	assert.Equal(t, "u1", sentUser)
	assert.Equal(t, "stop that", sentText)

	assert.Contains(t, injected, "[intervention from u1]")
	assert.Contains(t, injected, "stop that")
	assert.Contains(t, injected, "- /tmp/a.txt")
}

func TestExecuteEmitsContextUsage(t *testing.T) {
	agent := &scriptedAgent{id: "a1"}
	agent.run = func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
		return &runner.RunResult{
			Success: true,
			Output:  "ok",
			Usage:   &claudecode.Usage{InputTokens: 110_000, OutputTokens: 10_000},
		}, nil
	}
	adapter := NewAdapter(AdapterConfig{WorkspaceDir: t.TempDir(), Pool: poolFor(t, agent)}, logger.Default())

	events := collectEvents(t, adapter.Execute(context.Background(), ExecuteRequest{Prompt: "hi"}))

	usages := eventsOfType(events, EventContextUsage)
	require.Len(t, usages, 1)
	usage := usages[0].(ContextUsageEvent)
	assert.Equal(t, int64(120_000), usage.UsedTokens)
	assert.Equal(t, int64(maxContextTokens), usage.MaxTokens)
	assert.InDelta(t, 60.0, usage.Percent, 0.01)
}

func TestContextUsageEventNilCases(t *testing.T) {
	assert.Nil(t, contextUsageEvent(nil))
	assert.Nil(t, contextUsageEvent(&claudecode.Usage{}))
}

func TestBuildInterventionPromptWithoutAttachments(t *testing.T) {
	got := buildInterventionPrompt(&Intervention{Text: "hello", User: "bob"})
	assert.Equal(t, "[intervention from bob]\nhello", got)
}

func TestEnvelopeEmbedsType(t *testing.T) {
	env, err := Envelope(ProgressEvent{Text: "working"})
	require.NoError(t, err)
	assert.Equal(t, "progress", env["type"])
	assert.Equal(t, "working", env["text"])

	payload, err := Payload(ProgressEvent{Text: "working"})
	require.NoError(t, err)
	_, hasType := payload["type"]
	assert.False(t, hasType)
}
