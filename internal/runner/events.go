// Package runner executes prompts against a pooled Claude Code CLI
// subprocess and reports what the agent does through callbacks.
package runner

import (
	"context"

	"github.com/soulstream/soulstream/pkg/claudecode"
)

// AgentEventType discriminates the fine-grained events a run produces.
type AgentEventType string

const (
	AgentTextDelta  AgentEventType = "text_delta"
	AgentToolStart  AgentEventType = "tool_start"
	AgentToolResult AgentEventType = "tool_result"
	AgentResult     AgentEventType = "result"
)

// AgentEvent is one fine-grained observation from the message loop.
// Fields are populated according to Type.
type AgentEvent struct {
	Type AgentEventType

	// text_delta
	Text string

	// tool_start and tool_result
	ToolName  string
	ToolInput map[string]any
	ToolUseID string
	Result    string
	IsError   bool

	// result
	Success bool
	Output  string
	Error   string
}

// RunCallbacks are invoked from the message loop while a run is in
// flight. All fields are optional. Callback panics or errors never
// terminate the run; they are logged and skipped.
type RunCallbacks struct {
	// OnProgress receives the latest assistant text (tail-truncated).
	OnProgress func(text string)

	// OnCompact fires when the agent compacts its context.
	OnCompact func(trigger, message string)

	// OnSession fires when the agent reports its session id, once per
	// distinct id.
	OnSession func(sessionID string)

	// OnEvent receives fine-grained agent events.
	OnEvent func(ev AgentEvent)

	// OnIntervention is polled while the run is live. It returns a
	// formatted prompt to inject into the conversation, or ok=false
	// when nothing is queued. It must not block.
	OnIntervention func() (prompt string, ok bool)

	// OnDebug receives diagnostic strings (rate-limit warnings etc).
	OnDebug func(message string)

	// OnRateLimit receives non-allowed rate-limit telemetry.
	OnRateLimit func(info *claudecode.RateLimitInfo)
}

// RunInput describes one execution.
type RunInput struct {
	Prompt    string
	SessionID string
	Callbacks RunCallbacks
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Success   bool
	Output    string
	SessionID string
	Error     string
	IsError   bool
	Usage     *claudecode.Usage
}

// Agent is the pool-facing runner contract.
type Agent interface {
	ID() string
	Connect(ctx context.Context) error
	Run(ctx context.Context, in RunInput) (*RunResult, error)
	Interrupt(ctx context.Context) bool
	SetToolPolicy(allowed, disallowed []string)
	IsCLIAlive() bool
	Close() error
}
