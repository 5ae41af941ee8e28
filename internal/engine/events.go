// Package engine turns agent runs into the card-oriented event stream
// clients consume over SSE and from the durable event log.
package engine

import "encoding/json"

// EventType names every event the execution stream may emit.
type EventType string

const (
	EventSession          EventType = "session"
	EventProgress         EventType = "progress"
	EventTextStart        EventType = "text_start"
	EventTextDelta        EventType = "text_delta"
	EventTextEnd          EventType = "text_end"
	EventToolStart        EventType = "tool_start"
	EventToolResult       EventType = "tool_result"
	EventCompact          EventType = "compact"
	EventContextUsage     EventType = "context_usage"
	EventDebug            EventType = "debug"
	EventCredentialAlert  EventType = "credential_alert"
	EventInterventionSent EventType = "intervention_sent"
	EventReconnected      EventType = "reconnected"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
	EventResult           EventType = "result"
)

// Event is the tagged union carried by the execution stream. The
// concrete structs below are its only members.
type Event interface {
	EventType() EventType
}

// SessionEvent reports the agent-assigned session id.
type SessionEvent struct {
	SessionID string `json:"session_id"`
}

func (SessionEvent) EventType() EventType { return EventSession }

// ProgressEvent carries coarse human-readable progress text.
type ProgressEvent struct {
	Text string `json:"text"`
}

func (ProgressEvent) EventType() EventType { return EventProgress }

// TextStartEvent opens an assistant text card.
type TextStartEvent struct {
	CardID string `json:"card_id"`
}

func (TextStartEvent) EventType() EventType { return EventTextStart }

// TextDeltaEvent carries the card's text.
type TextDeltaEvent struct {
	CardID string `json:"card_id"`
	Text   string `json:"text"`
}

func (TextDeltaEvent) EventType() EventType { return EventTextDelta }

// TextEndEvent closes an assistant text card.
type TextEndEvent struct {
	CardID string `json:"card_id"`
}

func (TextEndEvent) EventType() EventType { return EventTextEnd }

// ToolStartEvent reports a tool call, grouped under the current card.
type ToolStartEvent struct {
	CardID    string         `json:"card_id,omitempty"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

func (ToolStartEvent) EventType() EventType { return EventToolStart }

// ToolResultEvent reports a tool outcome, joined back to its card.
type ToolResultEvent struct {
	CardID    string `json:"card_id,omitempty"`
	ToolName  string `json:"tool_name"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	ToolUseID string `json:"tool_use_id,omitempty"`
}

func (ToolResultEvent) EventType() EventType { return EventToolResult }

// CompactEvent reports a context compaction.
type CompactEvent struct {
	Trigger string `json:"trigger"`
	Message string `json:"message"`
}

func (CompactEvent) EventType() EventType { return EventCompact }

// ContextUsageEvent snapshots the token budget after a run.
type ContextUsageEvent struct {
	UsedTokens int64   `json:"used_tokens"`
	MaxTokens  int64   `json:"max_tokens"`
	Percent    float64 `json:"percent"`
}

func (ContextUsageEvent) EventType() EventType { return EventContextUsage }

// DebugEvent carries diagnostics such as rate-limit warnings.
type DebugEvent struct {
	Message string `json:"message"`
}

func (DebugEvent) EventType() EventType { return EventDebug }

// CredentialAlertEvent fires on the first crossing of the utilization
// alert threshold for the active credential profile.
type CredentialAlertEvent struct {
	ActiveProfile string           `json:"active_profile"`
	Profiles      []map[string]any `json:"profiles"`
}

func (CredentialAlertEvent) EventType() EventType { return EventCredentialAlert }

// InterventionSentEvent confirms a user message was injected mid-run.
type InterventionSentEvent struct {
	User string `json:"user"`
	Text string `json:"text"`
}

func (InterventionSentEvent) EventType() EventType { return EventInterventionSent }

// ReconnectedEvent is the synthetic first event of a re-attached stream.
type ReconnectedEvent struct {
	Status       string `json:"status"`
	LastProgress string `json:"last_progress,omitempty"`
}

func (ReconnectedEvent) EventType() EventType { return EventReconnected }

// CompleteEvent is the successful terminal event.
type CompleteEvent struct {
	Result          string   `json:"result"`
	ClaudeSessionID string   `json:"claude_session_id,omitempty"`
	Attachments     []string `json:"attachments"`
}

func (CompleteEvent) EventType() EventType { return EventComplete }

// ErrorEvent is the failing terminal event.
type ErrorEvent struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
}

func (ErrorEvent) EventType() EventType { return EventError }

// ResultEvent is the alternate terminal shape for dashboard consumers.
type ResultEvent struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

func (ResultEvent) EventType() EventType { return EventResult }

// Payload flattens an event into a map without the type discriminant.
// The SSE layer carries the type in the event name instead.
func Payload(ev Event) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Envelope flattens an event with the type embedded, the shape stored in
// the durable event log.
func Envelope(ev Event) (map[string]any, error) {
	m, err := Payload(ev)
	if err != nil {
		return nil, err
	}
	m["type"] = string(ev.EventType())
	return m, nil
}
