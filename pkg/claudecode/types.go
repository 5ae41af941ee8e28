// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol: newline-delimited JSON over stdin/stdout with
// control requests for session management.
package claudecode

import "encoding/json"

// Message types from the CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or thinking from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is a user message (prompt or tool result)
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeRateLimitEvent carries rate-limit telemetry; the CLI emits
	// it out of band and most consumers skip it
	MessageTypeRateLimitEvent = "rate_limit_event"
)

// Control request subtypes
const (
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
)

// System message subtypes
const (
	// SystemSubtypeInit is the first system message of a session
	SystemSubtypeInit = "init"
	// SystemSubtypeCompactBoundary marks context compaction
	SystemSubtypeCompactBoundary = "compact_boundary"
)

// knownMessageTypes are the types the message loop parses; anything else
// with a type field is skipped for forward compatibility.
var knownMessageTypes = map[string]bool{
	MessageTypeSystem:    true,
	MessageTypeAssistant: true,
	MessageTypeUser:      true,
	MessageTypeResult:    true,
}

// CLIMessage represents messages from the CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, control_request, etc.)
	Type string `json:"type"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system messages
	SessionID       string `json:"session_id,omitempty"`
	Subtype         string `json:"subtype,omitempty"`
	CompactMetadata *struct {
		Trigger string `json:"trigger,omitempty"`
	} `json:"compact_metadata,omitempty"`

	// For assistant and user messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages.
	// Result can be either a string (the final text) or an object.
	Result            json.RawMessage            `json:"result,omitempty"`
	IsError           bool                       `json:"is_error,omitempty"`
	NumTurns          int                        `json:"num_turns,omitempty"`
	DurationMS        int64                      `json:"duration_ms,omitempty"`
	TotalCostUSD      float64                    `json:"total_cost_usd,omitempty"`
	Usage             *Usage                     `json:"usage,omitempty"`
	TotalInputTokens  int64                      `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                      `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"model_usage,omitempty"`

	// For rate_limit_event messages
	RateLimitInfo *RateLimitInfo `json:"rate_limit_info,omitempty"`

	// Raw line for callers that need fields not modeled here
	RawContent json.RawMessage `json:"-"`
}

// IsCompactBoundary reports whether the message is a compaction marker.
func (m *CLIMessage) IsCompactBoundary() bool {
	return m.Type == MessageTypeSystem && m.Subtype == SystemSubtypeCompactBoundary
}

// CompactTrigger returns the compaction trigger ("auto" or "manual"),
// empty when absent.
func (m *CLIMessage) CompactTrigger() string {
	if m.CompactMetadata == nil {
		return ""
	}
	return m.CompactMetadata.Trigger
}

// GetResultString returns the Result field as a string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// RateLimitInfo is the payload of a rate_limit_event message.
type RateLimitInfo struct {
	Status        string          `json:"status,omitempty"` // allowed, allowed_warning, rejected, ...
	RateLimitType string          `json:"rateLimitType,omitempty"`
	Utilization   json.RawMessage `json:"utilization,omitempty"`
	ResetsAt      json.RawMessage `json:"resetsAt,omitempty"`
}

// UtilizationValue returns the utilization as a float and whether it was a
// valid number. Non-numeric utilization must be ignored by trackers.
func (r *RateLimitInfo) UtilizationValue() (float64, bool) {
	if len(r.Utilization) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(r.Utilization, &f); err != nil {
		return 0, false
	}
	return f, true
}

// ResetsAtUnix returns resetsAt as a unix timestamp, 0 when absent or
// malformed.
func (r *RateLimitInfo) ResetsAtUnix() int64 {
	if len(r.ResetsAt) == 0 {
		return 0
	}
	var v int64
	if err := json.Unmarshal(r.ResetsAt, &v); err != nil {
		return 0
	}
	return v
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks; content may be a string or a block list
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText flattens a tool_result content field into plain text.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			if blk.Type == "text" {
				out += blk.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// TotalContext returns the total tokens counted against the context window.
func (u *Usage) TotalContext() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// ModelUsageStats contains per-model usage statistics from the result message.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ControlRequest represents a control request from the CLI.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	Subtype string `json:"subtype"` // success, error
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IncomingControlResponse is a control response the CLI sends back to us.
// The request_id lives inside the response object, not at the message level.
type IncomingControlResponse struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI.
// Used for initialize, interrupt, and other control operations.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`
}

// UserMessage is sent to provide a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Tools the server disallows by default for brokered runs.
const (
	ToolWebFetch  = "WebFetch"
	ToolWebSearch = "WebSearch"
	ToolTask      = "Task"
)

// DefaultDisallowedTools is applied when a request carries no tool policy.
var DefaultDisallowedTools = []string{ToolWebFetch, ToolWebSearch, ToolTask}
