package claudecode

import (
	"encoding/json"
	"testing"
)

func TestCLIMessageGetResultString(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		want   string
	}{
		{
			name:   "empty result",
			result: nil,
			want:   "",
		},
		{
			name:   "string result",
			result: json.RawMessage(`"final answer"`),
			want:   "final answer",
		},
		{
			name:   "object result",
			result: json.RawMessage(`{"text":"success"}`),
			want:   "", // GetResultString returns empty for objects
		},
		{
			name:   "invalid JSON",
			result: json.RawMessage(`{invalid`),
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &CLIMessage{Result: tt.result}
			if got := msg.GetResultString(); got != tt.want {
				t.Errorf("GetResultString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCLIMessageUnmarshalAssistant(t *testing.T) {
	line := `{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}],"usage":{"input_tokens":100,"output_tokens":20}}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Type != MessageTypeAssistant {
		t.Errorf("Type = %q", msg.Type)
	}
	if len(msg.Message.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(msg.Message.Content))
	}
	if msg.Message.Content[0].Text != "hi" {
		t.Errorf("text = %q", msg.Message.Content[0].Text)
	}
	tool := msg.Message.Content[1]
	if tool.Name != "Bash" || tool.ID != "toolu_1" {
		t.Errorf("tool block = %+v", tool)
	}
	if tool.Input["command"] != "ls" {
		t.Errorf("tool input = %v", tool.Input)
	}
	if msg.Message.Usage.TotalContext() != 120 {
		t.Errorf("TotalContext() = %d, want 120", msg.Message.Usage.TotalContext())
	}
}

func TestCLIMessageCompactBoundary(t *testing.T) {
	line := `{"type":"system","subtype":"compact_boundary","compact_metadata":{"trigger":"auto"}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !msg.IsCompactBoundary() {
		t.Error("IsCompactBoundary() = false")
	}
	if msg.CompactTrigger() != "auto" {
		t.Errorf("CompactTrigger() = %q, want auto", msg.CompactTrigger())
	}

	plain := CLIMessage{Type: MessageTypeSystem, Subtype: SystemSubtypeInit}
	if plain.IsCompactBoundary() {
		t.Error("init message reported as compact boundary")
	}
	if plain.CompactTrigger() != "" {
		t.Errorf("CompactTrigger() = %q, want empty", plain.CompactTrigger())
	}
}

func TestContentBlockContentText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", ``, ""},
		{"string", `"plain output"`, "plain output"},
		{"block list", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"mixed list", `[{"type":"image"},{"type":"text","text":"x"}]`, "x"},
		{"object fallback", `{"weird":true}`, `{"weird":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ContentBlock{Type: "tool_result"}
			if tt.content != "" {
				b.Content = json.RawMessage(tt.content)
			}
			if got := b.ContentText(); got != tt.want {
				t.Errorf("ContentText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitInfoHelpers(t *testing.T) {
	var info RateLimitInfo
	if err := json.Unmarshal([]byte(`{"status":"allowed_warning","rateLimitType":"seven_day","utilization":0.97,"resetsAt":1700001234}`), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	u, ok := info.UtilizationValue()
	if !ok || u != 0.97 {
		t.Errorf("UtilizationValue() = %v, %v", u, ok)
	}
	if info.ResetsAtUnix() != 1700001234 {
		t.Errorf("ResetsAtUnix() = %d", info.ResetsAtUnix())
	}

	var bad RateLimitInfo
	if err := json.Unmarshal([]byte(`{"utilization":"high","resetsAt":"soon"}`), &bad); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := bad.UtilizationValue(); ok {
		t.Error("non-numeric utilization parsed as valid")
	}
	if bad.ResetsAtUnix() != 0 {
		t.Errorf("ResetsAtUnix() = %d, want 0", bad.ResetsAtUnix())
	}
}

func TestUsageTotalContextNil(t *testing.T) {
	var u *Usage
	if u.TotalContext() != 0 {
		t.Error("nil usage should count zero tokens")
	}
}
