package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
	"github.com/soulstream/soulstream/internal/credentials"
	"github.com/soulstream/soulstream/internal/runner"
	"github.com/soulstream/soulstream/pkg/claudecode"
)

// maxContextTokens is the context window the usage percentage is
// computed against.
const maxContextTokens = 200_000

// Tool policy applied when a request carries none.
var (
	DefaultAllowedTools = []string{
		"Read", "Glob", "Grep", "Task",
		"WebFetch", "WebSearch", "Edit", "Write", "Bash",
	}
	DefaultDisallowedTools = []string{"NotebookEdit", "TodoWrite"}
)

// Intervention is a user message pushed into a running task.
type Intervention struct {
	Text            string   `json:"text"`
	User            string   `json:"user"`
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
}

// ExecuteRequest describes one execution.
type ExecuteRequest struct {
	Prompt          string
	ResumeSessionID string

	// Tool policy; nil means the adapter defaults apply.
	AllowedTools    []string
	DisallowedTools []string
	UseMCP          bool

	// GetIntervention is polled during the run; it returns nil when the
	// queue is empty and must not block.
	GetIntervention func() *Intervention

	// OnInterventionSent fires after an intervention reaches the agent.
	OnInterventionSent func(user, text string)
}

// Adapter executes prompts through pooled runners and translates agent
// activity into the typed event stream.
type Adapter struct {
	workspaceDir string
	binary       string
	env          []string
	pool         *runner.Pool
	tracker      *credentials.RateLimitTracker
	logger       *logger.Logger
}

// AdapterConfig wires an Adapter.
type AdapterConfig struct {
	WorkspaceDir string
	Binary       string
	Env          []string

	// Pool is optional; without one each Execute constructs a one-shot
	// runner.
	Pool *runner.Pool

	// Tracker is optional; without one rate-limit telemetry only
	// surfaces as debug events.
	Tracker *credentials.RateLimitTracker
}

// NewAdapter creates an execution adapter.
func NewAdapter(cfg AdapterConfig, log *logger.Logger) *Adapter {
	return &Adapter{
		workspaceDir: cfg.WorkspaceDir,
		binary:       cfg.Binary,
		env:          cfg.Env,
		pool:         cfg.Pool,
		tracker:      cfg.Tracker,
		logger:       log.WithFields(zap.String("component", "engine-adapter")),
	}
}

// cardTracker groups tool events under the text card that preceded them.
type cardTracker struct {
	mu        sync.Mutex
	current   string
	lastTool  string
	toolCards map[string]string // tool_use_id -> card_id
}

func newCardTracker() *cardTracker {
	return &cardTracker{toolCards: make(map[string]string)}
}

func (c *cardTracker) newCard() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return c.current
}

func (c *cardTracker) registerTool(toolUseID, toolName string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTool = toolName
	if toolUseID != "" {
		c.toolCards[toolUseID] = c.current
	}
	return c.current
}

// resolveResult returns the card and tool name a result joins back to,
// falling back to the current card and last-used tool.
func (c *cardTracker) resolveResult(toolUseID, toolName string) (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cardID := c.current
	if toolUseID != "" {
		if mapped, ok := c.toolCards[toolUseID]; ok {
			cardID = mapped
		}
	}
	if toolName == "" {
		toolName = c.lastTool
	}
	return cardID, toolName
}

func (a *Adapter) mcpConfigPath() string {
	path := filepath.Join(a.workspaceDir, "mcp_config.json")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func buildInterventionPrompt(iv *Intervention) string {
	if len(iv.AttachmentPaths) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "[intervention from %s]\n%s\n\n", iv.User, iv.Text)
		b.WriteString("attached files (read with the Read tool):\n")
		for _, p := range iv.AttachmentPaths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		return strings.TrimRight(b.String(), "\n")
	}
	return fmt.Sprintf("[intervention from %s]\n%s", iv.User, iv.Text)
}

// Execute runs one prompt and streams typed events on the returned
// channel. The channel closes after the terminal complete or error
// event. A successful run returns its runner to the pool under the
// agent session id; any failure discards the runner instead.
func (a *Adapter) Execute(ctx context.Context, req ExecuteRequest) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		a.run(ctx, req, out)
	}()
	return out
}

func (a *Adapter) run(ctx context.Context, req ExecuteRequest, out chan<- Event) {
	emit := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	allowed := req.AllowedTools
	if allowed == nil {
		allowed = DefaultAllowedTools
	}
	disallowed := req.DisallowedTools
	if disallowed == nil {
		disallowed = DefaultDisallowedTools
	}
	mcpPath := ""
	if req.UseMCP {
		mcpPath = a.mcpConfigPath()
	}

	var agent runner.Agent
	pooled := a.pool != nil
	if pooled {
		agent = a.pool.Acquire(req.ResumeSessionID)
		agent.SetToolPolicy(allowed, disallowed)
	} else {
		agent = runner.NewRunner(runner.Options{
			WorkspaceDir:    a.workspaceDir,
			Binary:          a.binary,
			AllowedTools:    allowed,
			DisallowedTools: disallowed,
			MCPConfigPath:   mcpPath,
			Env:             a.env,
		}, a.logger)
	}

	discard := func(reason string) {
		if pooled {
			a.pool.Discard(agent, reason)
			return
		}
		if err := agent.Close(); err != nil {
			a.logger.Warn("runner close failed", zap.Error(err))
		}
	}

	cards := newCardTracker()
	cb := runner.RunCallbacks{
		OnProgress: func(text string) {
			emit(ProgressEvent{Text: text})
		},
		OnCompact: func(trigger, message string) {
			emit(CompactEvent{Trigger: trigger, Message: message})
		},
		OnSession: func(sessionID string) {
			emit(SessionEvent{SessionID: sessionID})
		},
		OnDebug: func(message string) {
			emit(DebugEvent{Message: message})
		},
		OnRateLimit: func(info *claudecode.RateLimitInfo) {
			a.observeRateLimit(info, emit)
		},
		OnIntervention: func() (string, bool) {
			if req.GetIntervention == nil {
				return "", false
			}
			iv := req.GetIntervention()
			if iv == nil {
				return "", false
			}
			emit(InterventionSentEvent{User: iv.User, Text: iv.Text})
			if req.OnInterventionSent != nil {
				req.OnInterventionSent(iv.User, iv.Text)
			}
			return buildInterventionPrompt(iv), true
		},
		OnEvent: func(ev runner.AgentEvent) {
			a.translateAgentEvent(ev, cards, emit)
		},
	}

	res, err := agent.Run(ctx, runner.RunInput{
		Prompt:    req.Prompt,
		SessionID: req.ResumeSessionID,
		Callbacks: cb,
	})
	if err != nil {
		a.logger.Error("execution failed", zap.Error(err))
		emit(ErrorEvent{Message: fmt.Sprintf("execution error: %v", err)})
		discard("run_exception")
		return
	}

	if ev := contextUsageEvent(res.Usage); ev != nil {
		emit(*ev)
	}

	if res.Success && !res.IsError {
		result := res.Output
		if result == "" {
			result = "(no result)"
		}
		emit(CompleteEvent{
			Result:          result,
			ClaudeSessionID: res.SessionID,
			Attachments:     []string{},
		})
		if pooled {
			a.pool.Release(agent, res.SessionID)
		} else if err := agent.Close(); err != nil {
			a.logger.Warn("runner close failed", zap.Error(err))
		}
		return
	}

	msg := res.Error
	if msg == "" {
		msg = res.Output
	}
	if msg == "" {
		msg = "execution failed"
	}
	emit(ErrorEvent{Message: msg})
	discard("run_error")
}

func (a *Adapter) translateAgentEvent(ev runner.AgentEvent, cards *cardTracker, emit func(Event)) {
	switch ev.Type {
	case runner.AgentTextDelta:
		// One complete text block per card; the CLI does not chunk.
		cardID := cards.newCard()
		emit(TextStartEvent{CardID: cardID})
		emit(TextDeltaEvent{CardID: cardID, Text: ev.Text})
		emit(TextEndEvent{CardID: cardID})

	case runner.AgentToolStart:
		cardID := cards.registerTool(ev.ToolUseID, ev.ToolName)
		emit(ToolStartEvent{
			CardID:    cardID,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
			ToolUseID: ev.ToolUseID,
		})

	case runner.AgentToolResult:
		cardID, toolName := cards.resolveResult(ev.ToolUseID, ev.ToolName)
		emit(ToolResultEvent{
			CardID:    cardID,
			ToolName:  toolName,
			Result:    ev.Result,
			IsError:   ev.IsError,
			ToolUseID: ev.ToolUseID,
		})

	case runner.AgentResult:
		emit(ResultEvent{
			Success: ev.Success,
			Output:  ev.Output,
			Error:   ev.Error,
		})
	}
}

// observeRateLimit records telemetry in the tracker and emits a
// credential alert on the first threshold crossing of a window.
func (a *Adapter) observeRateLimit(info *claudecode.RateLimitInfo, emit func(Event)) {
	if a.tracker == nil {
		return
	}
	alert := a.tracker.Record(credentials.RateLimitEvent{
		RateLimitType: info.RateLimitType,
		Utilization:   info.Utilization,
		ResetsAt:      info.ResetsAt,
		Status:        info.Status,
	})
	if alert != nil {
		emit(CredentialAlertEvent{
			ActiveProfile: alert.ActiveProfile,
			Profiles:      alert.Profiles,
		})
	}
}

func contextUsageEvent(usage *claudecode.Usage) *ContextUsageEvent {
	if usage == nil {
		return nil
	}
	used := usage.InputTokens + usage.OutputTokens
	if used <= 0 {
		return nil
	}
	percent := float64(used) / float64(maxContextTokens) * 100
	return &ContextUsageEvent{
		UsedTokens: used,
		MaxTokens:  maxContextTokens,
		Percent:    float64(int(percent*10+0.5)) / 10,
	}
}
