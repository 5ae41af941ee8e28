package runner

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
	"github.com/soulstream/soulstream/pkg/claudecode"
)

const (
	interventionPollInterval = time.Second
	compactRetryReadTimeout  = 30 * time.Second
	maxCompactRetries        = 3
	maxInterventionDrain     = 100
	progressTailLimit        = 1000
	toolPayloadLimit         = 2000
	defaultConnectTimeout    = 30 * time.Second
	interruptTimeout         = 5 * time.Second
)

// Options configure the CLI subprocess a runner owns.
type Options struct {
	WorkspaceDir    string
	Binary          string
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string
	MCPConfigPath   string
	Env             []string
	ConnectTimeout  time.Duration
}

// fingerprint hashes the settings that require a client rebuild when they
// change between runs on a pooled runner.
func (o Options) fingerprint() string {
	allowed := append([]string(nil), o.AllowedTools...)
	disallowed := append([]string(nil), o.DisallowedTools...)
	sort.Strings(allowed)
	sort.Strings(disallowed)

	key := strings.Join([]string{
		strings.Join(allowed, ","),
		strings.Join(disallowed, ","),
		o.PermissionMode,
		o.MCPConfigPath,
	}, "|")
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:8]
}

// Runner owns one agent CLI subprocess and executes prompts against it.
// A runner is single-flight: Run rejects concurrent calls. Between runs
// the connected client is kept so the pool can hand the runner back out
// without a cold start.
type Runner struct {
	id     string
	logger *logger.Logger

	mu              sync.Mutex
	opts            Options
	process         *claudecode.Process
	client          *claudecode.Client
	clientCancel    context.CancelFunc
	clientSessionID string
	clientFP        string
	running         bool

	cbMu sync.Mutex
	cb   RunCallbacks
}

// NewRunner creates an unconnected runner.
func NewRunner(opts Options, log *logger.Logger) *Runner {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &Runner{
		id:     id,
		opts:   opts,
		logger: log.WithRunner(id),
	}
}

// ID returns the runner's identifier.
func (r *Runner) ID() string { return r.id }

// SetToolPolicy injects the per-request tool policy. A change here alters
// the options fingerprint and forces a client rebuild on the next run.
func (r *Runner) SetToolPolicy(allowed, disallowed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.AllowedTools = allowed
	r.opts.DisallowedTools = disallowed
}

// Connect starts the CLI subprocess without a session, for pre-warming.
func (r *Runner) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureClientLocked(ctx, "")
}

// IsIdle reports whether the runner is connected and not executing.
func (r *Runner) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client != nil && !r.running
}

// IsCLIAlive reports whether the subprocess is still running.
func (r *Runner) IsCLIAlive() bool {
	r.mu.Lock()
	proc := r.process
	r.mu.Unlock()
	return proc != nil && proc.Alive()
}

// Interrupt asks the agent to stop its current operation. Returns false
// when the runner has no live execution to interrupt.
func (r *Runner) Interrupt(ctx context.Context) bool {
	r.mu.Lock()
	client := r.client
	running := r.running
	r.mu.Unlock()

	if client == nil || !running {
		return false
	}
	if err := client.Interrupt(ctx, interruptTimeout); err != nil {
		r.logger.Warn("interrupt failed", zap.Error(err))
		return false
	}
	r.logger.Info("interrupt sent")
	return true
}

// Close tears down the client and subprocess.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeClientLocked()
	return nil
}

func (r *Runner) closeClientLocked() {
	if r.client != nil {
		r.client.Stop()
	}
	if r.clientCancel != nil {
		r.clientCancel()
	}
	if r.process != nil {
		if err := r.process.Close(3 * time.Second); err != nil {
			r.logger.Warn("process close failed", zap.Error(err))
		}
	}
	r.process = nil
	r.client = nil
	r.clientCancel = nil
	r.clientSessionID = ""
	r.clientFP = ""
}

// ensureClientLocked reuses the connected client when its session and
// options match the request, and rebuilds it otherwise. A pooled runner
// resumed for a different session must never leak the old conversation.
func (r *Runner) ensureClientLocked(ctx context.Context, sessionID string) error {
	fp := r.opts.fingerprint()

	if r.client != nil {
		if r.clientSessionID == sessionID && r.clientFP == fp {
			r.logger.Debug("reusing connected client",
				zap.String("session_id", sessionID))
			return nil
		}
		r.logger.Info("client mismatch, rebuilding",
			zap.String("current_session", r.clientSessionID),
			zap.String("requested_session", sessionID),
			zap.String("current_fp", r.clientFP),
			zap.String("requested_fp", fp))
		r.closeClientLocked()
	}

	disallowed := r.opts.DisallowedTools
	if disallowed == nil {
		disallowed = claudecode.DefaultDisallowedTools
	}
	permissionMode := r.opts.PermissionMode
	if permissionMode == "" {
		permissionMode = "bypassPermissions"
	}

	procCtx, cancel := context.WithCancel(context.Background())
	proc, err := claudecode.StartProcess(procCtx, claudecode.ProcessOptions{
		Binary:          r.opts.Binary,
		Cwd:             r.opts.WorkspaceDir,
		PermissionMode:  permissionMode,
		AllowedTools:    r.opts.AllowedTools,
		DisallowedTools: disallowed,
		ResumeSessionID: sessionID,
		MCPConfigPath:   r.opts.MCPConfigPath,
		Env:             r.opts.Env,
	}, r.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("start agent process: %w", err)
	}

	client := claudecode.NewClient(proc.Stdin(), proc.Stdout(), r.logger)
	client.SetRateLimitHandler(r.observeRateLimit)
	<-client.Start(procCtx)

	timeout := r.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	if err := client.Initialize(ctx, timeout); err != nil {
		client.Stop()
		cancel()
		_ = proc.Close(time.Second)
		return fmt.Errorf("initialize agent: %w", err)
	}

	r.process = proc
	r.client = client
	r.clientCancel = cancel
	r.clientSessionID = sessionID
	r.clientFP = fp
	r.logger.Info("agent client connected",
		zap.Int("pid", proc.PID()),
		zap.String("session_id", sessionID),
		zap.String("options_fp", fp))
	return nil
}

func (r *Runner) setCallbacks(cb RunCallbacks) {
	r.cbMu.Lock()
	r.cb = cb
	r.cbMu.Unlock()
}

func (r *Runner) callbacks() RunCallbacks {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	return r.cb
}

// observeRateLimit runs on the client read goroutine. Status "allowed"
// is routine telemetry and is dropped here.
func (r *Runner) observeRateLimit(info *claudecode.RateLimitInfo) {
	if info.Status == "allowed" {
		return
	}
	cb := r.callbacks()

	if _, ok := info.UtilizationValue(); ok && cb.OnRateLimit != nil {
		cb.OnRateLimit(info)
	}

	if info.Status == "allowed_warning" {
		msg := formatRateLimitWarning(info)
		r.logger.Info("rate limit warning", zap.String("detail", msg))
		if cb.OnDebug != nil {
			cb.OnDebug(msg)
		}
		return
	}

	r.logger.Warn("rate limit event",
		zap.String("status", info.Status),
		zap.String("type", info.RateLimitType))
	if cb.OnDebug != nil {
		cb.OnDebug(fmt.Sprintf("rate limit %q reported by the agent (type=%s)",
			info.Status, info.RateLimitType))
	}
}

type recvOutcome int

const (
	recvResult recvOutcome = iota
	recvStreamEnd
	recvTimeout
)

// messageState accumulates what the message loop has seen for one run.
type messageState struct {
	sessionID      string
	currentText    string
	resultText     string
	isError        bool
	usage          *claudecode.Usage
	msgCount       int
	lastTool       string
	toolNames      map[string]string
	emittedResults map[string]bool
	compactCount   int
	gotResult      bool
}

func newMessageState() *messageState {
	return &messageState{
		toolNames:      make(map[string]string),
		emittedResults: make(map[string]bool),
	}
}

func (s *messageState) hasOutput() bool {
	return s.resultText != "" || s.currentText != ""
}

func (s *messageState) resetForRetry() {
	s.currentText = ""
	s.resultText = ""
	s.isError = false
	s.gotResult = false
}

// Run executes one prompt. The returned RunResult reports agent-level
// failure via IsError; a non-nil error means the transport itself broke
// and the caller must discard this runner.
func (r *Runner) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	if in.SessionID != "" {
		if err := uuid.Validate(in.SessionID); err != nil {
			return &RunResult{
				IsError: true,
				Error:   fmt.Sprintf("invalid session id: %s", in.SessionID),
			}, nil
		}
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner %s is already executing", r.id)
	}
	r.running = true
	if err := r.ensureClientLocked(ctx, in.SessionID); err != nil {
		r.running = false
		r.mu.Unlock()
		return nil, err
	}
	client := r.client
	proc := r.process
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.setCallbacks(in.Callbacks)
	defer r.setCallbacks(RunCallbacks{})

	if err := client.SendUserMessage(in.Prompt); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	state := newMessageState()
	retries := 0
	outcome := recvResult

	for {
		compactBefore := state.compactCount

		var err error
		outcome, err = r.receiveMessages(ctx, client, state, in.Callbacks, retries > 0)
		if err != nil {
			return nil, err
		}

		// An auto-compaction can swallow the turn that was supposed to
		// carry the answer. Re-read for the post-compact follow-up, but
		// bound the retries and the read.
		if state.compactCount > compactBefore && !state.hasOutput() &&
			retries < maxCompactRetries && r.IsCLIAlive() {
			retries++
			r.logger.Info("re-reading after compaction",
				zap.Int("retry", retries),
				zap.String("session_id", state.sessionID))
			state.resetForRetry()
			continue
		}
		break
	}

	if outcome != recvResult && !state.gotResult {
		msg := r.classifyStreamEnd(client, proc, outcome)
		r.logger.Warn("run ended without result",
			zap.String("reason", msg),
			zap.Int("messages", state.msgCount),
			zap.String("last_tool", state.lastTool))
		return &RunResult{
			Output:    state.currentText,
			SessionID: state.sessionID,
			IsError:   true,
			Error:     msg,
		}, nil
	}

	output := state.resultText
	if output == "" {
		output = state.currentText
	}
	res := &RunResult{
		Success:   !state.isError,
		Output:    output,
		SessionID: state.sessionID,
		IsError:   state.isError,
		Usage:     state.usage,
	}
	if state.isError {
		res.Error = output
	}
	return res, nil
}

func (r *Runner) classifyStreamEnd(client *claudecode.Client, proc *claudecode.Process, outcome recvOutcome) string {
	if outcome == recvTimeout {
		return "agent produced no output after compaction"
	}
	if err := client.Err(); err != nil {
		var perr *claudecode.ProtocolError
		if errors.As(err, &perr) {
			return fmt.Sprintf("agent protocol error: %v", perr.Err)
		}
		return fmt.Sprintf("agent stream error: %v", err)
	}
	return classifyProcessError(proc.StderrTail(), proc.WaitErr())
}

// receiveMessages drives the message loop until a result, stream end, or
// (when retrying after a compaction) a read deadline. The intervention
// callback is polled every second so user messages reach the agent even
// while it is silent.
func (r *Runner) receiveMessages(ctx context.Context, client *claudecode.Client, state *messageState, cb RunCallbacks, retrying bool) (recvOutcome, error) {
	ticker := time.NewTicker(interventionPollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if retrying {
		timer := time.NewTimer(compactRetryReadTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline:
			r.logger.Warn("compact retry read timed out",
				zap.Duration("timeout", compactRetryReadTimeout),
				zap.Bool("cli_alive", r.IsCLIAlive()))
			return recvTimeout, nil
		case <-ticker.C:
			r.pollIntervention(client, cb)
		case msg, ok := <-client.Messages():
			if !ok {
				return recvStreamEnd, nil
			}
			r.handleMessage(msg, state, cb)
			if state.gotResult {
				r.drainInterventions(client, cb)
				return recvResult, nil
			}
			r.pollIntervention(client, cb)
		}
	}
}

func (r *Runner) handleMessage(msg *claudecode.CLIMessage, state *messageState, cb RunCallbacks) {
	state.msgCount++

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.IsCompactBoundary() {
			state.compactCount++
			trigger := msg.CompactTrigger()
			if trigger == "" {
				trigger = "auto"
			}
			r.logger.Info("compact boundary", zap.String("trigger", trigger))
			if cb.OnCompact != nil {
				cb.OnCompact(trigger, fmt.Sprintf("context compacted (trigger: %s)", trigger))
			}
			return
		}
		if msg.SessionID != "" && msg.SessionID != state.sessionID {
			state.sessionID = msg.SessionID
			r.mu.Lock()
			r.clientSessionID = msg.SessionID
			r.mu.Unlock()
			r.logger.Info("session id assigned", zap.String("session_id", msg.SessionID))
			if cb.OnSession != nil {
				cb.OnSession(msg.SessionID)
			}
		}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for i := range msg.Message.Content {
			r.handleAssistantBlock(&msg.Message.Content[i], state, cb)
		}

	case claudecode.MessageTypeUser:
		// Tool execution results come back as user messages.
		if msg.Message == nil {
			return
		}
		for i := range msg.Message.Content {
			block := &msg.Message.Content[i]
			if block.Type == "tool_result" {
				r.emitToolResult(block, state, cb)
			}
		}

	case claudecode.MessageTypeResult:
		state.gotResult = true
		state.isError = msg.IsError
		state.resultText = msg.GetResultString()
		if msg.SessionID != "" {
			state.sessionID = msg.SessionID
		}
		if msg.Usage != nil {
			state.usage = msg.Usage
		}
		if cb.OnEvent != nil {
			output := state.resultText
			if output == "" {
				output = state.currentText
			}
			ev := AgentEvent{
				Type:    AgentResult,
				Success: !state.isError,
				Output:  output,
			}
			if state.isError {
				ev.Error = output
			}
			cb.OnEvent(ev)
		}
	}
}

func (r *Runner) handleAssistantBlock(block *claudecode.ContentBlock, state *messageState, cb RunCallbacks) {
	switch block.Type {
	case "text":
		state.currentText = block.Text
		if cb.OnProgress != nil {
			cb.OnProgress(progressTail(block.Text))
		}
		if cb.OnEvent != nil {
			cb.OnEvent(AgentEvent{Type: AgentTextDelta, Text: block.Text})
		}

	case "tool_use":
		state.lastTool = block.Name
		if block.ID != "" {
			state.toolNames[block.ID] = block.Name
		}
		r.logger.Debug("tool use", zap.String("tool", block.Name))
		if cb.OnEvent != nil {
			cb.OnEvent(AgentEvent{
				Type:      AgentToolStart,
				ToolName:  block.Name,
				ToolInput: truncateToolInput(block.Input),
				ToolUseID: block.ID,
			})
		}

	case "tool_result":
		r.emitToolResult(block, state, cb)
	}
}

// emitToolResult publishes a tool result exactly once per tool_use_id.
// Results can surface on both assistant and user messages.
func (r *Runner) emitToolResult(block *claudecode.ContentBlock, state *messageState, cb RunCallbacks) {
	if block.ToolUseID != "" {
		if state.emittedResults[block.ToolUseID] {
			return
		}
		state.emittedResults[block.ToolUseID] = true
	}

	content := block.ContentText()
	if len(content) > toolPayloadLimit {
		content = content[:toolPayloadLimit]
	}

	toolName := ""
	if block.ToolUseID != "" {
		toolName = state.toolNames[block.ToolUseID]
	}
	if toolName == "" {
		toolName = state.lastTool
	}

	if cb.OnEvent != nil {
		cb.OnEvent(AgentEvent{
			Type:      AgentToolResult,
			ToolName:  toolName,
			Result:    content,
			IsError:   block.IsError,
			ToolUseID: block.ToolUseID,
		})
	}
}

func (r *Runner) pollIntervention(client *claudecode.Client, cb RunCallbacks) bool {
	if cb.OnIntervention == nil {
		return false
	}
	prompt, ok := cb.OnIntervention()
	if !ok || prompt == "" {
		return false
	}
	r.logger.Info("injecting intervention", zap.Int("length", len(prompt)))
	if err := client.SendUserMessage(prompt); err != nil {
		r.logger.Warn("intervention injection failed", zap.Error(err))
		return false
	}
	return true
}

// drainInterventions consumes whatever is still queued after the result
// message. The session is already wrapping up, so this is best-effort.
func (r *Runner) drainInterventions(client *claudecode.Client, cb RunCallbacks) int {
	if cb.OnIntervention == nil {
		return 0
	}
	count := 0
	for count < maxInterventionDrain {
		if !r.pollIntervention(client, cb) {
			break
		}
		count++
	}
	if count >= maxInterventionDrain {
		r.logger.Warn("intervention drain cap reached", zap.Int("cap", maxInterventionDrain))
	} else if count > 0 {
		r.logger.Info("drained queued interventions", zap.Int("count", count))
	}
	return count
}

// progressTail keeps progress payloads small by keeping only the end of
// long texts.
func progressTail(text string) string {
	if len(text) <= progressTailLimit {
		return text
	}
	return "...\n" + text[len(text)-progressTailLimit:]
}

// truncateToolInput caps serialized tool inputs so one oversized file
// write cannot flood the event stream.
func truncateToolInput(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return map[string]any{"_error": "serialize_failed"}
	}
	if len(data) > toolPayloadLimit {
		return map[string]any{"_truncated": string(data[:toolPayloadLimit]) + "..."}
	}
	return input
}
