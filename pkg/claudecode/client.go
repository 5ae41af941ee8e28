package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
)

// RateLimitHandler observes rate_limit_event payloads off the raw stream.
// These events never reach the message channel.
type RateLimitHandler func(info *RateLimitInfo)

// ProtocolError marks lines that cannot be interpreted as protocol messages.
// Lines with an unrecognized type field are skipped instead, to stay
// forward-compatible with new CLI message kinds.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (line: %.200s)", e.Err, e.Line)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// pendingRequest tracks a control request waiting for a response.
type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client handles Claude Code CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes messages to stdin. Parsed
// protocol messages are delivered on the Messages channel; control responses
// and rate-limit telemetry are handled out of band.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	rateLimitHandler RateLimitHandler

	// Pending control requests (requests we sent, waiting for responses)
	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	msgs chan *CLIMessage

	mu      sync.RWMutex
	done    chan struct{}
	readErr error
}

// NewClient creates a new CLI client over the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claudecode-client")),
		done:            make(chan struct{}),
		msgs:            make(chan *CLIMessage, 64),
		pendingRequests: make(map[string]*pendingRequest),
	}
}

// SetRateLimitHandler sets the observer for rate_limit_event payloads.
// Must be called before Start.
func (c *Client) SetRateLimitHandler(handler RateLimitHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHandler = handler
}

// Messages returns the channel of parsed protocol messages. The channel is
// closed when the stream ends; check Err afterwards.
func (c *Client) Messages() <-chan *CLIMessage {
	return c.msgs
}

// Err returns the terminal read error, nil on clean EOF.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readErr
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the client.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Initialize sends the initialize control request and waits for the response.
// Required in streaming mode before the first user message.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeInitialize}, timeout)
	return err
}

// Interrupt asks the CLI to stop the current operation.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt}, timeout)
	return err
}

// SetPermissionMode switches the CLI's permission mode mid-session.
func (c *Client) SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode}, timeout)
	return err
}

func (c *Client) roundTrip(ctx context.Context, body SDKControlRequestBody, timeout time.Duration) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()

	pending := &pendingRequest{ch: make(chan *IncomingControlResponse, 1)}

	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()

	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}

	c.logger.Debug("sending control request",
		zap.String("request_id", requestID),
		zap.String("subtype", body.Subtype))

	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: client stopped", body.Subtype)
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s request timed out after %v", body.Subtype, timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// SendUserMessage sends a user message (prompt or intervention) to the CLI.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.msgs)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if err := c.handleLine(ctx, line); err != nil {
			c.setErr(err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.setErr(err)
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

func (c *Client) handleLine(ctx context.Context, line []byte) error {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return &ProtocolError{Line: string(line), Err: err}
	}

	// A line with no type field is a real protocol error; a line with an
	// unknown type is a newer message kind and is skipped.
	if msg.Type == "" {
		return &ProtocolError{Line: string(line), Err: fmt.Errorf("message has no type field")}
	}

	switch {
	case msg.Type == MessageTypeRateLimitEvent:
		c.handleRateLimit(&msg)
		return nil
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		// Unsolicited control requests are denied; this server runs the CLI
		// with a fixed permission mode and registers no hooks.
		c.denyControlRequest(msg.RequestID)
		return nil
	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		c.handleControlResponse(msg.Response)
		return nil
	case !knownMessageTypes[msg.Type]:
		c.logger.Debug("skipping unknown message type", zap.String("type", msg.Type))
		return nil
	}

	raw := make([]byte, len(line))
	copy(raw, line)
	msg.RawContent = raw

	select {
	case c.msgs <- &msg:
	case <-ctx.Done():
	case <-c.done:
	}
	return nil
}

func (c *Client) handleRateLimit(msg *CLIMessage) {
	c.mu.RLock()
	handler := c.rateLimitHandler
	c.mu.RUnlock()

	if handler == nil || msg.RateLimitInfo == nil {
		return
	}
	handler(msg.RateLimitInfo)
}

func (c *Client) denyControlRequest(requestID string) {
	c.logger.Warn("denying unsolicited control request", zap.String("request_id", requestID))
	if err := c.send(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "error",
			Error:   "no handler registered",
		},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[resp.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("received control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
		c.logger.Warn("pending request channel full", zap.String("request_id", resp.RequestID))
	}
}
