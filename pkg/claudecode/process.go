package claudecode

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/logger"
)

// stderrTailSize bounds how much stderr is retained for diagnostics.
const stderrTailSize = 8 * 1024

// ProcessOptions configures an agent CLI subprocess.
type ProcessOptions struct {
	Binary          string
	Cwd             string
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string
	ResumeSessionID string
	MCPConfigPath   string
	ExtraArgs       []string
	Env             []string
}

// Process is a running agent CLI subprocess with stream-json pipes.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *logger.Logger

	mu      sync.Mutex
	stderr  []byte
	waitErr error
	exited  chan struct{}
}

// StartProcess launches the agent CLI in streaming mode.
func StartProcess(ctx context.Context, opts ProcessOptions, log *logger.Logger) (*Process, error) {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}
	args = append(args, opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, opts.Binary, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", opts.Binary, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.Int("pid", cmd.Process.Pid)),
		exited: make(chan struct{}),
	}

	go p.drainStderr(stderrPipe)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()

	p.logger.Debug("agent process started", zap.String("binary", opts.Binary))
	return p, nil
}

func (p *Process) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.stderr = append(p.stderr, buf[:n]...)
			if len(p.stderr) > stderrTailSize {
				p.stderr = p.stderr[len(p.stderr)-stderrTailSize:]
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Stdin returns the subprocess stdin writer.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the subprocess stdout reader.
func (p *Process) Stdout() io.Reader { return p.stdout }

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the subprocess is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
	}
	// Signal 0 probes for existence without delivering anything.
	if p.cmd.Process == nil {
		return false
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// StderrTail returns the retained tail of the subprocess stderr.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.stderr)
}

// WaitErr returns the exit error once the process has exited, nil before.
func (p *Process) WaitErr() error {
	select {
	case <-p.exited:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waitErr
	default:
		return nil
	}
}

// Exited returns a channel closed when the subprocess exits.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Close shuts the subprocess down: close stdin so the CLI can finish its
// stream, then escalate to SIGTERM and SIGKILL if it lingers.
func (p *Process) Close(grace time.Duration) error {
	_ = p.stdin.Close()

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
	}

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			return err
		}
	}
	<-p.exited
	return nil
}
