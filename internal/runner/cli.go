package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/redact"
)

const (
	// maxLineBytes caps a single protocol frame. Anything larger is a
	// misbehaving agent, not a legitimate event.
	maxLineBytes = 1 << 20

	stderrTailBytes = 4 << 10
)

// ErrTimeout reports that the run exceeded its wall-clock limit and the
// process was terminated.
var ErrTimeout = errors.New("agent run timed out")

// ExitError reports a non-zero agent exit with no terminal event on the
// stream. The stderr tail is already secret-redacted.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
}

// Request describes one agent invocation.
type Request struct {
	TaskID        string
	Command       string
	Prompt        string
	WorkspacePath string
	Env           map[string]string
	Timeout       time.Duration
	Token         string
}

// Runner is implemented by CLIRunner and by test doubles.
type Runner interface {
	Run(ctx context.Context, req Request) (*Stream, error)
}

// Stream delivers events as they arrive. Events is closed when stdout
// drains; Wait blocks until the process has exited and reports how.
type Stream struct {
	events chan Event
	done   chan struct{}
	err    error
}

func (s *Stream) Events() <-chan Event { return s.events }

func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// CLIRunner spawns the configured agent binary once per task. Stdin is
// closed, the environment is an allowlist, and the whole process group
// is torn down on timeout or cancel.
type CLIRunner struct {
	Binary string
	Args   []string
	// Grace is how long SIGTERM gets before SIGKILL. Zero means 5s.
	Grace  time.Duration
	logger *zap.Logger
}

func NewCLIRunner(binary string, args []string, logger *zap.Logger) *CLIRunner {
	return &CLIRunner{Binary: binary, Args: args, logger: logger}
}

func (r *CLIRunner) Run(ctx context.Context, req Request) (*Stream, error) {
	if r.Binary == "" {
		return nil, errors.New("agent binary not configured")
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	args := append(append([]string(nil), r.Args...), req.Command)
	cmd := exec.Command(r.Binary, args...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = runnerEnv(req)
	// Own process group so agent children die with the agent.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	s := &Stream{events: make(chan Event, 16), done: make(chan struct{})}
	exited := make(chan struct{})
	go r.terminateOnCancel(runCtx, cmd.Process.Pid, exited)

	go func() {
		defer close(s.done)
		defer cancel()

		sawTerminal := r.decode(stdout, s)
		close(s.events)

		waitErr := cmd.Wait()
		close(exited)

		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			s.err = ErrTimeout
		case ctx.Err() != nil:
			s.err = ctx.Err()
		case waitErr == nil, sawTerminal:
			// A terminal event explains a non-zero exit; the event is
			// authoritative.
		default:
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				s.err = &ExitError{
					Code:   exitErr.ExitCode(),
					Stderr: redact.Literals(stderr.String(), req.Token),
				}
			} else {
				s.err = fmt.Errorf("failed to run agent: %w", waitErr)
			}
		}
	}()

	return s, nil
}

// decode frames stdout into events. Malformed lines become system-class
// error events instead of killing the run; the agent may still finish.
func (r *CLIRunner) decode(stdout io.Reader, s *Stream) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	sawTerminal := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil || event.Type == "" {
			if r.logger != nil {
				r.logger.Warn("malformed agent event", zap.String("line", truncate(line, 200)))
			}
			s.events <- protocolError("malformed event line from agent")
			continue
		}
		if event.Terminal() {
			sawTerminal = true
		}
		s.events <- event
	}
	if err := scanner.Err(); err != nil {
		s.events <- protocolError(fmt.Sprintf("agent stream read failed: %v", err))
	}
	return sawTerminal
}

// terminateOnCancel implements the SIGTERM, grace, SIGKILL ladder
// against the whole process group.
func (r *CLIRunner) terminateOnCancel(ctx context.Context, pid int, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	grace := r.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// runnerEnv builds the child environment: an allowlist of host
// variables plus the per-task values. The credential travels only here.
func runnerEnv(req Request) []string {
	allowed := map[string]bool{"PATH": true, "HOME": true, "TMPDIR": true}
	out := make([]string, 0, 16)
	for _, entry := range os.Environ() {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if allowed[key] || strings.HasPrefix(key, "AGENT_") {
			out = append(out, entry)
		}
	}
	for k, v := range req.Env {
		out = append(out, k+"="+v)
	}
	out = append(out,
		"AGENT_TASK_ID="+req.TaskID,
		"AGENT_COMMAND="+req.Command,
		"AGENT_PROMPT="+req.Prompt,
	)
	if req.Token != "" {
		out = append(out, "AGENT_TOKEN="+req.Token)
	}
	return out
}

// StreamFunc adapts a function into a Stream: fn's sends become the
// event stream and its return value becomes Wait's result. Runner test
// doubles are built on it.
func StreamFunc(fn func(emit chan<- Event) error) *Stream {
	s := &Stream{events: make(chan Event, 16), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		err := fn(s.events)
		close(s.events)
		s.err = err
	}()
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
