// Package pipeline runs the external image analysis process and decodes
// the results block it prints.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultInterpreter    = "python3"
	defaultMaxOutputBytes = 8 * 1024 * 1024
	maxStderrBytes        = 64 * 1024
	maxLoggedStderr       = 2048
	maxLoggedLine         = 4096
)

// killGracePeriod bounds Wait once the group is killed or the process
// exits while something still holds its pipes.
const killGracePeriod = time.Second

// Kind classifies an InvocationError.
type Kind string

const (
	KindLaunch  Kind = "launch"  // process could not be started
	KindExit    Kind = "exit"    // process ran and exited non-zero
	KindTimeout Kind = "timeout" // killed after the configured timeout
)

// InvocationError is a failed pipeline run. Stderr carries the captured
// diagnostics; it is for logs, not for users.
type InvocationError struct {
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *InvocationError) Error() string {
	switch e.Kind {
	case KindLaunch:
		return fmt.Sprintf("pipeline launch failed: %v", e.Err)
	case KindTimeout:
		return fmt.Sprintf("pipeline timed out: %v", e.Err)
	}
	return fmt.Sprintf("pipeline exited with code %d", e.ExitCode)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Result is a successful pipeline run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	Interpreter string // default: python3
	Script      string
	WorkDir     string        // process working directory; empty = current
	Timeout     time.Duration // 0 = no limit
	ResetArgs   []string      // default: --reset
	Lock        *Lock         // nil = runs may overlap
	MaxOutput   int64         // stdout bytes kept, newest first (default: 8MB)
	Logger      *slog.Logger
}

// Invoker launches one fresh pipeline process per image.
type Invoker struct {
	interpreter string
	script      string
	workDir     string
	timeout     time.Duration
	resetArgs   []string
	lock        *Lock
	maxOutput   int64
	logger      *slog.Logger
}

func NewInvoker(cfg InvokerConfig) *Invoker {
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter
	}
	if len(cfg.ResetArgs) == 0 {
		cfg.ResetArgs = []string{"--reset"}
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Script != "" {
		if abs, err := filepath.Abs(cfg.Script); err == nil {
			cfg.Script = abs
		}
	}
	return &Invoker{
		interpreter: cfg.Interpreter,
		script:      cfg.Script,
		workDir:     cfg.WorkDir,
		timeout:     cfg.Timeout,
		resetArgs:   cfg.ResetArgs,
		lock:        cfg.Lock,
		maxOutput:   cfg.MaxOutput,
		logger:      cfg.Logger,
	}
}

// Run executes `<interpreter> <script> <imagePath> <userID>` with the
// current environment and waits for it to exit.
func (inv *Invoker) Run(ctx context.Context, imagePath, userID string) (*Result, error) {
	return inv.exec(ctx, imagePath, userID)
}

// Reset asks the pipeline to clear its knowledge store.
func (inv *Invoker) Reset(ctx context.Context) (*Result, error) {
	return inv.exec(ctx, inv.resetArgs...)
}

func (inv *Invoker) exec(ctx context.Context, args ...string) (*Result, error) {
	if err := inv.lock.Acquire(ctx); err != nil {
		return nil, &InvocationError{Kind: KindLaunch, Err: fmt.Errorf("wait for pipeline lock: %w", err)}
	}
	defer inv.lock.Release()

	if inv.script != "" {
		if _, err := os.Stat(inv.script); err != nil {
			return nil, &InvocationError{Kind: KindLaunch, Err: fmt.Errorf("script: %w", err)}
		}
	}

	runCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	argv := args
	if inv.script != "" {
		argv = append([]string{inv.script}, args...)
	}
	cmd := exec.CommandContext(runCtx, inv.interpreter, argv...)
	cmd.Dir = inv.workDir
	cmd.WaitDelay = killGracePeriod
	setProcessGroup(cmd)
	// cmd.Env stays nil: credentials reach the pipeline through the
	// inherited environment and are never copied or logged here.

	stdout := newStreamBuffer(inv.logger, "stdout", inv.maxOutput)
	stderr := newStreamBuffer(inv.logger, "stderr", maxStderrBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &InvocationError{Kind: KindLaunch, Err: err}
	}
	inv.logger.Info("pipeline started", "pid", cmd.Process.Pid, "args", len(argv))

	waitErr := cmd.Wait()
	// Helpers left behind by a finished run would otherwise keep touching
	// the shared store after the lock is released.
	if err := killProcessGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		inv.logger.Warn("pipeline process group cleanup failed", "err", err)
	}
	stdout.flush()
	stderr.flush()
	elapsed := time.Since(start)
	for _, sb := range []*streamBuffer{stdout, stderr} {
		if n := sb.Dropped(); n > 0 {
			inv.logger.Warn("pipeline output truncated", "stream", sb.stream, "dropped_bytes", n)
		}
	}

	if waitErr != nil {
		if inv.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &InvocationError{Kind: KindTimeout, ExitCode: -1, Stderr: stderr.String(), Err: runCtx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			inv.logger.Warn("pipeline exited non-zero",
				"code", exitErr.ExitCode(),
				"duration", elapsed,
				"stderr", truncate(stderr.String(), maxLoggedStderr),
			)
			return nil, &InvocationError{Kind: KindExit, ExitCode: exitErr.ExitCode(), Stderr: stderr.String(), Err: waitErr}
		}
		return nil, &InvocationError{Kind: KindExit, ExitCode: -1, Stderr: stderr.String(), Err: waitErr}
	}

	inv.logger.Info("pipeline finished", "duration", elapsed, "stdout_bytes", stdout.Len())
	return &Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}, nil
}

// streamBuffer accumulates a process stream and logs each complete line
// at debug level as it arrives. Only the newest limit bytes are kept.
type streamBuffer struct {
	mu      sync.Mutex
	data    []byte
	written int64
	limit   int
	partial []byte
	logger  *slog.Logger
	stream  string
}

func newStreamBuffer(logger *slog.Logger, stream string, limit int64) *streamBuffer {
	return &streamBuffer{logger: logger, stream: stream, limit: int(limit)}
}

func (s *streamBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written += int64(len(p))
	s.data = append(s.data, p...)
	// Compact at twice the limit so trimming stays amortized.
	if len(s.data) > 2*s.limit {
		s.data = append(s.data[:0], s.data[len(s.data)-s.limit:]...)
	}

	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.logLine(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	if len(s.partial) > maxLoggedLine {
		s.logLine(s.partial)
		s.partial = nil
	}
	return len(p), nil
}

func (s *streamBuffer) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		s.logLine(s.partial)
		s.partial = nil
	}
}

func (s *streamBuffer) logLine(line []byte) {
	s.logger.Debug("pipeline output", "stream", s.stream, "line", strings.TrimRight(string(line), "\r"))
}

func (s *streamBuffer) tail() []byte {
	if len(s.data) > s.limit {
		return s.data[len(s.data)-s.limit:]
	}
	return s.data
}

func (s *streamBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tail())
}

// Len reports the total bytes written, kept or not.
func (s *streamBuffer) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Dropped reports how many of the oldest bytes were discarded.
func (s *streamBuffer) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written - int64(len(s.tail()))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
