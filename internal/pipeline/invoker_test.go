package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// writeScript writes a POSIX shell script to run as the pipeline.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestInvoker_Run_Success(t *testing.T) {
	script := writeScript(t, `echo "analyzing $1 for $2"
echo "DISCORD_RESULTS_START"
echo "QUESTION_1:::What is shown?"
echo "ANSWER_1:::A graph."
echo "DISCORD_RESULTS_END"
echo "warn: slow" >&2`)

	inv := NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, Logger: testLogger()})
	res, err := inv.Run(context.Background(), "/tmp/pic.png", "user-42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "analyzing /tmp/pic.png for user-42") {
		t.Errorf("positional args not passed, stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "warn: slow") {
		t.Errorf("stderr not captured: %q", res.Stderr)
	}
	results, ok := Extract(res.Stdout)
	if !ok || len(results) != 1 {
		t.Errorf("unexpected extraction: %+v ok=%v", results, ok)
	}
}

func TestInvoker_Run_InheritsEnvironment(t *testing.T) {
	t.Setenv("SCANBOT_TEST_TOKEN", "secret-value")
	script := writeScript(t, `echo "token=$SCANBOT_TEST_TOKEN"`)

	inv := NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, Logger: testLogger()})
	res, err := inv.Run(context.Background(), "img", "u")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Stdout, "token=secret-value") {
		t.Errorf("environment not inherited: %q", res.Stdout)
	}
}

func TestInvoker_Run_NonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "neo4j unavailable" >&2; exit 1`)

	inv := NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, Logger: testLogger()})
	_, err := inv.Run(context.Background(), "img", "u")

	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
	if ie.Kind != KindExit || ie.ExitCode != 1 {
		t.Errorf("unexpected error: kind=%s code=%d", ie.Kind, ie.ExitCode)
	}
	if !strings.Contains(ie.Stderr, "neo4j unavailable") {
		t.Errorf("stderr not carried: %q", ie.Stderr)
	}
}

func TestInvoker_Run_LaunchErrors(t *testing.T) {
	script := writeScript(t, "exit 0")

	tests := []struct {
		name string
		cfg  InvokerConfig
	}{
		{"missing interpreter", InvokerConfig{Interpreter: "scanbot-no-such-interpreter", Script: script}},
		{"missing script", InvokerConfig{Interpreter: "sh", Script: filepath.Join(t.TempDir(), "absent.py")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = testLogger()
			_, err := NewInvoker(tt.cfg).Run(context.Background(), "img", "u")
			var ie *InvocationError
			if !errors.As(err, &ie) {
				t.Fatalf("expected InvocationError, got %v", err)
			}
			if ie.Kind != KindLaunch {
				t.Errorf("kind = %s, want launch", ie.Kind)
			}
		})
	}
}

func TestInvoker_Run_Timeout(t *testing.T) {
	script := writeScript(t, "sleep 5")

	inv := NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, Timeout: 100 * time.Millisecond, Logger: testLogger()})
	start := time.Now()
	_, err := inv.Run(context.Background(), "img", "u")

	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Kind != KindTimeout {
		t.Fatalf("expected timeout InvocationError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("process not killed promptly: %v", elapsed)
	}
}

func TestInvoker_Reset_PassesResetArgs(t *testing.T) {
	script := writeScript(t, `echo "args:$*"`)

	inv := NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, Logger: testLogger()})
	res, err := inv.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !strings.Contains(res.Stdout, "args:--reset") {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}

	inv = NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, ResetArgs: []string{"reset", "--all"}, Logger: testLogger()})
	res, err = inv.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !strings.Contains(res.Stdout, "args:reset --all") {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
}

func TestInvoker_NoLockAllowsOverlap(t *testing.T) {
	script := writeScript(t, "sleep 0.3")
	inv := NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, Logger: testLogger()})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := inv.Run(context.Background(), "img", "u"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed >= 850*time.Millisecond {
		t.Errorf("unguarded runs should overlap, took %v", elapsed)
	}
}

func TestInvoker_LockedRunsDoNotOverlap(t *testing.T) {
	script := writeScript(t, "sleep 0.2")
	inv := NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, Lock: NewLock(), Logger: testLogger()})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := inv.Run(context.Background(), "img", "u"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed < 600*time.Millisecond {
		t.Errorf("locked runs overlapped, took %v", elapsed)
	}
}

func TestLock_AcquireHonoursContext(t *testing.T) {
	lock := NewLock()
	if err := lock.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := lock.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	var nilLock *Lock
	if err := nilLock.Acquire(ctx); err != nil {
		t.Errorf("nil lock should never block: %v", err)
	}
	nilLock.Release()
}

func TestInvoker_Run_KeepsStdoutTail(t *testing.T) {
	// 2000 filler lines, then the results block.
	script := writeScript(t, `i=0
while [ $i -lt 2000 ]; do echo "progress line $i"; i=$((i+1)); done
echo "DISCORD_RESULTS_START"
echo "QUESTION_1:::Kept?"
echo "ANSWER_1:::Yes."
echo "DISCORD_RESULTS_END"`)

	inv := NewInvoker(InvokerConfig{Interpreter: "sh", Script: script, MaxOutput: 1024, Logger: testLogger()})
	res, err := inv.Run(context.Background(), "img", "u")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) > 1024 {
		t.Fatalf("stdout kept %d bytes, want <= 1024", len(res.Stdout))
	}
	results, ok := Extract(res.Stdout)
	if !ok || len(results) != 1 || results[0].Answer != "Yes." {
		t.Fatalf("results block lost from tail: ok=%v results=%v", ok, results)
	}
}

func TestStreamBuffer_Limit(t *testing.T) {
	sb := newStreamBuffer(testLogger(), "stdout", 8)
	for i := 0; i < 10; i++ {
		sb.Write([]byte("abcdef"))
	}
	if got := sb.String(); got != "efabcdef" {
		t.Fatalf("String() = %q, want newest 8 bytes", got)
	}
	if sb.Len() != 60 {
		t.Errorf("Len() = %d, want 60", sb.Len())
	}
	if sb.Dropped() != 52 {
		t.Errorf("Dropped() = %d, want 52", sb.Dropped())
	}

	small := newStreamBuffer(testLogger(), "stderr", 64)
	small.Write([]byte("no newline yet"))
	small.flush()
	if small.String() != "no newline yet" || small.Dropped() != 0 {
		t.Fatalf("unexpected buffer state: %q dropped=%d", small.String(), small.Dropped())
	}
}
