//go:build integration

package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSandbox(t *testing.T) *DockerSandbox {
	t.Helper()

	logger := zerolog.Nop()
	sb, err := NewDockerSandbox(DefaultOptions(), &logger)
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	t.Cleanup(func() { _ = sb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := sb.EnsureImage(ctx); err != nil {
		t.Skipf("docker daemon unavailable: %v", err)
	}
	return sb
}

func TestRunCompletes(t *testing.T) {
	sb := newTestSandbox(t)

	res, err := sb.Run(context.Background(), RunSpec{
		Source:        `print("hello")`,
		Timeout:       10 * time.Second,
		MemoryLimitMb: 128,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (stderr: %q)", res.Status, res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
}

func TestRunReadsStdin(t *testing.T) {
	sb := newTestSandbox(t)

	res, err := sb.Run(context.Background(), RunSpec{
		Source:        "name = input()\nprint(f\"Hi, {name}!\")",
		Stdin:         "Ada",
		Timeout:       10 * time.Second,
		MemoryLimitMb: 128,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCompleted || res.ExitCode != 0 {
		t.Fatalf("status=%s exit=%d stderr=%q", res.Status, res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(res.Stdout) != "Hi, Ada!" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
}

func TestRunEmptyStdinSeesEOF(t *testing.T) {
	sb := newTestSandbox(t)

	// input() with closed stdin raises EOFError instead of hanging.
	res, err := sb.Run(context.Background(), RunSpec{
		Source:        "input()",
		Timeout:       10 * time.Second,
		MemoryLimitMb: 128,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if res.ExitCode == 0 {
		t.Fatal("expected nonzero exit from EOFError")
	}
	if !strings.Contains(res.Stderr, "EOFError") {
		t.Fatalf("expected EOFError in stderr, got %q", res.Stderr)
	}
}

func TestRunTimesOut(t *testing.T) {
	sb := newTestSandbox(t)

	start := time.Now()
	res, err := sb.Run(context.Background(), RunSpec{
		Source:        "print(\"started\")\nwhile True:\n    pass",
		Timeout:       2 * time.Second,
		MemoryLimitMb: 128,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", res.Status)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("timeout enforcement took %s", elapsed)
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Fatalf("expected partial stdout, got %q", res.Stdout)
	}
}

func TestRunExceedsMemory(t *testing.T) {
	sb := newTestSandbox(t)

	src := "data = []\nwhile True:\n    data.append(bytearray(1024 * 1024))"
	res, err := sb.Run(context.Background(), RunSpec{
		Source:        src,
		Timeout:       20 * time.Second,
		MemoryLimitMb: 32,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Depending on allocator behaviour the interpreter either gets
	// OOM-killed or raises MemoryError before the kill lands.
	switch res.Status {
	case StatusMemoryExceeded:
	case StatusCompleted:
		if !strings.Contains(res.Stderr, "MemoryError") {
			t.Fatalf("expected MemoryError, got status=%s exit=%d stderr=%q", res.Status, res.ExitCode, res.Stderr)
		}
	default:
		t.Fatalf("unexpected status %s", res.Status)
	}
}

func TestRunRuntimeError(t *testing.T) {
	sb := newTestSandbox(t)

	res, err := sb.Run(context.Background(), RunSpec{
		Source:        "print(1/0)",
		Timeout:       10 * time.Second,
		MemoryLimitMb: 128,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCompleted || res.ExitCode == 0 {
		t.Fatalf("status=%s exit=%d", res.Status, res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "ZeroDivisionError") {
		t.Fatalf("expected ZeroDivisionError in stderr, got %q", res.Stderr)
	}
}

func TestRunDeniesNetwork(t *testing.T) {
	sb := newTestSandbox(t)

	src := "import socket\nsocket.create_connection((\"1.1.1.1\", 80), timeout=3)\nprint(\"connected\")"
	res, err := sb.Run(context.Background(), RunSpec{
		Source:        src,
		Timeout:       15 * time.Second,
		MemoryLimitMb: 128,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatalf("expected connection failure, got stdout %q", res.Stdout)
	}
}

func TestRunScratchDoesNotLeakBetweenCalls(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	write := "with open(\"marker.txt\", \"w\") as f:\n    f.write(\"x\")\nprint(\"written\")"
	res, err := sb.Run(ctx, RunSpec{Source: write, Timeout: 10 * time.Second, MemoryLimitMb: 128})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("first run failed: err=%v res=%+v", err, res)
	}

	check := "import os\nprint(\"leaked\" if os.path.exists(\"marker.txt\") else \"clean\")"
	res, err = sb.Run(ctx, RunSpec{Source: check, Timeout: 10 * time.Second, MemoryLimitMb: 128})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "clean" {
		t.Fatalf("scratch state leaked between runs: %q", res.Stdout)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	sb := newTestSandbox(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := sb.Run(ctx, RunSpec{
		Source:        "while True:\n    pass",
		Timeout:       30 * time.Second,
		MemoryLimitMb: 128,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("cancellation took %s", elapsed)
	}
}
