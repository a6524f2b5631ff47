package sandbox

import (
	"context"
	"time"
)

// Status classifies how a sandboxed run ended. A run that never started at
// all (daemon unreachable, image missing, staging failure) is reported as an
// error from Run, never as a Status.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusTimedOut       Status = "timed_out"
	StatusMemoryExceeded Status = "memory_exceeded"
)

type Result struct {
	Status       Status
	Stdout       string
	Stderr       string
	ExitCode     int
	DurationMs   int64
	PeakMemoryKb int64
}

// RunSpec describes a single untrusted run: one source text, one stdin
// payload, a hard wall-clock deadline and a memory ceiling. Timeout and
// MemoryLimitMb must be positive; callers validate before dispatch.
type RunSpec struct {
	Source        string
	Stdin         string
	Timeout       time.Duration
	MemoryLimitMb int
}

type Sandbox interface {
	Run(ctx context.Context, spec RunSpec) (*Result, error)
	EnsureImage(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
