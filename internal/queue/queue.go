package queue

import (
	"context"
	"errors"
	"time"

	"github.com/joelmbaka/pygrade/internal/executor"
	"github.com/joelmbaka/pygrade/internal/metrics"
)

// ErrBusy means the queue could not admit the job within the wait budget.
// The gateway maps it to a retryable "server busy" response.
var ErrBusy = errors.New("execution queue is full")

type Job struct {
	ID       string
	Endpoint string // "execute" or "submit", for metrics
	Options  executor.ExecuteOptions
	Result   chan *executor.Report
	Err      chan error
	Ctx      context.Context
}

type Manager struct {
	jobQueue chan *Job
	maxWait  time.Duration
}

func NewManager(capacity int, maxWait time.Duration) *Manager {
	return &Manager{
		jobQueue: make(chan *Job, capacity),
		maxWait:  maxWait,
	}
}

// Submit enqueues the job, waiting at most the configured budget for a free
// slot. A request whose context dies while queued is dropped here and never
// reaches a worker.
func (m *Manager) Submit(job *Job) error {
	select {
	case m.jobQueue <- job:
		metrics.QueueDepth.Set(float64(len(m.jobQueue)))
		return nil
	default:
	}

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()

	select {
	case m.jobQueue <- job:
		metrics.QueueDepth.Set(float64(len(m.jobQueue)))
		return nil
	case <-timer.C:
		metrics.QueueRejections.Inc()
		return ErrBusy
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}
}

func (m *Manager) NextJob() <-chan *Job {
	return m.jobQueue
}

func (m *Manager) Depth() int {
	return len(m.jobQueue)
}

func (m *Manager) Capacity() int {
	return cap(m.jobQueue)
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
