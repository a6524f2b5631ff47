package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/joelmbaka/pygrade/internal/executor"
	"github.com/joelmbaka/pygrade/internal/metrics"
	"github.com/joelmbaka/pygrade/internal/queue"
)

// Runner grades one request end to end. Satisfied by *executor.Executor.
type Runner interface {
	Execute(ctx context.Context, opts executor.ExecuteOptions) (*executor.Report, error)
}

// Worker drains the job queue. The worker count is the system-wide ceiling
// on simultaneous sandboxed executions: each worker runs at most one
// request, and each request runs its test cases sequentially.
type Worker struct {
	id      int
	runner  Runner
	manager *queue.Manager
	logger  *zerolog.Logger
}

func NewWorker(id int, runner Runner, manager *queue.Manager, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:      id,
		runner:  runner,
		manager: manager,
		logger:  logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			metrics.ActiveWorkers.Inc()
			w.processJob(job)
			metrics.ActiveWorkers.Dec()
			w.manager.UpdateQueueMetric()
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(job *queue.Job) {
	// A request may have been cancelled while it sat in the queue; skip the
	// sandbox work entirely in that case.
	if err := job.Ctx.Err(); err != nil {
		job.Err <- err
		metrics.ExecutionsTotal.WithLabelValues(job.Endpoint, "cancelled").Inc()
		return
	}

	w.logger.Info().
		Int("worker_id", w.id).
		Str("job_id", job.ID).
		Str("endpoint", job.Endpoint).
		Int("test_cases", len(job.Options.TestCases)).
		Msg("processing job")

	startTime := time.Now()
	report, err := w.runner.Execute(job.Ctx, job.Options)
	duration := time.Since(startTime).Milliseconds()

	if err != nil {
		job.Err <- err
		metrics.ExecutionsTotal.WithLabelValues(job.Endpoint, "error").Inc()
		return
	}

	metrics.ExecutionsTotal.WithLabelValues(job.Endpoint, reportStatus(report)).Inc()
	metrics.ExecutionDuration.WithLabelValues("total").Observe(float64(duration))
	if report.MemoryUsedMb != nil {
		metrics.MemoryUsage.Observe(*report.MemoryUsedMb * 1024)
	}

	job.Result <- report
}

func reportStatus(r *executor.Report) string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case len(r.SyntaxErrors) > 0:
		return "syntax_error"
	case len(r.RuntimeErrors) > 0:
		return "infra_error"
	case r.Success:
		return "passed"
	default:
		return "failed"
	}
}
