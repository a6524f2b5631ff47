package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joelmbaka/pygrade/internal/challenge"
	"github.com/joelmbaka/pygrade/internal/config"
	"github.com/joelmbaka/pygrade/internal/events"
	"github.com/joelmbaka/pygrade/internal/executor"
	"github.com/joelmbaka/pygrade/internal/metrics"
	"github.com/joelmbaka/pygrade/internal/queue"
	"github.com/joelmbaka/pygrade/internal/store"
)

// resultGraceTimeout is how long the gateway keeps listening for a worker
// report after the request context dies. The worker observes the same
// context and hands over a partial report almost immediately; the grace
// covers sandbox teardown.
const resultGraceTimeout = 5 * time.Second

// ExecuteRequest mirrors the request shape of the tutoring client.
type ExecuteRequest struct {
	StudentCode    string            `json:"student_code"`
	LessonID       string            `json:"lesson_id"`
	TestCases      []TestCasePayload `json:"test_cases"`
	TimeoutSeconds *int              `json:"timeout_seconds"`
	MemoryLimitMb  *int              `json:"memory_limit_mb"`
}

type TestCasePayload struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// SubmitResponse wraps a graded report with the persisted submission.
type SubmitResponse struct {
	SubmissionID    string           `json:"submission_id"`
	Score           int              `json:"score"`
	PassedTests     int              `json:"passed_tests"`
	TotalTests      int              `json:"total_tests"`
	Success         bool             `json:"success"`
	ExecutionResult *executor.Report `json:"execution_result"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type HealthResponse struct {
	Status string          `json:"status"` // ok or degraded
	Checks map[string]bool `json:"checks"`
	Queue  QueueHealth     `json:"queue"`
}

type QueueHealth struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

// Pinger is the readiness probe shape shared by the sandbox and the host
// syntax checker.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	queueManager *queue.Manager
	store        store.Store
	events       *events.Publisher
	challenges   *challenge.Client
	sandbox      Pinger
	checker      Pinger
	limits       config.LimitsConfig
	log          *zerolog.Logger
}

type HandlerConfig struct {
	Queue      *queue.Manager
	Store      store.Store
	Events     *events.Publisher // nil disables publishing
	Challenges *challenge.Client // nil disables /generate-new-challenge
	Sandbox    Pinger
	Checker    Pinger
	Limits     config.LimitsConfig
	Logger     *zerolog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		queueManager: cfg.Queue,
		store:        cfg.Store,
		events:       cfg.Events,
		challenges:   cfg.Challenges,
		sandbox:      cfg.Sandbox,
		checker:      cfg.Checker,
		limits:       cfg.Limits,
		log:          cfg.Logger,
	}
}

// ExecuteCode grades a submission and returns the full report without
// persisting anything.
func (h *Handler) ExecuteCode(w http.ResponseWriter, r *http.Request) {
	opts, errMsg := h.parseRequest(w, r)
	if errMsg != "" {
		metrics.ExecutionsTotal.WithLabelValues("execute", "rejected").Inc()
		h.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	report, err := h.runJob(r, "execute", opts)
	if err != nil {
		h.respondPipelineError(w, "execute", err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// SubmitCode grades a submission, persists the graded attempt and publishes
// a grading event. A cancelled run is returned as-is: no persistence, no
// event, no fabricated grade.
func (h *Handler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	opts, errMsg := h.parseRequest(w, r)
	if errMsg != "" {
		metrics.ExecutionsTotal.WithLabelValues("submit", "rejected").Inc()
		h.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	report, err := h.runJob(r, "submit", opts)
	if err != nil {
		h.respondPipelineError(w, "submit", err)
		return
	}

	if report.Cancelled {
		h.writeJSON(w, http.StatusOK, report)
		return
	}

	score := 0
	if report.TotalTests > 0 {
		score = int(math.Round(100 * float64(report.PassedTests) / float64(report.TotalTests)))
	}

	saved, err := h.store.SaveSubmission(r.Context(), store.Submission{
		LessonID:    opts.LessonID,
		Code:        opts.Code,
		Score:       score,
		PassedTests: report.PassedTests,
		TotalTests:  report.TotalTests,
		Success:     report.Success,
	})
	if err != nil {
		h.log.Error().Err(err).Str("lesson_id", opts.LessonID).Msg("failed to persist submission")
		h.writeError(w, http.StatusInternalServerError, "Failed to persist submission")
		return
	}
	metrics.SubmissionsPersisted.Inc()

	// Event delivery happens on its own clock so a near-expired request
	// context cannot suppress it.
	pubCtx, cancelPub := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPub()
	h.events.Publish(pubCtx, events.GradedSubmission{
		SubmissionID: saved.ID,
		LessonID:     opts.LessonID,
		Score:        score,
		PassedTests:  report.PassedTests,
		TotalTests:   report.TotalTests,
		Success:      report.Success,
		Attempt:      saved.Attempt,
		EmittedAt:    time.Now().UTC(),
	})

	h.writeJSON(w, http.StatusOK, SubmitResponse{
		SubmissionID:    saved.ID.String(),
		Score:           score,
		PassedTests:     report.PassedTests,
		TotalTests:      report.TotalTests,
		Success:         report.Success,
		ExecutionResult: report,
	})
}

// GenerateChallenge proxies the content-generation collaborator.
func (h *Handler) GenerateChallenge(w http.ResponseWriter, r *http.Request) {
	if h.challenges == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Challenge generation is not configured")
		return
	}

	var req challenge.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.LessonID) == "" {
		h.writeError(w, http.StatusBadRequest, "lesson_id must not be empty")
		return
	}

	ch, err := h.challenges.Generate(r.Context(), req)
	if err != nil {
		var upErr *challenge.UpstreamError
		if errors.As(err, &upErr) {
			h.log.Error().Int("upstream_status", upErr.StatusCode).Msg("challenge generator failed")
		} else {
			h.log.Error().Err(err).Msg("challenge generator unreachable")
		}
		h.writeError(w, http.StatusBadGateway, "Challenge generation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(ch.Body)
}

// Health reports subsystem readiness, not just process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	depth := h.queueManager.Depth()
	capacity := h.queueManager.Capacity()

	checks := map[string]bool{
		"sandbox":        h.sandbox.Ping(ctx) == nil,
		"syntax_checker": h.checker.Ping(ctx) == nil,
		"queue":          depth < capacity,
	}

	status := http.StatusOK
	state := "ok"
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
			state = "degraded"
			break
		}
	}

	h.writeJSON(w, status, HealthResponse{
		Status: state,
		Checks: checks,
		Queue:  QueueHealth{Depth: depth, Capacity: capacity},
	})
}

// parseRequest decodes, validates and clamps an execution request. The
// returned message is empty on success.
func (h *Handler) parseRequest(w http.ResponseWriter, r *http.Request) (executor.ExecuteOptions, string) {
	var opts executor.ExecuteOptions

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.limits.MaxCodeBytes)+1<<20)

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return opts, "Invalid request body"
	}

	if strings.TrimSpace(req.StudentCode) == "" {
		return opts, "student_code must not be empty"
	}
	if len(req.StudentCode) > h.limits.MaxCodeBytes {
		return opts, "student_code exceeds the maximum size"
	}
	if len(req.TestCases) == 0 {
		return opts, "test_cases must not be empty"
	}
	if len(req.TestCases) > h.limits.MaxTestCases {
		return opts, "too many test_cases"
	}

	timeout := h.limits.DefaultTimeoutSeconds
	if req.TimeoutSeconds != nil {
		timeout = *req.TimeoutSeconds
		if timeout <= 0 {
			return opts, "timeout_seconds must be positive"
		}
		if timeout > h.limits.MaxTimeoutSeconds {
			timeout = h.limits.MaxTimeoutSeconds
		}
	}

	memory := h.limits.DefaultMemoryMb
	if req.MemoryLimitMb != nil {
		memory = *req.MemoryLimitMb
		if memory <= 0 {
			return opts, "memory_limit_mb must be positive"
		}
		if memory > h.limits.MaxMemoryMb {
			memory = h.limits.MaxMemoryMb
		}
	}

	cases := make([]executor.TestCase, len(req.TestCases))
	for i, tc := range req.TestCases {
		cases[i] = executor.TestCase{
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
		}
	}

	opts = executor.ExecuteOptions{
		Code:          req.StudentCode,
		LessonID:      req.LessonID,
		TestCases:     cases,
		Timeout:       time.Duration(timeout) * time.Second,
		MemoryLimitMb: memory,
	}
	return opts, ""
}

// runJob queues the request and waits for its report. The request context
// is capped by the outer ceiling so one request cannot occupy a worker
// indefinitely.
func (h *Handler) runJob(r *http.Request, endpoint string, opts executor.ExecuteOptions) (*executor.Report, error) {
	ceiling := outerCeiling(opts.Timeout, len(opts.TestCases), h.limits.OuterCeilingSeconds)
	ctx, cancel := context.WithTimeoutCause(r.Context(), ceiling, executor.ErrBudgetExceeded)
	defer cancel()

	job := &queue.Job{
		ID:       uuid.NewString(),
		Endpoint: endpoint,
		Options:  opts,
		Result:   make(chan *executor.Report, 1),
		Err:      make(chan error, 1),
		Ctx:      ctx,
	}

	h.log.Info().
		Str("job_id", job.ID).
		Str("endpoint", endpoint).
		Str("lesson_id", opts.LessonID).
		Int("test_cases", len(opts.TestCases)).
		Msg("job accepted")

	if err := h.queueManager.Submit(job); err != nil {
		return nil, err
	}

	select {
	case report := <-job.Result:
		return report, nil
	case err := <-job.Err:
		return nil, err
	case <-ctx.Done():
		grace := time.NewTimer(resultGraceTimeout)
		defer grace.Stop()
		select {
		case report := <-job.Result:
			return report, nil
		case err := <-job.Err:
			return nil, err
		case <-grace.C:
			return nil, context.Cause(ctx)
		}
	}
}

func (h *Handler) respondPipelineError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, queue.ErrBusy):
		metrics.ExecutionsTotal.WithLabelValues(endpoint, "busy").Inc()
		w.Header().Set("Retry-After", "2")
		h.writeError(w, http.StatusTooManyRequests, "Server busy, please retry")
	case errors.Is(err, executor.ErrBudgetExceeded):
		metrics.ExecutionsTotal.WithLabelValues(endpoint, "budget_exceeded").Inc()
		h.writeError(w, http.StatusGatewayTimeout, "Execution budget exceeded")
	case errors.Is(err, context.Canceled):
		// Client is gone; nothing useful can be written.
		metrics.ExecutionsTotal.WithLabelValues(endpoint, "cancelled").Inc()
		h.log.Info().Str("endpoint", endpoint).Msg("request cancelled by client")
	default:
		metrics.ExecutionsTotal.WithLabelValues(endpoint, "error").Inc()
		h.log.Error().Err(err).Str("endpoint", endpoint).Msg("execution pipeline failed")
		h.writeError(w, http.StatusInternalServerError, "Internal execution failure")
	}
}

func outerCeiling(timeout time.Duration, cases int, capSeconds int) time.Duration {
	ceiling := 3 * timeout * time.Duration(cases)
	if limit := time.Duration(capSeconds) * time.Second; capSeconds > 0 && ceiling > limit {
		return limit
	}
	return ceiling
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to write response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Code: status})
}
