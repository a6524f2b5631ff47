package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/joelmbaka/pygrade/internal/api"
	"github.com/joelmbaka/pygrade/internal/config"
	"github.com/joelmbaka/pygrade/internal/executor"
	"github.com/joelmbaka/pygrade/internal/limiter"
	"github.com/joelmbaka/pygrade/internal/queue"
	"github.com/joelmbaka/pygrade/internal/store"
	"github.com/joelmbaka/pygrade/internal/worker"
)

type stubRunner struct{}

func (stubRunner) Execute(_ context.Context, opts executor.ExecuteOptions) (*executor.Report, error) {
	report := &executor.Report{
		Success:        true,
		TotalTests:     len(opts.TestCases),
		PassedTests:    len(opts.TestCases),
		TestResults:    []executor.TestResult{},
		SyntaxErrors:   []string{},
		RuntimeErrors:  []string{},
		HintsTriggered: []string{},
	}
	for i := range opts.TestCases {
		report.TestResults = append(report.TestResults, executor.TestResult{TestID: i, Passed: true})
	}
	return report, nil
}

type pingStub struct{}

func (pingStub) Ping(context.Context) error { return nil }

func newTestRouter(t *testing.T, rateCfg limiter.Config, logOut *bytes.Buffer) http.Handler {
	t.Helper()

	manager := queue.NewManager(4, 100*time.Millisecond)

	var logger zerolog.Logger
	if logOut != nil {
		logger = zerolog.New(logOut)
	} else {
		logger = zerolog.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.NewWorker(1, stubRunner{}, manager, &logger).Start(ctx)

	handler := api.NewHandler(api.HandlerConfig{
		Queue:   manager,
		Store:   store.NewMemory(),
		Sandbox: pingStub{},
		Checker: pingStub{},
		Limits:  config.Default().Limits,
		Logger:  &logger,
	})

	return newRouter(handler, limiter.NewRateLimiter(rateCfg), &logger)
}

func openRate() limiter.Config {
	return limiter.Config{GlobalRPS: 1000, PerIPRPS: 1000, PerIPBurst: 1000, MaxConcurrent: 100}
}

const executeBody = `{
	"student_code": "print('hi')",
	"lesson_id": "loops-1",
	"test_cases": [{"input": "", "expected_output": "hi"}]
}`

func TestRouterServesExecutionEndpoints(t *testing.T) {
	router := newTestRouter(t, openRate(), nil)

	for _, path := range []string{"/execute-code", "/submit-code"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(executeBody))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %s = %d, body %s", path, rec.Code, rec.Body)
		}
	}
}

func TestRouterRestrictsMethods(t *testing.T) {
	router := newTestRouter(t, openRate(), nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/execute-code"},
		{http.MethodGet, "/submit-code"},
		{http.MethodPost, "/health"},
		{http.MethodDelete, "/generate-new-challenge"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s = %d, want 405", tt.method, tt.path, rec.Code)
		}
	}
}

func TestRouterHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, openRate(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("metrics endpoint should expose prometheus output")
	}
}

func TestRateLimiterCoversOnlyExecutionRoutes(t *testing.T) {
	// Zero concurrency slots: the limiter rejects everything it guards.
	router := newTestRouter(t, limiter.Config{
		GlobalRPS: 1000, PerIPRPS: 1000, PerIPBurst: 1000, MaxConcurrent: 0,
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/execute-code", strings.NewReader(executeBody))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("POST /execute-code = %d, want 429", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, the limiter must not guard it", rec.Code)
	}
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var out bytes.Buffer
	router := newTestRouter(t, openRate(), &out)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	logged := out.String()
	if !strings.Contains(logged, `"path":"/health"`) {
		t.Fatalf("request log should carry the path, got %s", logged)
	}
	if !strings.Contains(logged, `"status":200`) {
		t.Fatalf("request log should carry the status, got %s", logged)
	}
}
