package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joelmbaka/pygrade/internal/metrics"
	"github.com/joelmbaka/pygrade/internal/sandbox"
)

// ErrBudgetExceeded is attached as the context cause when the gateway's
// outer request ceiling expires. It separates "the server cut the request
// off" from "the client went away": the former fills remaining tests as
// not-run rows, the latter returns a partial report flagged cancelled.
var ErrBudgetExceeded = errors.New("request execution budget exceeded")

const (
	notRunInfraMsg  = "Not run: execution environment failure"
	notRunBudgetMsg = "Not run: request execution budget exceeded"
)

// SyntaxChecker is the pre-flight parse gate. A failed check means the code
// never reaches a sandbox.
type SyntaxChecker interface {
	Check(ctx context.Context, source string) ([]string, error)
}

// HintAnalyzer is the advisory static pass. It must never fail a request.
type HintAnalyzer interface {
	Analyze(source string) []string
}

// Executor grades one submission against its test cases: parse gate first,
// then one sandboxed run per case, sequentially, in request order.
type Executor struct {
	sandbox sandbox.Sandbox
	checker SyntaxChecker
	hints   HintAnalyzer
	mode    ComparisonMode
	logger  *zerolog.Logger
}

func NewExecutor(sb sandbox.Sandbox, checker SyntaxChecker, hints HintAnalyzer, mode ComparisonMode, logger *zerolog.Logger) *Executor {
	if mode == "" {
		mode = CompareTrimTrailing
	}
	return &Executor{
		sandbox: sb,
		checker: checker,
		hints:   hints,
		mode:    mode,
		logger:  logger,
	}
}

// Execute always returns a well-formed Report for an accepted request;
// the error return is reserved for conditions the gateway maps to
// transport-level failures, and is currently always nil.
func (e *Executor) Execute(ctx context.Context, opts ExecuteOptions) (*Report, error) {
	start := time.Now()
	report := newReport(len(opts.TestCases))

	if hints := e.hints.Analyze(opts.Code); len(hints) > 0 {
		report.HintsTriggered = hints
	}

	syntaxStart := time.Now()
	syntaxErrs, err := e.checker.Check(ctx, opts.Code)
	metrics.ExecutionDuration.WithLabelValues("syntax_check").Observe(float64(time.Since(syntaxStart).Milliseconds()))
	if err != nil {
		if ctx.Err() != nil {
			report.Cancelled = true
			return report, nil
		}
		e.logger.Error().Err(err).Str("lesson_id", opts.LessonID).Msg("syntax checker unavailable")
		report.RuntimeErrors = append(report.RuntimeErrors, "execution environment failure: syntax checker unavailable")
		report.ExecutionTimeTotalMs = time.Since(start).Milliseconds()
		return report, nil
	}
	if len(syntaxErrs) > 0 {
		// Code that cannot parse never reaches the sandbox.
		report.SyntaxErrors = syntaxErrs
		empty := ""
		report.OverallOutput = &empty
		report.ExecutionTimeTotalMs = time.Since(start).Milliseconds()
		return report, nil
	}

	results := make([]TestResult, 0, len(opts.TestCases))
	launchFailed := false
	var peakMemoryKb int64

	for i, tc := range opts.TestCases {
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), ErrBudgetExceeded) {
				report.RuntimeErrors = append(report.RuntimeErrors, "request execution budget exceeded; remaining tests were not run")
				results = fillNotRun(results, opts.TestCases, i, notRunBudgetMsg)
			} else {
				report.Cancelled = true
			}
			break
		}

		if launchFailed {
			results = append(results, notRunRow(i, tc, notRunInfraMsg))
			metrics.TestRunsTotal.WithLabelValues("not_run").Inc()
			continue
		}

		runStart := time.Now()
		res, err := e.sandbox.Run(ctx, sandbox.RunSpec{
			Source:        opts.Code,
			Stdin:         tc.Input,
			Timeout:       opts.Timeout,
			MemoryLimitMb: opts.MemoryLimitMb,
		})
		metrics.ExecutionDuration.WithLabelValues("run").Observe(float64(time.Since(runStart).Milliseconds()))

		if err != nil {
			if ctx.Err() != nil {
				if errors.Is(context.Cause(ctx), ErrBudgetExceeded) {
					report.RuntimeErrors = append(report.RuntimeErrors, "request execution budget exceeded; remaining tests were not run")
					results = fillNotRun(results, opts.TestCases, i, notRunBudgetMsg)
				} else {
					report.Cancelled = true
				}
				break
			}
			// Sandbox could not start. Not the student's fault: surface at
			// the top level and never blame a test.
			e.logger.Error().Err(err).Int("test_id", i).Str("lesson_id", opts.LessonID).Msg("sandbox launch failed")
			report.RuntimeErrors = append(report.RuntimeErrors, "execution environment failure: sandbox could not start")
			metrics.TestRunsTotal.WithLabelValues("launch_failed").Inc()
			launchFailed = true
			results = append(results, notRunRow(i, tc, notRunInfraMsg))
			continue
		}

		if res.PeakMemoryKb > peakMemoryKb {
			peakMemoryKb = res.PeakMemoryKb
		}
		metrics.TestRunsTotal.WithLabelValues(string(res.Status)).Inc()

		row := e.classify(i, tc, res, opts)
		results = append(results, row)
		report.ExecutionTimeTotalMs += row.ExecutionTimeMs
	}

	report.TestResults = results
	for _, r := range results {
		if r.Passed {
			report.PassedTests++
		}
	}
	report.Success = report.PassedTests == report.TotalTests &&
		len(report.SyntaxErrors) == 0 &&
		len(report.RuntimeErrors) == 0 &&
		!report.Cancelled
	if peakMemoryKb > 0 {
		mb := math.Round(float64(peakMemoryKb)/1024*100) / 100
		report.MemoryUsedMb = &mb
	}

	return report, nil
}

// classify turns one sandbox outcome into its wire-level row. One test's
// failure never aborts the batch; every outcome maps to exactly one of
// pass, fail-with-diff, fail-with-error or fail-with-limit.
func (e *Executor) classify(idx int, tc TestCase, res *sandbox.Result, opts ExecuteOptions) TestResult {
	row := TestResult{
		TestID:          idx,
		InputData:       tc.Input,
		ExpectedOutput:  tc.ExpectedOutput,
		ActualOutput:    strings.TrimSpace(res.Stdout),
		ExecutionTimeMs: res.DurationMs,
	}

	switch res.Status {
	case sandbox.StatusTimedOut:
		seconds := int(opts.Timeout / time.Second)
		row.ErrorMessage = fmt.Sprintf("Code execution timed out after %ds", seconds)
		// Report the declared limit, not the kill latency.
		row.ExecutionTimeMs = opts.Timeout.Milliseconds()

	case sandbox.StatusMemoryExceeded:
		row.ErrorMessage = "Memory limit exceeded"

	default:
		if res.ExitCode != 0 {
			row.ErrorMessage = strings.TrimSpace(res.Stderr)
			if row.ErrorMessage == "" {
				row.ErrorMessage = fmt.Sprintf("Process exited with code %d", res.ExitCode)
			}
			break
		}
		row.Passed = outputsMatch(e.mode, res.Stdout, tc.ExpectedOutput)
		if !row.Passed {
			if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
				row.ErrorMessage = stderr
			}
		}
	}

	return row
}

func notRunRow(idx int, tc TestCase, msg string) TestResult {
	return TestResult{
		TestID:         idx,
		ExpectedOutput: tc.ExpectedOutput,
		InputData:      tc.Input,
		ErrorMessage:   msg,
	}
}

// fillNotRun pads the remaining cases so the response still carries one row
// per declared test.
func fillNotRun(results []TestResult, cases []TestCase, from int, msg string) []TestResult {
	for i := from; i < len(cases); i++ {
		results = append(results, notRunRow(i, cases[i], msg))
		metrics.TestRunsTotal.WithLabelValues("not_run").Inc()
	}
	return results
}
