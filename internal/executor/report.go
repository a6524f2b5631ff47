package executor

import "time"

// TestCase is one (stdin, expected stdout) pair. Identity is the zero-based
// position in the request.
type TestCase struct {
	Input          string
	ExpectedOutput string
}

// ExecuteOptions is one accepted grading request. Validation and clamping
// happen at the gateway; by the time an Executor sees this, Code is
// non-empty, TestCases is non-empty and the limits are positive.
type ExecuteOptions struct {
	Code          string
	LessonID      string
	TestCases     []TestCase
	Timeout       time.Duration
	MemoryLimitMb int
}

// TestResult mirrors the wire contract consumed by the tutoring client.
type TestResult struct {
	TestID          int    `json:"test_id"`
	Passed          bool   `json:"passed"`
	InputData       string `json:"input_data,omitempty"`
	ExpectedOutput  string `json:"expected_output"`
	ActualOutput    string `json:"actual_output,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Report is the full grading outcome for one request.
//
// Invariants: PassedTests <= TotalTests; len(TestResults) is 0 (fatal
// pre-execution failure) or TotalTests, except on a cancelled request,
// which may carry a partial prefix and Cancelled=true. Success is true only
// when every test passed, no syntax errors were found and no
// infrastructure failure occurred.
type Report struct {
	Success              bool         `json:"success"`
	TotalTests           int          `json:"total_tests"`
	PassedTests          int          `json:"passed_tests"`
	TestResults          []TestResult `json:"test_results"`
	OverallOutput        *string      `json:"overall_output,omitempty"`
	SyntaxErrors         []string     `json:"syntax_errors"`
	RuntimeErrors        []string     `json:"runtime_errors"`
	ExecutionTimeTotalMs int64        `json:"execution_time_total_ms"`
	MemoryUsedMb         *float64     `json:"memory_used_mb,omitempty"`
	HintsTriggered       []string     `json:"hints_triggered"`
	Cancelled            bool         `json:"cancelled,omitempty"`
}

func newReport(totalTests int) *Report {
	return &Report{
		TotalTests:     totalTests,
		TestResults:    []TestResult{},
		SyntaxErrors:   []string{},
		RuntimeErrors:  []string{},
		HintsTriggered: []string{},
	}
}
