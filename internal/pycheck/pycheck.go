package pycheck

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// parseHarness builds the AST of whatever arrives on stdin and reports the
// first syntax failure as a JSON line on stdout. ast.parse only constructs
// the tree; the submission is never executed.
const parseHarness = `
import ast, json, sys
src = sys.stdin.read()
try:
    ast.parse(src)
except SyntaxError as e:
    print(json.dumps({"line": e.lineno or 0, "msg": e.msg or "invalid syntax"}))
    sys.exit(3)
`

// parseFailureExit is the harness exit code that means "the submission does
// not parse" as opposed to "the checker itself broke".
const parseFailureExit = 3

type diagnostic struct {
	Line int    `json:"line"`
	Msg  string `json:"msg"`
}

// Checker runs the fast parse gate on the host interpreter, before any
// sandbox is spun up.
type Checker struct {
	python string
}

func New(python string) *Checker {
	if python == "" {
		python = "python3"
	}
	return &Checker{python: python}
}

// Check returns syntax diagnostics for source, formatted as
// "Syntax error at line N: msg". An empty slice means the code parses.
// A non-nil error means the checker itself could not run and nothing can
// be said about the submission.
func (c *Checker) Check(ctx context.Context, source string) ([]string, error) {
	cmd := exec.CommandContext(ctx, c.python, "-c", parseHarness)
	cmd.Stdin = strings.NewReader(source)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != parseFailureExit {
			return nil, fmt.Errorf("syntax checker failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
	} else {
		return nil, nil
	}

	var msgs []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var d diagnostic
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, fmt.Errorf("syntax checker produced malformed output %q: %w", line, err)
		}
		msgs = append(msgs, fmt.Sprintf("Syntax error at line %d: %s", d.Line, d.Msg))
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("syntax checker exited %d without diagnostics", parseFailureExit)
	}
	return msgs, nil
}

// Ping reports whether the host interpreter is usable. Feeds the health
// endpoint.
func (c *Checker) Ping(ctx context.Context) error {
	if _, err := exec.LookPath(c.python); err != nil {
		return fmt.Errorf("python interpreter not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, c.python, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("python interpreter not runnable: %w", err)
	}
	return nil
}
