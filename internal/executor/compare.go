package executor

import "strings"

// ComparisonMode selects how actual output is matched against the expected
// text. The default forgives trailing whitespace, which covers the
// universal print-adds-a-newline mismatch without hiding real differences.
type ComparisonMode string

const (
	CompareTrimTrailing ComparisonMode = "trim_trailing"
	CompareExact        ComparisonMode = "exact"
)

// normalizeTrailing strips trailing whitespace from every line and trailing
// blank lines. Leading whitespace and interior content stay byte-exact.
func normalizeTrailing(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func outputsMatch(mode ComparisonMode, actual, expected string) bool {
	if mode == CompareExact {
		return actual == expected
	}
	return normalizeTrailing(actual) == normalizeTrailing(expected)
}
