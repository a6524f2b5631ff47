package executor

import "testing"

func TestOutputsMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		mode     ComparisonMode
		actual   string
		expected string
		want     bool
	}{
		{"trailing newline forgiven", CompareTrimTrailing, "hello\n", "hello", true},
		{"trailing spaces forgiven", CompareTrimTrailing, "hello  \n", "hello", true},
		{"per line trailing spaces forgiven", CompareTrimTrailing, "a  \nb\t\n", "a\nb", true},
		{"trailing blank lines forgiven", CompareTrimTrailing, "x\n\n\n", "x", true},
		{"crlf normalized", CompareTrimTrailing, "a\r\nb\r\n", "a\nb", true},
		{"leading whitespace still matters", CompareTrimTrailing, "  hello", "hello", false},
		{"interior spacing still matters", CompareTrimTrailing, "a b", "a  b", false},
		{"case still matters", CompareTrimTrailing, "Hello", "hello", false},
		{"different content", CompareTrimTrailing, "4", "5", false},
		{"exact mode is strict about newline", CompareExact, "hello\n", "hello", false},
		{"exact mode equal", CompareExact, "hello", "hello", true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := outputsMatch(tc.mode, tc.actual, tc.expected); got != tc.want {
				t.Fatalf("outputsMatch(%q, %q, %q) = %v, want %v", tc.mode, tc.actual, tc.expected, got, tc.want)
			}
		})
	}
}
