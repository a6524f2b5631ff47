package hints

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Advisory only: hint analysis never blocks grading and never contributes
// to pass/fail. At most maxHints identifiers are reported, in detector
// order.
const maxHints = 3

type detector struct {
	id    string
	match func(source string) bool
}

var (
	printWithoutParens = regexp.MustCompile(`(?m)^\s*print\s+[^(=\s]`)
	// A single "=" in a condition where "==" (or <=, >=, !=) was meant.
	assignmentInCondition = regexp.MustCompile(`(?m)^\s*(?:if|elif|while)\s[^=\n]*[^=!<>]=(?:[^=]|$)`)
	inputWithoutPrompt    = regexp.MustCompile(`input\(\s*\)`)
	tabIndent             = regexp.MustCompile(`(?m)^\t+\S`)
	spaceIndent           = regexp.MustCompile(`(?m)^ +\S`)
)

func defaultDetectors() []detector {
	return []detector{
		{
			id: "missing_print_parens",
			match: func(src string) bool {
				return printWithoutParens.MatchString(src)
			},
		},
		{
			id: "assignment_in_condition",
			match: func(src string) bool {
				return assignmentInCondition.MatchString(src)
			},
		},
		{
			id: "input_without_prompt",
			match: func(src string) bool {
				return inputWithoutPrompt.MatchString(src)
			},
		},
		{
			id: "possible_infinite_loop",
			match: func(src string) bool {
				return strings.Contains(src, "while True") && !strings.Contains(src, "break")
			},
		},
		{
			id: "missing_return",
			match: func(src string) bool {
				return strings.Contains(src, "def ") && !strings.Contains(src, "return")
			},
		},
		{
			id: "inconsistent_indentation",
			match: func(src string) bool {
				return tabIndent.MatchString(src) && spaceIndent.MatchString(src)
			},
		},
	}
}

type Analyzer struct {
	detectors []detector
	logger    *zerolog.Logger
}

func NewAnalyzer(logger *zerolog.Logger) *Analyzer {
	return &Analyzer{
		detectors: defaultDetectors(),
		logger:    logger,
	}
}

// Analyze runs every detector over the source and collects triggered hint
// identifiers. Any internal failure is swallowed: a broken detector must
// never fail the request it decorates.
func (a *Analyzer) Analyze(source string) (hints []string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn().Interface("panic", r).Msg("hint analysis failed")
			hints = nil
		}
	}()

	for _, d := range a.detectors {
		if len(hints) >= maxHints {
			break
		}
		if d.match(source) {
			hints = append(hints, d.id)
		}
	}
	return hints
}
