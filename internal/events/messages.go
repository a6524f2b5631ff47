package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GradedSubmission is the envelope published after a submission has been
// graded and persisted.
type GradedSubmission struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	LessonID     string    `json:"lesson_id"`
	Score        int       `json:"score"`
	PassedTests  int       `json:"passed_tests"`
	TotalTests   int       `json:"total_tests"`
	Success      bool      `json:"success"`
	Attempt      int       `json:"attempt"`
	EmittedAt    time.Time `json:"emitted_at"`
}

func encodeGradedSubmission(event GradedSubmission) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return payload, nil
}
