// Package store persists graded submissions. A Postgres implementation is
// used when a database URL is configured; the in-memory implementation
// backs everything else, including tests.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Submission is a graded attempt ready to be persisted.
type Submission struct {
	LessonID    string
	Code        string
	Score       int
	PassedTests int
	TotalTests  int
	Success     bool
}

// SavedSubmission is what persistence adds: the generated id, the attempt
// number for the lesson, and the write timestamp.
type SavedSubmission struct {
	ID        uuid.UUID
	Attempt   int
	CreatedAt time.Time
}

type Store interface {
	SaveSubmission(ctx context.Context, sub Submission) (*SavedSubmission, error)
	Attempts(ctx context.Context, lessonID string) (int, error)
	Close() error
}
