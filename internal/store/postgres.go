package store

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	pingTimeout        = 10 * time.Second
	slowQueryThreshold = 250 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id           UUID PRIMARY KEY,
	lesson_id    TEXT NOT NULL,
	code         TEXT NOT NULL,
	score        INT NOT NULL,
	passed_tests INT NOT NULL,
	total_tests  INT NOT NULL,
	success      BOOLEAN NOT NULL,
	attempt      INT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS submissions_lesson_idx ON submissions (lesson_id);
`

type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

type queryStartKey struct{}

// queryTracer logs failed and slow queries through the service logger.
type queryTracer struct {
	log *zerolog.Logger
}

func (t *queryTracer) TraceQueryStart(
	ctx context.Context,
	_ *pgx.Conn,
	_ pgx.TraceQueryStartData,
) context.Context {
	return context.WithValue(ctx, queryStartKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	start, ok := ctx.Value(queryStartKey{}).(time.Time)
	if !ok {
		return
	}
	elapsed := time.Since(start)

	if data.Err != nil {
		t.log.Error().Err(data.Err).Dur("elapsed", elapsed).Msg("query failed")
		return
	}
	if elapsed > slowQueryThreshold {
		t.log.Warn().Dur("elapsed", elapsed).Msg("slow query")
	}
}

func NewPostgres(ctx context.Context, databaseURL string, log *zerolog.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)

	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pygrade"
	poolConfig.ConnConfig.Tracer = &queryTracer{log: log}

	poolConfig.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		return dialer.DialContext(ctx, network, addr)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)

	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	log.Info().Msg("database connection established")

	return &PostgresStore{pool: pool, log: log}, nil
}

// SaveSubmission inserts the graded attempt. The attempt number is derived
// inside the insert so it stays consistent with prior rows for the lesson.
func (s *PostgresStore) SaveSubmission(ctx context.Context, sub Submission) (*SavedSubmission, error) {
	saved := &SavedSubmission{ID: uuid.New()}

	const q = `
INSERT INTO submissions (id, lesson_id, code, score, passed_tests, total_tests, success, attempt)
VALUES ($1, $2, $3, $4, $5, $6, $7,
	(SELECT COUNT(*) + 1 FROM submissions WHERE lesson_id = $2))
RETURNING attempt, created_at`

	err := s.pool.QueryRow(ctx, q,
		saved.ID,
		sub.LessonID,
		sub.Code,
		sub.Score,
		sub.PassedTests,
		sub.TotalTests,
		sub.Success,
	).Scan(&saved.Attempt, &saved.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to save submission: %w", err)
	}

	return saved, nil
}

func (s *PostgresStore) Attempts(ctx context.Context, lessonID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM submissions WHERE lesson_id = $1`, lessonID,
	).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}

	return count, nil
}

func (s *PostgresStore) Close() error {
	s.log.Info().Msg("closing database connection pool")
	s.pool.Close()
	return nil
}
