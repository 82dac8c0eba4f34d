package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomlabs/loom/pkg/models"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL via lib/pq.
type PostgresStore struct {
	db    *sql.DB
	retry retryConfig
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings for a given DSN.
func DefaultPostgresConfig(dsn string) *PostgresConfig {
	return &PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens the database, verifies connectivity, and ensures the
// schema exists.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil || config.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db, retry: defaultRetry}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing connection, primarily for tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, retry: defaultRetry}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	account_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	project_id TEXT,
	account_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	is_llm_message BOOLEAN NOT NULL DEFAULT FALSE,
	content TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	seq BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at, seq);
CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateThread(ctx context.Context, projectID, accountID string) (*models.Thread, error) {
	if accountID != models.DemoAccountID {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE account_id = $1)`, accountID).Scan(&exists)
		if err != nil {
			return nil, classifySQLError(err)
		}
		if !exists {
			return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
	}
	if projectID != "" {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM projects WHERE project_id = $1)`, projectID).Scan(&exists)
		if err != nil {
			return nil, classifySQLError(err)
		}
		if !exists {
			return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
	}

	now := time.Now().UTC()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := withRetry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO threads (thread_id, project_id, account_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			thread.ID, nullableString(thread.ProjectID), thread.AccountID, thread.CreatedAt, thread.UpdatedAt)
		return classifySQLError(err)
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var (
		thread    models.Thread
		projectID sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, project_id, account_id, created_at, updated_at FROM threads WHERE thread_id = $1`,
		threadID).Scan(&thread.ID, &projectID, &thread.AccountID, &thread.CreatedAt, &thread.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
		}
		return nil, classifySQLError(err)
	}
	thread.ProjectID = projectID.String
	return &thread, nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = $1`, threadID)
	if err != nil {
		return classifySQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is required")
	}
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.ThreadID = threadID

	contentJSON, metaJSON, err := encodeMessage(&stored)
	if err != nil {
		return nil, err
	}

	err = withRetry(ctx, s.retry, func() error {
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO messages (message_id, thread_id, type, is_llm_message, content, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
			stored.ID, stored.ThreadID, stored.Type, stored.IsLLMMessage, contentJSON, metaJSON, stored.CreatedAt,
		).Scan(&stored.Seq)
		return classifySQLError(err)
	})
	if err != nil {
		return nil, err
	}

	_, _ = s.db.ExecContext(ctx, `UPDATE threads SET updated_at = $1 WHERE thread_id = $2`, stored.CreatedAt, threadID)
	return &stored, nil
}

func (s *PostgresStore) listMessages(ctx context.Context, threadID string, llmOnly bool) ([]*models.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	query := `SELECT message_id, thread_id, type, is_llm_message, content, metadata, created_at, seq
		FROM messages WHERE thread_id = $1`
	if llmOnly {
		query += ` AND is_llm_message = TRUE`
	}
	query += ` ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(err)
	}
	return msgs, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	return s.listMessages(ctx, threadID, false)
}

func (s *PostgresStore) ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	msgs, err := s.listMessages(ctx, threadID, true)
	if err != nil {
		return nil, err
	}
	return trimToLatestSummary(msgs), nil
}

func (s *PostgresStore) DeleteMessagesByType(ctx context.Context, threadID string, typ models.MessageType) (int, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = $1 AND type = $2`, threadID, typ)
	if err != nil {
		return 0, classifySQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifySQLError(err)
	}
	return int(n), nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt

	return withRetry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_runs (id, thread_id, status, started_at, completed_at, error, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			run.ID, run.ThreadID, run.Status, nullableTime(timePtrOrNil(run.StartedAt)),
			nullableTime(run.CompletedAt), nullableString(run.Error), run.CreatedAt, run.UpdatedAt)
		return classifySQLError(err)
	})
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	var (
		run         models.AgentRun
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errText     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, status, started_at, completed_at, error, created_at, updated_at
		 FROM agent_runs WHERE id = $1`, runID,
	).Scan(&run.ID, &run.ThreadID, &run.Status, &startedAt, &completedAt, &errText, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, classifySQLError(err)
	}
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Error = errText.String
	return &run, nil
}

// SetRunStatus enforces the monotonic lattice inside a transaction holding a
// row lock, so concurrent updaters cannot race a terminal state.
func (s *PostgresStore) SetRunStatus(ctx context.Context, runID string, status models.RunStatus, errText *string, completedAt *time.Time) error {
	return withRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classifySQLError(err)
		}
		defer tx.Rollback()

		var current models.RunStatus
		var startedAt sql.NullTime
		err = tx.QueryRowContext(ctx, `SELECT status, started_at FROM agent_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current, &startedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return classifySQLError(err)
		}
		if !current.CanTransitionTo(status) {
			return fmt.Errorf("run %s: %s -> %s: %w", runID, current, status, ErrConflict)
		}

		now := time.Now().UTC()
		newStarted := startedAt
		if status == models.RunRunning && !startedAt.Valid {
			newStarted = sql.NullTime{Time: now, Valid: true}
		}
		var newErr sql.NullString
		if errText != nil {
			newErr = sql.NullString{String: *errText, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agent_runs SET status = $1, error = COALESCE($2, error), completed_at = COALESCE($3, completed_at),
			 started_at = $4, updated_at = $5 WHERE id = $6`,
			status, newErr, nullableTime(completedAt), newStarted, now, runID)
		if err != nil {
			return classifySQLError(err)
		}
		return classifySQLError(tx.Commit())
	})
}

func timePtrOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
