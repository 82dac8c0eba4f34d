package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomlabs/loom/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite via the CGO-free modernc driver.
// It is the default backend for single-node deployments and local use.
type SQLiteStore struct {
	db    *sql.DB
	retry retryConfig
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	account_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	project_id TEXT,
	account_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT UNIQUE NOT NULL,
	thread_id TEXT NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	is_llm_message BOOLEAN NOT NULL DEFAULT FALSE,
	content TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at, seq);
CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db, retry: defaultRetry}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddAccount inserts an account row; external systems own account CRUD, this
// exists for local deployments and tests.
func (s *SQLiteStore) AddAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO accounts (account_id) VALUES (?)`, accountID)
	return classifySQLError(err)
}

// AddProject inserts a project row.
func (s *SQLiteStore) AddProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO projects (project_id) VALUES (?)`, projectID)
	return classifySQLError(err)
}

func (s *SQLiteStore) CreateThread(ctx context.Context, projectID, accountID string) (*models.Thread, error) {
	if accountID != models.DemoAccountID {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE account_id = ?)`, accountID).Scan(&exists)
		if err != nil {
			return nil, classifySQLError(err)
		}
		if !exists {
			return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
	}
	if projectID != "" {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM projects WHERE project_id = ?)`, projectID).Scan(&exists)
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
			`INSERT INTO threads (thread_id, project_id, account_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			thread.ID, nullableString(thread.ProjectID), thread.AccountID, thread.CreatedAt, thread.UpdatedAt)
		return classifySQLError(err)
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var (
		thread    models.Thread
		projectID sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, project_id, account_id, created_at, updated_at FROM threads WHERE thread_id = ?`,
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

func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return classifySQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error) {
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
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (message_id, thread_id, type, is_llm_message, content, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			stored.ID, stored.ThreadID, stored.Type, stored.IsLLMMessage, contentJSON, metaJSON, stored.CreatedAt)
		if err != nil {
			return classifySQLError(err)
		}
		stored.Seq, err = res.LastInsertId()
		return classifySQLError(err)
	})
	if err != nil {
		return nil, err
	}

	_, _ = s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE thread_id = ?`, stored.CreatedAt, threadID)
	return &stored, nil
}

func (s *SQLiteStore) listMessages(ctx context.Context, threadID string, llmOnly bool) ([]*models.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	query := `SELECT message_id, thread_id, type, is_llm_message, content, metadata, created_at, seq
		FROM messages WHERE thread_id = ?`
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

func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	return s.listMessages(ctx, threadID, false)
}

func (s *SQLiteStore) ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	msgs, err := s.listMessages(ctx, threadID, true)
	if err != nil {
		return nil, err
	}
	return trimToLatestSummary(msgs), nil
}

func (s *SQLiteStore) DeleteMessagesByType(ctx context.Context, threadID string, typ models.MessageType) (int, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ? AND type = ?`, threadID, typ)
	if err != nil {
		return 0, classifySQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifySQLError(err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.AgentRun) error {
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
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.ThreadID, run.Status, nullableTime(timePtrOrNil(run.StartedAt)),
			nullableTime(run.CompletedAt), nullableString(run.Error), run.CreatedAt, run.UpdatedAt)
		return classifySQLError(err)
	})
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	var (
		run         models.AgentRun
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errText     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, status, started_at, completed_at, error, created_at, updated_at
		 FROM agent_runs WHERE id = ?`, runID,
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

// SetRunStatus enforces the monotonic lattice in a transaction. SQLite
// serializes writers, so a plain read-check-write inside the transaction is
// race-free.
func (s *SQLiteStore) SetRunStatus(ctx context.Context, runID string, status models.RunStatus, errText *string, completedAt *time.Time) error {
	return withRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classifySQLError(err)
		}
		defer tx.Rollback()

		var current models.RunStatus
		var startedAt sql.NullTime
		err = tx.QueryRowContext(ctx, `SELECT status, started_at FROM agent_runs WHERE id = ?`, runID).Scan(&current, &startedAt)
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
			`UPDATE agent_runs SET status = ?, error = COALESCE(?, error), completed_at = COALESCE(?, completed_at),
			 started_at = ?, updated_at = ? WHERE id = ?`,
			status, newErr, nullableTime(completedAt), newStarted, now, runID)
		if err != nil {
			return classifySQLError(err)
		}
		return classifySQLError(tx.Commit())
	})
}
