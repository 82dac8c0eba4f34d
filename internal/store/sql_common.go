package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomlabs/loom/pkg/models"
)

// scanMessageRow decodes one messages row. Content and metadata are stored as
// JSON text.
func scanMessageRow(rows *sql.Rows) (*models.Message, error) {
	var (
		msg         models.Message
		contentJSON string
		metaJSON    sql.NullString
		createdAt   time.Time
	)
	if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Type, &msg.IsLLMMessage, &contentJSON, &metaJSON, &createdAt, &msg.Seq); err != nil {
		return nil, err
	}
	msg.CreatedAt = createdAt
	if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
		return nil, fmt.Errorf("decode content for message %s: %w", msg.ID, err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for message %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

// encodeMessage serializes content and metadata for storage.
func encodeMessage(msg *models.Message) (contentJSON string, metaJSON sql.NullString, err error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode content: %w", err)
	}
	if msg.Metadata != nil {
		meta, err := json.Marshal(msg.Metadata)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(meta), Valid: true}
	}
	return string(content), metaJSON, nil
}

// classifySQLError maps driver errors onto the store's error kinds. Unknown
// errors pass through unchanged so callers can still inspect them.
func classifySQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w", ErrNotFound)
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"too many connections",
		"database is locked",
		"bad connection",
	} {
		if strings.Contains(msg, pattern) {
			return fmt.Errorf("%v: %w", err, ErrUnavailable)
		}
	}
	return err
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
