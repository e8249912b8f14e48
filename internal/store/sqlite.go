package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/ashureev/dfbridge/internal/shared"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Session columns that may be written individually.
const (
	colProcessing    = "is_processing"
	colQueueActive   = "is_queue_active"
	colQueued        = "queued_message"
	colLanguage      = "language_override"
	colWelcomeSent   = "welcome_event_sent"
	colHandedOver    = "is_handed_over"
	colAgentConfig   = "agent_config_json"
	colFallbackCount = "fallback_count"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex // serializes writes to avoid SQLITE_BUSY storms
	retry shared.RetryPolicy
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		room_id TEXT PRIMARY KEY,
		is_processing INTEGER NOT NULL DEFAULT 0,
		is_queue_active INTEGER NOT NULL DEFAULT 0,
		queued_message TEXT,
		language_override TEXT,
		fallback_count INTEGER NOT NULL DEFAULT 0,
		welcome_event_sent INTEGER NOT NULL DEFAULT 0,
		is_handed_over INTEGER NOT NULL DEFAULT 0,
		agent_config_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		room_id TEXT NOT NULL,
		due_at INTEGER NOT NULL,
		data_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(due_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_room ON scheduled_jobs(room_id, kind);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Session reads the full state of a room.
func (s *SQLiteStore) Session(ctx context.Context, roomID string) (*domain.Session, error) {
	query := `
		SELECT is_processing, is_queue_active, queued_message, language_override,
		       fallback_count, welcome_event_sent, is_handed_over, agent_config_json, updated_at
		FROM sessions WHERE room_id = ?`

	session := &domain.Session{RoomID: roomID}
	var queued, language, agentJSON sql.NullString
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&session.IsProcessing, &session.IsQueueWindowActive, &queued, &language,
		&session.FallbackCount, &session.WelcomeEventSent, &session.IsHandedOver, &agentJSON, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return session, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.QueuedMessage = queued.String
	session.LanguageOverride = language.String
	session.UpdatedAt = time.Unix(updatedAt, 0)
	if agentJSON.Valid && agentJSON.String != "" {
		var cfg domain.AgentConfig
		if err := json.Unmarshal([]byte(agentJSON.String), &cfg); err != nil {
			slog.Warn("Discarding unreadable agent config snapshot", "room_id", roomID, "error", err)
		} else {
			session.AgentConfigSnapshot = &cfg
		}
	}
	return session, nil
}

// setField upserts one column, leaving the rest of the row untouched.
// column must be one of the col* constants.
func (s *SQLiteStore) setField(ctx context.Context, roomID, column string, value any) error {
	query := fmt.Sprintf(`
		INSERT INTO sessions (room_id, %[1]s, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			%[1]s = excluded.%[1]s,
			updated_at = excluded.updated_at`, column)

	return shared.RetryOnConflict(ctx, "set "+column, s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := time.Now().Unix()
		if _, err := s.db.ExecContext(ctx, query, roomID, value, now, now); err != nil {
			return fmt.Errorf("upsert session %s: %w", column, err)
		}
		return nil
	})
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// IsProcessing reports whether a backend call is in flight for the room.
func (s *SQLiteStore) IsProcessing(ctx context.Context, roomID string) (bool, error) {
	session, err := s.Session(ctx, roomID)
	if err != nil {
		return false, err
	}
	return session.IsProcessing, nil
}

// SetProcessing sets the processing flag.
func (s *SQLiteStore) SetProcessing(ctx context.Context, roomID string, processing bool) error {
	return s.setField(ctx, roomID, colProcessing, processing)
}

// IsQueueActive reports whether a queue window is open for the room.
func (s *SQLiteStore) IsQueueActive(ctx context.Context, roomID string) (bool, error) {
	session, err := s.Session(ctx, roomID)
	if err != nil {
		return false, err
	}
	return session.IsQueueWindowActive, nil
}

// SetQueueActive sets the queue-window flag.
func (s *SQLiteStore) SetQueueActive(ctx context.Context, roomID string, active bool) error {
	return s.setField(ctx, roomID, colQueueActive, active)
}

// QueuedMessage returns the deferred visitor text.
func (s *SQLiteStore) QueuedMessage(ctx context.Context, roomID string) (string, error) {
	session, err := s.Session(ctx, roomID)
	if err != nil {
		return "", err
	}
	return session.QueuedMessage, nil
}

// SetQueuedMessage overwrites the deferred visitor text.
func (s *SQLiteStore) SetQueuedMessage(ctx context.Context, roomID string, text string) error {
	return s.setField(ctx, roomID, colQueued, nullIfEmpty(text))
}

// Language returns the language override.
func (s *SQLiteStore) Language(ctx context.Context, roomID string) (string, error) {
	session, err := s.Session(ctx, roomID)
	if err != nil {
		return "", err
	}
	return session.LanguageOverride, nil
}

// SetLanguage stores the language override.
func (s *SQLiteStore) SetLanguage(ctx context.Context, roomID string, code string) error {
	return s.setField(ctx, roomID, colLanguage, nullIfEmpty(code))
}

// AgentConfigSnapshot returns the agent config captured for the room.
func (s *SQLiteStore) AgentConfigSnapshot(ctx context.Context, roomID string) (*domain.AgentConfig, error) {
	session, err := s.Session(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return session.AgentConfigSnapshot, nil
}

// SetAgentConfigSnapshot stores the agent config for the room; nil clears it.
func (s *SQLiteStore) SetAgentConfigSnapshot(ctx context.Context, roomID string, cfg *domain.AgentConfig) error {
	var value any
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode agent config: %w", err)
		}
		value = string(data)
	}
	return s.setField(ctx, roomID, colAgentConfig, value)
}

// IncrementFallback bumps the fallback counter and returns the new value.
func (s *SQLiteStore) IncrementFallback(ctx context.Context, roomID string) (int, error) {
	query := `
		INSERT INTO sessions (room_id, fallback_count, created_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			fallback_count = sessions.fallback_count + 1,
			updated_at = excluded.updated_at
		RETURNING fallback_count`

	var count int
	err := shared.RetryOnConflict(ctx, "increment fallback", s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := time.Now().Unix()
		if err := s.db.QueryRowContext(ctx, query, roomID, now, now).Scan(&count); err != nil {
			return fmt.Errorf("increment fallback: %w", err)
		}
		return nil
	})
	return count, err
}

// ResetFallback sets the fallback counter to zero.
func (s *SQLiteStore) ResetFallback(ctx context.Context, roomID string) error {
	return s.setField(ctx, roomID, colFallbackCount, 0)
}

// WelcomeEventSent reports whether the welcome event went out.
func (s *SQLiteStore) WelcomeEventSent(ctx context.Context, roomID string) (bool, error) {
	session, err := s.Session(ctx, roomID)
	if err != nil {
		return false, err
	}
	return session.WelcomeEventSent, nil
}

// SetWelcomeEventSent records that the welcome event went out.
func (s *SQLiteStore) SetWelcomeEventSent(ctx context.Context, roomID string, sent bool) error {
	return s.setField(ctx, roomID, colWelcomeSent, sent)
}

// IsHandedOver reports whether a human agent took over.
func (s *SQLiteStore) IsHandedOver(ctx context.Context, roomID string) (bool, error) {
	session, err := s.Session(ctx, roomID)
	if err != nil {
		return false, err
	}
	return session.IsHandedOver, nil
}

// SetHandedOver records the handover state.
func (s *SQLiteStore) SetHandedOver(ctx context.Context, roomID string, handedOver bool) error {
	return s.setField(ctx, roomID, colHandedOver, handedOver)
}

// DeleteSession removes the state of a room.
func (s *SQLiteStore) DeleteSession(ctx context.Context, roomID string) error {
	return shared.RetryOnConflict(ctx, "delete session", s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE room_id = ?`, roomID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// SaveJob inserts or replaces a scheduled job.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *domain.Job) error {
	var data any
	if len(job.Data) > 0 {
		encoded, err := json.Marshal(job.Data)
		if err != nil {
			return fmt.Errorf("encode job data: %w", err)
		}
		data = string(encoded)
	}

	query := `
		INSERT INTO scheduled_jobs (job_id, kind, room_id, due_at, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			kind = excluded.kind,
			room_id = excluded.room_id,
			due_at = excluded.due_at,
			data_json = excluded.data_json`

	return shared.RetryOnConflict(ctx, "save job", s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.ExecContext(ctx, query,
			job.ID, string(job.Kind), job.RoomID, job.When.UnixMilli(), data, job.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("save job: %w", err)
		}
		return nil
	})
}

// DueJobs returns jobs due at or before now, oldest first.
func (s *SQLiteStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT job_id, kind, room_id, due_at, data_json, created_at
		FROM scheduled_jobs WHERE due_at <= ? ORDER BY due_at LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close due jobs rows", "error", closeErr)
		}
	}()

	var jobs []*domain.Job
	for rows.Next() {
		var job domain.Job
		var kind string
		var dueAt, createdAt int64
		var data sql.NullString

		if err := rows.Scan(&job.ID, &kind, &job.RoomID, &dueAt, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		job.Kind = domain.JobKind(kind)
		job.When = time.UnixMilli(dueAt)
		job.CreatedAt = time.Unix(createdAt, 0)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &job.Data); err != nil {
				slog.Warn("Job has unreadable payload", "job_id", job.ID, "error", err)
			}
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob deletes the job row; the caller that deletes it owns the run.
func (s *SQLiteStore) ClaimJob(ctx context.Context, job *domain.Job) (bool, error) {
	var claimed bool
	err := shared.RetryOnConflict(ctx, "claim job", s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_id = ?`, job.ID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		claimed = rows == 1
		return nil
	})
	return claimed, err
}

// CancelJobs removes pending jobs of a room.
func (s *SQLiteStore) CancelJobs(ctx context.Context, roomID string, kind domain.JobKind) (int64, error) {
	query := `DELETE FROM scheduled_jobs WHERE room_id = ?`
	args := []any{roomID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}

	var removed int64
	err := shared.RetryOnConflict(ctx, "cancel jobs", s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("cancel jobs: %w", err)
		}
		removed, err = result.RowsAffected()
		return err
	})
	return removed, err
}
