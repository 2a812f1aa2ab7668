// Package sqlite — хранилища jobs и executions в SQLite (modernc.org/sqlite).
//
// Предназначено для single-node установки без PostgreSQL: очередь
// переживает перезапуск процесса, но не разделяется между хостами.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stage_jobs (
		id               TEXT PRIMARY KEY,
		pipeline_id      TEXT    NOT NULL,
		stage_id         TEXT    NOT NULL,
		stage_name       TEXT    NOT NULL DEFAULT '',
		executable_path  TEXT    NOT NULL,
		config_file      TEXT    NOT NULL DEFAULT '',
		arguments        TEXT    NOT NULL DEFAULT '[]',
		priority         INTEGER NOT NULL DEFAULT 0,
		status           TEXT    NOT NULL,
		attempt          INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL,
		run_at           INTEGER NOT NULL,
		locked_until     INTEGER,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		progress         INTEGER NOT NULL DEFAULT 0,
		result           TEXT,
		error            TEXT,
		created_at       INTEGER NOT NULL,
		started_at       INTEGER,
		finished_at      INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS stage_jobs_in_flight
		ON stage_jobs (pipeline_id, stage_id)
		WHERE status IN ('waiting', 'active')`,
	`CREATE INDEX IF NOT EXISTS stage_jobs_claim
		ON stage_jobs (status, priority DESC, created_at)`,
	`CREATE INDEX IF NOT EXISTS stage_jobs_pipeline
		ON stage_jobs (pipeline_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS pipeline_executions (
		id               TEXT PRIMARY KEY,
		name             TEXT    NOT NULL DEFAULT '',
		stages           TEXT    NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 0,
		status           TEXT    NOT NULL,
		current_stage_id TEXT,
		progress         INTEGER NOT NULL DEFAULT 0,
		results          TEXT    NOT NULL DEFAULT '[]',
		error            TEXT,
		start_time       INTEGER NOT NULL,
		end_time         INTEGER
	)`,
}

// Open открывает (или создаёт) базу и применяет схему.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Один writer: SQLite сериализует запись, лишние соединения дают SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// --- time helpers: время хранится как unix nanoseconds ---

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
