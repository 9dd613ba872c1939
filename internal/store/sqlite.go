// Package store provides the SQLite-backed durable storage for the offline
// queue.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/divvyhq/divvy-sync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists queued changes in a local SQLite database so pending
// writes survive process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs
// migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveQueuedChanges replaces the persisted queue with the given entries in a
// single transaction. Either the whole new snapshot is visible afterwards or
// the previous one remains intact.
func (s *SQLiteStore) SaveQueuedChanges(ctx context.Context, changes []types.QueuedChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM queued_changes"); err != nil {
		return fmt.Errorf("clear queued changes: %w", err)
	}

	for i, c := range changes {
		payload, err := json.Marshal(c.Data)
		if err != nil {
			return fmt.Errorf("marshal change %s: %w", c.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queued_changes (position, change_id, table_name, operation, data, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, i, c.ID, c.Table, string(c.Operation), string(payload), c.Timestamp.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert change %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadQueuedChanges returns the last persisted queue in FIFO order. Rows
// that fail to decode are skipped rather than failing the whole load.
func (s *SQLiteStore) LoadQueuedChanges(ctx context.Context) ([]types.QueuedChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_id, table_name, operation, data, created_at
		FROM queued_changes
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query queued changes: %w", err)
	}
	defer rows.Close()

	var changes []types.QueuedChange
	for rows.Next() {
		var (
			c         types.QueuedChange
			operation string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.Table, &operation, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queued change: %w", err)
		}
		c.Operation = types.Operation(operation)

		if err := json.Unmarshal([]byte(payload), &c.Data); err != nil {
			slog.Warn("skipping corrupt queued change",
				"component", "store",
				"change_id", c.ID,
				"error", err,
			)
			continue
		}
		if c.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			slog.Warn("skipping queued change with corrupt timestamp",
				"component", "store",
				"change_id", c.ID,
				"error", err,
			)
			continue
		}

		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued changes: %w", err)
	}

	return changes, nil
}

// ClearQueuedChanges erases the persisted queue.
func (s *SQLiteStore) ClearQueuedChanges(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM queued_changes"); err != nil {
		return fmt.Errorf("clear queued changes: %w", err)
	}
	return nil
}

// Count returns the number of persisted queue entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queued_changes").Scan(&count)
	return count, err
}
