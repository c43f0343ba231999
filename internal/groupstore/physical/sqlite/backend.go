// Package sqlite provides a SQLite-backed group state backend.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/quietwire/groupd/internal/groupstore/physical"
	"github.com/quietwire/groupd/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.groupd/groups.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS groups (
    id          BLOB PRIMARY KEY,
    revision    INTEGER NOT NULL,
    state       BLOB NOT NULL,
    updated_at  INTEGER NOT NULL DEFAULT (unixepoch())
);
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout := storage.GetString(config, KeyBusyTimeout, "5000")

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%s",
		path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}
	// modernc sqlite serializes per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	slog.Info("sqlite groupstore initialized", "path", path)
	return &Backend{db: db}, nil
}

// Backend stores one row per group.
type Backend struct {
	db *sql.DB
}

func (b *Backend) Put(ctx context.Context, rec *physical.Record) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO groups (id, revision, state, updated_at)
		VALUES (?, ?, ?, unixepoch())
		ON CONFLICT(id) DO UPDATE SET
			revision = excluded.revision,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		rec.Key, int64(rec.Revision), rec.Value)
	return err
}

func (b *Backend) Get(ctx context.Context, key []byte) (*physical.Record, error) {
	var revision int64
	var state []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT revision, state FROM groups WHERE id = ?`, key).
		Scan(&revision, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &physical.Record{Key: bytes.Clone(key), Revision: uint64(revision), Value: state}, nil
}

func (b *Backend) Delete(ctx context.Context, key []byte) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, key)
	return err
}

func (b *Backend) List(ctx context.Context) ([]*physical.Record, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, revision, state FROM groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*physical.Record
	for rows.Next() {
		var key, state []byte
		var revision int64
		if err := rows.Scan(&key, &revision, &state); err != nil {
			return nil, err
		}
		out = append(out, &physical.Record{Key: key, Revision: uint64(revision), Value: state})
	}
	return out, rows.Err()
}

func (b *Backend) Close() error {
	return b.db.Close()
}
