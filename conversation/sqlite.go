package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file. Commands, results
// and the extra map are stored as JSON columns so unknown extra keys round
// trip untouched.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the context database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}

	s := &SQLiteStore{
		db:     db,
		logger: slog.Default().With("component", "ctx_store"),
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create schema")
	}

	s.logger.Info("context store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ctx_items (
			id TEXT PRIMARY KEY,
			meta_id TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			commands TEXT NOT NULL DEFAULT '[]',
			results TEXT NOT NULL DEFAULT '[]',
			extra TEXT NOT NULL DEFAULT '{}',
			reply INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ctx_items_meta ON ctx_items(meta_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadHistory returns the conversation's contexts oldest first.
func (s *SQLiteStore) LoadHistory(ctx context.Context, metaID string) ([]*Ctx, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meta_id, input, output, input_tokens, output_tokens,
			total_tokens, commands, results, extra, reply, created_at, updated_at
		FROM ctx_items WHERE meta_id = ? ORDER BY created_at ASC, id ASC`, metaID)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	var items []*Ctx
	for rows.Next() {
		c, err := scanCtx(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// UpdateItem upserts the context row.
func (s *SQLiteStore) UpdateItem(ctx context.Context, c *Ctx) error {
	commands, err := json.Marshal(c.Commands)
	if err != nil {
		return errors.Wrap(err, "marshal commands")
	}
	results, err := json.Marshal(c.Results)
	if err != nil {
		return errors.Wrap(err, "marshal results")
	}
	extra, err := json.Marshal(c.Extra)
	if err != nil {
		return errors.Wrap(err, "marshal extra")
	}

	c.UpdatedAt = time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ctx_items
			(id, meta_id, input, output, input_tokens, output_tokens,
			 total_tokens, commands, results, extra, reply, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			output = excluded.output,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens,
			commands = excluded.commands,
			results = excluded.results,
			extra = excluded.extra,
			reply = excluded.reply,
			updated_at = excluded.updated_at`,
		c.ID, c.MetaID, c.Input, c.Output, c.InputTokens, c.OutputTokens,
		c.TotalTokens, string(commands), string(results), string(extra),
		boolToInt(c.Reply), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	return errors.Wrap(err, "upsert ctx item")
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCtx(row rowScanner) (*Ctx, error) {
	var c Ctx
	var commands, results, extra string
	var reply int
	var created, updated int64
	if err := row.Scan(&c.ID, &c.MetaID, &c.Input, &c.Output, &c.InputTokens,
		&c.OutputTokens, &c.TotalTokens, &commands, &results, &extra,
		&reply, &created, &updated); err != nil {
		return nil, errors.Wrap(err, "scan ctx item")
	}
	if err := json.Unmarshal([]byte(commands), &c.Commands); err != nil {
		return nil, errors.Wrap(err, "decode commands")
	}
	if err := json.Unmarshal([]byte(results), &c.Results); err != nil {
		return nil, errors.Wrap(err, "decode results")
	}
	if err := json.Unmarshal([]byte(extra), &c.Extra); err != nil {
		return nil, errors.Wrap(err, "decode extra")
	}
	c.Reply = reply != 0
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
