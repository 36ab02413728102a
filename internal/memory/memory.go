// Package memory is the durable key/value fact store: upserts preserving
// created_at, substring search, category listing, and a bounded text export
// for system prompts.
package memory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sidekick-bot/sidekick/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Entry is one stored fact.
type Entry struct {
	Key       string
	Value     string
	Category  string
	CreatedAt string
	UpdatedAt string
	Source    string
}

// Store is backed by a single sqlite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the memory database.
func Open(path string) (*Store, error) {
	db, err := store.Open(path, migrations)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Set upserts a fact. An update keeps the original created_at and replaces
// value, category, source, and updated_at.
func (s *Store) Set(ctx context.Context, key, value, category, source string) error {
	if category == "" {
		category = "general"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory (key, value, category, created_at, updated_at, source)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   category = excluded.category,
		   updated_at = excluded.updated_at,
		   source = excluded.source`,
		key, value, category, now, now, source)
	if err != nil {
		return fmt.Errorf("upsert memory %q: %w", key, err)
	}
	return nil
}

// Get returns the entry for key, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, category, created_at, updated_at, source
		 FROM memory WHERE key = ?`, key)
	var e Entry
	err := row.Scan(&e.Key, &e.Value, &e.Category, &e.CreatedAt, &e.UpdatedAt, &e.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %q: %w", key, err)
	}
	return &e, nil
}

// Delete removes a fact, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete memory %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Search matches query as a substring of key or value, most recently updated
// first.
func (s *Store) Search(ctx context.Context, query string) ([]Entry, error) {
	pattern := "%" + query + "%"
	return s.queryEntries(ctx,
		`SELECT key, value, category, created_at, updated_at, source
		 FROM memory WHERE key LIKE ? OR value LIKE ?
		 ORDER BY updated_at DESC`,
		pattern, pattern)
}

// ListCategory returns all entries in a category, most recently updated
// first.
func (s *Store) ListCategory(ctx context.Context, category string) ([]Entry, error) {
	return s.queryEntries(ctx,
		`SELECT key, value, category, created_at, updated_at, source
		 FROM memory WHERE category = ?
		 ORDER BY updated_at DESC`,
		category)
}

func (s *Store) queryEntries(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Category, &e.CreatedAt, &e.UpdatedAt, &e.Source); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear deletes everything and returns the number of removed entries.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory`)
	if err != nil {
		return 0, fmt.Errorf("clear memory: %w", err)
	}
	return res.RowsAffected()
}

// ExportContext renders all facts as "[category] key: value" lines ordered
// by category then key, stopping before maxTokens*4 characters.
func (s *Store) ExportContext(ctx context.Context, maxTokens int) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, category FROM memory ORDER BY category, key`)
	if err != nil {
		return "", fmt.Errorf("export memory: %w", err)
	}
	defer rows.Close()

	maxChars := maxTokens * 4
	var lines []string
	total := 0
	for rows.Next() {
		var key, value, category string
		if err := rows.Scan(&key, &value, &category); err != nil {
			return "", err
		}
		line := fmt.Sprintf("[%s] %s: %s", category, key, value)
		if total+len(line)+1 > maxChars {
			break
		}
		lines = append(lines, line)
		total += len(line) + 1
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}
