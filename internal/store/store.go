// Package store implements the media catalog: a sqlite-backed index over
// the files held by the media store. The catalog is never the source of
// truth for what bytes exist on disk — it is rebuilt from a directory scan
// at startup, matching the "no durable state across process restarts"
// contract that governs the rest of the system. A rescan recovers each
// file's storage key, size and modification time; the original name and
// declared content type are not recovered (the name becomes the storage key
// and the type is guessed from the file name's extension).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned when no catalog row exists for a storage key.
var ErrRecordNotFound = errors.New("media record not found")

// migrations holds the ordered list of DDL statements that bring the
// catalog schema up to date. Index i corresponds to version i+1. Append,
// never edit or reorder, existing entries.
var migrations = []string{
	// v1 — media catalog
	`CREATE TABLE IF NOT EXISTS media (
		storage_key  TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL CHECK(size_bytes >= 0),
		created_at_unix_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_media_created_at ON media(created_at_unix_ms)`,
	`PRAGMA journal_mode=WAL`,
}

// MediaRecord describes one catalogued file.
type MediaRecord struct {
	StorageKey   string
	OriginalName string
	ContentType  string
	SizeBytes    int64
	CreatedAt    time.Time
}

// Catalog wraps a sqlite database holding the rebuildable media index.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("catalog database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if path == ":memory:" {
		// Every connection to ":memory:" opens its own empty database, so
		// the pool is held to the one connection the schema lives on.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("catalog busy_timeout", "err", err)
	}

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("media catalog opened", "path", path)
	return c, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Catalog) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := c.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := c.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("catalog migration applied", "version", v)
	}
	return nil
}

// Put inserts or replaces a media record.
func (c *Catalog) Put(ctx context.Context, rec MediaRecord) error {
	if strings.TrimSpace(rec.StorageKey) == "" {
		return fmt.Errorf("storage key is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO media (storage_key, original_name, content_type, size_bytes, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(storage_key) DO UPDATE SET
	original_name = excluded.original_name,
	content_type = excluded.content_type,
	size_bytes = excluded.size_bytes
`
	_, err := c.db.ExecContext(ctx, q, rec.StorageKey, rec.OriginalName, rec.ContentType, rec.SizeBytes, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert media record: %w", err)
	}
	slog.Debug("media record stored", "storage_key", rec.StorageKey, "size", rec.SizeBytes)
	return nil
}

// Get returns the media record for a storage key.
func (c *Catalog) Get(ctx context.Context, storageKey string) (MediaRecord, error) {
	storageKey = strings.TrimSpace(storageKey)
	if storageKey == "" {
		return MediaRecord{}, fmt.Errorf("storage key is required")
	}

	const q = `SELECT storage_key, original_name, content_type, size_bytes, created_at_unix_ms FROM media WHERE storage_key = ?`
	var (
		rec     MediaRecord
		created int64
	)
	err := c.db.QueryRowContext(ctx, q, storageKey).Scan(&rec.StorageKey, &rec.OriginalName, &rec.ContentType, &rec.SizeBytes, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MediaRecord{}, ErrRecordNotFound
		}
		return MediaRecord{}, fmt.Errorf("query media record: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}

// List returns every catalogued record, most recently created first.
func (c *Catalog) List(ctx context.Context) ([]MediaRecord, error) {
	const q = `SELECT storage_key, original_name, content_type, size_bytes, created_at_unix_ms FROM media ORDER BY created_at_unix_ms DESC`
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query media records: %w", err)
	}
	defer rows.Close()

	var out []MediaRecord
	for rows.Next() {
		var (
			rec     MediaRecord
			created int64
		)
		if err := rows.Scan(&rec.StorageKey, &rec.OriginalName, &rec.ContentType, &rec.SizeBytes, &created); err != nil {
			return nil, fmt.Errorf("scan media record: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a catalog row. It does not touch the underlying file.
func (c *Catalog) Delete(ctx context.Context, storageKey string) error {
	const q = `DELETE FROM media WHERE storage_key = ?`
	_, err := c.db.ExecContext(ctx, q, storageKey)
	if err != nil {
		return fmt.Errorf("delete media record: %w", err)
	}
	return nil
}

// RebuildFromDisk clears the catalog and re-populates it by scanning
// rootDir. Each file's content type is looked up by its extension in
// extToContentType, and is application/octet-stream when the extension is
// absent or not in the table. This is how the catalog
// recovers after a restart: disk is authoritative, sqlite is a cache.
func (c *Catalog) RebuildFromDisk(ctx context.Context, rootDir string, extToContentType map[string]string) (int, error) {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM media`); err != nil {
		return 0, fmt.Errorf("clear media catalog: %w", err)
	}

	entries, err := os.ReadDir(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan media directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("media rebuild stat failed", "name", entry.Name(), "err", err)
			continue
		}
		contentType := extToContentType[strings.ToLower(filepath.Ext(entry.Name()))]
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		rec := MediaRecord{
			StorageKey:   entry.Name(),
			OriginalName: entry.Name(),
			ContentType:  contentType,
			SizeBytes:    info.Size(),
			CreatedAt:    info.ModTime().UTC(),
		}
		if err := c.Put(ctx, rec); err != nil {
			slog.Warn("media rebuild insert failed", "name", entry.Name(), "err", err)
			continue
		}
		count++
	}
	slog.Info("media catalog rebuilt from disk", "dir", rootDir, "records", count)
	return count, nil
}
