package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPutAndGet(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	rec := MediaRecord{
		StorageKey:   "35e748f1-45ef-4f12-b5e3-f17fe80326b0",
		OriginalName: "movie.mp4",
		ContentType:  "video/mp4",
		SizeBytes:    4096,
		CreatedAt:    time.UnixMilli(1_700_000_000_000).UTC(),
	}
	if err := c.Put(context.Background(), rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := c.Get(context.Background(), rec.StorageKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StorageKey != rec.StorageKey || got.OriginalName != rec.OriginalName {
		t.Fatalf("unexpected identity: %#v", got)
	}
	if got.ContentType != rec.ContentType || got.SizeBytes != rec.SizeBytes {
		t.Fatalf("unexpected content fields: %#v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("expected created_at=%s got=%s", rec.CreatedAt, got.CreatedAt)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestPutUpsertsExistingKey(t *testing.T) {
	t.Parallel()

	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	key := "dup-key"
	if err := c.Put(context.Background(), MediaRecord{StorageKey: key, OriginalName: "a.mp4", ContentType: "video/mp4", SizeBytes: 10}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := c.Put(context.Background(), MediaRecord{StorageKey: key, OriginalName: "b.mp4", ContentType: "video/mp4", SizeBytes: 20}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := c.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OriginalName != "b.mp4" || got.SizeBytes != 20 {
		t.Fatalf("expected upsert to overwrite fields, got %#v", got)
	}

	all, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 record after upsert, got %d", len(all))
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	t.Parallel()

	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Put(context.Background(), MediaRecord{StorageKey: "k1", OriginalName: "a.mp4", ContentType: "video/mp4", SizeBytes: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Delete(context.Background(), "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Get(context.Background(), "k1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected record gone after delete, got %v", err)
	}
}

func TestRebuildFromDiskScansDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "abc123.mp4"), []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write hidden fixture: %v", err)
	}

	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	count, err := c.RebuildFromDisk(context.Background(), dir, map[string]string{".mp4": "video/mp4"})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record rebuilt, got %d", count)
	}

	rec, err := c.Get(context.Background(), "abc123.mp4")
	if err != nil {
		t.Fatalf("get rebuilt record: %v", err)
	}
	if rec.ContentType != "video/mp4" || rec.SizeBytes != int64(len("fake video bytes")) {
		t.Fatalf("unexpected rebuilt record: %#v", rec)
	}
}

func TestRebuildFromDiskClearsStale(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Put(context.Background(), MediaRecord{StorageKey: "stale", OriginalName: "stale.mp4", ContentType: "video/mp4", SizeBytes: 1}); err != nil {
		t.Fatalf("seed stale record: %v", err)
	}

	if _, err := c.RebuildFromDisk(context.Background(), dir, nil); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if _, err := c.Get(context.Background(), "stale"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected stale record to be cleared by rebuild, got %v", err)
	}
}
