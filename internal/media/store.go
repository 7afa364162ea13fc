// Package media implements the Media Store & Streamer: it writes uploaded
// video bytes to files on disk named by a random storage key, catalogs them in sqlite,
// and serves them back over HTTP with byte-range support.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"watchsync/internal/store"

	"github.com/google/uuid"
)

const defaultContentType = "application/octet-stream"

// ErrNotVideo is returned by Put when the resolved content type of an
// upload does not begin with "video/".
var ErrNotVideo = errors.New("uploaded file is not a video")

// extToContentType is consulted when an upload's declared content type is
// empty or generic, and again whenever the catalog is rebuilt from disk.
var extToContentType = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
}

// Store coordinates media bytes on disk with catalog metadata in sqlite.
type Store struct {
	rootDir string
	catalog *store.Catalog
}

// PutInput contains the data required to write one uploaded video.
type PutInput struct {
	OriginalName string
	ContentType  string
	Reader       io.Reader
}

// NewStore creates a media store rooted at rootDir, backed by catalog.
func NewStore(rootDir string, catalog *store.Catalog) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("media root directory is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("media catalog is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	slog.Debug("media store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir, catalog: catalog}, nil
}

// RootDir returns the directory media files are written to.
func (s *Store) RootDir() string {
	return s.rootDir
}

// ContentTypeForExt resolves a fallback content type from a file extension.
func ContentTypeForExt(ext string) (string, bool) {
	ct, ok := extToContentType[strings.ToLower(ext)]
	return ct, ok
}

// ExtensionTable exposes the extension-to-content-type fallback map for
// catalog rebuilds.
func ExtensionTable() map[string]string {
	out := make(map[string]string, len(extToContentType))
	for k, v := range extToContentType {
		out[k] = v
	}
	return out
}

// Put streams input to disk under an opaque storage key (write-to-temp,
// then rename into place so partial uploads are never visible under their
// final name) and records it in the catalog.
func (s *Store) Put(ctx context.Context, input PutInput) (store.MediaRecord, error) {
	if input.Reader == nil {
		return store.MediaRecord{}, fmt.Errorf("upload reader is required")
	}
	originalName := strings.TrimSpace(input.OriginalName)
	if originalName == "" {
		return store.MediaRecord{}, fmt.Errorf("original file name is required")
	}

	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" || contentType == defaultContentType {
		if guess, ok := ContentTypeForExt(filepath.Ext(originalName)); ok {
			contentType = guess
		} else if contentType == "" {
			contentType = defaultContentType
		}
	}
	if !strings.HasPrefix(contentType, "video/") {
		return store.MediaRecord{}, ErrNotVideo
	}

	// No extension on disk: the catalog's ContentType and OriginalName carry
	// that information, and ServeHTTP looks the file up by storage key alone.
	storageKey := uuid.NewString()

	tempFile, err := os.CreateTemp(s.rootDir, ".upload-*")
	if err != nil {
		return store.MediaRecord{}, fmt.Errorf("create temp upload file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := io.Copy(tempFile, input.Reader)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return store.MediaRecord{}, fmt.Errorf("write upload bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return store.MediaRecord{}, fmt.Errorf("close upload file: %w", closeErr)
	}

	finalPath := filepath.Join(s.rootDir, storageKey)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return store.MediaRecord{}, fmt.Errorf("move upload into place: %w", err)
	}

	rec := store.MediaRecord{
		StorageKey:   storageKey,
		OriginalName: originalName,
		ContentType:  contentType,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.catalog.Put(ctx, rec); err != nil {
		_ = os.Remove(finalPath)
		return store.MediaRecord{}, fmt.Errorf("persist media record: %w", err)
	}

	slog.Info("media stored", "storage_key", storageKey, "name", originalName, "size", size, "content_type", contentType)
	return rec, nil
}

// ServeHTTP streams a catalogued file to w, honoring Range requests via the
// standard library's byte-range implementation. typeOverride, when
// non-empty, takes precedence over the catalog's recorded content type
// (the spec's "?type=" query override).
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request, storageKey, typeOverride string) error {
	rec, err := s.catalog.Get(r.Context(), storageKey)
	if err != nil {
		return err
	}

	f, err := os.Open(filepath.Join(s.rootDir, rec.StorageKey))
	if err != nil {
		slog.Error("media file open failed", "storage_key", storageKey, "err", err)
		return fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	contentType := rec.ContentType
	if typeOverride = strings.TrimSpace(typeOverride); typeOverride != "" {
		if parsed, _, parseErr := mime.ParseMediaType(typeOverride); parseErr == nil {
			contentType = parsed
		} else {
			contentType = typeOverride
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")

	slog.Debug("media streamed", "storage_key", storageKey, "size", rec.SizeBytes, "content_type", contentType, "range", r.Header.Get("Range"))
	http.ServeContent(w, r, rec.OriginalName, rec.CreatedAt, f)
	return nil
}

// Record returns the catalog record for a storage key without opening the
// underlying file.
func (s *Store) Record(ctx context.Context, storageKey string) (store.MediaRecord, error) {
	return s.catalog.Get(ctx, storageKey)
}

// List returns every catalogued media record.
func (s *Store) List(ctx context.Context) ([]store.MediaRecord, error) {
	return s.catalog.List(ctx)
}

// Delete removes both the on-disk file and its catalog row.
func (s *Store) Delete(ctx context.Context, storageKey string) error {
	rec, err := s.catalog.Get(ctx, storageKey)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.rootDir, rec.StorageKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove media file: %w", err)
	}
	return s.catalog.Delete(ctx, storageKey)
}

// Rebuild repopulates the catalog from the files present under rootDir.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	return s.catalog.RebuildFromDisk(ctx, s.rootDir, ExtensionTable())
}
