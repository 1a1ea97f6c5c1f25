// Package store persists catalog entries as one JSON file per id and keeps
// the directory version marker current.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
)

var (
	ErrNotFound       = errors.New("entry not found")
	ErrInvalidID      = errors.New("invalid entry id")
	ErrVerifyMismatch = errors.New("write verification failed")
)

// Touch reports the marker transition caused by a mutation.
type Touch struct {
	Prev time.Time
	Next time.Time
}

// FileStore is the file-backed entry store.
type FileStore struct {
	dir    string
	marker *Marker
	logger *slog.Logger

	verifyFn func(path string, want *instruction.Entry) error
}

// NewFileStore opens (creating if needed) the catalog directory.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for a shared catalog directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure catalog dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}
	return &FileStore{dir: dir, marker: NewMarker(dir), logger: logger}, nil
}

// Dir returns the catalog directory.
func (s *FileStore) Dir() string { return s.dir }

// Marker returns the directory version marker.
func (s *FileStore) Marker() *Marker { return s.marker }

func (s *FileStore) path(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, id+RecordExt), nil
}

// Exists reports whether a record file for id is on disk.
func (s *FileStore) Exists(id string) bool {
	p, err := s.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Read loads and decodes a single record.
func (s *FileStore) Read(id string) (*instruction.Entry, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // id validated above
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return instruction.Decode(data, id)
}

// Write persists e atomically, re-reads it, and touches the marker. It only
// returns nil once the file on disk decodes to the same id and body.
func (s *FileStore) Write(ctx context.Context, e *instruction.Entry) (Touch, error) {
	p, err := s.path(e.ID)
	if err != nil {
		return Touch{}, err
	}
	if err := instruction.Validate(e); err != nil {
		return Touch{}, err
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return Touch{}, fmt.Errorf("marshal %s: %w", e.ID, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, e.ID+RecordExt+".tmp-*")
	if err != nil {
		return Touch{}, fmt.Errorf("create temp for %s: %w", e.ID, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return Touch{}, fmt.Errorf("write %s: %w", e.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Touch{}, fmt.Errorf("sync %s: %w", e.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return Touch{}, fmt.Errorf("close %s: %w", e.ID, err)
	}
	//nolint:gosec // G302: records are shared with other readers
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return Touch{}, fmt.Errorf("chmod %s: %w", e.ID, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return Touch{}, fmt.Errorf("commit %s: %w", e.ID, err)
	}

	verify := s.verify
	if s.verifyFn != nil {
		verify = s.verifyFn
	}
	if err := verify(p, e); err != nil {
		s.logger.ErrorContext(ctx, "store: write verification failed", "id", e.ID, "error", err)
		// The directory changed either way; other processes must rescan.
		if _, terr := s.touch(); terr != nil {
			s.logger.WarnContext(ctx, "store: marker touch failed", "error", terr)
		}
		return Touch{}, err
	}
	return s.touch()
}

func (s *FileStore) verify(path string, want *instruction.Entry) error {
	data, err := os.ReadFile(path) //nolint:gosec // path built from validated id
	if err != nil {
		return fmt.Errorf("%w: re-read %s: %v", ErrVerifyMismatch, want.ID, err)
	}
	got, err := instruction.Decode(data, want.ID)
	if err != nil {
		return fmt.Errorf("%w: re-parse %s: %v", ErrVerifyMismatch, want.ID, err)
	}
	if got.ID != want.ID || got.Body != want.Body {
		return fmt.Errorf("%w: %s did not round-trip", ErrVerifyMismatch, want.ID)
	}
	return nil
}

// Remove deletes the record for id. A missing file yields ErrNotFound and
// leaves the marker alone.
func (s *FileStore) Remove(ctx context.Context, id string) (Touch, error) {
	p, err := s.path(id)
	if err != nil {
		return Touch{}, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Touch{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Touch{}, fmt.Errorf("remove %s: %w", id, err)
	}
	s.logger.DebugContext(ctx, "store: removed", "id", id)
	return s.touch()
}

// TouchMarker advances the marker without writing a record, e.g. after a
// restore replaced files behind the store's back.
func (s *FileStore) TouchMarker() (Touch, error) {
	return s.touch()
}

func (s *FileStore) touch() (Touch, error) {
	prev, next, err := s.marker.Touch()
	if err != nil {
		return Touch{}, err
	}
	return Touch{Prev: prev, Next: next}, nil
}

// File is one directory entry seen during a scan.
type File struct {
	Name string
	Path string
}

// Files lists every regular file in the catalog directory, sorted by name.
func (s *FileStore) Files() ([]File, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	out := make([]File, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		out = append(out, File{Name: d.Name(), Path: filepath.Join(s.dir, d.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadFile returns the raw bytes of a scanned file.
func (s *FileStore) ReadFile(f File) ([]byte, error) {
	data, err := os.ReadFile(f.Path) //nolint:gosec // path comes from ReadDir of the catalog dir
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), nil
}
