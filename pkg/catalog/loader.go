// Package catalog owns the in-memory index of a catalog directory and keeps
// it consistent with the files on disk and with other processes sharing
// the directory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

// Skip reasons recorded in the load trace.
const (
	ReasonParseError           = "parse-error"
	ReasonMissingRequiredField = "missing-required-field"
	ReasonIgnoredNonRecord     = "ignored-non-record-file"
	ReasonSchemaMismatch       = "schema-mismatch"
)

// TraceEntry explains why one scanned file was not indexed.
type TraceEntry struct {
	File   string `json:"file"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Debug summarizes a load. Scanned always equals Accepted + Skipped and
// every skipped file has a trace entry.
type Debug struct {
	Scanned  int          `json:"scanned"`
	Accepted int          `json:"accepted"`
	Skipped  int          `json:"skipped"`
	Trace    []TraceEntry `json:"trace"`
}

// Snapshot is the result of one full scan.
type Snapshot struct {
	Entries []*instruction.Entry
	Debug   Debug
	// Stamp is the marker mtime read before scanning began.
	Stamp time.Time
}

// Loader scans a FileStore.
type Loader struct {
	store  *store.FileStore
	logger *slog.Logger
}

// NewLoader returns a loader over s.
func NewLoader(s *store.FileStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default().With("component", "catalog")
	}
	return &Loader{store: s, logger: logger}
}

// Load reads every file in the directory and classifies it.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	stamp, err := l.store.Marker().Stamp()
	if err != nil {
		return nil, err
	}
	files, err := l.store.Files()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Stamp: stamp, Debug: Debug{Trace: []TraceEntry{}}}
	skip := func(te TraceEntry) {
		snap.Debug.Skipped++
		snap.Debug.Trace = append(snap.Debug.Trace, te)
		if te.Reason == ReasonIgnoredNonRecord {
			l.logger.DebugContext(ctx, "catalog: ignored file", "file", te.File, "detail", te.Detail)
			return
		}
		l.logger.WarnContext(ctx, "catalog: skipped file", "file", te.File, "reason", te.Reason, "detail", te.Detail)
	}

	for _, f := range files {
		snap.Debug.Scanned++
		if ignored, pattern := store.Ignored(f.Name); ignored {
			skip(TraceEntry{File: f.Name, Reason: ReasonIgnoredNonRecord, Detail: "matches " + pattern})
			continue
		}
		id := store.IDFromFile(f.Name)
		if !instruction.ValidID(id) {
			skip(TraceEntry{File: f.Name, Reason: ReasonSchemaMismatch, Detail: fmt.Sprintf("file name %q is not a valid id", id)})
			continue
		}
		data, err := l.store.ReadFile(f)
		if errors.Is(err, fs.ErrNotExist) {
			// Removed after ReadDir by another writer; not part of this scan.
			snap.Debug.Scanned--
			l.logger.DebugContext(ctx, "catalog: file vanished during scan", "file", f.Name)
			continue
		}
		if err != nil {
			skip(TraceEntry{File: f.Name, ID: id, Reason: ReasonParseError, Detail: err.Error()})
			continue
		}
		e, err := instruction.Decode(data, id)
		if err != nil {
			skip(TraceEntry{File: f.Name, ID: id, Reason: reasonFor(err), Detail: err.Error()})
			continue
		}
		snap.Debug.Accepted++
		snap.Entries = append(snap.Entries, e)
	}

	l.logger.DebugContext(ctx, "catalog: loaded",
		"scanned", snap.Debug.Scanned, "accepted", snap.Debug.Accepted, "skipped", snap.Debug.Skipped)
	return snap, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, instruction.ErrParse):
		return ReasonParseError
	case errors.Is(err, instruction.ErrMissingField):
		return ReasonMissingRequiredField
	default:
		return ReasonSchemaMismatch
	}
}
