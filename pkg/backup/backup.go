// Package backup snapshots a catalog directory into timestamped sibling
// directories and restores from them.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

const (
	// ManifestName is written into every backup directory.
	ManifestName = "manifest.json"
	// SchemaVersion identifies the record layout a backup was taken with.
	SchemaVersion = "1"

	idPrefix    = "backup-"
	stampLayout = "20060102T150405.000Z"
)

var ErrBackupNotFound = errors.New("backup not found")

// Manifest describes one backup.
type Manifest struct {
	BackupID         string    `json:"backupId"`
	CreatedAt        time.Time `json:"createdAt"`
	InstructionCount int       `json:"instructionCount"`
	SchemaVersion    string    `json:"schemaVersion"`
	Mirrored         string    `json:"mirrored,omitempty"`
}

// RestoreResult reports what a restore did.
type RestoreResult struct {
	BackupID       string `json:"backupId"`
	SafetyBackupID string `json:"safetyBackupId"`
	Restored       int    `json:"restored"`
}

// Mirror receives a copy of every backed-up file.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte) error
	String() string
}

// Manager performs backups of one catalog store.
type Manager struct {
	store  *store.FileStore
	dir    string
	mirror Mirror
	clock  func() time.Time
	logger *slog.Logger
}

// NewManager keeps backups of s under dir. mirror may be nil.
func NewManager(s *store.FileStore, dir string, mirror Mirror, logger *slog.Logger) (*Manager, error) {
	//nolint:gosec // G301: 0755 is intentional for the backups directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure backups dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default().With("component", "backup")
	}
	return &Manager{store: s, dir: dir, mirror: mirror, clock: time.Now, logger: logger}, nil
}

// WithClock overrides clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// PerformBackup copies every record file plus a manifest into a new
// backup directory.
func (m *Manager) PerformBackup(ctx context.Context) (Manifest, error) {
	now := m.clock().UTC()
	id := idPrefix + now.Format(stampLayout) + "-" + uuid.NewString()[:8]
	target := filepath.Join(m.dir, id)
	//nolint:gosec // G301: 0755 is intentional for backup directories
	if err := os.MkdirAll(target, 0755); err != nil {
		return Manifest{}, fmt.Errorf("create backup dir: %w", err)
	}

	files, err := m.store.Files()
	if err != nil {
		return Manifest{}, err
	}
	count := 0
	for _, f := range files {
		if ignored, _ := store.Ignored(f.Name); ignored {
			continue
		}
		data, err := m.store.ReadFile(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Manifest{}, err
		}
		if err := writeAtomic(filepath.Join(target, f.Name), data); err != nil {
			return Manifest{}, err
		}
		if err := m.mirrorPut(ctx, id, f.Name, data); err != nil {
			return Manifest{}, err
		}
		count++
	}

	man := Manifest{BackupID: id, CreatedAt: now, InstructionCount: count, SchemaVersion: SchemaVersion}
	if m.mirror != nil {
		man.Mirrored = m.mirror.String()
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(target, ManifestName), data); err != nil {
		return Manifest{}, err
	}
	if err := m.mirrorPut(ctx, id, ManifestName, data); err != nil {
		return Manifest{}, err
	}

	m.logger.InfoContext(ctx, "backup: created", "backup_id", id, "instructions", count)
	return man, nil
}

func (m *Manager) mirrorPut(ctx context.Context, id, name string, data []byte) error {
	if m.mirror == nil {
		return nil
	}
	if err := m.mirror.Put(ctx, id+"/"+name, data); err != nil {
		return fmt.Errorf("mirror %s/%s to %s: %w", id, name, m.mirror, err)
	}
	return nil
}

// ListBackups returns every backup, newest first.
func (m *Manager) ListBackups() ([]Manifest, error) {
	dirents, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read backups dir: %w", err)
	}
	out := []Manifest{}
	for _, d := range dirents {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), idPrefix) {
			continue
		}
		man, err := m.readManifest(d.Name())
		if err != nil {
			m.logger.Warn("backup: unreadable manifest", "backup_id", d.Name(), "error", err)
			continue
		}
		out = append(out, man)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].BackupID > out[j].BackupID
	})
	return out, nil
}

func (m *Manager) readManifest(id string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id, ManifestName)) //nolint:gosec // id comes from ReadDir or validID
	if err != nil {
		return Manifest{}, err
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	// The directory name is the backup's identity; the manifest copy is
	// informational and may have been edited.
	if man.BackupID != "" && man.BackupID != id {
		m.logger.Warn("backup: manifest id does not match directory", "backup_id", id, "manifest_id", man.BackupID)
	}
	man.BackupID = id
	return man, nil
}

func validID(id string) bool {
	return strings.HasPrefix(id, idPrefix) && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// RestoreBackup copies a backup's records over the live directory after
// taking a safety backup of the current state. Records created after the
// backup are left in place.
func (m *Manager) RestoreBackup(ctx context.Context, id string) (RestoreResult, error) {
	if !validID(id) {
		return RestoreResult{}, fmt.Errorf("%w: %q", ErrBackupNotFound, id)
	}
	src := filepath.Join(m.dir, id)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return RestoreResult{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}

	safety, err := m.PerformBackup(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("pre-restore safety backup: %w", err)
	}

	dirents, err := os.ReadDir(src)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read backup %s: %w", id, err)
	}
	restored := 0
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		if ignored, _ := store.Ignored(d.Name()); ignored {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, d.Name())) //nolint:gosec // path from ReadDir
		if err != nil {
			return RestoreResult{}, fmt.Errorf("read %s: %w", d.Name(), err)
		}
		if err := writeAtomic(filepath.Join(m.store.Dir(), d.Name()), data); err != nil {
			return RestoreResult{}, err
		}
		restored++
	}
	if _, err := m.store.TouchMarker(); err != nil {
		return RestoreResult{}, err
	}

	m.logger.InfoContext(ctx, "backup: restored", "backup_id", id, "safety_backup_id", safety.BackupID, "restored", restored)
	return RestoreResult{BackupID: id, SafetyBackupID: safety.BackupID, Restored: restored}, nil
}

// PruneBackups deletes all but the newest retain backups and returns the
// removed ids.
func (m *Manager) PruneBackups(retain int) ([]string, error) {
	if retain < 0 {
		retain = 0
	}
	all, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	removed := []string{}
	for i := retain; i < len(all); i++ {
		if !validID(all[i].BackupID) {
			return removed, fmt.Errorf("refusing to prune %q: not a backup id", all[i].BackupID)
		}
		if err := os.RemoveAll(filepath.Join(m.dir, all[i].BackupID)); err != nil {
			return removed, fmt.Errorf("remove %s: %w", all[i].BackupID, err)
		}
		removed = append(removed, all[i].BackupID)
	}
	if len(removed) > 0 {
		m.logger.Info("backup: pruned", "removed", len(removed), "retained", min(retain, len(all)))
	}
	return removed, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for shared catalog files
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}
