// Package snapshot persists full index state dumps as JSON under
// <baseDir>/<snapshotID>/state.json.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mrindex/internal/state"
)

const stateFile = "state.json"

// ErrNotFound is returned by Load when the snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

type Snapshotter interface {
	WriteSnapshot(snapshotID string, st state.Store) error
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) BaseDir() string { return f.baseDir }

// WriteSnapshot dumps st. The file is written under a temporary name and
// renamed so readers never observe a partial snapshot.
func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, st state.Store) error {
	if snapshotID == "" {
		return errors.New("empty snapshot id")
	}
	dir := filepath.Join(f.baseDir, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	dump, err := state.DumpStore(st)
	if err != nil {
		return fmt.Errorf("dump state: %w", err)
	}

	tmp := filepath.Join(dir, stateFile+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&dump); err != nil {
		_ = out.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, stateFile)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Load reads a snapshot written by WriteSnapshot.
func Load(baseDir, snapshotID string) (state.Dump, error) {
	path := filepath.Join(baseDir, snapshotID, stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state.Dump{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return state.Dump{}, fmt.Errorf("read snapshot: %w", err)
	}
	var dump state.Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return state.Dump{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dump, nil
}
