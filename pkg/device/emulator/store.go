package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/locutus/lfsync/pkg/lfs"
)

const (
	stateFile = "state.json"
	forkDir   = "forks"
	forkExt   = ".luigi"
)

// persistedState is the on-disk form of a device.
type persistedState struct {
	Flags   lfs.DirtyFlags `json:"flags"`
	Listing *lfs.Listing   `json:"listing"`
}

// diskStore keeps device state in a directory: state.json for the tree and
// flags, one file per fork for content.
type diskStore struct {
	dir string
}

// load returns nil when the directory holds no state yet.
func (s *diskStore) load(limits lfs.Limits) (*lfs.Model, lfs.DirtyFlags, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read device state: %w", err)
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, 0, fmt.Errorf("failed to parse device state: %w", err)
	}
	if st.Listing == nil {
		return nil, 0, fmt.Errorf("device state has no listing")
	}
	model, _, err := lfs.FromListing(st.Listing, true)
	if err != nil {
		return nil, 0, fmt.Errorf("persisted device tree is invalid: %w", err)
	}
	model.Limits = limits
	return model, st.Flags, nil
}

// save writes the tree and flags, then removes fork files nothing
// references.
func (s *diskStore) save(m *lfs.Model, flags lfs.DirtyFlags) error {
	data, err := json.MarshalIndent(persistedState{Flags: flags, Listing: m.Listing()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal device state: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, stateFile), data); err != nil {
		return err
	}

	live := make(map[string]bool)
	for _, f := range m.Forks() {
		live[forkFileName(f.Key)] = true
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, forkDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list fork files: %w", err)
	}
	for _, ent := range entries {
		if !strings.HasSuffix(ent.Name(), forkExt) || live[ent.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, forkDir, ent.Name())); err != nil {
			return fmt.Errorf("failed to remove fork file: %w", err)
		}
	}
	return nil
}

func (s *diskStore) writeFork(f *lfs.Fork) error {
	if err := os.MkdirAll(filepath.Join(s.dir, forkDir), 0o755); err != nil {
		return fmt.Errorf("failed to create fork directory: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, forkDir, forkFileName(f.Key)), f.Data)
}

func (s *diskStore) readFork(key lfs.ForkKey) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, forkDir, forkFileName(key)))
}

func forkFileName(key lfs.ForkKey) string {
	return fmt.Sprintf("%08x-%08x%s", key.Rom, key.Config, forkExt)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

// ForkContent returns the stored bytes of a fork.
func (e *Emulator) ForkContent(key lfs.ForkKey) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.model.Fork(key); ok && f.HasContent() {
		return f.Data, true
	}
	if e.store == nil {
		return nil, false
	}
	data, err := e.store.readFork(key)
	if err != nil {
		return nil, false
	}
	return data, true
}
