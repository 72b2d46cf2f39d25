package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const stateFileName = ".dataset-state.json"

// DatasetCache tracks which datasets are present locally and in what state.
// It is the single verification authority: components downstream trust a
// Verified status and never re-hash. Concurrent Ensure calls for the same
// dataset are serialized; different datasets proceed independently.
type DatasetCache struct {
	Root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDatasetCache(root string) *DatasetCache {
	return &DatasetCache{Root: root, locks: make(map[string]*sync.Mutex)}
}

func (c *DatasetCache) datasetLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[name] = lock
	}
	return lock
}

func (c *DatasetCache) datasetRoot(name string) string {
	return filepath.Join(c.Root, name)
}

func (c *DatasetCache) statePath(name string) string {
	return filepath.Join(c.datasetRoot(name), stateFileName)
}

// Status reads the persisted state of one dataset. A dataset with no state
// file is Absent.
func (c *DatasetCache) Status(name string) LocalDatasetState {
	lock := c.datasetLock(name)
	lock.Lock()
	defer lock.Unlock()
	return c.loadState(name)
}

func (c *DatasetCache) loadState(name string) LocalDatasetState {
	state := NewLocalDatasetState(name, c.datasetRoot(name))
	data, err := os.ReadFile(c.statePath(name))
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		Logger.Warnf("state file for dataset %v is unreadable, treating as absent: %v", name, err)
		return NewLocalDatasetState(name, c.datasetRoot(name))
	}
	state.Root = c.datasetRoot(name)
	if state.Files == nil {
		state.Files = make(map[string]FileState)
	}
	return state
}

func (c *DatasetCache) saveState(state LocalDatasetState) error {
	if err := os.MkdirAll(state.Root, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.statePath(state.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.statePath(state.Name))
}

// Ensure makes dataset name locally Verified, fetching or resuming through
// client as needed. A dataset already recorded Verified is a no-op. When the
// remote manifest cannot be obtained and no Verified local copy exists the
// dataset is unavailable.
func (c *DatasetCache) Ensure(ctx context.Context, name string, client *StoreClient) (LocalDatasetState, error) {
	lock := c.datasetLock(name)
	lock.Lock()
	defer lock.Unlock()

	state := c.loadState(name)
	if state.Status == StatusVerified {
		Logger.Debugf("dataset %v already verified", name)
		return state, nil
	}

	manifest, err := client.Manifest(ctx, name)
	if err != nil {
		return state, fmt.Errorf("%w: cannot obtain manifest for %v: %v", ErrDatasetUnavailable, name, err)
	}

	if state.Status == StatusCorrupt || state.Version != manifest.Version {
		if state.Status != StatusAbsent {
			Logger.Warnf("dataset %v is %v at version %v, refetching in full", name, state.Status, state.Version)
		}
		if err := c.purgeFilesLocked(state); err != nil {
			return state, err
		}
		state = NewLocalDatasetState(name, c.datasetRoot(name))
	}
	state.Version = manifest.Version
	state.Status = StatusPartial
	if err := c.saveState(state); err != nil {
		return state, err
	}

	done := make(map[string]bool)
	for path, file := range state.Files {
		if file.Complete {
			done[path] = true
		}
	}
	if err := client.Fetch(ctx, manifest, state.Root, done); err != nil {
		if errors.Is(err, ErrIntegrity) {
			state.Status = StatusCorrupt
			if saveErr := c.saveState(state); saveErr != nil {
				Logger.Errorf("failed to record corrupt state for %v: %v", name, saveErr)
			}
		}
		return state, err
	}

	// The cache is the verification authority: re-hash everything before
	// declaring Verified, whatever the transfer layer already checked.
	for _, entry := range manifest.Files {
		target := filepath.Join(state.Root, filepath.FromSlash(entry.Path))
		if err := VerifyFile(target, entry); err != nil {
			state.Status = StatusCorrupt
			delete(state.Files, entry.Path)
			if errors.Is(err, ErrIntegrity) {
				if removeErr := os.Remove(target); removeErr != nil {
					Logger.Errorf("failed to discard corrupt file %v: %v", target, removeErr)
				}
			}
			if saveErr := c.saveState(state); saveErr != nil {
				Logger.Errorf("failed to record corrupt state for %v: %v", name, saveErr)
			}
			return state, err
		}
		state.Files[entry.Path] = FileState{Size: entry.Size, Checksum: entry.Checksum, Complete: true}
	}

	state.Status = StatusVerified
	if err := c.saveState(state); err != nil {
		return state, err
	}
	Logger.Infof("dataset %v verified at version %v (%v files)", name, state.Version, len(state.Files))
	return state, nil
}

// Purge removes a dataset's files and state, resetting it to Absent.
func (c *DatasetCache) Purge(name string) error {
	lock := c.datasetLock(name)
	lock.Lock()
	defer lock.Unlock()
	state := c.loadState(name)
	return c.purgeFilesLocked(state)
}

func (c *DatasetCache) purgeFilesLocked(state LocalDatasetState) error {
	if state.Status == StatusAbsent {
		return nil
	}
	return os.RemoveAll(state.Root)
}
