package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileEntry describes one file of a dataset as published in the remote store.
type FileEntry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// DatasetManifest is the remote-authoritative description of a dataset.
// Immutable once a completed download references it.
type DatasetManifest struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Files   []FileEntry `json:"files"`
}

func (m *DatasetManifest) TotalSize() int64 {
	total := int64(0)
	for _, file := range m.Files {
		total += file.Size
	}
	return total
}

type DatasetStatus string

const (
	StatusAbsent   DatasetStatus = "absent"
	StatusPartial  DatasetStatus = "partial"
	StatusVerified DatasetStatus = "verified"
	StatusCorrupt  DatasetStatus = "corrupt"
)

// FileState tracks one file's local completion, recorded in the per-dataset
// state file so a restart does not re-download completed files.
type FileState struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Complete bool   `json:"complete"`
}

// LocalDatasetState is the cache's view of one dataset on disk. Mutated only
// by the DatasetCache under the per-dataset lock.
type LocalDatasetState struct {
	Name    string               `json:"name"`
	Root    string               `json:"root"`
	Version string               `json:"version"`
	Status  DatasetStatus        `json:"status"`
	Files   map[string]FileState `json:"files"`
}

func NewLocalDatasetState(name, root string) LocalDatasetState {
	return LocalDatasetState{
		Name:   name,
		Root:   root,
		Status: StatusAbsent,
		Files:  make(map[string]FileState),
	}
}

// HashFile computes the hex sha256 of a file on disk.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// VerifyFile re-hashes path and compares against the manifest entry.
func VerifyFile(path string, entry FileEntry) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() != entry.Size {
		return fmt.Errorf("%w: %v has size %v, manifest says %v", ErrIntegrity, entry.Path, info.Size(), entry.Size)
	}
	sum, err := HashFile(path)
	if err != nil {
		return err
	}
	if sum != entry.Checksum {
		return fmt.Errorf("%w: %v has checksum %v, manifest says %v", ErrIntegrity, entry.Path, sum, entry.Checksum)
	}
	return nil
}
