package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnsureFetchesAndVerifies(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{
		"slstr_cloud_ds1": {
			"train/s3a.nc":  []byte("radiances"),
			"train/mask.nc": []byte("cloud mask"),
		},
	})
	cache := NewDatasetCache(t.TempDir())

	state, err := cache.Ensure(context.Background(), "slstr_cloud_ds1", testClient(store))
	require.Nil(t, err)
	require.Equal(t, StatusVerified, state.Status)
	require.Len(t, state.Files, 2)
	for path, file := range state.Files {
		require.True(t, file.Complete, path)
		err := VerifyFile(filepath.Join(state.Root, filepath.FromSlash(path)), FileEntry{Path: path, Size: file.Size, Checksum: file.Checksum})
		require.Nil(t, err)
	}
}

func TestEnsureVerifiedIsNoop(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{
		"em_denoise_data": {"img.npy": []byte("bytes")},
	})
	cache := NewDatasetCache(t.TempDir())
	client := testClient(store)

	_, err := cache.Ensure(context.Background(), "em_denoise_data", client)
	require.Nil(t, err)
	before := store.total()

	state, err := cache.Ensure(context.Background(), "em_denoise_data", client)
	require.Nil(t, err)
	require.Equal(t, StatusVerified, state.Status)
	require.Equal(t, before, store.total())
}

func TestEnsureSurvivesRestart(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{
		"em_denoise_data": {"img.npy": []byte("bytes")},
	})
	root := t.TempDir()

	_, err := NewDatasetCache(root).Ensure(context.Background(), "em_denoise_data", testClient(store))
	require.Nil(t, err)
	before := store.total()

	// A fresh cache over the same root reads the persisted state and does not
	// touch the store again, not even for the manifest.
	restarted := NewDatasetCache(root)
	state, err := restarted.Ensure(context.Background(), "em_denoise_data", testClient(store))
	require.Nil(t, err)
	require.Equal(t, StatusVerified, state.Status)
	require.Equal(t, before, store.total())
}

func TestEnsureConcurrentSingleFetch(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{
		"dms_sim_data": {"patterns.h5": []byte("diffraction patterns")},
	})
	cache := NewDatasetCache(t.TempDir())
	client := testClient(store)

	var wg sync.WaitGroup
	states := make([]LocalDatasetState, 4)
	errs := make([]error, 4)
	for i := range states {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i], errs[i] = cache.Ensure(context.Background(), "dms_sim_data", client)
		}(i)
	}
	wg.Wait()

	for i := range states {
		require.Nil(t, errs[i])
		require.Equal(t, StatusVerified, states[i].Status)
	}
	require.Equal(t, 1, store.count("/v1/datasets/dms_sim_data/files/patterns.h5"))
}

func TestEnsureConcurrentRetriesDifferentDatasets(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{
		"ds_a": {"a.npy": []byte("a bytes")},
		"ds_b": {"b.npy": []byte("b bytes")},
	})
	store.failures = 100
	cache := NewDatasetCache(t.TempDir())
	cfg := DefaultConfig()
	cfg.Store.URL = store.server.URL
	cfg.Transfer.InitialDelay = duration(time.Millisecond)
	cfg.Transfer.MaxDelay = duration(5 * time.Millisecond)
	cfg.Transfer.Jitter = true
	client := NewStoreClient(cfg)

	// Different datasets proceed independently, so both goroutines sit in
	// jittered retry loops at the same time against one shared client.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"ds_a", "ds_b"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = cache.Ensure(context.Background(), name, client)
		}(i, name)
	}
	wg.Wait()

	require.ErrorIs(t, errs[0], ErrDatasetUnavailable)
	require.ErrorIs(t, errs[1], ErrDatasetUnavailable)
	require.Equal(t, 3, store.count("/v1/datasets/ds_a"))
	require.Equal(t, 3, store.count("/v1/datasets/ds_b"))
}

func TestEnsureDatasetWithEmptyFile(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{
		"em_denoise_data": {
			"img.npy":    []byte("bytes"),
			"labels.csv": {},
		},
	})
	cache := NewDatasetCache(t.TempDir())

	state, err := cache.Ensure(context.Background(), "em_denoise_data", testClient(store))
	require.Nil(t, err)
	require.Equal(t, StatusVerified, state.Status)

	info, err := os.Stat(filepath.Join(state.Root, "labels.csv"))
	require.Nil(t, err)
	require.Equal(t, int64(0), info.Size())
}

func TestEnsureManifestUnavailable(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{})
	cache := NewDatasetCache(t.TempDir())

	_, err := cache.Ensure(context.Background(), "em_denoise_data", testClient(store))
	require.ErrorIs(t, err, ErrDatasetUnavailable)
	require.Equal(t, StatusAbsent, cache.Status("em_denoise_data").Status)
}

func TestEnsureCorruptFileRefetched(t *testing.T) {
	content := []byte("authentic dataset bytes")
	store := newFakeStore(t, map[string]map[string][]byte{
		"em_denoise_data": {"img.npy": content},
	})
	cache := NewDatasetCache(t.TempDir())
	client := testClient(store)

	// First attempt receives corrupted bytes: Ensure must report the
	// integrity failure, mark the dataset Corrupt and discard the file.
	store.serve["em_denoise_data/img.npy"] = []byte("tampered dataset bytes!")
	_, err := cache.Ensure(context.Background(), "em_denoise_data", client)
	require.ErrorIs(t, err, ErrIntegrity)
	require.Equal(t, StatusCorrupt, cache.Status("em_denoise_data").Status)

	// An explicit second Ensure performs a full fetch and verifies.
	delete(store.serve, "em_denoise_data/img.npy")
	state, err := cache.Ensure(context.Background(), "em_denoise_data", client)
	require.Nil(t, err)
	require.Equal(t, StatusVerified, state.Status)

	data, err := os.ReadFile(filepath.Join(state.Root, "img.npy"))
	require.Nil(t, err)
	require.Equal(t, content, data)
}

func TestEnsureResumesPartialDownload(t *testing.T) {
	content := []byte("a reasonably long dataset file that gets interrupted midway")
	store := newFakeStore(t, map[string]map[string][]byte{
		"em_denoise_data": {"img.npy": content},
	})
	cache := NewDatasetCache(t.TempDir())
	client := testClient(store)

	// Simulate an aborted transfer: partial bytes on disk, state Partial.
	root := cache.datasetRoot("em_denoise_data")
	require.Nil(t, os.MkdirAll(root, 0o755))
	require.Nil(t, os.WriteFile(filepath.Join(root, "img.npy"), content[:17], 0o644))
	state := NewLocalDatasetState("em_denoise_data", root)
	state.Version = "v1"
	state.Status = StatusPartial
	require.Nil(t, cache.saveState(state))

	verified, err := cache.Ensure(context.Background(), "em_denoise_data", client)
	require.Nil(t, err)
	require.Equal(t, StatusVerified, verified.Status)

	data, err := os.ReadFile(filepath.Join(root, "img.npy"))
	require.Nil(t, err)
	require.Equal(t, content, data)
}

func TestEnsureRefetchesOnVersionChange(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{
		"em_denoise_data": {"img.npy": []byte("version one bytes")},
	})
	cache := NewDatasetCache(t.TempDir())
	client := testClient(store)

	_, err := cache.Ensure(context.Background(), "em_denoise_data", client)
	require.Nil(t, err)

	store.mu.Lock()
	store.version = "v2"
	store.datasets["em_denoise_data"]["img.npy"] = []byte("version two bytes!!")
	store.mu.Unlock()

	// Verified state short-circuits; a purge resets to Absent and the next
	// Ensure picks up the new version.
	require.Nil(t, cache.Purge("em_denoise_data"))
	state, err := cache.Ensure(context.Background(), "em_denoise_data", client)
	require.Nil(t, err)
	require.Equal(t, StatusVerified, state.Status)
	require.Equal(t, "v2", state.Version)
}

func TestPurgeResetsToAbsent(t *testing.T) {
	store := newFakeStore(t, map[string]map[string][]byte{
		"em_denoise_data": {"img.npy": []byte("bytes")},
	})
	cache := NewDatasetCache(t.TempDir())

	_, err := cache.Ensure(context.Background(), "em_denoise_data", testClient(store))
	require.Nil(t, err)
	require.Nil(t, cache.Purge("em_denoise_data"))
	require.Equal(t, StatusAbsent, cache.Status("em_denoise_data").Status)
}
