package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

// StoreClient talks to the remote dataset store. Listing and fetching are the
// only operations; authentication is a bearer token checked per request.
type StoreClient struct {
	BaseURL     string
	Token       string
	Retries     int
	Backoff     BackoffConfig
	FileTimeout time.Duration

	client *http.Client
}

func NewStoreClient(cfg Config) *StoreClient {
	return &StoreClient{
		BaseURL:     cfg.Store.URL,
		Token:       cfg.Credentials.Token,
		Retries:     cfg.Transfer.Retries,
		Backoff:     cfg.Backoff(),
		FileTimeout: time.Duration(cfg.Transfer.FileTimeout),
		client:      &http.Client{},
	}
}

func (c *StoreClient) httpClient() *http.Client {
	if c.client == nil {
		c.client = &http.Client{}
	}
	return c.client
}

func (c *StoreClient) request(ctx context.Context, method, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Add("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status code %v", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status code %v", ErrDatasetUnavailable, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status code %v", ErrNetwork, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("unexpected status code %v", resp.StatusCode)
	}
	return nil
}

// ListDatasets fetches every manifest published in the store.
func (c *StoreClient) ListDatasets(ctx context.Context) ([]DatasetManifest, error) {
	var manifests []DatasetManifest
	err := c.withRetries(ctx, "list datasets", func() error {
		req, err := c.request(ctx, "GET", "/v1/datasets")
		if err != nil {
			return err
		}
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp); err != nil {
			return err
		}
		manifests = nil
		return json.NewDecoder(resp.Body).Decode(&manifests)
	})
	return manifests, err
}

// Manifest fetches the manifest of one named dataset.
func (c *StoreClient) Manifest(ctx context.Context, name string) (DatasetManifest, error) {
	var manifest DatasetManifest
	err := c.withRetries(ctx, fmt.Sprintf("manifest %v", name), func() error {
		req, err := c.request(ctx, "GET", "/v1/datasets/"+url.PathEscape(name))
		if err != nil {
			return err
		}
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&manifest)
	})
	return manifest, err
}

// Fetch streams every manifest file into dest, skipping entries marked done.
// Files land under dest with their manifest-relative paths; a file already
// marked complete is never reopened or rewritten.
func (c *StoreClient) Fetch(ctx context.Context, manifest DatasetManifest, dest string, done map[string]bool) error {
	Logger.Infof("fetching dataset %v (%v files, %v bytes) to %v", manifest.Name, len(manifest.Files), manifest.TotalSize(), dest)
	for _, entry := range manifest.Files {
		if done[entry.Path] {
			Logger.Debugf("file %v already complete, skip", entry.Path)
			continue
		}
		if err := c.FetchFile(ctx, manifest.Name, entry, filepath.Join(dest, filepath.FromSlash(entry.Path))); err != nil {
			return err
		}
	}
	return nil
}

// FetchFile downloads one manifest entry to target, resuming a partial file
// from its current byte offset. The checksum is accumulated while streaming,
// folding in the already-present prefix on resume, so a completed transfer
// needs no second full read. A completed file whose checksum disagrees with
// the manifest is deleted and reported as an integrity failure; the caller
// must re-fetch explicitly.
func (c *StoreClient) FetchFile(ctx context.Context, dataset string, entry FileEntry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return c.withRetries(ctx, fmt.Sprintf("fetch %v/%v", dataset, entry.Path), func() error {
		fileCtx := ctx
		if c.FileTimeout > 0 {
			var cancel context.CancelFunc
			fileCtx, cancel = context.WithTimeout(ctx, c.FileTimeout)
			defer cancel()
		}
		return c.fetchFileOnce(fileCtx, dataset, entry, target)
	})
}

func (c *StoreClient) fetchFileOnce(ctx context.Context, dataset string, entry FileEntry, target string) error {
	offset, exists := int64(0), false
	if info, err := os.Stat(target); err == nil {
		if info.Size() > entry.Size {
			Logger.Warnf("file %v is larger than manifest size, discarding", entry.Path)
			if err := os.Remove(target); err != nil {
				return err
			}
		} else {
			offset, exists = info.Size(), true
		}
	}

	digest := sha256.New()
	if offset > 0 {
		if err := hashPrefix(digest, target, offset); err != nil {
			return err
		}
	}
	if exists && offset == entry.Size {
		return finishFile(target, entry, digest)
	}
	if entry.Size == 0 {
		// Nothing to stream for an empty entry, the file just has to exist.
		if err := os.WriteFile(target, nil, 0o644); err != nil {
			return err
		}
		return finishFile(target, entry, digest)
	}

	endpoint := path.Join("/v1/datasets", url.PathEscape(dataset), "files", entry.Path)
	req, err := c.request(ctx, "GET", endpoint)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Add("Range", fmt.Sprintf("bytes=%v-", offset))
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if resp.StatusCode == http.StatusOK && offset > 0 {
		// Store ignored the range request, start over from byte zero.
		Logger.Debugf("store does not honor resume for %v, restarting", entry.Path)
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		digest = sha256.New()
	}
	file, err := os.OpenFile(target, flags, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(io.MultiWriter(file, digest), resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := file.Sync(); err != nil {
		return err
	}
	return finishFile(target, entry, digest)
}

func hashPrefix(digest hash.Hash, target string, n int64) error {
	file, err := os.Open(target)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.CopyN(digest, file, n)
	return err
}

func finishFile(target string, entry FileEntry, digest hash.Hash) error {
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	if info.Size() < entry.Size {
		return fmt.Errorf("%w: %v truncated at %v of %v bytes", ErrNetwork, entry.Path, info.Size(), entry.Size)
	}
	sum := hex.EncodeToString(digest.Sum(nil))
	if sum != entry.Checksum {
		if err := os.Remove(target); err != nil {
			Logger.Errorf("failed to discard corrupt file %v: %v", target, err)
		}
		return fmt.Errorf("%w: %v downloaded with checksum %v, manifest says %v", ErrIntegrity, entry.Path, sum, entry.Checksum)
	}
	return nil
}

func (c *StoreClient) withRetries(ctx context.Context, what string, attempt func() error) error {
	retries := max(c.Retries, 1)
	var err error
	for i := 1; i <= retries; i++ {
		err = attempt()
		if err == nil {
			return nil
		}
		if !Retryable(err) || i == retries {
			return err
		}
		delay := NextBackoffDelay(c.Backoff, i, nil)
		Logger.Warnf("%v attempt #%v/%v failed, retry in %v: %v", what, i, retries, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
