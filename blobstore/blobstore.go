// Package blobstore holds the audio bytes backing an in-flight transcription
// job on the local filesystem, keyed by job ID. Writes are atomic against
// concurrent readers: data lands in a sibling temp file and is only made
// visible to Open via os.Rename.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/pipeline"
)

// Store manages job audio blobs on a local directory tree.
type Store struct {
	basePath string
	maxBytes int64
}

// Config configures a Store.
type Config struct {
	// BasePath is the directory audio blobs are written under.
	BasePath string `mapstructure:"base_path"`
	// MaxBytes caps the size of a single upload. ApplyDefaults (run by New)
	// replaces 0 or a negative value with 200MB.
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// ApplyDefaults fills in the conventional upload directory and size cap.
func (c *Config) ApplyDefaults() {
	if c.BasePath == "" {
		c.BasePath = "./data/uploads"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 200 * 1024 * 1024 // 200MB
	}
}

// New creates a Store rooted at cfg.BasePath, creating the directory if needed.
func New(cfg Config) (*Store, error) {
	cfg.ApplyDefaults()
	abs, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("blobstore: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create base directory: %w", err)
	}
	return &Store{basePath: abs, maxBytes: cfg.MaxBytes}, nil
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.basePath, jobID)
}

func (s *Store) tempPath(jobID string) string {
	return filepath.Join(s.basePath, ".tmp-"+jobID)
}

// Path returns the on-disk location of jobID's blob, for callers (the worker
// runtime's transcription.Provider contract) that take a file path rather
// than a reader. It does not check that the blob exists.
func (s *Store) Path(jobID string) string {
	return s.path(jobID)
}

// PutResult reports what was written by Put.
type PutResult struct {
	Size        int64
	Fingerprint string // hex-encoded SHA-256 of the audio bytes
}

// Put streams r to a temp file, hashing as it goes, then atomically renames
// the temp file into place under jobID. declaredSize (e.g. from
// Content-Length) is advisory; the true size cap is enforced against the
// stream itself via an io.LimitReader one byte past maxBytes, so an
// under-reported Content-Length cannot be used to smuggle an oversized body.
func (s *Store) Put(_ context.Context, jobID string, r io.Reader, declaredSize int64) (PutResult, error) {
	if s.maxBytes > 0 && declaredSize > s.maxBytes {
		return PutResult{}, gkerrors.PayloadTooLarge(s.maxBytes)
	}

	tmp := s.tempPath(jobID)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return PutResult{}, fmt.Errorf("blobstore: create temp file: %w", err)
	}

	hasher := sha256.New()
	writer := io.MultiWriter(f, hasher)

	limit := r
	if s.maxBytes > 0 {
		limit = io.LimitReader(r, s.maxBytes+1)
	}

	written, copyErr := io.Copy(writer, limit)
	closeErr := f.Close()

	if copyErr != nil {
		_ = os.Remove(tmp)
		return PutResult{}, fmt.Errorf("blobstore: write audio: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return PutResult{}, fmt.Errorf("blobstore: close temp file: %w", closeErr)
	}
	if s.maxBytes > 0 && written > s.maxBytes {
		_ = os.Remove(tmp)
		return PutResult{}, gkerrors.PayloadTooLarge(s.maxBytes)
	}

	if err := os.Rename(tmp, s.path(jobID)); err != nil {
		_ = os.Remove(tmp)
		return PutResult{}, fmt.Errorf("blobstore: rename into place: %w", err)
	}

	return PutResult{
		Size:        written,
		Fingerprint: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open returns a reader for the audio bytes stored under jobID. The caller
// must Close it.
func (s *Store) Open(_ context.Context, jobID string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gkerrors.BlobMissing(jobID)
		}
		return nil, fmt.Errorf("blobstore: open blob: %w", err)
	}
	return f, nil
}

// Delete removes the blob for jobID. Returns nil if it does not exist.
func (s *Store) Delete(_ context.Context, jobID string) error {
	if err := os.Remove(s.path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete blob: %w", err)
	}
	return nil
}

// Sweep deletes every blob whose job has reached a terminal state
// (isTerminal returns true for its job ID), or whose file has simply aged
// past olderThan regardless of state. The two triggers are independent,
// not combined, so a stuck job's blob still gets reclaimed once it's old
// enough even though its job never reached a terminal state. It walks the
// base directory once and fans the candidate deletions out with
// pipeline.Parallel, returning the count of blobs actually removed. A delete
// failure for one blob never aborts the sweep of the others.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration, isTerminal func(jobID string) bool) (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, fmt.Errorf("blobstore: read base directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) > 0 && name[0] == '.' {
			continue
		}
		jobID := name

		if isTerminal(jobID) {
			candidates = append(candidates, jobID)
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			candidates = append(candidates, jobID)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	type outcome struct {
		deleted bool
	}

	src := pipeline.FromSlice(candidates)
	results := pipeline.Parallel(src, 8, func(ctx context.Context, jobID string) (outcome, error) {
		if err := s.Delete(ctx, jobID); err != nil {
			return outcome{deleted: false}, nil //nolint:nilerr // best-effort sweep, one failure must not abort the rest
		}
		return outcome{deleted: true}, nil
	})

	values, err := pipeline.Collect(ctx, results)
	if err != nil {
		return 0, fmt.Errorf("blobstore: sweep: %w", err)
	}

	count := 0
	for _, v := range values {
		if v.deleted {
			count++
		}
	}
	return count, nil
}
