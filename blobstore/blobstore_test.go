package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gkerrors "github.com/kbukum/gokit/errors"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{BasePath: dir, MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestStorePutOpenRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	payload := []byte("some audio bytes")

	res, err := s.Put(ctx, "job-1", bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if res.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", res.Size, len(payload))
	}

	want := sha256.Sum256(payload)
	if res.Fingerprint != hex.EncodeToString(want[:]) {
		t.Errorf("Fingerprint = %s, want %s", res.Fingerprint, hex.EncodeToString(want[:]))
	}

	rc, err := s.Open(ctx, "job-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if buf.String() != string(payload) {
		t.Errorf("read %q, want %q", buf.String(), payload)
	}
}

func TestStorePutNoTempFileLeftBehind(t *testing.T) {
	s := newTestStore(t, 0)
	payload := []byte("clean rename")

	if _, err := s.Put(context.Background(), "job-2", bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := os.Stat(s.tempPath("job-2")); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be gone, stat err = %v", err)
	}
	if _, err := os.Stat(s.path("job-2")); err != nil {
		t.Errorf("expected final blob to exist: %v", err)
	}
}

func TestStorePutRejectsOversizedBody(t *testing.T) {
	s := newTestStore(t, 4)
	_, err := s.Put(context.Background(), "job-3", bytes.NewReader([]byte("way too big")), 11)

	var appErr *gkerrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != gkerrors.ErrCodePayloadTooLarge {
		t.Fatalf("Put() error = %v, want PayloadTooLarge", err)
	}
	if _, statErr := os.Stat(s.path("job-3")); !os.IsNotExist(statErr) {
		t.Errorf("expected no blob to be written for an oversized body")
	}
}

func TestStorePutRejectsOversizedDeclaredSize(t *testing.T) {
	s := newTestStore(t, 4)
	_, err := s.Put(context.Background(), "job-4", bytes.NewReader([]byte("x")), 100)

	var appErr *gkerrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != gkerrors.ErrCodePayloadTooLarge {
		t.Fatalf("Put() error = %v, want PayloadTooLarge from declared size", err)
	}
}

func TestStorePutAtSizeBoundarySucceeds(t *testing.T) {
	s := newTestStore(t, 4)
	res, err := s.Put(context.Background(), "job-5", bytes.NewReader([]byte("abcd")), 4)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if res.Size != 4 {
		t.Errorf("Size = %d, want 4", res.Size)
	}
}

func TestStoreOpenMissingReturnsBlobMissing(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Open(context.Background(), "does-not-exist")

	var appErr *gkerrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != gkerrors.ErrCodeBlobMissing {
		t.Fatalf("Open() error = %v, want BlobMissing", err)
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	if _, err := s.Put(ctx, "job-6", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "job-6"); err != nil {
		t.Fatalf("first Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "job-6"); err != nil {
		t.Fatalf("second Delete() on missing blob should be nil, got %v", err)
	}
}

func TestStoreSweepIsOrOfTerminalAndAge(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	for _, id := range []string{"old-terminal", "old-active", "fresh-terminal", "fresh-active"} {
		if _, err := s.Put(ctx, id, bytes.NewReader([]byte("x")), 1); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	old := time.Now().Add(-time.Hour)
	for _, id := range []string{"old-terminal", "old-active"} {
		if err := os.Chtimes(filepath.Join(s.basePath, id), old, old); err != nil {
			t.Fatalf("Chtimes(%s) error = %v", id, err)
		}
	}

	terminal := map[string]bool{"old-terminal": true, "old-active": false, "fresh-terminal": true, "fresh-active": false}
	count, err := s.Sweep(ctx, 30*time.Minute, func(jobID string) bool { return terminal[jobID] })
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if count != 3 {
		t.Errorf("Sweep() deleted %d blobs, want 3", count)
	}

	if _, err := os.Stat(s.path("old-terminal")); !os.IsNotExist(err) {
		t.Errorf("old-terminal should have been swept (terminal)")
	}
	if _, err := os.Stat(s.path("fresh-terminal")); !os.IsNotExist(err) {
		t.Errorf("fresh-terminal should have been swept (terminal, regardless of age)")
	}
	if _, err := os.Stat(s.path("old-active")); !os.IsNotExist(err) {
		t.Errorf("old-active should have been swept (past the age cap, regardless of state)")
	}
	if _, err := os.Stat(s.path("fresh-active")); err != nil {
		t.Errorf("fresh-active should survive (neither terminal nor past the age cap): %v", err)
	}
}
