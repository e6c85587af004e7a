package submission

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"github.com/kbukum/gokit/blobstore"
	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/jobmodel"
	"github.com/kbukum/gokit/logger"
	gkredis "github.com/kbukum/gokit/redis"
	"github.com/kbukum/gokit/registry"
	"github.com/kbukum/gokit/resultcache"
	"github.com/kbukum/gokit/telemetry"
	"github.com/kbukum/gokit/workqueue"
)

func newTestHandler(t *testing.T) (*Handler, *registry.Store, *workqueue.Queue) {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	cfg := gkredis.Config{Enabled: true, Addr: mini.Addr()}
	cfg.ApplyDefaults()
	client, err := gkredis.New(cfg, logger.NewDefault("submission-test"))
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	dir := t.TempDir()
	blobs, err := blobstore.New(blobstore.Config{BasePath: dir, MaxBytes: 1024})
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}

	reg := registry.New(client)
	cache := resultcache.New(client, 0)
	queue := workqueue.New(client)
	metrics := telemetry.New()

	h := New(blobs, reg, cache, queue, metrics, logger.NewDefault("submission-test"))
	return h, reg, queue
}

func newMultipartRequest(t *testing.T, fields map[string]string, fileBody []byte, contentType string) *http.Request {
	t.Helper()

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}

	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="clip.wav"`},
		"Content-Type":        {contentType},
	})
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := part.Write(fileBody); err != nil {
		t.Fatalf("write file body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/transcribe", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/transcribe", h.Transcribe)
	return r
}

func TestTranscribeColdSubmitEnqueues(t *testing.T) {
	h, reg, queue := newTestHandler(t)
	r := newTestRouter(h)

	req := newMultipartRequest(t, nil, []byte("fake audio bytes"), "audio/wav")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}

	var body submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.State != jobmodel.StateQueued {
		t.Fatalf("state = %q, want Queued", body.State)
	}

	ctx := req.Context()
	stored, err := reg.Get(ctx, body.JobID)
	if err != nil || stored == nil {
		t.Fatalf("registry.Get(%s) error = %v, record = %v", body.JobID, err, stored)
	}
	if stored.State != jobmodel.StateQueued {
		t.Fatalf("stored state = %q, want Queued", stored.State)
	}

	depth, err := queue.Depth(ctx)
	if err != nil {
		t.Fatalf("queue.Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestTranscribeWarmCacheHitCompletesSynchronously(t *testing.T) {
	h, reg, queue := newTestHandler(t)
	r := newTestRouter(h)

	audio := []byte("identical audio bytes")

	first := httptest.NewRecorder()
	r.ServeHTTP(first, newMultipartRequest(t, nil, audio, "audio/wav"))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first submission status = %d, want 202", first.Code)
	}
	var firstBody submitResponse
	_ = json.Unmarshal(first.Body.Bytes(), &firstBody)

	ctx := httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context()
	firstJob, err := reg.Get(ctx, firstBody.JobID)
	if err != nil || firstJob == nil {
		t.Fatalf("failed to load first job: %v", err)
	}
	transcript := jobmodel.Transcript{Text: "canned transcript", AudioDuration: 1.2}
	if err := h.cache.Put(ctx, firstJob.Fingerprint, transcript); err != nil {
		t.Fatalf("cache.Put() error = %v", err)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, newMultipartRequest(t, nil, audio, "audio/wav"))
	if second.Code != http.StatusOK {
		t.Fatalf("second submission status = %d, want 200, body=%s", second.Code, second.Body.String())
	}

	var secondBody submitResponse
	if err := json.Unmarshal(second.Body.Bytes(), &secondBody); err != nil {
		t.Fatalf("unmarshal second response: %v", err)
	}
	if secondBody.State != jobmodel.StateCompleted {
		t.Fatalf("second state = %q, want Completed", secondBody.State)
	}

	depth, err := queue.Depth(ctx)
	if err != nil {
		t.Fatalf("queue.Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1 (only the first submission enqueued)", depth)
	}
}

func TestTranscribeRejectsUnsupportedMediaType(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, newMultipartRequest(t, nil, []byte("data"), "video/mp4"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTranscribeRejectsUnrecognizedOption(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, newMultipartRequest(t, map[string]string{"speed": "2x"}, []byte("data"), "audio/wav"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestTranscribeRejectsBodySizeLimitAs413(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	// Simulates server/middleware.BodySizeLimit tripping ahead of multipart
	// parsing, rather than the blob store's own MaxBytes check further in.
	req := newMultipartRequest(t, nil, bytes.Repeat([]byte("y"), 4096), "audio/wav")
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 512)

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413, body=%s", rec.Code, rec.Body.String())
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Error.Code != string(gkerrors.ErrCodePayloadTooLarge) {
		t.Fatalf("error code = %q, want %q", body.Error.Code, gkerrors.ErrCodePayloadTooLarge)
	}
}

func TestTranscribeRejectsOversizedBody(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	oversized := bytes.Repeat([]byte("x"), 2048) // store cap is 1024 bytes
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, newMultipartRequest(t, nil, oversized, "audio/wav"))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413, body=%s", rec.Code, rec.Body.String())
	}
}
