// Package submission implements POST /transcribe: the entry point that
// validates an upload, computes its fingerprint, consults the Result Cache,
// and either completes synchronously on a cache hit or enrolls the job and
// pushes it onto the Work Queue.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kbukum/gokit/blobstore"
	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/jobmodel"
	"github.com/kbukum/gokit/logger"
	"github.com/kbukum/gokit/registry"
	"github.com/kbukum/gokit/resultcache"
	"github.com/kbukum/gokit/server"
	"github.com/kbukum/gokit/telemetry"
	"github.com/kbukum/gokit/util"
	"github.com/kbukum/gokit/validation"
	"github.com/kbukum/gokit/workqueue"
)

// acceptedMediaTypes is the allow-list from the options table: audio
// containers only, matched against the multipart part's declared
// Content-Type.
var acceptedMediaTypes = map[string]bool{
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/wav":    true,
	"audio/x-wav":  true,
	"audio/wave":   true,
	"audio/m4a":    true,
	"audio/mp4":    true,
	"audio/x-m4a":  true,
	"audio/flac":   true,
	"audio/x-flac": true,
	"audio/ogg":    true,
	"audio/webm":   true,
}

// Handler holds the dependencies the submission endpoint needs.
type Handler struct {
	blobs   *blobstore.Store
	reg     *registry.Store
	cache   *resultcache.Cache
	queue   *workqueue.Queue
	metrics *telemetry.Metrics
	log     *logger.Logger
}

// New creates a submission Handler.
func New(blobs *blobstore.Store, reg *registry.Store, cache *resultcache.Cache, queue *workqueue.Queue, metrics *telemetry.Metrics, log *logger.Logger) *Handler {
	return &Handler{
		blobs:   blobs,
		reg:     reg,
		cache:   cache,
		queue:   queue,
		metrics: metrics,
		log:     log.WithComponent("submission"),
	}
}

// submitResponse is the body returned on both the 202 (queued) and 200
// (cache hit) paths.
type submitResponse struct {
	JobID string         `json:"job_id"`
	State jobmodel.State `json:"state"`
}

// Transcribe implements steps 2-7 of the submission protocol; step 1 (rate
// limiting) runs as the preceding middleware.RateLimit on this route.
func (h *Handler) Transcribe(c *gin.Context) {
	ctx := c.Request.Context()

	fileHeader, options, err := parseMultipart(c)
	if err != nil {
		h.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
		server.RespondWithError(c, err)
		return
	}

	if err := validation.Validate(options); err != nil {
		h.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
		server.RespondWithError(c, err)
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if !acceptedMediaTypes[contentType] {
		h.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
		server.RespondWithError(c, gkerrors.UnsupportedMedia(contentType))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		server.RespondWithError(c, gkerrors.Internal(err))
		return
	}
	defer file.Close() //nolint:errcheck

	jobID := uuid.NewString()
	filename := util.SanitizeFilename(fileHeader.Filename)

	putResult, err := h.blobs.Put(ctx, jobID, file, fileHeader.Size)
	if err != nil {
		h.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
		server.RespondWithError(c, err)
		return
	}

	fingerprint := computeFingerprint(putResult.Fingerprint, options)

	if transcript, lookupErr := h.cache.Lookup(ctx, fingerprint); lookupErr == nil && transcript != nil {
		h.completeFromCache(c, ctx, jobID, filename, fingerprint, options, *transcript)
		return
	}

	h.enqueue(c, ctx, jobID, filename, fingerprint, options)
}

func (h *Handler) completeFromCache(c *gin.Context, ctx context.Context, jobID, filename, fingerprint string, options jobmodel.SubmissionOptions, _ jobmodel.Transcript) {
	_ = h.blobs.Delete(ctx, jobID)

	now := time.Now().UTC()
	rec := jobmodel.JobRecord{
		JobID:        jobID,
		State:        jobmodel.StateCompleted,
		Fingerprint:  fingerprint,
		Filename:     filename,
		SubmittedAt:  now,
		StartedAt:    &now,
		FinishedAt:   &now,
		Options:      options,
		Attempt:      1,
		ResultHandle: fingerprint,
	}
	if err := h.reg.Create(ctx, rec); err != nil {
		server.RespondWithError(c, err)
		return
	}

	h.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeCached).Inc()
	h.metrics.CacheHitsTotal.Inc()
	h.log.Debug("cache hit on submission", map[string]interface{}{"job_id": jobID, "fingerprint": fingerprint})

	c.JSON(http.StatusOK, submitResponse{JobID: jobID, State: jobmodel.StateCompleted})
}

func (h *Handler) enqueue(c *gin.Context, ctx context.Context, jobID, filename, fingerprint string, options jobmodel.SubmissionOptions) {
	now := time.Now().UTC()
	rec := jobmodel.JobRecord{
		JobID:       jobID,
		State:       jobmodel.StateQueued,
		Fingerprint: fingerprint,
		Filename:    filename,
		SubmittedAt: now,
		Options:     options,
		Attempt:     0,
	}
	if err := h.reg.Create(ctx, rec); err != nil {
		_ = h.blobs.Delete(ctx, jobID)
		server.RespondWithError(c, err)
		return
	}

	if err := h.queue.Push(ctx, jobID); err != nil {
		server.RespondWithError(c, err)
		return
	}

	h.metrics.RequestsTotal.WithLabelValues(telemetry.OutcomeSubmitted).Inc()
	h.metrics.CacheMissesTotal.Inc()
	h.log.Debug("job enqueued", map[string]interface{}{"job_id": jobID, "fingerprint": fingerprint})

	c.JSON(http.StatusAccepted, submitResponse{JobID: jobID, State: jobmodel.StateQueued})
}

// parseMultipart extracts the "file" part and recognized option fields,
// rejecting any request carrying an unrecognized form field.
func parseMultipart(c *gin.Context) (*multipart.FileHeader, jobmodel.SubmissionOptions, error) {
	var options jobmodel.SubmissionOptions

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, options, gkerrors.PayloadTooLarge(int64(tooLarge.Limit))
		}
		return nil, options, gkerrors.Validation("a \"file\" form field containing the audio is required")
	}

	recognized := map[string]bool{"language": true, "vad_filter": true, "initial_prompt": true}
	if form, formErr := c.MultipartForm(); formErr == nil {
		for field := range form.Value {
			if !recognized[field] {
				return nil, options, gkerrors.New(gkerrors.ErrCodeInvalidFormat, "unrecognized submission option: "+field, http.StatusBadRequest)
			}
		}
	}

	if err := c.ShouldBind(&options); err != nil {
		return nil, options, gkerrors.Validation("invalid submission options: " + err.Error())
	}

	return fileHeader, options, nil
}

// computeFingerprint combines the blob's content hash with the normalized
// fingerprint-affecting options into a single opaque hex digest, so it
// addresses the Result Cache identically regardless of filename or caller
// identity. The Work Queue holds job IDs and does not deduplicate by it.
func computeFingerprint(contentHash string, options jobmodel.SubmissionOptions) string {
	h := sha256.New()
	h.Write([]byte(contentHash))
	h.Write([]byte(options.FingerprintKey()))
	return hex.EncodeToString(h.Sum(nil))
}
