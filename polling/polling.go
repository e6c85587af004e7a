// Package polling implements the three read/control endpoints clients use
// to follow a submitted job to completion: GET /status/{job_id}, GET
// /result/{job_id}, and DELETE /job/{job_id}.
package polling

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/jobmodel"
	"github.com/kbukum/gokit/logger"
	"github.com/kbukum/gokit/registry"
	"github.com/kbukum/gokit/resultcache"
	"github.com/kbukum/gokit/server"
)

// Handler holds the dependencies the polling endpoints need.
type Handler struct {
	reg   *registry.Store
	cache *resultcache.Cache
	log   *logger.Logger
}

// New creates a polling Handler.
func New(reg *registry.Store, cache *resultcache.Cache, log *logger.Logger) *Handler {
	return &Handler{reg: reg, cache: cache, log: log.WithComponent("polling")}
}

// statusResponse is the body returned by GET /status/{job_id}.
type statusResponse struct {
	JobID       string         `json:"job_id"`
	State       jobmodel.State `json:"state"`
	Filename    string         `json:"filename"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Attempt     int            `json:"attempt"`
}

// Status implements GET /status/{job_id}.
func (h *Handler) Status(c *gin.Context) {
	jobID := c.Param("job_id")

	rec, err := h.reg.Get(c.Request.Context(), jobID)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if rec == nil {
		server.RespondWithError(c, gkerrors.NotFound("job", jobID))
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		JobID:       rec.JobID,
		State:       rec.State,
		Filename:    rec.Filename,
		SubmittedAt: rec.SubmittedAt,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		Attempt:     rec.Attempt,
	})
}

// resultResponse is the body returned by GET /result/{job_id} when the job
// has not yet reached Completed: it echoes the current state instead of a
// transcript.
type resultResponse struct {
	JobID string         `json:"job_id"`
	State jobmodel.State `json:"state"`
}

// Result implements GET /result/{job_id}. Only a Completed job with a live
// Result Cache entry returns the transcript body; any other state is echoed
// back with 409, and a Completed job whose cache entry has since expired
// returns 410.
func (h *Handler) Result(c *gin.Context) {
	jobID := c.Param("job_id")
	ctx := c.Request.Context()

	rec, err := h.reg.Get(ctx, jobID)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if rec == nil {
		server.RespondWithError(c, gkerrors.NotFound("job", jobID))
		return
	}

	if rec.State != jobmodel.StateCompleted {
		c.JSON(http.StatusConflict, resultResponse{JobID: rec.JobID, State: rec.State})
		return
	}

	transcript, err := h.cache.Lookup(ctx, rec.ResultHandle)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if transcript == nil {
		server.RespondWithError(c, gkerrors.Gone("transcript", jobID))
		return
	}

	c.JSON(http.StatusOK, transcript)
}

// cancelResponse is the body returned by DELETE /job/{job_id} on success.
type cancelResponse struct {
	State jobmodel.State `json:"state"`
}

// Cancel implements DELETE /job/{job_id}. Cancelling an already-Cancelled
// job is a no-op that returns ok (round-trip idempotence); cancelling any
// other terminal state returns NotCancellable.
func (h *Handler) Cancel(c *gin.Context) {
	jobID := c.Param("job_id")
	ctx := c.Request.Context()

	rec, err := h.reg.Get(ctx, jobID)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if rec == nil {
		server.RespondWithError(c, gkerrors.NotFound("job", jobID))
		return
	}

	if rec.State == jobmodel.StateCancelled {
		c.JSON(http.StatusOK, cancelResponse{State: jobmodel.StateCancelled})
		return
	}
	if rec.State.Terminal() {
		server.RespondWithError(c, gkerrors.NotCancellable(jobID, string(rec.State)))
		return
	}

	expected := rec.State
	err = h.reg.CompareAndSet(ctx, jobID, expected, func(j jobmodel.JobRecord) jobmodel.JobRecord {
		now := time.Now().UTC()
		j.State = jobmodel.StateCancelled
		j.FinishedAt = &now
		return j
	})
	if err != nil {
		if appErr, ok := gkerrors.AsAppError(err); ok && appErr.Code == gkerrors.ErrCodeStateMismatch {
			server.RespondWithError(c, gkerrors.NotCancellable(jobID, appErr.Details["actual"].(string)))
			return
		}
		server.RespondWithError(c, err)
		return
	}

	h.log.Debug("job cancelled", map[string]interface{}{"job_id": jobID})
	c.JSON(http.StatusOK, cancelResponse{State: jobmodel.StateCancelled})
}
