package app

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthReport is the body served at GET /health: the queue backend's
// reachability and whether any worker has heartbeated recently enough to
// call the processing fleet live, distinct from the component-lifecycle
// checks behind /ready.
type HealthReport struct {
	Status                string `json:"status"`
	QueueBackendReachable bool   `json:"queue_backend_reachable"`
	WorkerHeartbeatFresh  bool   `json:"worker_heartbeat_fresh"`
}

// HealthReport runs the two checks and derives Status from them: down if the
// queue backend itself is unreachable (nothing works without it), degraded
// if it's reachable but no worker has heartbeated, ok otherwise.
func (i *Infrastructure) HealthReport(ctx context.Context) HealthReport {
	reachable := i.Redis.Ping(ctx) == nil

	var fresh bool
	if reachable {
		fresh, _ = i.Registry.HeartbeatFresh(ctx)
	}

	status := "ok"
	switch {
	case !reachable:
		status = "down"
	case !fresh:
		status = "degraded"
	}

	return HealthReport{
		Status:                status,
		QueueBackendReachable: reachable,
		WorkerHeartbeatFresh:  fresh,
	}
}

// HealthHandler returns a Gin handler serving the Infrastructure's live
// HealthReport, status-coding the response from its Status field.
func (i *Infrastructure) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := i.HealthReport(c.Request.Context())
		httpStatus := http.StatusOK
		if report.Status == "down" {
			httpStatus = http.StatusServiceUnavailable
		}
		c.JSON(httpStatus, report)
	}
}
