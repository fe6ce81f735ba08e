package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/pipeline"
)

type HealthResponse struct {
	Status        string               `json:"status"`
	Version       string               `json:"version"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Checks        map[string]string    `json:"checks"`
	Queue         *pipeline.QueueStats `json:"queue,omitempty"`
}

// HealthOptions holds the optional dependencies the health check inspects.
type HealthOptions struct {
	DB        HealthChecker
	MQTT      ConnectionChecker
	Inbox     WatcherStatus
	Jobs      JobService
	Version   string
	StartTime time.Time
	// FFmpeg reports whether the ffmpeg binary is available. Defaults to
	// audio.CheckFFmpeg.
	FFmpeg func() bool
}

type HealthHandler struct {
	opts HealthOptions
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	if opts.FFmpeg == nil {
		opts.FFmpeg = audio.CheckFFmpeg
	}
	return &HealthHandler{opts: opts}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Database check
	if h.opts.DB != nil {
		if err := h.opts.DB.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "memory"
	}

	// ffmpeg is required to normalize any input
	if h.opts.FFmpeg() {
		checks["ffmpeg"] = "ok"
	} else {
		checks["ffmpeg"] = "missing"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// MQTT check
	if h.opts.MQTT != nil {
		if h.opts.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	// Inbox watcher check
	if h.opts.Inbox != nil {
		if ws := h.opts.Inbox.Status(); ws != nil {
			checks["inbox"] = ws.Status
			if ws.Status == "stopped" {
				degrade()
			}
		}
	} else {
		checks["inbox"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.opts.Version,
		UptimeSeconds: int64(time.Since(h.opts.StartTime).Seconds()),
		Checks:        checks,
	}
	if h.opts.Jobs != nil {
		stats := h.opts.Jobs.Stats()
		resp.Queue = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
