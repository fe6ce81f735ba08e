package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/pipeline"
	"github.com/snarg/minutes-engine/internal/storage"
	"github.com/snarg/minutes-engine/internal/transcript"
)

// JobsHandler serves job submission, status and artifact downloads.
type JobsHandler struct {
	jobs      JobService
	artifacts storage.ArtifactStore
	uploadDir string
	maxUpload int64
}

func NewJobsHandler(jobs JobService, artifacts storage.ArtifactStore, uploadDir string, maxUpload int64) *JobsHandler {
	return &JobsHandler{jobs: jobs, artifacts: artifacts, uploadDir: uploadDir, maxUpload: maxUpload}
}

type submitRequest struct {
	AudioPath string `json:"audio_path"`
}

// Submit accepts either a JSON body naming a file already on the server or a
// multipart upload in the "file" field.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var sourcePath string
	uploaded := false
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		path, status, err := h.saveUpload(w, r)
		if err != nil {
			WriteErrorWithCode(w, status, ErrBadRequest, err.Error())
			return
		}
		sourcePath, uploaded = path, true
	} else {
		var req submitRequest
		if err := DecodeJSON(r, &req); err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body: "+err.Error())
			return
		}
		if strings.TrimSpace(req.AudioPath) == "" {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "audio_path is required")
			return
		}
		sourcePath = req.AudioPath
	}

	j, err := h.jobs.Submit(r.Context(), sourcePath)
	if err != nil {
		if uploaded {
			// Rejected uploads have no job to own them.
			if rmErr := os.Remove(sourcePath); rmErr != nil {
				hlog.FromRequest(r).Warn().Err(rmErr).Str("path", sourcePath).Msg("failed to remove rejected upload")
			}
		}
		writeJobError(w, err)
		return
	}
	hlog.FromRequest(r).Info().Str("job_id", j.ID).Msg("job submitted")
	w.Header().Set("Location", "/api/v1/jobs/"+j.ID)
	WriteJSON(w, http.StatusAccepted, j)
}

// saveUpload streams the "file" part into the upload directory and returns
// the saved path.
func (h *JobsHandler) saveUpload(w http.ResponseWriter, r *http.Request) (string, int, error) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return "", http.StatusBadRequest, fmt.Errorf("invalid multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", http.StatusBadRequest, errors.New(`multipart field "file" is required`)
		}
		if err != nil {
			return "", http.StatusBadRequest, fmt.Errorf("invalid multipart body: %w", err)
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		name := filepath.Base(part.FileName())
		if !audio.IsSupportedFile(name) {
			part.Close()
			return "", http.StatusBadRequest, fmt.Errorf("%w: %q", audio.ErrUnsupportedFormat, name)
		}
		path, err := h.writeUpload(part, filepath.Ext(name))
		part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return "", http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit)
			}
			return "", http.StatusInternalServerError, err
		}
		return path, 0, nil
	}
}

func (h *JobsHandler) writeUpload(src io.Reader, ext string) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	dst := filepath.Join(h.uploadDir, uuid.NewString()+strings.ToLower(ext))
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// ListJobs returns the newest jobs, optionally filtered by status.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := ParseLimit(r, 50, 500)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	var statuses []job.Status
	for _, s := range QueryStringList(r, "status") {
		st := job.Status(strings.ToLower(s))
		if !st.Valid() {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, fmt.Sprintf("unknown status %q", s))
			return
		}
		statuses = append(statuses, st)
	}
	jobs, err := h.jobs.List(r.Context(), limit, statuses...)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

// GetJob returns the job record as stored. It never changes job state.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, j)
}

func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, j)
}

func (h *JobsHandler) ListChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chunks, err := h.jobs.Chunks(r.Context(), id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if chunks == nil {
		chunks = []transcript.ChunkResult{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"job_id": id, "chunks": chunks})
}

// GetTranscript streams the merged transcript text. With ?presign=true and
// an S3 backend it redirects to a presigned URL instead.
func (h *JobsHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	if j.TranscriptKey == "" {
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict,
			fmt.Sprintf("transcript not available: job is %s (%s)", j.Status, j.Stage))
		return
	}
	h.serveArtifact(w, r, j.TranscriptKey)
}

// GetMinutes returns the minutes as markdown, or as structured JSON with
// ?format=json.
func (h *JobsHandler) GetMinutes(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	if j.MinutesKey == "" {
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict,
			fmt.Sprintf("minutes not available: job is %s (%s)", j.Status, j.Stage))
		return
	}
	key := j.MinutesKey
	switch format, _ := QueryString(r, "format"); format {
	case "", "md", "markdown":
	case "json":
		key = storage.Key(j.ID, storage.MinutesJSONFile)
	default:
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "format must be md or json")
		return
	}
	h.serveArtifact(w, r, key)
}

func (h *JobsHandler) serveArtifact(w http.ResponseWriter, r *http.Request, key string) {
	if presign, _ := QueryBool(r, "presign"); presign {
		if url, err := h.artifacts.URL(r.Context(), key); err == nil && url != "" {
			http.Redirect(w, r, url, http.StatusTemporaryRedirect)
			return
		}
	}
	rc, err := h.artifacts.Open(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "artifact not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("failed to open artifact")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to read artifact")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", storage.ContentTypeFor(key))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// QueueStats reports the job queue depth and totals.
func (h *JobsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.jobs.Stats())
}

// writeJobError maps job service errors to HTTP responses.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job not found")
	case errors.Is(err, job.ErrTerminal):
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, err.Error())
	case errors.Is(err, audio.ErrSourceMissing), errors.Is(err, audio.ErrUnsupportedFormat):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrQueueFull, err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, err.Error())
	default:
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal error")
	}
}

// Routes registers job routes. submitLimit wraps only job creation.
func (h *JobsHandler) Routes(r chi.Router, submitLimit func(http.Handler) http.Handler) {
	r.With(submitLimit).Post("/jobs", h.Submit)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Post("/jobs/{id}/cancel", h.CancelJob)
	r.Get("/jobs/{id}/chunks", h.ListChunks)
	r.Get("/jobs/{id}/transcript", h.GetTranscript)
	r.Get("/jobs/{id}/minutes", h.GetMinutes)
	r.Get("/queue", h.QueueStats)
}
