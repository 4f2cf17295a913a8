// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/klipnote/klipnote/internal/broker"
	"github.com/klipnote/klipnote/internal/export"
	"github.com/klipnote/klipnote/internal/fsutil"
	"github.com/klipnote/klipnote/internal/jobs"
	"github.com/klipnote/klipnote/internal/log"
	"github.com/klipnote/klipnote/internal/upload"
)

// maxLanguageFieldSize bounds the language form field; hints are BCP-47
// tags, not prose.
const maxLanguageFieldSize = 64

// maxExportBodySize bounds the posted edited-segment list. Generous: a
// two-hour transcript is well under a megabyte.
const maxExportBodySize = 16 << 20

// statusResponse is the client-visible job record. Internal fields like the
// media path stay server-side.
type statusResponse struct {
	ID              string         `json:"id"`
	Status          jobs.Status    `json:"status"`
	Progress        int            `json:"progress"`
	Message         string         `json:"message"`
	Model           string         `json:"model"`
	LanguageHint    string         `json:"language_hint,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Error           *jobs.JobError `json:"error,omitempty"`
}

// uploadResponse is the admission reply. job_id is the stable contract
// field; the embedded status record rides along for convenience.
type uploadResponse struct {
	JobID string `json:"job_id"`
	statusResponse
}

func toStatusResponse(job *jobs.Job) statusResponse {
	return statusResponse{
		ID:              job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		Message:         job.Message,
		Model:           job.Model,
		LanguageHint:    job.LanguageHint,
		DurationSeconds: job.DurationSeconds,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		Error:           job.Error,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, kindInternal, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload admits a media upload. Accepts multipart/form-data with a
// "file" part (and optional "language" field ahead of it), or a raw body
// with the media content type. The body is streamed, never buffered.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "missing or malformed Content-Type")
		return
	}

	language := r.URL.Query().Get("language")

	var job *jobs.Job
	if mediaType == "multipart/form-data" {
		job, err = s.admitMultipart(r, params["boundary"], language)
	} else {
		job, err = s.upload.Admit(r.Context(), r.Body, contentType, language)
	}
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{JobID: job.ID, statusResponse: toStatusResponse(job)})
}

func (s *Server) admitMultipart(r *http.Request, boundary, language string) (*jobs.Job, error) {
	if boundary == "" {
		return nil, errors.New("multipart body without boundary")
	}
	mr := multipart.NewReader(r.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errors.New("multipart body has no file part")
		}
		if err != nil {
			return nil, err
		}

		switch part.FormName() {
		case "language":
			// Only honored when the field precedes the file part.
			data, err := io.ReadAll(io.LimitReader(part, maxLanguageFieldSize))
			if err != nil {
				return nil, err
			}
			language = strings.TrimSpace(string(data))
		case "file":
			return s.upload.Admit(r.Context(), part, part.Header.Get("Content-Type"), language)
		}
	}
}

func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, upload.ErrUnsupportedFormat):
		writeError(w, r, http.StatusBadRequest, kindUnsupportedFormat, "media type not supported")
	case errors.Is(err, upload.ErrPayloadTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, kindPayloadTooLarge, "upload exceeds the size limit")
	case errors.Is(err, upload.ErrDurationExceeded):
		writeError(w, r, http.StatusBadRequest, kindDurationExceeded, "media exceeds the duration limit")
	case errors.Is(err, upload.ErrInvalidMedia):
		writeError(w, r, http.StatusBadRequest, kindInvalidMedia, "file is not decodable media")
	case r.Context().Err() != nil:
		// Client went away mid-upload; nothing useful to answer.
		s.logger.Debug().Err(err).Msg("upload aborted by client")
	default:
		s.logger.Error().Err(err).Msg("upload admission failed")
		writeError(w, r, http.StatusInternalServerError, kindInternal, "upload failed")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, kindNotFound, "unknown job")
			return
		}
		s.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("status read failed")
		writeError(w, r, http.StatusInternalServerError, kindInternal, "status read failed")
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(job))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	transcript, err := s.store.GetResult(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			writeError(w, r, http.StatusNotFound, kindNotFound, "unknown job")
		case errors.Is(err, jobs.ErrNotReady):
			if s.cfg.CompatNotFound {
				writeError(w, r, http.StatusNotFound, kindNotReady, "transcription not finished")
				return
			}
			writeError(w, r, http.StatusConflict, kindNotReady, "transcription not finished")
		default:
			s.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("result read failed")
			writeError(w, r, http.StatusInternalServerError, kindInternal, "result read failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

// handleMedia serves the stored media with Range support so audio/video
// elements can seek. Paths are confined to the upload root.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, kindNotFound, "unknown job")
			return
		}
		s.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("media status read failed")
		writeError(w, r, http.StatusInternalServerError, kindInternal, "media read failed")
		return
	}

	name := filepath.Base(job.MediaPath)
	path, err := fsutil.ConfineJobFile(s.cfg.UploadDir, jobID, name)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldJobID, jobID).Msg("media path rejected")
		writeError(w, r, http.StatusNotFound, kindNotFound, "media not found")
		return
	}
	if err := fsutil.IsRegularFile(path); err != nil {
		writeError(w, r, http.StatusNotFound, kindNotFound, "media not found")
		return
	}

	// #nosec G304 -- path is confined to the upload root above.
	f, err := os.Open(path)
	if err != nil {
		writeError(w, r, http.StatusNotFound, kindNotFound, "media not found")
		return
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, kindInternal, "media stat failed")
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

type exportRequest struct {
	Segments []jobs.Segment `json:"segments"`
	Format   string         `json:"format"`
}

// handleExport renders the posted edited segments. The client is
// authoritative for the content; nothing is cached or persisted.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.store.GetStatus(r.Context(), jobID); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, kindNotFound, "unknown job")
			return
		}
		s.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("export status read failed")
		writeError(w, r, http.StatusInternalServerError, kindInternal, "export failed")
		return
	}

	var req exportRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxExportBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "malformed export request")
		return
	}

	format, err := export.ParseFormat(req.Format)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "format must be srt or txt")
		return
	}
	rendered, err := export.Render(format, req.Segments)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, kindInvalidRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.Filename(jobID)+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, rendered)
}

// handleRetry returns a failed job to pending and re-enqueues it.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.Reset(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			writeError(w, r, http.StatusNotFound, kindNotFound, "unknown job")
		case errors.Is(err, jobs.ErrInvariantViolation):
			writeError(w, r, http.StatusConflict, kindConflict, "only failed jobs can be retried")
		default:
			s.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("retry reset failed")
			writeError(w, r, http.StatusInternalServerError, kindInternal, "retry failed")
		}
		return
	}

	if err := s.broker.Enqueue(r.Context(), broker.Entry{
		JobID:      job.ID,
		Model:      job.Model,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("retry enqueue failed, job orphaned")
		writeError(w, r, http.StatusInternalServerError, kindInternal, "retry failed")
		return
	}

	s.logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldModel, job.Model).
		Msg("job retried")
	writeJSON(w, http.StatusOK, toStatusResponse(job))
}
