// SPDX-License-Identifier: MIT

// Package upload implements the streaming admission pipeline: receive,
// validate, persist, route, admit.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/klipnote/klipnote/internal/broker"
	"github.com/klipnote/klipnote/internal/jobs"
	"github.com/klipnote/klipnote/internal/metrics"
	"github.com/klipnote/klipnote/internal/probe"
	"github.com/klipnote/klipnote/internal/router"
)

// Admission errors. Each maps to one client-visible error kind; none of
// them leave a job behind.
var (
	ErrUnsupportedFormat = errors.New("unsupported media format")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrDurationExceeded  = errors.New("duration exceeds limit")
	// ErrInvalidMedia is re-exported so callers match one package.
	ErrInvalidMedia = probe.ErrInvalidMedia
)

// copyChunkSize bounds per-read memory while streaming the body to disk.
const copyChunkSize = 4 << 20 // 4 MiB

// Prober extracts the duration of persisted media.
type Prober interface {
	ProbeDuration(ctx context.Context, mediaPath string) (float64, error)
}

// Config is the admission-relevant configuration slice.
type Config struct {
	UploadDir    string
	MaxFileSize  int64
	MaxDuration  time.Duration
	AllowedTypes []string
	DefaultModel string
}

// Pipeline admits uploads as jobs. It owns the write path of the media
// directory; nothing else creates files there.
type Pipeline struct {
	cfg     Config
	allowed map[string]bool
	store   *jobs.Store
	broker  *broker.Broker
	prober  Prober
	logger  zerolog.Logger
}

// New creates an admission pipeline.
func New(cfg Config, store *jobs.Store, b *broker.Broker, prober Prober, logger zerolog.Logger) *Pipeline {
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[t] = true
	}
	return &Pipeline{
		cfg:     cfg,
		allowed: allowed,
		store:   store,
		broker:  b,
		prober:  prober,
		logger:  logger,
	}
}

// Admit runs the full admission sequence on a media stream and returns the
// created job. On any failure, partial bytes are deleted and no job exists.
func (p *Pipeline) Admit(ctx context.Context, body io.Reader, contentType, languageHint string) (*jobs.Job, error) {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	if !p.allowed[mediaType] {
		metrics.RecordRejected("unsupported_format")
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
	}

	jobID := jobs.NewID()
	jobDir := filepath.Join(p.cfg.UploadDir, jobID)
	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	// Admission failures must leave no residue.
	cleanup := func() {
		if err := os.RemoveAll(jobDir); err != nil {
			p.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to remove rejected upload")
		}
	}

	tmpPath := filepath.Join(jobDir, "upload.tmp")
	size, err := p.streamToFile(ctx, body, tmpPath)
	if err != nil {
		cleanup()
		if errors.Is(err, ErrPayloadTooLarge) {
			metrics.RecordRejected("payload_too_large")
		}
		return nil, err
	}

	duration, err := p.prober.ProbeDuration(ctx, tmpPath)
	if err != nil {
		cleanup()
		metrics.RecordRejected("invalid_media")
		return nil, err
	}
	if time.Duration(duration*float64(time.Second)) > p.cfg.MaxDuration {
		cleanup()
		metrics.RecordRejected("duration_exceeded")
		return nil, fmt.Errorf("%w: %.0fs", ErrDurationExceeded, duration)
	}

	mediaPath := filepath.Join(jobDir, "original."+extForType(mediaType))
	if err := os.Rename(tmpPath, mediaPath); err != nil {
		cleanup()
		return nil, fmt.Errorf("persist media: %w", err)
	}

	model := router.Route(languageHint, p.cfg.DefaultModel)
	now := time.Now().UTC()
	job := &jobs.Job{
		ID:              jobID,
		Status:          jobs.StatusPending,
		Progress:        jobs.ProgressQueued,
		Message:         jobs.MessageQueued,
		Model:           model,
		LanguageHint:    languageHint,
		MediaPath:       mediaPath,
		DurationSeconds: duration,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Job first, queue second: a crash in between leaves an orphaned job an
	// operator can retry, never a ghost queue entry.
	if err := p.store.Create(ctx, job); err != nil {
		cleanup()
		return nil, fmt.Errorf("admit job %s: %w", jobID, err)
	}
	if err := p.broker.Enqueue(ctx, broker.Entry{
		JobID:      jobID,
		Model:      model,
		EnqueuedAt: now,
	}); err != nil {
		// Media and record stay: the job is retryable via reset.
		p.logger.Error().Err(err).
			Str("job_id", jobID).
			Str("queue", model).
			Msg("enqueue failed after job creation, job orphaned")
		return nil, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	metrics.RecordAdmitted(model, size)
	p.logger.Info().
		Str("job_id", jobID).
		Str("model", model).
		Str("media_type", mediaType).
		Int64("size_bytes", size).
		Float64("duration_seconds", duration).
		Msg("upload admitted")

	return job, nil
}

// streamToFile copies body to path in bounded chunks, enforcing the size cap
// mid-stream. Returns the byte count written.
func (p *Pipeline) streamToFile(ctx context.Context, body io.Reader, path string) (int64, error) {
	// #nosec G304 -- path is constructed from a fresh UUID under UploadDir.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			p.logger.Warn().Err(cerr).Str("path", path).Msg("close temp file")
		}
	}()

	var total int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("upload aborted: %w", err)
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > p.cfg.MaxFileSize {
				return total, fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, p.cfg.MaxFileSize)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("write media: %w", werr)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("read upload stream: %w", rerr)
		}
	}
}

// extForType maps an allowed media type to the canonical file extension.
func extForType(mediaType string) string {
	switch mediaType {
	case "audio/mpeg":
		return "mp3"
	case "audio/wav":
		return "wav"
	case "audio/mp4", "audio/x-m4a":
		return "m4a"
	case "video/mp4":
		return "mp4"
	default:
		return "bin"
	}
}
