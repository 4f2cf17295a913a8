// SPDX-License-Identifier: MIT

// Package worker runs one dispatcher pool per model queue: dequeue, acquire
// the GPU lease, drive the phased progress protocol, commit the transcript.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/klipnote/klipnote/internal/broker"
	"github.com/klipnote/klipnote/internal/gpu"
	"github.com/klipnote/klipnote/internal/jobs"
	"github.com/klipnote/klipnote/internal/metrics"
	"github.com/klipnote/klipnote/internal/transcribe"
)

// minInferenceCeiling floors the per-job inference deadline: cold model
// loads dominate short clips, so 6× a 30-second clip would be absurd.
const minInferenceCeiling = 5 * time.Minute

// dequeueTimeout bounds each blocking dequeue so shutdown is responsive.
const dequeueTimeout = 5 * time.Second

// defaultDrainTimeout bounds how long a stopping pool lets in-flight
// inference run before cancelling it.
const defaultDrainTimeout = 2 * time.Minute

// Config parameterizes one pool.
type Config struct {
	Model               string
	Concurrency         int
	MaxDeliveries       int
	InferenceMultiplier int
	DrainTimeout        time.Duration
}

// Pool owns the workers of one model queue. The backend service instance is
// pool-local; its model cache lives and dies with the pool.
type Pool struct {
	cfg     Config
	store   *jobs.Store
	broker  *broker.Broker
	lease   *gpu.Lease
	service transcribe.Service
	logger  zerolog.Logger

	// leaseInterval paces the in-flight heartbeat; a fraction of the
	// visibility timeout so a missed tick never expires the lease.
	leaseInterval time.Duration
}

// NewPool wires a pool to its queue, store, lease and backend.
func NewPool(cfg Config, store *jobs.Store, b *broker.Broker, lease *gpu.Lease, service transcribe.Service, logger zerolog.Logger) *Pool {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	interval := b.VisibilityTimeout() / 3
	if interval < time.Second {
		interval = time.Second
	}
	return &Pool{
		cfg:           cfg,
		store:         store,
		broker:        b,
		lease:         lease,
		service:       service,
		logger:        logger.With().Str("pool", cfg.Model).Logger(),
		leaseInterval: interval,
	}
}

// Run blocks processing the pool's queue until ctx is cancelled. In-flight
// jobs run to completion; their entries are acked before return.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Int("concurrency", p.cfg.Concurrency).
		Msg("worker pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			return p.workerLoop(ctx)
		})
	}
	err := g.Wait()
	p.logger.Info().Msg("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) workerLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivery, err := p.broker.Dequeue(ctx, p.cfg.Model, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Msg("dequeue failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if delivery == nil {
			continue
		}
		p.process(ctx, delivery)
	}
}

// process drives one delivery through the phased protocol. Transient
// failures return without ack so the visibility timeout redelivers; all
// terminal outcomes ack. Shutdown is graceful: store writes and acks run on
// a context detached from ctx, and in-flight inference gets a drain window
// before being cancelled, so a stopping worker still commits its outcome.
func (p *Pool) process(ctx context.Context, d *broker.Delivery) {
	jobID := d.Entry.JobID
	logger := p.logger.With().Str("job_id", jobID).Logger()
	start := time.Now()

	// Bookkeeping must survive ctx cancellation or terminal writes and acks
	// would fail against redis mid-shutdown.
	opCtx := context.WithoutCancel(ctx)
	inferCtx, stopDrain := p.drainContext(ctx, logger)
	defer stopDrain()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Msg("worker panicked, job left for redelivery")
		}
	}()

	job, err := p.store.GetStatus(opCtx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			// Queue entry without a record: drop it, nothing to process.
			logger.Error().Msg("queue entry references unknown job, dropping")
			p.ack(opCtx, d, logger)
			return
		}
		logger.Warn().Err(err).Msg("status read failed, leaving for redelivery")
		return
	}
	// Idempotence over redelivery: a job already terminal is a no-op.
	if job.Status.Terminal() {
		logger.Info().
			Str("status", string(job.Status)).
			Msg("duplicate delivery for terminal job, acking")
		p.ack(opCtx, d, logger)
		return
	}

	// A worker may not begin model load before holding the lease. The wait
	// stays on ctx: a stopping pool starts no new work.
	if err := p.lease.Acquire(ctx); err != nil {
		logger.Info().Err(err).Msg("shutdown while waiting for gpu lease")
		return
	}
	defer p.lease.Release()

	if !p.advance(opCtx, d, jobID, jobs.ProgressModelLoad, jobs.MessageModelLoad, logger) {
		return
	}
	metrics.RecordPhase(p.cfg.Model, "model_load")

	if !p.advance(opCtx, d, jobID, jobs.ProgressTranscribe, jobs.MessageTranscribe, logger) {
		return
	}
	metrics.RecordPhase(p.cfg.Model, "transcribe")

	stopHeartbeat := p.startLeaseHeartbeat(opCtx, d, logger)
	transcript, err := p.transcribeWithCeiling(inferCtx, job)
	stopHeartbeat()
	if err != nil {
		p.fail(opCtx, d, err, start, logger)
		return
	}

	if !p.advance(opCtx, d, jobID, jobs.ProgressAlign, jobs.MessageAlign, logger) {
		return
	}
	metrics.RecordPhase(p.cfg.Model, "align")

	cleaned, droppedCount := Normalize(transcript.Segments, job.DurationSeconds)
	if droppedCount > 0 {
		logger.Warn().
			Int("dropped", droppedCount).
			Int("kept", len(cleaned)).
			Msg("dropped malformed segments during normalization")
	}
	if len(cleaned) == 0 {
		p.fail(opCtx, d, transcribe.Permanent("model produced no usable segments", nil), start, logger)
		return
	}
	result := &jobs.Transcript{Segments: cleaned}

	// Disk before store: an operator inspecting the job directory never
	// sees "completed but empty".
	if err := p.materialize(job.MediaPath, result); err != nil {
		logger.Error().Err(err).Msg("materialize transcript failed, leaving for redelivery")
		return
	}
	if _, err := p.store.CompleteWithResult(opCtx, jobID, result); err != nil {
		if errors.Is(err, jobs.ErrInvariantViolation) {
			// Lost the race to another delivery; their commit stands.
			logger.Warn().Err(err).Msg("completion rejected, acking duplicate")
			p.ack(opCtx, d, logger)
			return
		}
		logger.Error().Err(err).Msg("result commit failed, leaving for redelivery")
		return
	}

	p.ack(opCtx, d, logger)
	metrics.RecordPhase(p.cfg.Model, "done")
	metrics.RecordOutcome(p.cfg.Model, "completed", time.Since(start).Seconds())
	logger.Info().
		Int("segments", len(cleaned)).
		Dur("elapsed", time.Since(start)).
		Msg("job completed")
}

// drainContext derives the context inference runs under. It stays live past
// parent cancellation for the drain window, then cancels, so a SIGTERM lets
// running jobs finish instead of killing them mid-inference.
func (p *Pool) drainContext(parent context.Context, logger zerolog.Logger) (context.Context, func()) {
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stopWatch := context.AfterFunc(parent, func() {
		logger.Info().
			Dur("drain_timeout", p.cfg.DrainTimeout).
			Msg("shutdown requested, draining in-flight job")
		timer := time.AfterFunc(p.cfg.DrainTimeout, cancel)
		go func() {
			<-drainCtx.Done()
			timer.Stop()
		}()
	})
	return drainCtx, func() {
		stopWatch()
		cancel()
	}
}

// startLeaseHeartbeat keeps the delivery lease alive while inference runs,
// so a job longer than the visibility timeout is never redelivered to a
// second worker. The returned stop func blocks until the goroutine exits.
func (p *Pool) startLeaseHeartbeat(ctx context.Context, d *broker.Delivery, logger zerolog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.leaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.broker.ExtendLease(ctx, d); err != nil {
					logger.Warn().Err(err).Msg("lease heartbeat failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// advance commits one phase transition and refreshes the delivery lease.
// A redelivered job may already sit past the target phase; progress never
// moves backwards. Returns false when the job is no longer processable
// (acked as no-op) or the store is unreachable (left for redelivery).
func (p *Pool) advance(ctx context.Context, d *broker.Delivery, jobID string, progress int, message string, logger zerolog.Logger) bool {
	_, err := p.store.UpdateStatus(ctx, jobID, func(j *jobs.Job) error {
		j.Status = jobs.StatusProcessing
		if progress > j.Progress {
			j.Progress = progress
			j.Message = message
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, jobs.ErrInvariantViolation) {
			// The job settled terminally under another delivery.
			logger.Warn().Err(err).Int("progress", progress).Msg("phase rejected, acking duplicate delivery")
			p.ack(ctx, d, logger)
			return false
		}
		logger.Error().Err(err).Int("progress", progress).Msg("phase update failed, leaving for redelivery")
		return false
	}
	if err := p.broker.ExtendLease(ctx, d); err != nil {
		logger.Warn().Err(err).Msg("lease extension failed")
	}
	return true
}

// transcribeWithCeiling runs the backend under the per-job inference
// deadline (InferenceMultiplier × media duration, floored).
func (p *Pool) transcribeWithCeiling(ctx context.Context, job *jobs.Job) (*jobs.Transcript, error) {
	ceiling := time.Duration(float64(p.cfg.InferenceMultiplier) * job.DurationSeconds * float64(time.Second))
	if ceiling < minInferenceCeiling {
		ceiling = minInferenceCeiling
	}
	inferCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	return p.service.Transcribe(inferCtx, job.MediaPath, job.LanguageHint)
}

// fail applies the retry policy to a classified backend failure.
func (p *Pool) fail(ctx context.Context, d *broker.Delivery, cause error, start time.Time, logger zerolog.Logger) {
	jobID := d.Entry.JobID
	kind := transcribe.Classify(cause)

	switch kind {
	case transcribe.KindTransient:
		if d.Deliveries < p.cfg.MaxDeliveries {
			// Leave un-acked: the visibility timeout redelivers. The GPU
			// lease is released by the caller's defer.
			logger.Warn().Err(cause).
				Int("delivery", d.Deliveries).
				Int("max_deliveries", p.cfg.MaxDeliveries).
				Msg("transient failure, awaiting redelivery")
			metrics.RecordOutcome(p.cfg.Model, "transient_retry", 0)
			return
		}
		p.failJob(ctx, jobID, jobs.FailureTransientExhausted, "Transcription failed after retries", logger)
		p.ack(ctx, d, logger)
		metrics.RecordOutcome(p.cfg.Model, "transient_exhausted", time.Since(start).Seconds())

	case transcribe.KindPermanent:
		p.failJob(ctx, jobID, jobs.FailurePermanent, shortMessage(cause), logger)
		p.ack(ctx, d, logger)
		metrics.RecordOutcome(p.cfg.Model, "permanent", time.Since(start).Seconds())

	case transcribe.KindCancelled:
		p.failJob(ctx, jobID, jobs.FailureCancelled, "Transcription cancelled", logger)
		p.ack(ctx, d, logger)
		metrics.RecordOutcome(p.cfg.Model, "cancelled", time.Since(start).Seconds())
	}

	logger.Warn().Err(cause).
		Str("kind", kind.String()).
		Msg("job processing failed")
}

// failJob records the terminal failure on the job. An invariant rejection
// means another delivery already settled the job; that is fine.
func (p *Pool) failJob(ctx context.Context, jobID, kind, message string, logger zerolog.Logger) {
	_, err := p.store.UpdateStatus(ctx, jobID, func(j *jobs.Job) error {
		j.Status = jobs.StatusFailed
		j.Message = message
		j.Error = &jobs.JobError{Kind: kind, Message: message}
		return nil
	})
	if err != nil && !errors.Is(err, jobs.ErrInvariantViolation) {
		logger.Error().Err(err).Str("kind", kind).Msg("recording job failure failed")
	}
}

func (p *Pool) ack(ctx context.Context, d *broker.Delivery, logger zerolog.Logger) {
	if err := p.broker.Ack(ctx, d); err != nil {
		logger.Error().Err(err).Msg("ack failed, entry will redeliver as terminal no-op")
	}
}

// materialize writes the transcript JSON next to the media file, atomically
// and durably, before the store commit.
func (p *Pool) materialize(mediaPath string, tr *jobs.Transcript) error {
	path := filepath.Join(filepath.Dir(mediaPath), "transcription.json")

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending transcript file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			p.logger.Debug().Err(err).Msg("cleanup pending transcript file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tr); err != nil {
		return fmt.Errorf("write transcript data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace transcript file: %w", err)
	}
	return nil
}

// shortMessage keeps client-visible failure text to one human sentence.
func shortMessage(err error) string {
	var te *transcribe.Error
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return "Transcription failed"
}
