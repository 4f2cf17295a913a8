// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	statusKeyPrefix = "job:"
	statusKeySuffix = ":status"
	resultKeySuffix = ":result"

	// txRetries bounds optimistic-lock retries on contended updates. At most
	// one worker owns a job at a time, so contention is a crash-recovery
	// corner case, not steady state.
	txRetries = 5
)

func statusKey(id string) string { return statusKeyPrefix + id + statusKeySuffix }
func resultKey(id string) string { return statusKeyPrefix + id + resultKeySuffix }

// RedisConfig holds the redis connection configuration shared by the job
// store and the broker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a redis client and verifies the connection.
func NewClient(config RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", config.Addr).
		Int("db", config.DB).
		Msg("connected to redis")

	return client, nil
}

// Store is the redis-backed job store. It exclusively owns job records;
// serialization happens at this boundary only.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewStore creates a job store on top of an existing redis client.
func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Create persists a freshly admitted job. Fails with ErrAlreadyExists on an
// id collision.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if !ValidID(job.ID) {
		return fmt.Errorf("create: invalid job id %q", job.ID)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	ok, err := s.client.SetNX(ctx, statusKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// UpdateStatus applies mutate to the current record in an atomic
// read-modify-write. A mutator that violates the status/progress
// monotonicity invariant returns ErrInvariantViolation and nothing is
// committed.
func (s *Store) UpdateStatus(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	var updated *Job
	key := statusKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read job %s: %w", id, err)
		}

		var old Job
		if err := json.Unmarshal(data, &old); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", id, err)
		}

		next := old
		if err := mutate(&next); err != nil {
			return err
		}
		if err := validateTransition(&old, &next); err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &next
		return nil
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention", id)
}

// CompleteWithResult commits the transcript and the completed status as one
// logical operation: if the result write cannot be queued, the status does
// not advance. Allowed only from processing.
func (s *Store) CompleteWithResult(ctx context.Context, id string, transcript *Transcript) (*Job, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	if transcript == nil || len(transcript.Segments) == 0 {
		return nil, fmt.Errorf("complete job %s: empty transcript", id)
	}

	resultData, err := json.Marshal(transcript)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript %s: %w", id, err)
	}

	var updated *Job
	key := statusKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read job %s: %w", id, err)
		}
		var old Job
		if err := json.Unmarshal(data, &old); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", id, err)
		}
		if old.Status != StatusProcessing {
			return fmt.Errorf("%w: complete from %s", ErrInvariantViolation, old.Status)
		}

		next := old
		next.Status = StatusCompleted
		next.Progress = ProgressDone
		next.Message = MessageDone
		next.Error = nil
		next.UpdatedAt = time.Now().UTC()

		statusData, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, statusData, 0)
			pipe.Set(ctx, resultKey(id), resultData, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &next
		return nil
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("complete job %s: too much contention", id)
}

// Reset returns a failed job to pending for an explicit operator retry. It is
// the only sanctioned backwards transition.
func (s *Store) Reset(ctx context.Context, id string) (*Job, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	var updated *Job
	key := statusKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read job %s: %w", id, err)
		}
		var old Job
		if err := json.Unmarshal(data, &old); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", id, err)
		}
		if old.Status != StatusFailed {
			return fmt.Errorf("%w: reset from %s", ErrInvariantViolation, old.Status)
		}

		next := old
		next.Status = StatusPending
		next.Progress = ProgressQueued
		next.Message = MessageQueued
		next.Error = nil
		next.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.Del(ctx, resultKey(id))
			return nil
		})
		if err != nil {
			return err
		}
		updated = &next
		return nil
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("reset job %s: too much contention", id)
}

// GetStatus returns the job record. Malformed or unknown ids map to
// ErrNotFound.
func (s *Store) GetStatus(ctx context.Context, id string) (*Job, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	data, err := s.client.Get(ctx, statusKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// GetResult returns the committed transcript. ErrNotFound when the job does
// not exist, ErrNotReady when it exists but the transcript is not committed.
func (s *Store) GetResult(ctx context.Context, id string) (*Transcript, error) {
	job, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted {
		return nil, ErrNotReady
	}
	data, err := s.client.Get(ctx, resultKey(id)).Bytes()
	if err == redis.Nil {
		// Status says completed but the result key is gone; surface as not
		// ready rather than serving an empty transcript.
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("read result %s: %w", id, err)
	}
	var tr Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("unmarshal result %s: %w", id, err)
	}
	return &tr, nil
}

// Ping checks store availability.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// validateTransition enforces the status/progress monotonicity invariant:
// pending → processing → {completed | failed}, no backwards movement, no
// pending→completed skip, no leaving a terminal state, progress
// non-decreasing outside a terminal failure.
func validateTransition(old, next *Job) error {
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, next.Status)
	}
	if old.Status.Terminal() {
		return fmt.Errorf("%w: job already %s", ErrInvariantViolation, old.Status)
	}
	if statusRank[next.Status] < statusRank[old.Status] {
		return fmt.Errorf("%w: %s → %s", ErrInvariantViolation, old.Status, next.Status)
	}
	if next.Status == StatusCompleted && old.Status != StatusProcessing {
		return fmt.Errorf("%w: %s → completed", ErrInvariantViolation, old.Status)
	}
	if next.Status != StatusFailed {
		if next.Progress < old.Progress {
			return fmt.Errorf("%w: progress %d → %d", ErrInvariantViolation, old.Progress, next.Progress)
		}
		if next.Progress < 0 || next.Progress > 100 {
			return fmt.Errorf("%w: progress %d out of range", ErrInvariantViolation, next.Progress)
		}
	}
	return nil
}

// ScanJobIDs iterates all stored job ids, calling fn for each. Used by
// restart recovery.
func (s *Store) ScanJobIDs(ctx context.Context, fn func(id string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, statusKeyPrefix+"*"+statusKeySuffix, 100).Result()
		if err != nil {
			return fmt.Errorf("scan jobs: %w", err)
		}
		for _, key := range keys {
			id := strings.TrimSuffix(strings.TrimPrefix(key, statusKeyPrefix), statusKeySuffix)
			if !ValidID(id) {
				continue
			}
			if err := fn(id); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
