// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"errors"
	"fmt"
)

// LeaseChecker reports whether a worker currently holds a live delivery
// lease for the given job. Implemented by the broker.
type LeaseChecker interface {
	HasLease(ctx context.Context, jobID string) (bool, error)
}

// RecoverOrphans runs once at startup: any job left in processing with no
// live worker lease lost its worker in a crash and is marked failed. Returns
// the number of jobs transitioned.
func (s *Store) RecoverOrphans(ctx context.Context, leases LeaseChecker) (int, error) {
	recovered := 0
	err := s.ScanJobIDs(ctx, func(id string) error {
		job, err := s.GetStatus(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if job.Status != StatusProcessing {
			return nil
		}
		held, err := leases.HasLease(ctx, id)
		if err != nil {
			return fmt.Errorf("check lease for %s: %w", id, err)
		}
		if held {
			return nil
		}
		_, err = s.UpdateStatus(ctx, id, func(j *Job) error {
			j.Status = StatusFailed
			j.Message = "Worker lost during processing"
			j.Error = &JobError{Kind: FailureWorkerLost, Message: "worker lease expired during restart"}
			return nil
		})
		if err != nil {
			// Another instance may have recovered it already.
			if errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		recovered++
		s.logger.Warn().
			Str("job_id", id).
			Str("event", "recovery.worker_lost").
			Msg("marked orphaned processing job as failed")
		return nil
	})
	return recovered, err
}
