// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"encoding/json"
	"time"
)

// reapInterval bounds how often expired leases are scanned for.
const reapInterval = 5 * time.Second

// RunReaper periodically restores claimed entries whose visibility lease has
// expired back onto their pending queue, so a crashed worker's job is
// redelivered. Blocks until ctx is cancelled.
func (b *Broker) RunReaper(ctx context.Context, models []string) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, model := range models {
				if n := b.reapQueue(ctx, model); n > 0 {
					b.logger.Warn().
						Str("queue", model).
						Int("redelivered", n).
						Str("event", "broker.redelivery").
						Msg("restored expired deliveries")
				}
			}
		}
	}
}

// ReapOnce scans one queue for expired deliveries and requeues them.
// Exposed for tests and for an explicit sweep at startup.
func (b *Broker) ReapOnce(ctx context.Context, model string) int {
	return b.reapQueue(ctx, model)
}

func (b *Broker) reapQueue(ctx context.Context, model string) int {
	raws, err := b.client.LRange(ctx, claimedKey(model), 0, -1).Result()
	if err != nil {
		b.logger.Warn().Err(err).Str("queue", model).Msg("reaper scan failed")
		return 0
	}

	requeued := 0
	for _, raw := range raws {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			b.client.LRem(ctx, claimedKey(model), 1, raw)
			b.logger.Error().Err(err).Str("queue", model).Msg("dropped corrupt claimed entry")
			continue
		}
		held, err := b.HasLease(ctx, entry.JobID)
		if err != nil || held {
			continue
		}
		// Lease expired without an ack: move the entry back to pending. The
		// removal and re-push run in one MULTI/EXEC so a crash cannot strand
		// the entry outside both lists. RPUSH puts redeliveries at the head
		// of the FIFO.
		pipe := b.client.TxPipeline()
		rem := pipe.LRem(ctx, claimedKey(model), 1, raw)
		pipe.RPush(ctx, pendingKey(model), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			b.logger.Error().Err(err).
				Str("job_id", entry.JobID).
				Msg("requeue after lease expiry failed")
			continue
		}
		if rem.Val() == 0 {
			// Acked between the scan and the move; take the stray copy back
			// out of pending.
			b.client.LRem(ctx, pendingKey(model), 1, raw)
			continue
		}
		requeued++
	}
	return requeued
}
