// SPDX-License-Identifier: MIT

// Package broker implements the two durable FIFO queues (belle2, whisperx)
// on redis lists, with a per-delivery visibility lease and crash redelivery.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Entry is one unit of queued work. Exactly one live entry exists per job
// until a worker acknowledges it.
type Entry struct {
	JobID      string    `json:"job_id"`
	Model      string    `json:"model"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued entry together with its delivery bookkeeping. The
// raw payload is kept verbatim so Ack can remove exactly this element from
// the claimed list.
type Delivery struct {
	Entry      Entry
	Deliveries int
	raw        string
}

func pendingKey(model string) string { return "queue:" + model }
func claimedKey(model string) string { return "queue:" + model + ":claimed" }
func leaseKey(jobID string) string   { return "queue:lease:" + jobID }
func deliveriesKey(jobID string) string {
	return "queue:deliveries:" + jobID
}

// Broker manages the model queues on a single redis instance.
type Broker struct {
	client            *redis.Client
	logger            zerolog.Logger
	visibilityTimeout time.Duration
}

// New creates a broker with the given visibility timeout.
func New(client *redis.Client, visibilityTimeout time.Duration, logger zerolog.Logger) *Broker {
	return &Broker{
		client:            client,
		logger:            logger,
		visibilityTimeout: visibilityTimeout,
	}
}

// VisibilityTimeout returns the configured delivery lease duration.
func (b *Broker) VisibilityTimeout() time.Duration {
	return b.visibilityTimeout
}

// Enqueue appends an entry to the queue for its model.
func (b *Broker) Enqueue(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry %s: %w", entry.JobID, err)
	}
	if err := b.client.LPush(ctx, pendingKey(entry.Model), data).Err(); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", entry.JobID, entry.Model, err)
	}
	b.logger.Debug().
		Str("job_id", entry.JobID).
		Str("queue", entry.Model).
		Msg("entry enqueued")
	return nil
}

// Dequeue blocks up to timeout for the head entry of the model queue. The
// entry moves to the claimed list and a visibility lease is taken; it stays
// invisible to other workers until Ack or lease expiry. Returns (nil, nil)
// when the wait times out with an empty queue.
func (b *Broker) Dequeue(ctx context.Context, model string, timeout time.Duration) (*Delivery, error) {
	raw, err := b.client.BRPopLPush(ctx, pendingKey(model), claimedKey(model), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", model, err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// A corrupt payload can never be processed; drop it from the claimed
		// list so it does not redeliver forever.
		b.client.LRem(ctx, claimedKey(model), 1, raw)
		return nil, fmt.Errorf("corrupt queue entry on %s: %w", model, err)
	}

	deliveries, err := b.client.Incr(ctx, deliveriesKey(entry.JobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("count delivery for %s: %w", entry.JobID, err)
	}
	if err := b.client.Set(ctx, leaseKey(entry.JobID), raw, b.visibilityTimeout).Err(); err != nil {
		return nil, fmt.Errorf("take lease for %s: %w", entry.JobID, err)
	}

	return &Delivery{Entry: entry, Deliveries: int(deliveries), raw: raw}, nil
}

// Ack removes the delivered entry permanently. Called after a terminal job
// transition has been committed.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, claimedKey(d.Entry.Model), 1, d.raw)
	pipe.Del(ctx, leaseKey(d.Entry.JobID))
	pipe.Del(ctx, deliveriesKey(d.Entry.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.Entry.JobID, err)
	}
	return nil
}

// ExtendLease refreshes the visibility lease of an in-flight delivery.
// Workers call this on phase transitions so long inferences outlive the
// timeout without redelivery.
func (b *Broker) ExtendLease(ctx context.Context, d *Delivery) error {
	ok, err := b.client.Expire(ctx, leaseKey(d.Entry.JobID), b.visibilityTimeout).Result()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", d.Entry.JobID, err)
	}
	if !ok {
		return fmt.Errorf("lease for %s no longer held", d.Entry.JobID)
	}
	return nil
}

// HasLease reports whether a live delivery lease exists for the job.
// Satisfies jobs.LeaseChecker for restart recovery.
func (b *Broker) HasLease(ctx context.Context, jobID string) (bool, error) {
	n, err := b.client.Exists(ctx, leaseKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check lease %s: %w", jobID, err)
	}
	return n > 0, nil
}

// Depth returns the number of pending entries on the model queue.
func (b *Broker) Depth(ctx context.Context, model string) (int64, error) {
	n, err := b.client.LLen(ctx, pendingKey(model)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth of %s: %w", model, err)
	}
	return n, nil
}

// ClaimedDepth returns the number of in-flight (claimed, unacked) entries.
func (b *Broker) ClaimedDepth(ctx context.Context, model string) (int64, error) {
	n, err := b.client.LLen(ctx, claimedKey(model)).Result()
	if err != nil {
		return 0, fmt.Errorf("claimed depth of %s: %w", model, err)
	}
	return n, nil
}
