// SPDX-License-Identifier: MIT

// Package gpu provides the per-pool VRAM lease. A lease permit represents
// the exclusive right to load a model and run inference; total permits
// across pools must not exceed physical GPU capacity.
package gpu

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	leaseHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "klipnote",
			Name:      "gpu_lease_held",
			Help:      "Currently held GPU lease permits",
		},
		[]string{"pool"},
	)

	leaseWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "klipnote",
			Name:      "gpu_lease_wait_seconds",
			Help:      "Time spent waiting for a GPU lease permit",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
		},
		[]string{"pool"},
	)
)

// Lease is a coarse counting semaphore bounding concurrent model work per
// pool. Acquisition blocks until VRAM budget is available; a worker may not
// begin model load before holding a permit.
type Lease struct {
	pool    string
	permits chan struct{}
	logger  zerolog.Logger
}

// NewLease creates a lease with the given permit count (GPU memory bound,
// typically 1).
func NewLease(pool string, permits int, logger zerolog.Logger) *Lease {
	if permits < 1 {
		permits = 1
	}
	return &Lease{
		pool:    pool,
		permits: make(chan struct{}, permits),
		logger:  logger,
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (l *Lease) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case l.permits <- struct{}{}:
		leaseHeld.WithLabelValues(l.pool).Inc()
		leaseWaitTime.WithLabelValues(l.pool).Observe(time.Since(start).Seconds())
		l.logger.Debug().
			Str("pool", l.pool).
			Dur("wait", time.Since(start)).
			Msg("gpu lease acquired")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit. Must be called on every exit path of a holder.
func (l *Lease) Release() {
	select {
	case <-l.permits:
		leaseHeld.WithLabelValues(l.pool).Dec()
	default:
		// Releasing an unheld lease is a programming error; crashing a
		// worker over accounting would lose a job.
		l.logger.Error().Str("pool", l.pool).Msg("gpu lease released without being held")
	}
}

// Held returns the number of permits currently held.
func (l *Lease) Held() int {
	return len(l.permits)
}

// Capacity returns the total permit count.
func (l *Lease) Capacity() int {
	return cap(l.permits)
}
