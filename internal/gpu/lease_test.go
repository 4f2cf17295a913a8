// SPDX-License-Identifier: MIT

package gpu

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLeaseBoundsConcurrency(t *testing.T) {
	l := NewLease("belle2", 2, zerolog.Nop())
	ctx := context.Background()

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			defer l.Release()

			n := active.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if maxSeen.Load() > 2 {
		t.Errorf("observed %d concurrent holders, capacity 2", maxSeen.Load())
	}
	if l.Held() != 0 {
		t.Errorf("held = %d after all releases, want 0", l.Held())
	}
}

func TestLeaseAcquireHonorsContext(t *testing.T) {
	l := NewLease("whisperx", 1, zerolog.Nop())
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(waitCtx); err == nil {
		t.Error("second acquire should block until context expiry")
		l.Release()
	}
}

func TestLeaseReleaseWithoutHold(t *testing.T) {
	l := NewLease("belle2", 1, zerolog.Nop())
	// Must not panic or corrupt the permit count.
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.Held() != 1 {
		t.Errorf("held = %d, want 1", l.Held())
	}
}

func TestLeaseMinimumCapacity(t *testing.T) {
	l := NewLease("belle2", 0, zerolog.Nop())
	if l.Capacity() != 1 {
		t.Errorf("capacity = %d, want clamped to 1", l.Capacity())
	}
}
