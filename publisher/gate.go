// SPDX-License-Identifier: MIT

package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// RateGate is the process-wide publish gate: it enforces a minimum
// interval between the grant times of any two publish attempts,
// whatever the event or caller. Construct one per process and pass it
// by reference. Callers race for the next slot; non-overlap is
// guaranteed, FIFO order is not.
type RateGate struct {
	mx            sync.Mutex
	minInterval   time.Duration
	lastGrantedAt time.Time
	now           func() time.Time
}

func NewRateGate(minInterval time.Duration) *RateGate {
	return &RateGate{minInterval: minInterval, now: time.Now}
}

// Acquire blocks until the interval has elapsed since the previous
// grant, or the context is cancelled. The gate mutex is held through
// the wait, which is exactly the non-overlap guarantee.
func (g *RateGate) Acquire(ctx context.Context) error {
	g.mx.Lock()
	defer g.mx.Unlock()
	if !g.lastGrantedAt.IsZero() {
		if wait := g.minInterval - g.now().Sub(g.lastGrantedAt); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "publish rate gate acquisition abandoned")
			case <-timer.C:
			}
		}
	}
	g.lastGrantedAt = g.now()

	return nil
}

func (g *RateGate) LastGrantedAt() time.Time {
	g.mx.Lock()
	defer g.mx.Unlock()

	return g.lastGrantedAt
}
