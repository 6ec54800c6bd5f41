// SPDX-License-Identifier: MIT

package subscription

import (
	"context"
	"sync"

	"github.com/nostrium/orbit/model"
)

type (
	// Delivery is one item on a subscription channel: either an event
	// or the end-of-stored-events marker. The marker is delivered
	// exactly once, after every queried relay has signalled EOSE.
	Delivery struct {
		Event       *model.Event
		EndOfStored bool
	}

	handleState int

	// Handle is a closable subscription. Close is idempotent: closing
	// an already-closed handle is a no-op, never an error.
	Handle struct {
		id         string
		deliveries chan Delivery
		cancel     context.CancelFunc

		stateMx   sync.Mutex
		state     handleState
		closeOnce sync.Once
	}
)

const (
	stateOpen handleState = iota
	stateClosed
)

func (h *Handle) ID() string {
	return h.id
}

// Events is the delivery channel. It is closed after Close or after
// the subscription's context ends, once all relay streams detach.
func (h *Handle) Events() <-chan Delivery {
	return h.deliveries
}

func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.stateMx.Lock()
		h.state = stateClosed
		h.stateMx.Unlock()
		h.cancel()
	})
}

func (h *Handle) Closed() bool {
	h.stateMx.Lock()
	defer h.stateMx.Unlock()

	return h.state == stateClosed
}
