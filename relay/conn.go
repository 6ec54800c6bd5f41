// SPDX-License-Identifier: MIT

package relay

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

type (
	// Connector dials one relay endpoint. Swappable so tests can run
	// against an in-process fake instead of a live websocket.
	Connector interface {
		Connect(ctx context.Context, url string) (Conn, error)
	}

	// Conn is a logical bidirectional connection to one relay.
	Conn interface {
		URL() string
		Publish(ctx context.Context, event nostr.Event) error
		Subscribe(ctx context.Context, filters nostr.Filters) (Stream, error)
		Close() error
	}

	// Stream is one live subscription on one relay. Events ends when
	// the subscription or the connection goes away;
	// EndOfStoredEvents fires once when the relay signals EOSE.
	Stream interface {
		Events() <-chan *nostr.Event
		EndOfStoredEvents() <-chan struct{}
		Unsub()
	}
)

type (
	nostrConnector struct {
		// Connection lifetime outlives any single operation, so
		// relays are created against the pool's context, not the
		// per-operation one.
		lifetimeCtx context.Context
	}
	nostrConn struct {
		relay *nostr.Relay
	}
	nostrStream struct {
		sub *nostr.Subscription
	}
)

func NewConnector(lifetimeCtx context.Context) Connector {
	return &nostrConnector{lifetimeCtx: lifetimeCtx}
}

func (c *nostrConnector) Connect(ctx context.Context, url string) (Conn, error) {
	relay := nostr.NewRelay(c.lifetimeCtx, url)
	if err := relay.Connect(ctx); err != nil {
		return nil, errors.Wrapf(err, "can't connect to relay %v", url)
	}

	return &nostrConn{relay: relay}, nil
}

func (c *nostrConn) URL() string {
	return c.relay.URL
}

func (c *nostrConn) Publish(ctx context.Context, event nostr.Event) error {
	return errors.Wrapf(c.relay.Publish(ctx, event), "failed to publish event %v to relay %v", event.ID, c.relay.URL)
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (Stream, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe on relay %v", c.relay.URL)
	}

	return &nostrStream{sub: sub}, nil
}

func (c *nostrConn) Close() error {
	return errors.Wrapf(c.relay.Close(), "can't close relay %v", c.relay.URL)
}

func (s *nostrStream) Events() <-chan *nostr.Event {
	return s.sub.Events
}

func (s *nostrStream) EndOfStoredEvents() <-chan struct{} {
	return s.sub.EndOfStoredEvents
}

func (s *nostrStream) Unsub() {
	s.sub.Unsub()
}
