// SPDX-License-Identifier: MIT

// Package fixture is an in-process fake relay implementing the pool's
// transport contract, so publisher and subscription tests run without
// websockets.
package fixture

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrium/orbit/relay"
)

type (
	Relay struct {
		url string

		mx          sync.Mutex
		stored      []*nostr.Event
		published   []nostr.Event
		streams     []*stream
		connectErr  error
		publishErr  error
		silenceEOSE bool
		unfiltered  bool
	}

	Connector struct {
		mx     sync.Mutex
		relays map[string]*Relay
	}

	conn struct {
		relay *Relay
	}

	stream struct {
		filters    nostr.Filters
		unfiltered bool
		events     chan *nostr.Event
		eose       chan struct{}

		closeOnce sync.Once
	}
)

func NewRelay(url string) *Relay {
	return &Relay{url: url}
}

func (r *Relay) URL() string {
	return r.url
}

func NewConnector(relays ...*Relay) *Connector {
	byURL := make(map[string]*Relay, len(relays))
	for _, r := range relays {
		byURL[r.url] = r
	}

	return &Connector{relays: byURL}
}

func (c *Connector) Connect(_ context.Context, url string) (relay.Conn, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	r, found := c.relays[url]
	if !found {
		return nil, errors.Newf("no fixture relay registered for %v", url)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}

	return &conn{relay: r}, nil
}

// Seed installs the stored events replayed to every new subscription
// before its EOSE.
func (r *Relay) Seed(events ...*nostr.Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.stored = append(r.stored, events...)
}

// Emit pushes a live event to every open matching stream.
func (r *Relay) Emit(event *nostr.Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, s := range r.streams {
		s.deliver(event)
	}
}

func (r *Relay) Published() []nostr.Event {
	r.mx.Lock()
	defer r.mx.Unlock()

	return append([]nostr.Event(nil), r.published...)
}

func (r *Relay) FailConnectWith(err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.connectErr = err
}

func (r *Relay) FailPublishWith(err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.publishErr = err
}

// SilenceEOSE makes new subscriptions never signal end-of-stored-
// events, to exercise timeout-bounded completion.
func (r *Relay) SilenceEOSE() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.silenceEOSE = true
}

// ReturnUnfiltered makes the relay ignore subscription filters, to
// exercise client-side re-validation against under-filtering relays.
func (r *Relay) ReturnUnfiltered() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.unfiltered = true
}

func (c *conn) URL() string {
	return c.relay.url
}

// Publish accepts the event, stores it like a real relay would, and
// forwards it to matching live streams.
func (c *conn) Publish(_ context.Context, event nostr.Event) error {
	c.relay.mx.Lock()
	defer c.relay.mx.Unlock()
	if c.relay.publishErr != nil {
		return c.relay.publishErr
	}
	c.relay.published = append(c.relay.published, event)
	stored := event
	c.relay.stored = append(c.relay.stored, &stored)
	for _, s := range c.relay.streams {
		s.deliver(&stored)
	}

	return nil
}

func (c *conn) Subscribe(ctx context.Context, filters nostr.Filters) (relay.Stream, error) {
	s := &stream{
		filters: filters,
		events:  make(chan *nostr.Event, 1024),
		eose:    make(chan struct{}),
	}
	c.relay.mx.Lock()
	s.unfiltered = c.relay.unfiltered
	for _, event := range c.relay.stored {
		s.deliver(event)
	}
	if !c.relay.silenceEOSE {
		close(s.eose)
	}
	c.relay.streams = append(c.relay.streams, s)
	c.relay.mx.Unlock()

	go func() {
		<-ctx.Done()
		s.Unsub()
	}()

	return s, nil
}

func (c *conn) Close() error {
	c.relay.mx.Lock()
	defer c.relay.mx.Unlock()
	for _, s := range c.relay.streams {
		s.Unsub()
	}
	c.relay.streams = nil

	return nil
}

func (s *stream) deliver(event *nostr.Event) {
	if !s.unfiltered && !s.filters.Match(event) {
		return
	}
	defer func() {
		// Sending on a closed events channel after Unsub is a test
		// artifact, not a failure.
		_ = recover()
	}()
	select {
	case s.events <- event:
	default:
	}
}

func (s *stream) Events() <-chan *nostr.Event {
	return s.events
}

func (s *stream) EndOfStoredEvents() <-chan struct{} {
	return s.eose
}

func (s *stream) Unsub() {
	s.closeOnce.Do(func() { close(s.events) })
}
