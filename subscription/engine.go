// SPDX-License-Identifier: MIT

// Package subscription issues filter queries across the relay pool,
// deduplicates by event id, and detects end-of-stored-events per
// relay. One-shot queries are bounded by their timeout; continuous
// subscriptions live until their handle is closed.
package subscription

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrium/orbit/cfg"
	"github.com/nostrium/orbit/model"
	"github.com/nostrium/orbit/relay"
)

type (
	Config struct {
		QueryTimeout   time.Duration `yaml:"queryTimeout" mapstructure:"queryTimeout"`
		DeliveryBuffer int           `yaml:"deliveryBuffer" mapstructure:"deliveryBuffer"`
	}

	Engine struct {
		config *Config
		pool   *relay.Pool
	}

	arrival struct {
		event *nostr.Event
		eose  bool
	}
)

const (
	defaultQueryTimeout   = 10 * time.Second
	defaultDeliveryBuffer = 256
)

var ErrNoReachableRelays = errors.New("no relay could be subscribed")

func New(pool *relay.Pool) *Engine {
	config := cfg.MustGet[Config]()
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaultQueryTimeout
	}
	if config.DeliveryBuffer <= 0 {
		config.DeliveryBuffer = defaultDeliveryBuffer
	}

	return &Engine{config: config, pool: pool}
}

// Query is the one-shot form: it collects deduplicated events until
// every queried relay signals end-of-stored-events or the timeout
// elapses, whichever is first. Partial relay availability yields
// partial results, not an error. Events come back in arrival order;
// sorting is the caller's choice (see SortByCreatedAtAsc/Desc).
func (e *Engine) Query(ctx context.Context, filters model.Filters, timeout time.Duration) ([]*model.Event, error) {
	if timeout <= 0 {
		timeout = e.config.QueryTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle, err := e.open(queryCtx, cancel, filters)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	var collected []*model.Event
	for delivery := range handle.Events() {
		if delivery.EndOfStored {
			break
		}
		collected = append(collected, delivery.Event)
	}

	return collected, nil
}

// Subscribe is the continuous form: events are delivered until the
// returned handle is closed. The end-of-stored-events marker shows up
// in-band on the same channel once all relays have reported it.
func (e *Engine) Subscribe(ctx context.Context, filters model.Filters) (*Handle, error) {
	subCtx, cancel := context.WithCancel(ctx)
	handle, err := e.open(subCtx, cancel, filters)
	if err != nil {
		cancel()

		return nil, err
	}

	return handle, nil
}

func (e *Engine) open(ctx context.Context, cancel context.CancelFunc, filters model.Filters) (*Handle, error) {
	members := e.pool.Members()
	if len(members) == 0 {
		return nil, relay.ErrNoMembers
	}

	streams := make([]relay.Stream, 0, len(members))
	for _, url := range members {
		conn, err := e.pool.Conn(ctx, url)
		if err != nil {
			log.Printf("WARN: skipping unreachable relay %v for subscription: %v", url, err)

			continue
		}
		stream, err := conn.Subscribe(ctx, nostr.Filters(filters))
		if err != nil {
			e.pool.ReportFailure(url)
			log.Printf("WARN: failed to subscribe on relay %v: %v", url, err)

			continue
		}
		e.pool.ReportSuccess(url)
		streams = append(streams, stream)
	}
	if len(streams) == 0 {
		return nil, errors.Wrapf(ErrNoReachableRelays, "tried %v pool members", len(members))
	}

	handle := &Handle{
		id:         uuid.NewString(),
		deliveries: make(chan Delivery, e.config.DeliveryBuffer),
		cancel:     cancel,
	}
	merged := make(chan arrival, e.config.DeliveryBuffer)
	forwarded := make(chan struct{}, len(streams))
	for _, stream := range streams {
		go forward(ctx, stream, merged, forwarded)
	}
	go func() {
		for i := 0; i < len(streams); i++ {
			<-forwarded
		}
		close(merged)
	}()
	go merge(ctx, filters, len(streams), merged, handle.deliveries)

	return handle, nil
}

// forward pumps one relay stream into the shared merge channel. The
// EOSE signal is forwarded at most once per stream.
func forward(ctx context.Context, stream relay.Stream, merged chan<- arrival, done chan<- struct{}) {
	defer func() {
		stream.Unsub()
		done <- struct{}{}
	}()
	eose := stream.EndOfStoredEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			select {
			case merged <- arrival{event: event}:
			case <-ctx.Done():
				return
			}
		case <-eose:
			// The signal channel stays closed; a nil channel never
			// fires again.
			eose = nil
			// Stored events already buffered on the stream belong
			// before the marker.
			for drained := false; !drained; {
				select {
				case event, ok := <-stream.Events():
					if !ok {
						return
					}
					select {
					case merged <- arrival{event: event}:
					case <-ctx.Done():
						return
					}
				default:
					drained = true
				}
			}
			select {
			case merged <- arrival{eose: true}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// merge is the single consumer of all relay streams: it owns the
// dedup set, re-validates filters against the actual events, drops
// protocol-invalid events silently, counts per-relay EOSE and emits
// the end-of-stored marker exactly once.
func merge(ctx context.Context, filters model.Filters, streamCount int, merged <-chan arrival, deliveries chan<- Delivery) {
	defer close(deliveries)
	seen := make(map[string]struct{})
	eoseCount, eoseDelivered := 0, false
	for arr := range merged {
		var delivery Delivery
		switch {
		case arr.eose:
			eoseCount++
			if eoseDelivered || eoseCount < streamCount {
				continue
			}
			eoseDelivered = true
			delivery = Delivery{EndOfStored: true}
		default:
			event := &model.Event{Event: *arr.event}
			if _, duplicate := seen[event.ID]; duplicate {
				continue
			}
			if !model.MatchAny(filters, event) {
				// Relays are not trusted to filter correctly.
				continue
			}
			if err := event.Verify(); err != nil {
				log.Printf("WARN: dropping event %v with invalid id/signature: %v", event.ID, err)

				continue
			}
			seen[event.ID] = struct{}{}
			delivery = Delivery{Event: event}
		}
		select {
		case deliveries <- delivery:
		case <-ctx.Done():
			return
		}
	}
}

// SortByCreatedAtAsc orders events oldest-first, the conversational/
// timeline order.
func SortByCreatedAtAsc(events []*model.Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt < events[j].CreatedAt })
}

// SortByCreatedAtDesc orders events newest-first, the discovery
// order.
func SortByCreatedAtDesc(events []*model.Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt > events[j].CreatedAt })
}
