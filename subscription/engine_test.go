// SPDX-License-Identifier: MIT

package subscription

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nostrium/orbit/database/kv"
	"github.com/nostrium/orbit/model"
	"github.com/nostrium/orbit/relay"
	"github.com/nostrium/orbit/relay/fixture"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func helperEngine(t *testing.T, relays ...*fixture.Relay) *Engine {
	t.Helper()

	store, err := kv.Open(filepath.Join(t.TempDir(), "engine.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	pool, err := relay.New(context.Background(), fixture.NewConnector(relays...), store)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pool.Close()) })
	for _, r := range relays {
		require.NoError(t, pool.Add(context.Background(), r.URL()))
	}

	return New(pool)
}

func helperSignedNote(t *testing.T, content string, createdAt int64) *nostr.Event {
	t.Helper()

	event := nostr.Event{
		Kind:      model.KindTextNote,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   content,
	}
	require.NoError(t, event.Sign(nostr.GeneratePrivateKey()))

	return &event
}

func TestQueryDeduplicatesAcrossOverlappingRelays(t *testing.T) {
	t.Parallel()

	shared := helperSignedNote(t, "seen everywhere", 100)
	onlyA := helperSignedNote(t, "only on a", 101)
	onlyB := helperSignedNote(t, "only on b", 102)

	relayA := fixture.NewRelay("wss://a.example")
	relayA.Seed(shared, onlyA)
	relayB := fixture.NewRelay("wss://b.example")
	relayB.Seed(shared, onlyB)

	engine := helperEngine(t, relayA, relayB)
	events, err := engine.Query(context.Background(), model.Filters{{Kinds: []int{model.KindTextNote}}}, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 3)

	ids := make(map[string]struct{}, len(events))
	for _, event := range events {
		ids[event.ID] = struct{}{}
	}
	require.Len(t, ids, 3)
}

func TestQueryPartialRelayAvailability(t *testing.T) {
	t.Parallel()

	up := fixture.NewRelay("wss://up.example")
	up.Seed(helperSignedNote(t, "still here", 100))
	down := fixture.NewRelay("wss://down.example")
	down.FailConnectWith(context.DeadlineExceeded)

	engine := helperEngine(t, up, down)
	events, err := engine.Query(context.Background(), model.Filters{{Kinds: []int{model.KindTextNote}}}, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestQueryTimeoutBoundsSilentRelay(t *testing.T) {
	t.Parallel()

	silent := fixture.NewRelay("wss://silent.example")
	silent.Seed(helperSignedNote(t, "delivered before timeout", 100))
	silent.SilenceEOSE()

	engine := helperEngine(t, silent)
	started := time.Now()
	events, err := engine.Query(context.Background(), model.Filters{{Kinds: []int{model.KindTextNote}}}, 150*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.GreaterOrEqual(t, time.Since(started), 150*time.Millisecond)
	require.Less(t, time.Since(started), time.Second)
}

func TestQueryRevalidatesTagFiltersAgainstUnderfilteringRelay(t *testing.T) {
	t.Parallel()

	matching := nostr.Event{
		Kind:      model.KindGroupMessage,
		CreatedAt: 100,
		Tags:      nostr.Tags{{model.TagGroupID, "group-a"}},
	}
	require.NoError(t, matching.Sign(nostr.GeneratePrivateKey()))
	offTopic := nostr.Event{
		Kind:      model.KindGroupMessage,
		CreatedAt: 101,
		Tags:      nostr.Tags{{model.TagGroupID, "group-b"}},
	}
	require.NoError(t, offTopic.Sign(nostr.GeneratePrivateKey()))

	sloppy := fixture.NewRelay("wss://sloppy.example")
	sloppy.ReturnUnfiltered()
	sloppy.Seed(&matching, &offTopic)

	engine := helperEngine(t, sloppy)
	filters := model.Filters{{Kinds: []int{model.KindGroupMessage}, Tags: model.TagMap{model.TagGroupID: []string{"group-a"}}}}
	events, err := engine.Query(context.Background(), filters, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, matching.ID, events[0].ID)
}

func TestQueryDropsForgedEventsSilently(t *testing.T) {
	t.Parallel()

	genuine := helperSignedNote(t, "genuine", 100)
	forged := helperSignedNote(t, "forged", 101)
	forged.Content = "tampered after signing"

	r := fixture.NewRelay("wss://mixed.example")
	r.Seed(genuine, forged)

	engine := helperEngine(t, r)
	events, err := engine.Query(context.Background(), model.Filters{{Kinds: []int{model.KindTextNote}}}, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, genuine.ID, events[0].ID)
}

func TestQueryMultiFilterOrSemantics(t *testing.T) {
	t.Parallel()

	note := helperSignedNote(t, "plain note", 100)
	reaction := nostr.Event{
		Kind:      model.KindReaction,
		CreatedAt: 101,
		Content:   "+",
	}
	require.NoError(t, reaction.Sign(nostr.GeneratePrivateKey()))

	r := fixture.NewRelay("wss://multi.example")
	r.Seed(note, &reaction)

	engine := helperEngine(t, r)
	filters := model.Filters{
		{Kinds: []int{model.KindTextNote}},
		{Kinds: []int{model.KindReaction}},
	}
	events, err := engine.Query(context.Background(), filters, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestQueryWithNoReachableRelaysFails(t *testing.T) {
	t.Parallel()

	down := fixture.NewRelay("wss://down.example")
	down.FailConnectWith(context.DeadlineExceeded)

	engine := helperEngine(t, down)
	_, err := engine.Query(context.Background(), model.Filters{{Kinds: []int{model.KindTextNote}}}, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrNoReachableRelays)
}

func TestSubscribeDeliversLiveEventsAndEOSEMarker(t *testing.T) {
	t.Parallel()

	stored := helperSignedNote(t, "stored", 100)
	r := fixture.NewRelay("wss://live.example")
	r.Seed(stored)

	engine := helperEngine(t, r)
	handle, err := engine.Subscribe(context.Background(), model.Filters{{Kinds: []int{model.KindTextNote}}})
	require.NoError(t, err)
	defer handle.Close()

	first := <-handle.Events()
	require.False(t, first.EndOfStored)
	require.Equal(t, stored.ID, first.Event.ID)

	marker := <-handle.Events()
	require.True(t, marker.EndOfStored)

	live := helperSignedNote(t, "live", 200)
	r.Emit(live)
	delivery := <-handle.Events()
	require.Equal(t, live.ID, delivery.Event.ID)

	// Duplicate live deliveries are suppressed for the subscription's
	// lifetime.
	r.Emit(live)
	another := helperSignedNote(t, "another", 201)
	r.Emit(another)
	delivery = <-handle.Events()
	require.Equal(t, another.ID, delivery.Event.ID)
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := fixture.NewRelay("wss://closable.example")
	engine := helperEngine(t, r)

	handle, err := engine.Subscribe(context.Background(), model.Filters{{Kinds: []int{model.KindTextNote}}})
	require.NoError(t, err)
	require.False(t, handle.Closed())
	require.NotEmpty(t, handle.ID())

	handle.Close()
	handle.Close()
	require.True(t, handle.Closed())

	require.Eventually(t, func() bool {
		_, open := <-handle.Events()

		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSortHelpers(t *testing.T) {
	t.Parallel()

	events := []*model.Event{
		{Event: nostr.Event{ID: "b", CreatedAt: 2}},
		{Event: nostr.Event{ID: "a", CreatedAt: 1}},
		{Event: nostr.Event{ID: "c", CreatedAt: 3}},
	}
	SortByCreatedAtAsc(events)
	require.Equal(t, "a", events[0].ID)
	require.Equal(t, "c", events[2].ID)
	SortByCreatedAtDesc(events)
	require.Equal(t, "c", events[0].ID)
	require.Equal(t, "a", events[2].ID)
}
