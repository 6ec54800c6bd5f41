// SPDX-License-Identifier: MIT

package client_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nostrium/orbit/cache"
	"github.com/nostrium/orbit/client"
	"github.com/nostrium/orbit/database/kv"
	"github.com/nostrium/orbit/groups"
	"github.com/nostrium/orbit/model"
	"github.com/nostrium/orbit/publisher"
	"github.com/nostrium/orbit/relay"
	"github.com/nostrium/orbit/relay/fixture"
	"github.com/nostrium/orbit/subscription"
)

func helperClient(t *testing.T, privateKey string, relays ...*fixture.Relay) *client.Client {
	t.Helper()
	ctx := context.Background()

	store, err := kv.Open(filepath.Join(t.TempDir(), "client.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	cacheStore := cache.New(store)
	t.Cleanup(func() { require.NoError(t, cacheStore.Close()) })

	pool, err := relay.New(ctx, fixture.NewConnector(relays...), store)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pool.Close()) })
	for _, r := range relays {
		require.NoError(t, pool.Add(ctx, r.URL()))
	}

	pub := publisher.New(pool, publisher.NewRateGate(time.Millisecond), privateKey)
	engine := subscription.New(pool)
	groupManager := groups.NewManager(store, pub, privateKey)

	cl, err := client.New(privateKey, cacheStore, pool, pub, engine, groupManager)
	require.NoError(t, err)

	return cl
}

func TestPublishNoteAndReadBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := fixture.NewRelay("wss://home.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	note, err := cl.PublishNote(ctx, "hello from the client", publisher.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, note.ID)

	posts, err := cl.Posts(ctx, cl.PubKey(), 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.Equal(t, note.ID, posts[0].ID)
	require.Equal(t, "hello from the client", posts[0].Content)
}

func TestPostsServedFromCacheWhenRelaysGone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := fixture.NewRelay("wss://fleeting.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	note, err := cl.PublishNote(ctx, "cached", publisher.Options{})
	require.NoError(t, err)

	first, err := cl.Posts(ctx, cl.PubKey(), 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, cl.Pool().Remove(ctx, r.URL()))

	cached, err := cl.Posts(ctx, cl.PubKey(), 10)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	require.Equal(t, note.ID, cached[0].ID)
}

func TestSetProfileInvalidatesCachedProfile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := fixture.NewRelay("wss://profiles.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	_, err := cl.SetProfile(ctx, &model.ProfileMetadataContent{Name: "alice", About: "first draft"})
	require.NoError(t, err)
	profile, err := cl.Profile(ctx, cl.PubKey())
	require.NoError(t, err)
	require.NotNil(t, profile)
	require.Equal(t, "alice", profile.Name)

	// Profile events are replaceable and resolved by created_at, which
	// only has second resolution.
	time.Sleep(1100 * time.Millisecond)

	_, err = cl.SetProfile(ctx, &model.ProfileMetadataContent{Name: "alice", About: "second draft"})
	require.NoError(t, err)
	profile, err = cl.Profile(ctx, cl.PubKey())
	require.NoError(t, err)
	require.NotNil(t, profile)
	require.Equal(t, "second draft", profile.About)
}

func TestFollowShowsUpInFollowing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	peer, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	r := fixture.NewRelay("wss://contacts.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	_, err = cl.Follow(ctx, peer)
	require.NoError(t, err)

	following, err := cl.Following(ctx, cl.PubKey())
	require.NoError(t, err)
	require.Equal(t, []string{peer}, following)
}

func TestFollowRefreshesPeerFollowers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	peer, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	r := fixture.NewRelay("wss://contacts.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	// Prime the peer's followers entry with the pre-follow (empty)
	// answer; the confirmed contact-list publish must drop it.
	followers, err := cl.Followers(ctx, peer)
	require.NoError(t, err)
	require.Empty(t, followers)

	_, err = cl.Follow(ctx, peer)
	require.NoError(t, err)

	followers, err = cl.Followers(ctx, peer)
	require.NoError(t, err)
	require.Equal(t, []string{cl.PubKey()}, followers)
}

func TestReactionAppearsInInteractions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := fixture.NewRelay("wss://reactions.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	note, err := cl.PublishNote(ctx, "react to me", publisher.Options{})
	require.NoError(t, err)
	reaction, err := cl.React(ctx, note, "+")
	require.NoError(t, err)

	interactions, err := cl.Interactions(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	require.Equal(t, reaction.ID, interactions[0].ID)
	require.Equal(t, "+", interactions[0].Content)
}

func TestDeleteRejectsForeignEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := fixture.NewRelay("wss://delete.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	note, err := cl.PublishNote(ctx, "retract me", publisher.Options{})
	require.NoError(t, err)
	deletion, err := cl.Delete(ctx, note, "posted by mistake")
	require.NoError(t, err)
	require.Equal(t, model.KindDeletion, deletion.Kind)

	var foreign model.Event
	foreign.ID = "abc"
	foreign.PubKey = "someone-else"
	_, err = cl.Delete(ctx, &foreign, "")
	require.Error(t, err)
}

func TestDirectMessageConversationRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	peerPrivateKey := nostr.GeneratePrivateKey()
	peerPubKey, err := nostr.GetPublicKey(peerPrivateKey)
	require.NoError(t, err)

	r := fixture.NewRelay("wss://dm.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	sent, err := cl.SendDirectMessage(ctx, peerPubKey, "meet at noon")
	require.NoError(t, err)
	require.NotEqual(t, "meet at noon", sent.Content)

	conversation, err := cl.Conversation(ctx, peerPubKey)
	require.NoError(t, err)
	require.Len(t, conversation, 1)

	plaintext, err := cl.DecryptDirectMessage(peerPubKey, conversation[0].Content)
	require.NoError(t, err)
	require.Equal(t, "meet at noon", plaintext)
}

func TestConversationsIndexRefreshedOnSend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	peerPubKey, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	r := fixture.NewRelay("wss://dm.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	// Prime the index with the pre-message (empty) answer; sending a
	// direct message must drop it.
	peers, err := cl.Conversations(ctx)
	require.NoError(t, err)
	require.Empty(t, peers)

	_, err = cl.SendDirectMessage(ctx, peerPubKey, "hello")
	require.NoError(t, err)

	peers, err = cl.Conversations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{peerPubKey}, peers)
}

func TestGroupMessageRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	memberPubKey, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	r := fixture.NewRelay("wss://groups.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	created, records, err := cl.CreateGroup(ctx, "ops", "operational chatter", []string{memberPubKey})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Success)

	sent, err := cl.SendGroupMessage(ctx, created.GroupID, "rotate the pager")
	require.NoError(t, err)
	require.NotEqual(t, "rotate the pager", sent.Content)

	messages, err := cl.GroupMessages(ctx, created.GroupID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.False(t, messages[0].Message.Failed)
	require.Equal(t, "rotate the pager", messages[0].Message.Content)
}

func TestJoinGroupAppearsInMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := fixture.NewRelay("wss://membership.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	created, _, err := cl.CreateGroup(ctx, "lounge", "", nil)
	require.NoError(t, err)
	_, err = cl.JoinGroup(ctx, created.GroupID)
	require.NoError(t, err)

	members, err := cl.GroupMembers(ctx, created.GroupID)
	require.NoError(t, err)
	require.Equal(t, []string{cl.PubKey()}, members)
}

func TestGroupMetadataRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	memberPubKey, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	r := fixture.NewRelay("wss://meta.example")
	cl := helperClient(t, nostr.GeneratePrivateKey(), r)

	created, _, err := cl.CreateGroup(ctx, "research", "papers and preprints", []string{memberPubKey})
	require.NoError(t, err)

	metadata, err := cl.GroupMetadata(ctx, created.GroupID)
	require.NoError(t, err)
	require.NotNil(t, metadata)
	require.Equal(t, "research", metadata.Name)
	require.Equal(t, "papers and preprints", metadata.About)
	require.Equal(t, []string{memberPubKey}, metadata.Members)

	unknown, err := cl.GroupMetadata(ctx, "no-such-group")
	require.NoError(t, err)
	require.Nil(t, unknown)
}

func TestPendingInvitations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cl := helperClient(t, nostr.GeneratePrivateKey(), fixture.NewRelay("wss://invites.example"))

	pending, err := cl.PendingInvitations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, cl.RecordInvitation(ctx, &client.Invitation{GroupID: "g1", Inviter: "alice", GroupName: "ops"}))
	require.NoError(t, cl.RecordInvitation(ctx, &client.Invitation{GroupID: "g2", Inviter: "bob"}))
	// Re-inviting the same group replaces the earlier record.
	require.NoError(t, cl.RecordInvitation(ctx, &client.Invitation{GroupID: "g1", Inviter: "carol", GroupName: "ops"}))

	pending, err = cl.PendingInvitations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "g2", pending[0].GroupID)
	require.Equal(t, "carol", pending[1].Inviter)

	require.NoError(t, cl.ResolveInvitation(ctx, "g2"))
	pending, err = cl.PendingInvitations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "g1", pending[0].GroupID)

	require.NoError(t, cl.ResolveInvitation(ctx, "never-invited"))
}

func TestConversationReadTimestamps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cl := helperClient(t, nostr.GeneratePrivateKey(), fixture.NewRelay("wss://read.example"))

	_, found := cl.ConversationReadAt(ctx, "peer")
	require.False(t, found)

	cl.MarkConversationRead(ctx, "peer")
	at, found := cl.ConversationReadAt(ctx, "peer")
	require.True(t, found)
	require.WithinDuration(t, time.Now(), at, time.Minute)
}

func TestStartupCacheSweepSkippedWhenRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cl := helperClient(t, nostr.GeneratePrivateKey(), fixture.NewRelay("wss://sweep.example"))

	// A forced sweep records its time; the due-based sweep used on
	// startup must then be a no-op until the interval elapses.
	_, err := cl.CleanupCache(ctx)
	require.NoError(t, err)

	removed, err := cl.CleanupCacheIfDue(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}
