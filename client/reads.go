// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"encoding/json"
	"log"

	"github.com/cockroachdb/errors"

	"github.com/nostrium/orbit/cache"
	"github.com/nostrium/orbit/groups"
	"github.com/nostrium/orbit/model"
	"github.com/nostrium/orbit/subscription"
)

// GroupMessage pairs a stored group message event with its decryption
// outcome.
type GroupMessage struct {
	Event   *model.Event
	Message *groups.DecryptedMessage
}

// Read operations are cache-first: a valid cache entry short-
// circuits the relay round trip; otherwise a one-shot query runs and
// its result populates the cache on the way out.

// Profile returns the latest profile metadata for the given author,
// or nil when none is known anywhere. Absence is not an error.
func (c *Client) Profile(ctx context.Context, pubKey string) (*model.ProfileMetadataContent, error) {
	key := cache.NewKey(cache.CategoryProfile, pubKey)
	if data, found := c.cache.Get(ctx, key); found {
		var profile model.ProfileMetadataContent
		if err := json.Unmarshal(data, &profile); err == nil {
			return &profile, nil
		}
	}

	events, err := c.engine.Query(ctx, model.Filters{{Kinds: []int{model.KindProfileMetadata}, Authors: []string{pubKey}, Limit: 1}}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query profile of %v", pubKey)
	}
	latest := newestOf(events)
	if latest == nil {
		return nil, nil
	}
	var profile model.ProfileMetadataContent
	if err = json.Unmarshal([]byte(latest.Content), &profile); err != nil {
		log.Printf("WARN: dropping malformed profile metadata from %v: %v", pubKey, err)

		return nil, nil
	}
	c.cache.Set(ctx, key, []byte(latest.Content))

	return &profile, nil
}

// Posts returns the author's notes, newest first (discovery order).
func (c *Client) Posts(ctx context.Context, pubKey string, limit int) ([]*model.Event, error) {
	key := cache.NewKey(cache.CategoryPost, pubKey)
	if cached, found := c.cachedEvents(ctx, key); found {
		return cached, nil
	}

	events, err := c.engine.Query(ctx, model.Filters{{Kinds: []int{model.KindTextNote}, Authors: []string{pubKey}, Limit: limit}}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query posts of %v", pubKey)
	}
	subscription.SortByCreatedAtDesc(events)
	c.cacheEvents(ctx, key, events)

	return events, nil
}

// Feed returns notes and reposts from the accounts we follow, newest
// first (discovery order).
func (c *Client) Feed(ctx context.Context, limit int) ([]*model.Event, error) {
	key := cache.NewKey(cache.CategoryFeed, c.pubKey)
	if cached, found := c.cachedEvents(ctx, key); found {
		return cached, nil
	}

	following, err := c.Following(ctx, c.pubKey)
	if err != nil {
		return nil, err
	}
	if len(following) == 0 {
		return nil, nil
	}
	events, err := c.engine.Query(ctx, model.Filters{{Kinds: []int{model.KindTextNote, model.KindRepost}, Authors: following, Limit: limit}}, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query feed")
	}
	subscription.SortByCreatedAtDesc(events)
	c.cacheEvents(ctx, key, events)

	return events, nil
}

// Following returns the pubkeys the given author follows, from their
// latest contact list.
func (c *Client) Following(ctx context.Context, pubKey string) ([]string, error) {
	key := cache.NewKey(cache.CategoryFollowing, pubKey)
	if data, found := c.cache.Get(ctx, key); found {
		var following []string
		if err := json.Unmarshal(data, &following); err == nil {
			return following, nil
		}
	}

	events, err := c.engine.Query(ctx, model.Filters{{Kinds: []int{model.KindContactList}, Authors: []string{pubKey}, Limit: 1}}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query contact list of %v", pubKey)
	}
	latest := newestOf(events)
	if latest == nil {
		return nil, nil
	}
	var following []string
	for _, tag := range latest.Tags {
		if tag.Key() == model.TagPubKey && tag.Value() != "" {
			following = append(following, tag.Value())
		}
	}
	if serialized, mErr := json.Marshal(following); mErr == nil {
		c.cache.Set(ctx, key, serialized)
	}

	return following, nil
}

// Followers returns the authors whose latest contact list references
// the given pubkey. Only as complete as the queried relays' view.
func (c *Client) Followers(ctx context.Context, pubKey string) ([]string, error) {
	key := cache.NewKey(cache.CategoryFollowers, pubKey)
	if data, found := c.cache.Get(ctx, key); found {
		var followers []string
		if err := json.Unmarshal(data, &followers); err == nil {
			return followers, nil
		}
	}

	events, err := c.engine.Query(ctx, model.Filters{{Kinds: []int{model.KindContactList}, Tags: model.TagMap{model.TagPubKey: []string{pubKey}}}}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query followers of %v", pubKey)
	}
	unique := make(map[string]struct{}, len(events))
	followers := make([]string, 0, len(events))
	for _, event := range events {
		if _, seen := unique[event.PubKey]; !seen {
			unique[event.PubKey] = struct{}{}
			followers = append(followers, event.PubKey)
		}
	}
	if serialized, mErr := json.Marshal(followers); mErr == nil {
		c.cache.Set(ctx, key, serialized)
	}

	return followers, nil
}

// Interactions returns reactions to the given event.
func (c *Client) Interactions(ctx context.Context, eventID string) ([]*model.Event, error) {
	key := cache.NewKey(cache.CategoryInteraction, eventID)
	if cached, found := c.cachedEvents(ctx, key); found {
		return cached, nil
	}

	events, err := c.engine.Query(ctx, model.Filters{{Kinds: []int{model.KindReaction}, Tags: model.TagMap{model.TagEvent: []string{eventID}}}}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query interactions with %v", eventID)
	}
	c.cacheEvents(ctx, key, events)

	return events, nil
}

// Conversation returns the encrypted direct messages exchanged with
// one contact, oldest first (conversational order). The two filter
// directions are ORed in a single multi-filter query and merged by
// event id.
func (c *Client) Conversation(ctx context.Context, peerPubKey string) ([]*model.Event, error) {
	key := cache.NewKey(cache.CategoryPrivateMessage, peerPubKey)
	if cached, found := c.cachedEvents(ctx, key); found {
		return cached, nil
	}

	events, err := c.engine.Query(ctx, model.Filters{
		{Kinds: []int{model.KindDirectMessage}, Authors: []string{c.pubKey}, Tags: model.TagMap{model.TagPubKey: []string{peerPubKey}}},
		{Kinds: []int{model.KindDirectMessage}, Authors: []string{peerPubKey}, Tags: model.TagMap{model.TagPubKey: []string{c.pubKey}}},
	}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query conversation with %v", peerPubKey)
	}
	subscription.SortByCreatedAtAsc(events)
	c.cacheEvents(ctx, key, events)

	return events, nil
}

// Conversations returns the peers we have exchanged encrypted direct
// messages with, most recent conversation first. The index is cached
// under the caller's own pubkey and dropped whenever a direct message
// is published.
func (c *Client) Conversations(ctx context.Context) ([]string, error) {
	key := cache.NewKey(cache.CategoryConversation, c.pubKey)
	if data, found := c.cache.Get(ctx, key); found {
		var peers []string
		if err := json.Unmarshal(data, &peers); err == nil {
			return peers, nil
		}
	}

	events, err := c.engine.Query(ctx, model.Filters{
		{Kinds: []int{model.KindDirectMessage}, Authors: []string{c.pubKey}},
		{Kinds: []int{model.KindDirectMessage}, Tags: model.TagMap{model.TagPubKey: []string{c.pubKey}}},
	}, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query conversations")
	}
	subscription.SortByCreatedAtDesc(events)
	unique := make(map[string]struct{}, len(events))
	peers := make([]string, 0, len(events))
	for _, event := range events {
		peer := event.PubKey
		if peer == c.pubKey {
			peer = event.TagValue(model.TagPubKey)
		}
		if peer == "" || peer == c.pubKey {
			continue
		}
		if _, seen := unique[peer]; !seen {
			unique[peer] = struct{}{}
			peers = append(peers, peer)
		}
	}
	if serialized, mErr := json.Marshal(peers); mErr == nil {
		c.cache.Set(ctx, key, serialized)
	}

	return peers, nil
}

// GroupMessages returns one group's messages decrypted, oldest first
// (conversational order). Undecryptable messages come back as marked
// placeholders, never as errors.
func (c *Client) GroupMessages(ctx context.Context, groupID string) ([]*GroupMessage, error) {
	events, err := c.engine.Query(ctx, model.Filters{{
		Kinds: []int{model.KindGroupMessage},
		Tags:  model.TagMap{model.TagGroupID: []string{groupID}},
	}}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query messages of group %v", groupID)
	}
	subscription.SortByCreatedAtAsc(events)
	messages := make([]*GroupMessage, 0, len(events))
	for _, event := range events {
		messages = append(messages, &GroupMessage{Event: event, Message: c.groups.DecryptGroupMessage(ctx, event, groupID)})
	}

	return messages, nil
}

// GroupMetadata returns the group's decrypted metadata from its
// creation event, or nil when no creation event is visible.
func (c *Client) GroupMetadata(ctx context.Context, groupID string) (*groups.GroupMetadata, error) {
	key := cache.NewKey(cache.CategoryGroup, groupID)
	if data, found := c.cache.Get(ctx, key); found {
		var metadata groups.GroupMetadata
		if err := json.Unmarshal(data, &metadata); err == nil {
			return &metadata, nil
		}
	}

	events, err := c.engine.Query(ctx, model.Filters{{Kinds: []int{model.KindGroupCreation}, Tags: model.TagMap{model.TagGroupID: []string{groupID}}, Limit: 1}}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query creation event of group %v", groupID)
	}
	creation := newestOf(events)
	if creation == nil {
		return nil, nil
	}
	metadata, err := c.groups.DecryptGroupMetadata(ctx, creation, groupID)
	if err != nil {
		return nil, err
	}
	if serialized, mErr := json.Marshal(metadata); mErr == nil {
		c.cache.Set(ctx, key, serialized)
	}

	return metadata, nil
}

// GroupMembers returns the pubkeys that joined the group, as visible
// on the queried relays.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	key := cache.NewKey(cache.CategoryGroupMember, groupID)
	if data, found := c.cache.Get(ctx, key); found {
		var members []string
		if err := json.Unmarshal(data, &members); err == nil {
			return members, nil
		}
	}

	events, err := c.engine.Query(ctx, model.Filters{{Kinds: []int{model.KindGroupJoin}, Tags: model.TagMap{model.TagGroupID: []string{groupID}}}}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query members of group %v", groupID)
	}
	unique := make(map[string]struct{}, len(events))
	members := make([]string, 0, len(events))
	for _, event := range events {
		if _, seen := unique[event.PubKey]; !seen {
			unique[event.PubKey] = struct{}{}
			members = append(members, event.PubKey)
		}
	}
	if serialized, mErr := json.Marshal(members); mErr == nil {
		c.cache.Set(ctx, key, serialized)
	}

	return members, nil
}

func newestOf(events []*model.Event) *model.Event {
	var newest *model.Event
	for _, event := range events {
		if newest == nil || event.CreatedAt > newest.CreatedAt {
			newest = event
		}
	}

	return newest
}

func (c *Client) cachedEvents(ctx context.Context, key cache.Key) ([]*model.Event, bool) {
	data, found := c.cache.Get(ctx, key)
	if !found {
		return nil, false
	}
	var events []*model.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, false
	}

	return events, true
}

func (c *Client) cacheEvents(ctx context.Context, key cache.Key, events []*model.Event) {
	serialized, err := json.Marshal(events)
	if err != nil {
		log.Printf("WARN: failed to serialize events for cache key %v:%v: %v", key.Category, key.ID, err)

		return
	}
	c.cache.Set(ctx, key, serialized)
}
