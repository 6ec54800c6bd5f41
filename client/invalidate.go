// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"log"

	"github.com/hashicorp/go-multierror"

	"github.com/nostrium/orbit/cache"
	"github.com/nostrium/orbit/model"
)

// Coordinator maps confirmed publishes to the cache entries they make
// stale and drops those entries. It runs strictly after the publish
// succeeds: a failed publish leaves the cache untouched, so readers
// never observe state the relays rejected.
type Coordinator struct {
	cache *cache.Cache
}

// AfterPublish invalidates the cache entries affected by the accepted
// event. Invalidation failures are logged, never propagated: the
// publish already succeeded and a stale entry is recoverable, a
// reported failure of a successful write is not.
func (i *Coordinator) AfterPublish(ctx context.Context, event *model.Event) {
	var keys []cache.Key
	switch event.Kind {
	case model.KindProfileMetadata:
		keys = append(keys, cache.NewKey(cache.CategoryProfile, event.PubKey))
	case model.KindTextNote, model.KindRepost:
		keys = append(keys,
			cache.NewKey(cache.CategoryPost, event.PubKey),
			cache.NewKey(cache.CategoryFeed, event.PubKey))
	case model.KindReaction:
		if target := event.TagValue(model.TagEvent); target != "" {
			keys = append(keys, cache.NewKey(cache.CategoryInteraction, target))
		}
	case model.KindDeletion:
		// The deleted event's kind is unknown here, so drop the
		// author's content entries and the whole reaction category.
		keys = append(keys,
			cache.NewKey(cache.CategoryPost, event.PubKey),
			cache.NewKey(cache.CategoryFeed, event.PubKey))
		if err := i.cache.InvalidateCategory(ctx, cache.CategoryInteraction); err != nil {
			log.Printf("WARN: reaction cache invalidation after publishing deletion %v: %v", event.ID, err)
		}
	case model.KindContactList:
		keys = append(keys,
			cache.NewKey(cache.CategoryFollowing, event.PubKey),
			cache.NewKey(cache.CategoryFeed, event.PubKey))
		// Every peer the new list names has a stale followers entry.
		for _, tag := range event.Tags {
			if tag.Key() == model.TagPubKey && tag.Value() != "" {
				keys = append(keys, cache.NewKey(cache.CategoryFollowers, tag.Value()))
			}
		}
	case model.KindDirectMessage:
		if peer := event.TagValue(model.TagPubKey); peer != "" {
			keys = append(keys,
				cache.NewKey(cache.CategoryPrivateMessage, peer),
				cache.NewKey(cache.CategoryConversation, event.PubKey))
		}
	case model.KindGroupCreation, model.KindGroupMessage, model.KindGroupJoin, model.KindGroupModeration:
		if groupID := event.TagValue(model.TagGroupID); groupID != "" {
			keys = append(keys,
				cache.NewKey(cache.CategoryGroup, groupID),
				cache.NewKey(cache.CategoryGroupMember, groupID))
		}
	}
	var errs *multierror.Error
	for _, key := range keys {
		errs = multierror.Append(errs, i.cache.Invalidate(ctx, key))
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Printf("WARN: cache invalidation after publishing %v: %v", event.ID, err)
	}
}
