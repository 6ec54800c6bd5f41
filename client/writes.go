// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/nostrium/orbit/groups"
	"github.com/nostrium/orbit/model"
	"github.com/nostrium/orbit/publisher"
)

// Write operations delegate to the publisher (which owns signing, the
// global rate gate, fan-out and retries) and invalidate the matching
// cache entries only after the publish is confirmed.

func (c *Client) publish(ctx context.Context, event *model.Event, opts publisher.Options) (*model.Event, error) {
	published, err := c.publisher.Publish(ctx, event, opts)
	if err != nil {
		return nil, err
	}
	c.invalidator.AfterPublish(ctx, published)

	return published, nil
}

// SetProfile publishes replaceable profile metadata.
func (c *Client) SetProfile(ctx context.Context, profile *model.ProfileMetadataContent) (*model.Event, error) {
	content, err := json.Marshal(profile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize profile metadata")
	}
	var event model.Event
	event.Kind = model.KindProfileMetadata
	event.Content = string(content)

	return c.publish(ctx, &event, publisher.Options{})
}

// PublishNote publishes a plain text note.
func (c *Client) PublishNote(ctx context.Context, content string, opts publisher.Options) (*model.Event, error) {
	var event model.Event
	event.Kind = model.KindTextNote
	event.Content = content

	return c.publish(ctx, &event, opts)
}

// Reply publishes a note threaded under the given parent. When the
// parent is itself a reply, rootID names the thread root; otherwise
// the parent is the root and rootID may be empty.
func (c *Client) Reply(ctx context.Context, content string, parent *model.Event, rootID string) (*model.Event, error) {
	var event model.Event
	event.Kind = model.KindTextNote
	event.Content = content
	if rootID != "" && rootID != parent.ID {
		event.Tags = model.Tags{
			{model.TagEvent, rootID, "", model.TagMarkerRoot},
			{model.TagEvent, parent.ID, "", model.TagMarkerReply},
		}
	} else {
		event.Tags = model.Tags{{model.TagEvent, parent.ID, "", model.TagMarkerRoot}}
	}
	event.Tags = append(event.Tags, model.Tag{model.TagPubKey, parent.PubKey})

	return c.publish(ctx, &event, publisher.Options{})
}

// Repost publishes a repost of the given event, embedding its JSON so
// clients that missed the original can still render it.
func (c *Client) Repost(ctx context.Context, original *model.Event) (*model.Event, error) {
	embedded, err := json.Marshal(original)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize reposted event %v", original.ID)
	}
	var event model.Event
	event.Kind = model.KindRepost
	event.Content = string(embedded)
	event.Tags = model.Tags{
		{model.TagEvent, original.ID},
		{model.TagPubKey, original.PubKey},
	}

	return c.publish(ctx, &event, publisher.Options{})
}

// React publishes a reaction ("+" by convention for a like) to the
// given event.
func (c *Client) React(ctx context.Context, target *model.Event, reaction string) (*model.Event, error) {
	var event model.Event
	event.Kind = model.KindReaction
	event.Content = reaction
	event.Tags = model.Tags{
		{model.TagEvent, target.ID},
		{model.TagPubKey, target.PubKey},
	}

	return c.publish(ctx, &event, publisher.Options{})
}

// Delete publishes a deletion request for one of our own events
// (retracting a note, or "unliking" by deleting the reaction).
// Relays honor it at their discretion.
func (c *Client) Delete(ctx context.Context, target *model.Event, reason string) (*model.Event, error) {
	if target.PubKey != c.pubKey {
		return nil, errors.Newf("cannot delete event %v authored by %v", target.ID, target.PubKey)
	}
	var event model.Event
	event.Kind = model.KindDeletion
	event.Content = reason
	event.Tags = model.Tags{{model.TagEvent, target.ID}}

	return c.publish(ctx, &event, publisher.Options{})
}

// Follow adds the pubkey to our contact list and republishes it.
// The contact list is replaceable: relays keep only the newest one,
// so the full list is read, modified and published back whole.
func (c *Client) Follow(ctx context.Context, pubKey string) (*model.Event, error) {
	return c.mutateContactList(ctx, func(following []string) []string {
		for _, followed := range following {
			if followed == pubKey {
				return following
			}
		}

		return append(following, pubKey)
	})
}

// Unfollow removes the pubkey from our contact list and republishes
// it.
func (c *Client) Unfollow(ctx context.Context, pubKey string) (*model.Event, error) {
	return c.mutateContactList(ctx, func(following []string) []string {
		kept := following[:0]
		for _, followed := range following {
			if followed != pubKey {
				kept = append(kept, followed)
			}
		}

		return kept
	})
}

func (c *Client) mutateContactList(ctx context.Context, mutate func([]string) []string) (*model.Event, error) {
	following, err := c.Following(ctx, c.pubKey)
	if err != nil {
		return nil, err
	}
	following = mutate(following)
	var event model.Event
	event.Kind = model.KindContactList
	event.Tags = make(model.Tags, 0, len(following))
	for _, followed := range following {
		event.Tags = append(event.Tags, model.Tag{model.TagPubKey, followed})
	}

	return c.publish(ctx, &event, publisher.Options{})
}

// SendDirectMessage publishes an encrypted directed message to one
// recipient.
func (c *Client) SendDirectMessage(ctx context.Context, peerPubKey, content string) (*model.Event, error) {
	sharedSecret, err := nip04.ComputeSharedSecret(peerPubKey, c.privateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compute shared secret with %v", peerPubKey)
	}
	ciphertext, err := nip04.Encrypt(content, sharedSecret)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encrypt direct message to %v", peerPubKey)
	}
	var event model.Event
	event.Kind = model.KindDirectMessage
	event.Content = ciphertext
	event.Tags = model.Tags{{model.TagPubKey, peerPubKey}}

	return c.publish(ctx, &event, publisher.Options{})
}

// CreateGroup creates an encrypted group: generates and persists its
// first key, publishes the encrypted creation event and distributes
// the key to every initial member.
func (c *Client) CreateGroup(ctx context.Context, name, about string, members []string) (*groups.CreatedGroup, []groups.DistributionRecord, error) {
	created, err := c.groups.CreateGroup(ctx, name, about, members)
	if err != nil {
		return nil, nil, err
	}
	if _, err = c.publish(ctx, created.Event, publisher.Options{}); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to publish creation of group %v", created.GroupID)
	}
	records := c.groups.DistributeKey(ctx, created.GroupID, created.Key, created.Version, members)

	return created, records, nil
}

// SendGroupMessage encrypts the plaintext under the group's current
// key and publishes it.
func (c *Client) SendGroupMessage(ctx context.Context, groupID, content string) (*model.Event, error) {
	envelope, err := c.groups.EncryptGroupMessage(ctx, groupID, content)
	if err != nil {
		return nil, err
	}

	return c.publish(ctx, envelope.NewMessageEvent(), publisher.Options{})
}

// JoinGroup announces membership in the group.
func (c *Client) JoinGroup(ctx context.Context, groupID string) (*model.Event, error) {
	var event model.Event
	event.Kind = model.KindGroupJoin
	event.Tags = model.Tags{{model.TagGroupID, groupID}}

	return c.publish(ctx, &event, publisher.Options{})
}

// RotateGroupKey generates the next key version, distributes it to
// the remaining member set only and publishes the rotation
// announcement. Removed members never receive the new key.
func (c *Client) RotateGroupKey(ctx context.Context, groupID string, newMemberSet, removedMembers []string) (*groups.Rotation, error) {
	rotation, err := c.groups.RotateKey(ctx, groupID, newMemberSet, removedMembers)
	if err != nil {
		return nil, err
	}
	c.invalidator.AfterPublish(ctx, rotation.Event)

	return rotation, nil
}

// MineNote publishes a note stamped with proof-of-work at the given
// difficulty (leading zero bits of the event id).
func (c *Client) MineNote(ctx context.Context, content string, difficulty int) (*model.Event, error) {
	return c.PublishNote(ctx, content, publisher.Options{ProofOfWork: true, PowDifficulty: difficulty})
}
