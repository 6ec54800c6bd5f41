// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nostrium/orbit/cache"
)

// Invitation is a received group invitation awaiting a decision. The
// pending set is persisted per-identity so it survives restarts;
// invitations left unresolved lapse with the invitation category TTL.
type Invitation struct {
	GroupID    string `json:"groupId"`
	Inviter    string `json:"inviter"`
	GroupName  string `json:"groupName,omitempty"`
	ReceivedAt int64  `json:"receivedAt"`
}

const pendingInvitationsID = "pending"

// RecordInvitation appends the invitation to the pending set,
// replacing an older one for the same group.
func (c *Client) RecordInvitation(ctx context.Context, invitation *Invitation) error {
	pending, err := c.PendingInvitations(ctx)
	if err != nil {
		return err
	}
	if invitation.ReceivedAt == 0 {
		invitation.ReceivedAt = time.Now().Unix()
	}
	kept := make([]*Invitation, 0, len(pending)+1)
	for _, existing := range pending {
		if existing.GroupID != invitation.GroupID {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, invitation)

	return c.storePendingInvitations(ctx, kept)
}

// PendingInvitations returns the invitations not yet accepted or
// declined, oldest first.
func (c *Client) PendingInvitations(ctx context.Context) ([]*Invitation, error) {
	data, found := c.cache.Get(ctx, cache.NewKey(cache.CategoryInvitation, pendingInvitationsID))
	if !found {
		return nil, nil
	}
	var pending []*Invitation
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, errors.Wrap(err, "corrupt pending invitation set")
	}

	return pending, nil
}

// ResolveInvitation drops the group's invitation from the pending
// set, whatever the decision was. Accepting is a separate JoinGroup
// call so a decline costs no publish.
func (c *Client) ResolveInvitation(ctx context.Context, groupID string) error {
	pending, err := c.PendingInvitations(ctx)
	if err != nil {
		return err
	}
	kept := make([]*Invitation, 0, len(pending))
	for _, existing := range pending {
		if existing.GroupID != groupID {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(pending) {
		return nil
	}

	return c.storePendingInvitations(ctx, kept)
}

func (c *Client) storePendingInvitations(ctx context.Context, pending []*Invitation) error {
	serialized, err := json.Marshal(pending)
	if err != nil {
		return errors.Wrap(err, "failed to serialize pending invitation set")
	}
	c.cache.Set(ctx, cache.NewKey(cache.CategoryInvitation, pendingInvitationsID), serialized)

	return nil
}
