// SPDX-License-Identifier: MIT

package model

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

type (
	TagMap    = nostr.TagMap
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	Kind      = int
	Filter    = nostr.Filter
	Filters   = nostr.Filters
)

var (
	ErrInvalidEvent     = errors.New("invalid event")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// Core event kinds produced or consumed by the runtime. The standard
// ones come from go-nostr; the group-oriented ones live in the
// parameterized-replaceable custom range with the group id carried in
// the "g" tag.
const (
	KindProfileMetadata = nostr.KindProfileMetadata
	KindTextNote        = nostr.KindTextNote
	KindContactList     = nostr.KindContactList
	KindDirectMessage   = nostr.KindEncryptedDirectMessage
	KindDeletion        = nostr.KindDeletion
	KindRepost          = nostr.KindRepost
	KindReaction        = nostr.KindReaction

	KindChannelCreation   = nostr.KindChannelCreation
	KindChannelMetadata   = nostr.KindChannelMetadata
	KindChannelMessage    = nostr.KindChannelMessage
	KindChannelModeration = nostr.KindChannelHideMessage

	KindGroupCreation   Kind = 39_000
	KindGroupMessage    Kind = 39_001
	KindGroupJoin       Kind = 39_002
	KindGroupModeration Kind = 39_003
)

const (
	TagGroupID    = "g"
	TagKeyVersion = "keyver"
	TagPubKey     = "p"
	TagEvent      = "e"

	TagMarkerReply   = "reply"
	TagMarkerRoot    = "root"
	TagMarkerMention = "mention"
)

type (
	// ProfileMetadataContent is the JSON payload of a kind-0 event.
	ProfileMetadataContent struct {
		Name        string `json:"name,omitempty"`
		About       string `json:"about,omitempty"`
		Picture     string `json:"picture,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
		Website     string `json:"website,omitempty"`
		Banner      string `json:"banner,omitempty"`
		Bot         bool   `json:"bot,omitempty"`
	}

	RepostContent struct {
		ID     string `json:"id"`
		PubKey string `json:"pubkey"`
		Kind   int    `json:"kind"`
	}
)
