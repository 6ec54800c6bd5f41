// SPDX-License-Identifier: MIT

package cache

import (
	"strings"
)

type (
	// Category is the logical namespace of a cached value. TTLs and
	// list-trim caps are tuned per category.
	Category string

	// Key is the structured composite cache key. Rendering to a flat
	// string happens only at the storage boundary, so category-based
	// invalidation and stats never rely on ad hoc substring matching.
	Key struct {
		Category Category
		ID       string
	}
)

const (
	CategoryProfile        Category = "profile"
	CategoryPost           Category = "post"
	CategoryFeed           Category = "feed"
	CategoryFollowing      Category = "following"
	CategoryFollowers      Category = "followers"
	CategoryInteraction    Category = "interaction"
	CategoryPrivateMessage Category = "privmsg"
	CategoryConversation   Category = "conversation"
	CategoryGroup          Category = "group"
	CategoryGroupMember    Category = "groupmember"
	CategoryReadTimestamp  Category = "readts"
	CategoryInvitation     Category = "invitation"
)

var AllCategories = []Category{
	CategoryProfile,
	CategoryPost,
	CategoryFeed,
	CategoryFollowing,
	CategoryFollowers,
	CategoryInteraction,
	CategoryPrivateMessage,
	CategoryConversation,
	CategoryGroup,
	CategoryGroupMember,
	CategoryReadTimestamp,
	CategoryInvitation,
}

const (
	storageNamespace = "cache:"
	lastSweepKey     = "lastcleanup"
)

func NewKey(category Category, id string) Key {
	return Key{Category: category, ID: id}
}

func (k Key) storageKey() string {
	return storageNamespace + string(k.Category) + ":" + k.ID
}

func categoryPrefix(category Category) string {
	return storageNamespace + string(category) + ":"
}

func parseStorageKey(storageKey string) (Key, bool) {
	rest, found := strings.CutPrefix(storageKey, storageNamespace)
	if !found {
		return Key{}, false
	}
	category, id, found := strings.Cut(rest, ":")
	if !found || category == "" {
		return Key{}, false
	}

	return Key{Category: Category(category), ID: id}, true
}
