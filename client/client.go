// SPDX-License-Identifier: MIT

// Package client is the surface consumed by UI and bot layers: typed
// read/write operations over the protocol core. Reads consult the
// cache first and fall back to one-shot relay queries; writes go
// through the publisher and invalidate the matching cache entries
// after the publish is confirmed.
package client

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/nostrium/orbit/cache"
	"github.com/nostrium/orbit/groups"
	"github.com/nostrium/orbit/model"
	"github.com/nostrium/orbit/publisher"
	"github.com/nostrium/orbit/relay"
	"github.com/nostrium/orbit/subscription"
)

type Client struct {
	privateKey string
	pubKey     string

	cache       *cache.Cache
	pool        *relay.Pool
	publisher   *publisher.Publisher
	engine      *subscription.Engine
	groups      *groups.Manager
	invalidator *Coordinator
}

func New(privateKey string, c *cache.Cache, pool *relay.Pool, pub *publisher.Publisher, engine *subscription.Engine, groupManager *groups.Manager) (*Client, error) {
	pubKey, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid client private key")
	}

	return &Client{
		privateKey:  privateKey,
		pubKey:      pubKey,
		cache:       c,
		pool:        pool,
		publisher:   pub,
		engine:      engine,
		groups:      groupManager,
		invalidator: &Coordinator{cache: c},
	}, nil
}

func (c *Client) PubKey() string {
	return c.pubKey
}

func (c *Client) Pool() *relay.Pool {
	return c.pool
}

func (c *Client) Groups() *groups.Manager {
	return c.groups
}

// SubscribeFeed is a continuous subscription to the given authors'
// notes and reposts. The caller owns the handle and must close it.
func (c *Client) SubscribeFeed(ctx context.Context, authors []string) (*subscription.Handle, error) {
	return c.engine.Subscribe(ctx, model.Filters{{
		Kinds:   []int{model.KindTextNote, model.KindRepost},
		Authors: authors,
	}})
}

// SubscribeGroup is a continuous subscription to one group's
// encrypted traffic.
func (c *Client) SubscribeGroup(ctx context.Context, groupID string) (*subscription.Handle, error) {
	return c.engine.Subscribe(ctx, model.Filters{{
		Kinds: []int{model.KindGroupMessage, model.KindGroupModeration, model.KindGroupJoin},
		Tags:  model.TagMap{model.TagGroupID: []string{groupID}},
	}})
}

// DecryptDirectMessage decrypts a directed encrypted message
// exchanged with peerPubKey.
func (c *Client) DecryptDirectMessage(peerPubKey, content string) (string, error) {
	sharedSecret, err := nip04.ComputeSharedSecret(peerPubKey, c.privateKey)
	if err != nil {
		return "", errors.Wrapf(err, "failed to compute shared secret with %v", peerPubKey)
	}
	plaintext, err := nip04.Decrypt(content, sharedSecret)

	return plaintext, errors.Wrapf(err, "failed to decrypt direct message from %v", peerPubKey)
}

// MarkConversationRead records the read timestamp for one contact.
func (c *Client) MarkConversationRead(ctx context.Context, peerPubKey string) {
	c.cache.Set(ctx, cache.NewKey(cache.CategoryReadTimestamp, peerPubKey), []byte(time.Now().UTC().Format(time.RFC3339)))
}

func (c *Client) ConversationReadAt(ctx context.Context, peerPubKey string) (time.Time, bool) {
	data, found := c.cache.Get(ctx, cache.NewKey(cache.CategoryReadTimestamp, peerPubKey))
	if !found {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339, string(data))
	if err != nil {
		return time.Time{}, false
	}

	return at, true
}

// CacheStats exposes durable cache entry counts by category.
func (c *Client) CacheStats(ctx context.Context) (map[cache.Category]int, error) {
	return c.cache.Stats(ctx)
}

func (c *Client) ClearCache(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// CleanupCache sweeps expired entries out of both cache tiers.
func (c *Client) CleanupCache(ctx context.Context) (int, error) {
	return c.cache.SweepExpired(ctx)
}

// CleanupCacheIfDue sweeps only when the recorded last sweep is older
// than the configured interval. Called once on startup.
func (c *Client) CleanupCacheIfDue(ctx context.Context) (int, error) {
	return c.cache.SweepIfDue(ctx)
}
