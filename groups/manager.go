// SPDX-License-Identifier: MIT

// Package groups manages per-group symmetric keys and the encrypted
// group traffic built on them: generation, persistence, rotation on
// every membership change, and key distribution over individually
// encrypted direct messages.
package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/gjson"

	"github.com/nostrium/orbit/cfg"
	"github.com/nostrium/orbit/database/kv"
	"github.com/nostrium/orbit/model"
	"github.com/nostrium/orbit/publisher"
)

type (
	Config struct {
		// How many historical key versions to retain per group beyond
		// the current one, for decrypting slightly-stale in-flight
		// messages.
		RetainedKeyVersions int `yaml:"retainedKeyVersions" mapstructure:"retainedKeyVersions"`
	}

	Manager struct {
		config     *Config
		durable    *kv.Store
		publisher  *publisher.Publisher
		privateKey string

		// groupID -> current (highest) key version. At most one key
		// is current per group.
		currentVersions *xsync.MapOf[string, int]
	}

	GroupKey struct {
		GroupID  string `json:"groupId"`
		Key      []byte `json:"key"`
		Version  int    `json:"version"`
		StoredAt int64  `json:"storedAt"`
	}

	CreatedGroup struct {
		Event   *model.Event
		GroupID string
		Key     []byte
		Version int
	}

	// DistributionRecord is the per-member outcome of a key share.
	// Failures are per-member and never abort the batch.
	DistributionRecord struct {
		Member  string
		EventID string
		Success bool
		Err     error
	}

	Rotation struct {
		NewKey     []byte
		NewVersion int
		Records    []DistributionRecord
		Event      *model.Event
	}

	GroupMetadata struct {
		Name      string   `json:"name"`
		About     string   `json:"about"`
		Members   []string `json:"members"`
		Timestamp int64    `json:"timestamp"`
		Type      string   `json:"type"`
	}

	Envelope struct {
		GroupID string
		Version int
		Data    string
	}

	// DecryptedMessage is always returned, never an error: content-
	// level failures surface as a clearly marked placeholder so UIs
	// can render it in place.
	DecryptedMessage struct {
		Content   string
		Type      string
		Timestamp int64
		Failed    bool
		Reason    string
	}
)

const (
	keyStoragePrefix = "groupkey:"

	messageTypeText     = "text"
	messageTypeMetadata = "metadata"
	messageTypeRotation = "rotation"

	decryptionPlaceholder = "[unable to decrypt]"

	defaultRetainedKeyVersions = 3
)

var (
	ErrNoKey              = errors.New("no key stored for group")
	ErrDecryptionFailed   = errors.New("group message decryption failed")
	ErrKeyVersionMismatch = errors.New("group key version mismatch")
)

func NewManager(durable *kv.Store, pub *publisher.Publisher, privateKey string) *Manager {
	config := cfg.MustGet[Config]()
	if config.RetainedKeyVersions <= 0 {
		config.RetainedKeyVersions = defaultRetainedKeyVersions
	}

	return &Manager{
		config:          config,
		durable:         durable,
		publisher:       pub,
		privateKey:      privateKey,
		currentVersions: xsync.NewMapOf[string, int](),
	}
}

// CreateGroup generates a fresh symmetric key at version 1, persists
// it, and returns a publishable creation event carrying the encrypted
// group metadata, plus the raw key for distribution. Publishing and
// distributing are the caller's next steps.
func (m *Manager) CreateGroup(ctx context.Context, name, about string, initialMembers []string) (*CreatedGroup, error) {
	groupID := uuid.NewString()
	key, err := newGroupKeyMaterial()
	if err != nil {
		return nil, err
	}
	if err = m.storeKey(ctx, &GroupKey{GroupID: groupID, Key: key, Version: 1, StoredAt: time.Now().UnixMilli()}); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(&GroupMetadata{Name: name, About: about, Members: initialMembers, Timestamp: time.Now().Unix(), Type: messageTypeMetadata})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize metadata for group %v", groupID)
	}
	ciphertext, err := seal(key, metadata)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encrypt metadata for group %v", groupID)
	}

	var event model.Event
	event.Kind = model.KindGroupCreation
	event.Content = ciphertext
	event.Tags = model.Tags{
		{model.TagGroupID, groupID},
		{model.TagKeyVersion, "1"},
	}

	return &CreatedGroup{Event: &event, GroupID: groupID, Key: key, Version: 1}, nil
}

// DistributeKey encrypts a structured key-share payload to each
// member individually and sends it as a directed encrypted message.
// One ciphertext per recipient; a single ciphertext is never
// broadcast to multiple recipients. Key shares skip the global
// publish gate: they are operational traffic, not user content.
func (m *Manager) DistributeKey(ctx context.Context, groupID string, key []byte, version int, members []string) []DistributionRecord {
	payload, err := json.Marshal(struct {
		GroupID   string `json:"groupId"`
		Key       []byte `json:"key"`
		Version   int    `json:"version"`
		Timestamp int64  `json:"timestamp"`
	}{GroupID: groupID, Key: key, Version: version, Timestamp: time.Now().Unix()})
	records := make([]DistributionRecord, 0, len(members))
	if err != nil {
		wrapped := errors.Wrapf(err, "failed to serialize key share for group %v", groupID)
		for _, member := range members {
			records = append(records, DistributionRecord{Member: member, Err: wrapped})
		}

		return records
	}

	for _, member := range members {
		records = append(records, m.distributeToMember(ctx, member, payload))
	}

	return records
}

func (m *Manager) distributeToMember(ctx context.Context, member string, payload []byte) DistributionRecord {
	sharedSecret, err := nip04.ComputeSharedSecret(member, m.privateKey)
	if err != nil {
		return DistributionRecord{Member: member, Err: errors.Wrapf(err, "failed to compute shared secret with %v", member)}
	}
	ciphertext, err := nip04.Encrypt(string(payload), sharedSecret)
	if err != nil {
		return DistributionRecord{Member: member, Err: errors.Wrapf(err, "failed to encrypt key share for %v", member)}
	}

	var event model.Event
	event.Kind = model.KindDirectMessage
	event.Content = ciphertext
	event.Tags = model.Tags{{model.TagPubKey, member}}
	signed, err := m.publisher.Publish(ctx, &event, publisher.Options{SkipRateLimit: true})
	if err != nil {
		return DistributionRecord{Member: member, Err: errors.Wrapf(err, "failed to publish key share to %v", member)}
	}

	return DistributionRecord{Member: member, EventID: signed.ID, Success: true}
}

// ParseKeyShare decodes and stores a key share received as a directed
// encrypted message from peerPubKey.
func (m *Manager) ParseKeyShare(ctx context.Context, peerPubKey, ciphertext string) (*GroupKey, error) {
	sharedSecret, err := nip04.ComputeSharedSecret(peerPubKey, m.privateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compute shared secret with %v", peerPubKey)
	}
	plaintext, err := nip04.Decrypt(ciphertext, sharedSecret)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "failed to decrypt key share")
	}
	var share GroupKey
	if err = json.Unmarshal([]byte(plaintext), &share); err != nil || share.GroupID == "" || share.Version < 1 || len(share.Key) == 0 {
		return nil, errors.Wrap(ErrDecryptionFailed, "malformed key share payload")
	}
	share.StoredAt = time.Now().UnixMilli()
	if err = m.storeKey(ctx, &share); err != nil {
		return nil, err
	}

	return &share, nil
}

// EncryptGroupMessage seals the plaintext under the group's current
// key and tags the envelope with the key version used.
func (m *Manager) EncryptGroupMessage(ctx context.Context, groupID, plaintext string) (*Envelope, error) {
	current, err := m.currentKey(ctx, groupID)
	if err != nil {
		return nil, err
	}
	structured, err := json.Marshal(struct {
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
		Type      string `json:"type"`
	}{Content: plaintext, Timestamp: time.Now().Unix(), Type: messageTypeText})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize message for group %v", groupID)
	}
	ciphertext, err := seal(current.Key, structured)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encrypt message for group %v", groupID)
	}

	return &Envelope{GroupID: groupID, Version: current.Version, Data: ciphertext}, nil
}

// NewMessageEvent wraps an envelope as a publishable group message
// template.
func (e *Envelope) NewMessageEvent() *model.Event {
	var event model.Event
	event.Kind = model.KindGroupMessage
	event.Content = e.Data
	event.Tags = model.Tags{
		{model.TagGroupID, e.GroupID},
		{model.TagKeyVersion, strconv.Itoa(e.Version)},
	}

	return &event
}

// DecryptGroupMessage never fails the pipeline: any content-level
// problem (missing key, tamper, malformed payload) comes back as a
// marked placeholder for the UI to render. A version mismatch with
// the current key warns but still attempts decryption with the
// referenced historical key.
func (m *Manager) DecryptGroupMessage(ctx context.Context, event *model.Event, groupID string) *DecryptedMessage {
	version := 0
	if raw := event.TagValue(model.TagKeyVersion); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return placeholder("malformed key version tag")
		}
		version = parsed
	}
	current, err := m.currentVersion(ctx, groupID)
	if err != nil {
		return placeholder(ErrNoKey.Error())
	}
	if version == 0 {
		version = current
	}
	if version != current {
		log.Printf("WARN: group %v message %v uses key version %v, current is %v: %v", groupID, event.ID, version, current, ErrKeyVersionMismatch)
	}
	groupKey, err := m.loadKey(ctx, groupID, version)
	if err != nil {
		return placeholder(ErrNoKey.Error())
	}
	plaintext, err := open(groupKey.Key, event.Content)
	if err != nil {
		return placeholder(ErrDecryptionFailed.Error())
	}
	parsed := gjson.ParseBytes(plaintext)

	return &DecryptedMessage{
		Content:   parsed.Get("content").String(),
		Type:      parsed.Get("type").String(),
		Timestamp: parsed.Get("timestamp").Int(),
	}
}

// DecryptGroupMetadata decrypts a group creation event into its
// structured metadata. Unlike messages, metadata failures are errors:
// a group whose metadata cannot be read is unusable, not renderable.
func (m *Manager) DecryptGroupMetadata(ctx context.Context, event *model.Event, groupID string) (*GroupMetadata, error) {
	version := 1
	if raw := event.TagValue(model.TagKeyVersion); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed key version tag on creation event %v of group %v", event.ID, groupID)
		}
		version = parsed
	}
	groupKey, err := m.loadKey(ctx, groupID, version)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(groupKey.Key, event.Content)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decrypt metadata of group %v", groupID)
	}
	var metadata GroupMetadata
	if err = json.Unmarshal(plaintext, &metadata); err != nil {
		return nil, errors.Wrapf(err, "malformed metadata of group %v", groupID)
	}

	return &metadata, nil
}

// RotateKey mints version current+1, persists it, distributes it to
// the post-change member set and publishes an encrypted rotation
// announcement under the new key. It must run on every membership
// change: new members cannot read history (they lack old keys),
// removed members stop receiving future keys.
func (m *Manager) RotateKey(ctx context.Context, groupID string, newMemberSet, removedMembers []string) (*Rotation, error) {
	current, err := m.currentVersion(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(removedMembers) > 0 {
		log.Printf("rotating key for group %v, %v member(s) removed", groupID, len(removedMembers))
	}
	key, err := newGroupKeyMaterial()
	if err != nil {
		return nil, err
	}
	version := current + 1
	if err = m.storeKey(ctx, &GroupKey{GroupID: groupID, Key: key, Version: version, StoredAt: time.Now().UnixMilli()}); err != nil {
		return nil, err
	}

	records := m.DistributeKey(ctx, groupID, key, version, newMemberSet)

	announcement, err := json.Marshal(struct {
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
		Type      string `json:"type"`
	}{Content: fmt.Sprintf("group key rotated to version %v", version), Timestamp: time.Now().Unix(), Type: messageTypeRotation})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize rotation announcement for group %v", groupID)
	}
	ciphertext, err := seal(key, announcement)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encrypt rotation announcement for group %v", groupID)
	}
	var event model.Event
	event.Kind = model.KindGroupModeration
	event.Content = ciphertext
	event.Tags = model.Tags{
		{model.TagGroupID, groupID},
		{model.TagKeyVersion, strconv.Itoa(version)},
	}
	signed, err := m.publisher.Publish(ctx, &event, publisher.Options{SkipRateLimit: true})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to publish rotation announcement for group %v", groupID)
	}

	return &Rotation{NewKey: key, NewVersion: version, Records: records, Event: signed}, nil
}

func placeholder(reason string) *DecryptedMessage {
	return &DecryptedMessage{Content: decryptionPlaceholder, Failed: true, Reason: reason}
}

func keyStorageKey(groupID string, version int) string {
	// Zero-padded so lexicographic key order is version order.
	return fmt.Sprintf("%s%s:v%06d", keyStoragePrefix, groupID, version)
}

func (m *Manager) storeKey(ctx context.Context, groupKey *GroupKey) error {
	serialized, err := json.Marshal(groupKey)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize key v%v for group %v", groupKey.Version, groupKey.GroupID)
	}
	if err = m.durable.Set(ctx, keyStorageKey(groupKey.GroupID, groupKey.Version), serialized); err != nil {
		return errors.Wrapf(err, "failed to persist key v%v for group %v", groupKey.Version, groupKey.GroupID)
	}
	m.currentVersions.Compute(groupKey.GroupID, func(existing int, loaded bool) (int, bool) {
		if loaded && existing > groupKey.Version {
			return existing, false
		}

		return groupKey.Version, false
	})
	if err = m.purgeOldKeys(ctx, groupKey.GroupID); err != nil {
		log.Printf("WARN: failed to purge old keys for group %v: %v", groupKey.GroupID, err)
	}

	return nil
}

func (m *Manager) loadKey(ctx context.Context, groupID string, version int) (*GroupKey, error) {
	raw, err := m.durable.Get(ctx, keyStorageKey(groupID, version))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, errors.Wrapf(ErrNoKey, "group %v has no key at version %v", groupID, version)
		}

		return nil, errors.Wrapf(err, "failed to load key v%v for group %v", version, groupID)
	}
	var groupKey GroupKey
	if err = json.Unmarshal(raw, &groupKey); err != nil {
		return nil, errors.Wrapf(err, "corrupt key record v%v for group %v", version, groupID)
	}

	return &groupKey, nil
}

func (m *Manager) currentKey(ctx context.Context, groupID string) (*GroupKey, error) {
	version, err := m.currentVersion(ctx, groupID)
	if err != nil {
		return nil, err
	}

	return m.loadKey(ctx, groupID, version)
}

func (m *Manager) currentVersion(ctx context.Context, groupID string) (int, error) {
	if version, found := m.currentVersions.Load(groupID); found {
		return version, nil
	}
	keys, err := m.durable.ListKeys(ctx, keyStoragePrefix+groupID+":")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list keys for group %v", groupID)
	}
	if len(keys) == 0 {
		return 0, errors.Wrapf(ErrNoKey, "group %v", groupID)
	}
	sort.Strings(keys)
	var version int
	if _, err = fmt.Sscanf(keys[len(keys)-1], keyStoragePrefix+groupID+":v%06d", &version); err != nil {
		return 0, errors.Wrapf(err, "corrupt key storage key %v", keys[len(keys)-1])
	}
	m.currentVersions.Store(groupID, version)

	return version, nil
}

// purgeOldKeys trims per-group retained keys down to the configured
// bound, oldest first. The current key is always retained.
func (m *Manager) purgeOldKeys(ctx context.Context, groupID string) error {
	keys, err := m.durable.ListKeys(ctx, keyStoragePrefix+groupID+":")
	if err != nil {
		return errors.Wrapf(err, "failed to list keys for group %v", groupID)
	}
	sort.Strings(keys)
	if len(keys) <= m.config.RetainedKeyVersions {
		return nil
	}

	return errors.Wrapf(
		m.durable.MultiRemove(ctx, keys[:len(keys)-m.config.RetainedKeyVersions]),
		"failed to purge %v old keys for group %v", len(keys)-m.config.RetainedKeyVersions, groupID)
}
