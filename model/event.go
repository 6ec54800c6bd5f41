// SPDX-License-Identifier: MIT

package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
)

type Event struct {
	nostr.Event
}

// Canonical returns the deterministic serialization the event id is
// computed from: [0, pubkey, created_at, kind, tags, content].
func (e *Event) Canonical() []byte {
	return e.Serialize()
}

func (e *Event) ComputeID() string {
	hash := sha256.Sum256(e.Canonical())

	return hex.EncodeToString(hash[:])
}

// SignWith validates the template, computes the id and signs it with
// the given hex-encoded secp256k1 private key. The event is immutable
// afterwards: any mutation invalidates Verify.
func (e *Event) SignWith(privateKey string) error {
	if err := e.Validate(); err != nil {
		return errors.Wrapf(err, "refusing to sign malformed event: %+v", e)
	}
	if e.Tags == nil {
		e.Tags = make(Tags, 0)
	}

	return errors.Wrapf(e.Sign(privateKey), "failed to sign event: %+v", e)
}

// Verify recomputes the id and checks the schnorr signature against
// the author key.
func (e *Event) Verify() error {
	if id := e.ComputeID(); id != e.ID {
		return errors.Wrapf(ErrInvalidEvent, "event id mismatch: computed %v, got %v", id, e.ID)
	}
	ok, err := e.CheckSignature()
	if err != nil {
		return errors.Wrap(err, "failed to check event signature")
	}
	if !ok {
		return ErrInvalidSignature
	}

	return nil
}

// Validate rejects malformed tag arrays before any hashing happens.
func (e *Event) Validate() error {
	if e.Kind < 0 || e.Kind > 65535 {
		return errors.Wrapf(ErrInvalidEvent, "wrong kind value: %v", e.Kind)
	}
	for idx, tag := range e.Tags {
		if len(tag) == 0 || tag[0] == "" {
			return errors.Wrapf(ErrInvalidEvent, "empty tag at index %v", idx)
		}
	}

	return nil
}

func (e *Event) GenerateProofOfWork(ctx context.Context, minLeadingZeroBits int) error {
	if minLeadingZeroBits == 0 {
		return nil
	}
	tag, err := nip13.DoWork(ctx, e.Event, minLeadingZeroBits)
	if err != nil {
		log.Printf("can't do mining by the provided difficulty:%v", minLeadingZeroBits)

		return err
	}
	e.Tags = append(e.Tags, tag)

	return nil
}

func (e *Event) CheckProofOfWork(minLeadingZeroBits int) error {
	if minLeadingZeroBits == 0 {
		return nil
	}
	if err := nip13.Check(e.GetID(), minLeadingZeroBits); err != nil {
		log.Printf("difficulty: %v < %v, id:%v", nip13.Difficulty(e.GetID()), minLeadingZeroBits, e.GetID())

		return err
	}

	return nil
}

func (e *Event) GetTag(tagName string) Tag {
	for _, tag := range e.Tags {
		if tag.Key() == tagName {
			return tag
		}
	}

	return nil
}

// TagValue returns the value of the first tag with the given name, or
// an empty string when the tag is absent.
func (e *Event) TagValue(name string) string {
	if tag := e.GetTag(name); tag != nil {
		return tag.Value()
	}

	return ""
}
