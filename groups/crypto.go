// SPDX-License-Identifier: MIT

package groups

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Group payloads are sealed with XChaCha20-Poly1305 under the group's
// symmetric key: fresh random 24-byte nonce per message, nonce
// prepended to the ciphertext, the whole thing base64-encoded into
// the event content.

func newGroupKeyMaterial() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "failed to generate group key material")
	}

	return key, nil
}

func seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", errors.Wrap(err, "failed to build AEAD from group key")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err = rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

func open(key []byte, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "ciphertext is not valid base64")
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.Wrap(ErrDecryptionFailed, "ciphertext is shorter than the nonce")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build AEAD from group key")
	}
	plaintext, err := aead.Open(nil, sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "AEAD open failed")
	}

	return plaintext, nil
}
