// Optional AEAD sealing and detached-signature verification for snapshot
// blobs
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedBlob is returned by Parse when handed a sealed envelope
// instead of a bare container; callers must Open it first.
var ErrSealedBlob = errors.New("snapshot: blob is AEAD-sealed, call Open first")

// sealMagic distinguishes a sealed envelope from a bare container blob
// (SealMagic != Magic so Parse fails fast and predictably on a sealed
// blob rather than misreading the nonce as a section directory).
const sealMagic uint32 = 0x4c534d53 // "SMSL"

// Seal encrypts a finished container under key (32 bytes) using
// ChaCha20-Poly1305, binding the container's own magic/version as
// additional data so a sealed blob can never be silently reinterpreted
// under the wrong format version.
func Seal(key [chacha20poly1305.KeySize]byte, nonce [chacha20poly1305.NonceSize]byte, container []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	ad := container
	if len(ad) > 8 {
		ad = ad[:8]
	}

	ct := aead.Seal(nil, nonce[:], container, ad)

	out := make([]byte, 0, 4+len(nonce)+len(ct))
	out = binary.LittleEndian.AppendUint32(out, sealMagic)
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts a blob produced by Seal and returns the plaintext
// container, suitable for passing to Parse.
func Open(key [chacha20poly1305.KeySize]byte, blob []byte) ([]byte, error) {
	if len(blob) < 4+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("snapshot: truncated sealed envelope")
	}
	if binary.LittleEndian.Uint32(blob[0:4]) != sealMagic {
		return nil, fmt.Errorf("snapshot: not a sealed envelope")
	}

	nonce := blob[4 : 4+chacha20poly1305.NonceSize]
	ct := blob[4+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	// The additional data Seal bound is the plaintext's own first 8
	// bytes (Magic, FormatVersion), which are fixed for every container
	// this package produces and so can be supplied before decryption.
	var want [8]byte
	binary.LittleEndian.PutUint32(want[0:4], Magic)
	binary.LittleEndian.PutUint32(want[4:8], FormatVersion)

	pt, err := aead.Open(nil, nonce, ct, want[:])
	if err != nil {
		return nil, fmt.Errorf("snapshot: seal verification failed: %w", err)
	}
	return pt, nil
}

// Sign produces a detached secp256k1 signature over the SHA-256 digest
// of a finished (unsealed) container, for callers that want snapshot
// provenance without confidentiality.
func Sign(priv *btcec.PrivateKey, container []byte) []byte {
	digest := sha256.Sum256(container)
	sig := ecdsa.Sign(priv, digest[:])
	return sig.Serialize()
}

// VerifySignature checks a detached signature produced by Sign.
func VerifySignature(pub *btcec.PublicKey, container []byte, sig []byte) (bool, error) {
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("snapshot: malformed signature: %w", err)
	}
	digest := sha256.Sum256(container)
	return s.Verify(digest[:], pub), nil
}
