// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package crypto provides the measurement, signing and key derivation
// primitives of the Security Monitor.
//
// Measurements use SHA3-512, signatures Ed25519 and key derivation
// HKDF-SHA3-512.
package crypto

import (
	"crypto/ed25519"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	HashSize       = 64
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
	SeedSize       = ed25519.SeedSize
)

// NewHash returns a new measurement hash.
func NewHash() hash.Hash {
	return sha3.New512()
}

// Sum returns the measurement of data.
func Sum(data []byte) (sum [HashSize]byte) {
	return sha3.Sum512(data)
}

// Sign signs data with a private key.
func Sign(data []byte, key ed25519.PrivateKey) (sig [SignatureSize]byte, err error) {
	if len(key) != PrivateKeySize {
		return sig, errors.New("invalid private key size")
	}

	copy(sig[:], ed25519.Sign(key, data))

	return
}

// Verify reports whether sig is a valid signature of data by pub.
func Verify(data []byte, sig []byte, pub []byte) bool {
	if len(pub) != PublicKeySize {
		return false
	}

	return ed25519.Verify(pub, data, sig)
}

// KDF derives size bytes of key material with HKDF-SHA3-512.
func KDF(salt []byte, ikm []byte, info []byte, size int) (okm []byte, err error) {
	okm = make([]byte, size)

	if _, err = io.ReadFull(hkdf.New(sha3.New512, ikm, salt, info), okm); err != nil {
		return nil, err
	}

	return
}
