// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

import (
	"crypto/ed25519"
	"hash"

	"github.com/usbarmory/GoTEE-sm/crypto"
)

// Platform represents SoC specific enclave defenses (e.g. cache
// partitioning), only Create is allowed to fail.
type Platform interface {
	// Create is invoked before the enclave is measured
	Create(eid EID) error
	// Destroy is invoked before the enclave memory is released
	Destroy(eid EID)
	// SwitchIn is invoked when the hart enters the enclave
	SwitchIn(h Hart, eid EID)
	// SwitchOut is invoked when the hart returns to the host
	SwitchOut(h Hart, eid EID)
}

type nopPlatform struct{}

func (nopPlatform) Create(EID) error    { return nil }
func (nopPlatform) Destroy(EID)         {}
func (nopPlatform) SwitchIn(Hart, EID)  {}
func (nopPlatform) SwitchOut(Hart, EID) {}

// Crypto represents the measurement, signature and key derivation
// primitives.
type Crypto interface {
	NewHash() hash.Hash
	Sign(data []byte, key ed25519.PrivateKey) ([crypto.SignatureSize]byte, error)
	KDF(salt []byte, ikm []byte, info []byte, size int) ([]byte, error)
}

type defaultCrypto struct{}

func (defaultCrypto) NewHash() hash.Hash {
	return crypto.NewHash()
}

func (defaultCrypto) Sign(data []byte, key ed25519.PrivateKey) ([crypto.SignatureSize]byte, error) {
	return crypto.Sign(data, key)
}

func (defaultCrypto) KDF(salt []byte, ikm []byte, info []byte, size int) ([]byte, error) {
	return crypto.KDF(salt, ikm, info, size)
}
