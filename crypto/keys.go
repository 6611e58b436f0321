// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// smKeyInfo binds derived Security Monitor keys to their purpose.
const smKeyInfo = "GoTEE-sm boot key"

// Keys holds the boot-time identity of the Security Monitor.
type Keys struct {
	// DevicePublic is the device root of trust public key
	DevicePublic ed25519.PublicKey
	// SMHash is the Security Monitor measurement
	SMHash [HashSize]byte
	// SMPublic is the Security Monitor public key
	SMPublic ed25519.PublicKey
	// SMPrivate is the Security Monitor private key
	SMPrivate ed25519.PrivateKey
	// SMSignature is the device signature of SMHash and SMPublic
	SMSignature [SignatureSize]byte
}

// Provision measures the Security Monitor image and derives its key pair
// from the device secret seed, the device key then endorses both the
// measurement and the derived public key.
//
// The same seed and image always yield the same keys.
func Provision(deviceSeed []byte, image []byte) (k *Keys, err error) {
	if len(deviceSeed) != SeedSize {
		return nil, fmt.Errorf("invalid device seed size (%d != %d)", len(deviceSeed), SeedSize)
	}

	dev := ed25519.NewKeyFromSeed(deviceSeed)

	k = &Keys{
		DevicePublic: dev.Public().(ed25519.PublicKey),
		SMHash:       Sum(image),
	}

	seed, err := KDF(k.SMHash[:], deviceSeed, []byte(smKeyInfo), SeedSize)

	if err != nil {
		return nil, fmt.Errorf("could not derive SM key, %v", err)
	}

	k.SMPrivate = ed25519.NewKeyFromSeed(seed)
	k.SMPublic = k.SMPrivate.Public().(ed25519.PublicKey)

	if k.SMSignature, err = Sign(k.endorsement(), dev); err != nil {
		return nil, err
	}

	return
}

func (k *Keys) endorsement() []byte {
	return append(k.SMHash[:len(k.SMHash):len(k.SMHash)], k.SMPublic...)
}

// Verify checks the device endorsement of the Security Monitor identity.
func (k *Keys) Verify() error {
	if !Verify(k.endorsement(), k.SMSignature[:], k.DevicePublic) {
		return errors.New("invalid SM signature")
	}

	return nil
}
