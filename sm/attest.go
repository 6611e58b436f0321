// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-sm/crypto"
)

const (
	// ReportDataSize is the maximum size of attestation auxiliary data.
	ReportDataSize = 1024
	// ReportSize is the size of the wire form of Report.
	ReportSize = 1352

	// SealingKeySize is the size of derived sealing keys.
	SealingKeySize = 128
	// SealingKeyIdentSize is the maximum size of a sealing key identifier.
	SealingKeyIdentSize = 128
)

// EnclaveReport is the enclave section of an attestation report.
type EnclaveReport struct {
	Hash      [crypto.HashSize]byte
	DataLen   uint64
	Data      [ReportDataSize]byte
	Signature [crypto.SignatureSize]byte
}

// signed returns the report fields covered by its signature.
func (r *EnclaveReport) signed() []byte {
	buf := make([]byte, 0, crypto.HashSize+8+r.DataLen)
	buf = append(buf, r.Hash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.DataLen)

	return append(buf, r.Data[:r.DataLen]...)
}

// SMReport is the Security Monitor section of an attestation report.
type SMReport struct {
	Hash      [crypto.HashSize]byte
	PublicKey [crypto.PublicKeySize]byte
	Signature [crypto.SignatureSize]byte
}

// Report represents an enclave attestation report.
type Report struct {
	Enclave         EnclaveReport
	SM              SMReport
	DevicePublicKey [crypto.PublicKeySize]byte
}

// MarshalBinary returns the little-endian wire form of the report.
func (r *Report) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(ReportSize)

	err := binary.Write(buf, binary.LittleEndian, r)

	return buf.Bytes(), err
}

// UnmarshalBinary parses the little-endian wire form of the report.
func (r *Report) UnmarshalBinary(data []byte) error {
	if len(data) != ReportSize {
		return fmt.Errorf("invalid report size (%d != %d)", len(data), ReportSize)
	}

	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, r); err != nil {
		return err
	}

	if r.Enclave.DataLen > ReportDataSize {
		return errors.New("invalid report data length")
	}

	return nil
}

// Verify checks the device endorsement of the Security Monitor and the
// Security Monitor signature of the enclave report.
func (r *Report) Verify() error {
	sm := append(r.SM.Hash[:len(r.SM.Hash):len(r.SM.Hash)], r.SM.PublicKey[:]...)

	if !crypto.Verify(sm, r.SM.Signature[:], r.DevicePublicKey[:]) {
		return errors.New("invalid SM signature")
	}

	if r.Enclave.DataLen > ReportDataSize {
		return errors.New("invalid report data length")
	}

	if !crypto.Verify(r.Enclave.signed(), r.Enclave.Signature[:], r.SM.PublicKey[:]) {
		return errors.New("invalid enclave signature")
	}

	return nil
}

// SealingKey represents an enclave sealing key.
type SealingKey struct {
	Key       [SealingKeySize]byte
	Signature [crypto.SignatureSize]byte
}

// MarshalBinary returns the wire form of the sealing key.
func (k *SealingKey) MarshalBinary() ([]byte, error) {
	return append(k.Key[:len(k.Key):len(k.Key)], k.Signature[:]...), nil
}

// attestable returns the measurement of an enclave in StateFresh or later.
func (m *Monitor) attestable(eid EID) (hash [crypto.HashSize]byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(eid)

	if err != nil {
		return
	}

	if e.State < StateFresh {
		return hash, ErrNotInitialized
	}

	return e.Hash, nil
}

// Attest returns an attestation report of an enclave, including up to
// ReportDataSize bytes of caller data signed along with the measurement.
func (m *Monitor) Attest(eid EID, data []byte) (r *Report, err error) {
	if len(data) > ReportDataSize {
		return nil, ErrIllegalArgument
	}

	hash, err := m.attestable(eid)

	if err != nil {
		return
	}

	r = &Report{}
	r.Enclave.Hash = hash
	r.Enclave.DataLen = uint64(len(data))
	copy(r.Enclave.Data[:], data)

	r.SM.Hash = m.keys.SMHash
	r.SM.Signature = m.keys.SMSignature
	copy(r.SM.PublicKey[:], m.keys.SMPublic)
	copy(r.DevicePublicKey[:], m.keys.DevicePublic)

	if r.Enclave.Signature, err = m.crypto.Sign(r.Enclave.signed(), m.keys.SMPrivate); err != nil {
		return nil, wrap(ErrUnknown, err)
	}

	log.WithField("eid", eid).Debugf("SM attested enclave data:%d", len(data))

	return
}

// SealingKey derives a key bound to the enclave measurement and to an
// identifier of up to SealingKeyIdentSize bytes, signed by the Security
// Monitor.
func (m *Monitor) SealingKey(eid EID, ident []byte) (k *SealingKey, err error) {
	if len(ident) > SealingKeyIdentSize {
		return nil, ErrIllegalArgument
	}

	hash, err := m.attestable(eid)

	if err != nil {
		return
	}

	info := append(hash[:], ident...)
	key, err := m.crypto.KDF(nil, m.keys.SMPrivate, info, SealingKeySize)

	if err != nil {
		return nil, wrap(ErrUnknown, err)
	}

	k = &SealingKey{}
	copy(k.Key[:], key)

	if k.Signature, err = m.crypto.Sign(k.Key[:], m.keys.SMPrivate); err != nil {
		return nil, wrap(ErrUnknown, err)
	}

	return
}

// Random returns a random 64-bit value.
func (m *Monitor) Random() (uint64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(m.rand, buf[:]); err != nil {
		return 0, wrap(ErrUnknown, err)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}
