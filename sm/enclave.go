// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/pagetable"
	"github.com/usbarmory/GoTEE-sm/pmp"
)

const (
	// MaxEnclaves is the capacity of the enclave table.
	MaxEnclaves = 16
	// MaxThreads is the number of thread contexts per enclave.
	MaxThreads = 1
	// MaxEnclaveRegions is the number of region descriptors per enclave.
	MaxEnclaveRegions = 8
)

// EID identifies an enclave, as index of the enclave table.
type EID uint32

// State represents an enclave lifecycle state, states are ordered.
type State int

// Enclave states
const (
	StateInvalid State = iota - 1
	StateDestroying
	StateAllocated
	StateFresh
	StateStopped
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateDestroying:
		return "destroying"
	case StateAllocated:
		return "allocated"
	case StateFresh:
		return "fresh"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// RegionType tags enclave region descriptors.
type RegionType int

// Region types
const (
	// RegionUnused marks a free descriptor
	RegionUnused RegionType = iota
	// RegionPrivate is the enclave private memory (EPM)
	RegionPrivate
	// RegionShared is the untrusted shared memory (UTM)
	RegionShared
	// RegionOther is managed by platform specific code
	RegionOther
)

func (t RegionType) String() string {
	switch t {
	case RegionUnused:
		return "unused"
	case RegionPrivate:
		return "EPM"
	case RegionShared:
		return "UTM"
	case RegionOther:
		return "other"
	}

	return fmt.Sprintf("RegionType(%d)", int(t))
}

// Region is an enclave region descriptor.
type Region struct {
	Type RegionType
	ID   pmp.RegionID
}

// RuntimeParams holds the virtual address parameters supplied at creation,
// they are part of the enclave measurement.
type RuntimeParams struct {
	RuntimeEntry  uint64
	UserEntry     uint64
	UntrustedPtr  uint64
	UntrustedSize uint64
}

// MarshalBinary returns the little-endian form measured by the monitor.
func (p RuntimeParams) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, p)

	return buf.Bytes(), err
}

// PhysParams holds the physical address parameters passed to the enclave
// runtime on its first run.
type PhysParams struct {
	DRAMBase    uint64
	DRAMSize    uint64
	RuntimeBase uint64
	UserBase    uint64
	FreeBase    uint64
}

// Range is a physical memory range.
type Range = pagetable.Range

// CreateArgs represents the enclave creation request.
type CreateArgs struct {
	// EPM is the enclave private memory
	EPM Range
	// UTM is the untrusted shared memory
	UTM Range

	RuntimePaddr uint64
	UserPaddr    uint64
	FreePaddr    uint64

	Params RuntimeParams
}

// CreateArgsSize is the size of the wire form of CreateArgs.
const CreateArgsSize = 11 * 8

// MarshalBinary returns the little-endian wire form of the arguments.
func (a *CreateArgs) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, a)

	return buf.Bytes(), err
}

// UnmarshalBinary parses the little-endian wire form of the arguments.
func (a *CreateArgs) UnmarshalBinary(data []byte) error {
	if len(data) != CreateArgsSize {
		return fmt.Errorf("invalid create arguments size (%d != %d)", len(data), CreateArgsSize)
	}

	return binary.Read(bytes.NewReader(data), binary.LittleEndian, a)
}

func (a *CreateArgs) valid() bool {
	epmStart := a.EPM.Start
	epmEnd := a.EPM.Start + a.EPM.Size

	switch {
	case a.EPM.Size == 0:
		return false
	case epmEnd <= epmStart:
		return false
	case a.UTM.Start+a.UTM.Size <= a.UTM.Start:
		return false
	case a.RuntimePaddr < epmStart || a.RuntimePaddr >= epmEnd:
		return false
	case a.UserPaddr < epmStart || a.UserPaddr >= epmEnd:
		return false
	case a.FreePaddr < epmStart || a.FreePaddr > epmEnd:
		// free memory may be empty
		return false
	case a.RuntimePaddr > a.UserPaddr || a.UserPaddr > a.FreePaddr:
		return false
	}

	return true
}

// Enclave represents an enclave control block.
type Enclave struct {
	ID    EID
	State State

	// SATP is the page table root of the enclave
	SATP uint64

	Regions [MaxEnclaveRegions]Region

	// Hash is the enclave measurement
	Hash [crypto.HashSize]byte
	// Signature is the Security Monitor signature of Hash
	Signature [crypto.SignatureSize]byte

	Params RuntimeParams
	Phys   PhysParams

	Threads int
	Thread  ThreadState
}

func (e *Enclave) region(t RegionType) (pmp.RegionID, bool) {
	for _, r := range e.Regions {
		if r.Type == t {
			return r.ID, true
		}
	}

	return -1, false
}

func (e *Enclave) reset(eid EID) {
	*e = Enclave{
		ID:    eid,
		State: StateInvalid,
	}
}
