// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pmp implements the RISC-V Physical Memory Protection region
// allocator, multiplexing a small, fixed register file into a larger set of
// logical isolation regions.
//
// Registers are accessed through the same method set exposed by the TamaGo
// riscv64 CPU driver, so that hardware and emulated register files are
// interchangeable.
package pmp

import (
	"fmt"
	"math/bits"
)

const (
	// PageSize is the region granularity.
	PageSize = 0x1000

	// AllMemory is the size sentinel for the region spanning the entire
	// physical address space.
	AllMemory = ^uint64(0)

	// MaxRegions is the number of logical regions.
	MaxRegions = 16
	// MaxRegisters is the maximum number of PMP registers supported.
	MaxRegisters = 16
	// DefaultRegisters is the number of PMP registers of the reference
	// platform.
	DefaultRegisters = 8
)

// Mode represents the PMP address matching mode (pmpcfg.A).
type Mode int

// Address matching modes
const (
	ModeOff Mode = iota
	ModeTOR
	ModeNA4
	ModeNAPOT
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "OFF"
	case ModeTOR:
		return "TOR"
	case ModeNA4:
		return "NA4"
	case ModeNAPOT:
		return "NAPOT"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

// Perm represents the R/W/X permission bits of a PMP configuration.
type Perm uint8

// Permissions
const (
	PermR Perm = 1 << iota
	PermW
	PermX

	NoPerm  Perm = 0
	AllPerm      = PermR | PermW | PermX
)

func (p Perm) String() string {
	s := []byte("---")

	if p&PermR != 0 {
		s[0] = 'r'
	}

	if p&PermW != 0 {
		s[1] = 'w'
	}

	if p&PermX != 0 {
		s[2] = 'x'
	}

	return string(s)
}

// Priority selects the register assignment policy of a region.
type Priority int

// Priorities
const (
	// PriorityAny takes the first free register(s).
	PriorityAny Priority = iota
	// PriorityTop pins register 0, which has precedence over all others.
	PriorityTop
	// PriorityBottom pins the last register, which can be shared by
	// multiple regions.
	PriorityBottom
)

// RegionID identifies a logical region.
type RegionID int

// Reader represents a PMP register file which can be read back.
type Reader interface {
	ReadPMP(i int) (addr uint64, r bool, w bool, x bool, a int, l bool, err error)
}

// Writer represents a PMP register file which can be programmed, addr is
// given in bytes as it is shifted right by 2 when written to pmpaddr.
type Writer interface {
	WritePMP(i int, addr uint64, r bool, w bool, x bool, a int, l bool) error
}

// File represents a PMP register file.
type File interface {
	Reader
	Writer
}

// Region represents a logical isolation region.
type Region struct {
	// Addr is the region start address
	Addr uint64
	// Size is the region size
	Size uint64
	// Mode is the region encoding
	Mode Mode
	// AllowOverlap marks the region as ignored by overlap detection
	AllowOverlap bool
	// Reg is the register holding the region (top of range for TOR)
	Reg int
	// Shared is set for regions sharing the bottom register
	Shared bool
}

// End returns the region end address, saturated on overflow.
func (r Region) End() uint64 {
	end, carry := bits.Add64(r.Addr, r.Size, 0)

	if carry != 0 {
		return AllMemory
	}

	return end
}

// pairs reports whether the region uses the previous register as its lower
// bound.
func (r Region) pairs() bool {
	return r.Mode == ModeTOR && r.Reg > 0
}

// pmpaddr returns the byte-form address register value of the region.
func (r Region) pmpaddr() uint64 {
	switch r.Mode {
	case ModeTOR:
		return r.Addr + r.Size
	case ModeNAPOT:
		if r.Addr == 0 && r.Size == AllMemory {
			return AllMemory
		}

		return r.Addr | (r.Size/2 - 1)
	}

	return 0
}

func (r Region) String() string {
	return fmt.Sprintf("addr:%#.16x size:%#x mode:%s reg:%d overlap:%v", r.Addr, r.Size, r.Mode, r.Reg, r.AllowOverlap)
}

// isNAPOT reports whether a range can be encoded with a single naturally
// aligned power-of-two register.
func isNAPOT(start uint64, size uint64) bool {
	if start == 0 && size == AllMemory {
		return true
	}

	return size&(size-1) == 0 && start&(size-1) == 0
}

// overlaps reports whether two half-open ranges intersect, ends which
// overflow the address space are treated as unbounded.
func overlaps(a, asize, b, bsize uint64) bool {
	aEnd, ac := bits.Add64(a, asize, 0)
	bEnd, bc := bits.Add64(b, bsize, 0)

	return (bc != 0 || a < bEnd) && (ac != 0 || b < aEnd)
}

// Update is the message broadcast to all harts to change a region
// configuration.
type Update struct {
	// Region is the target region
	Region RegionID
	// Unset clears the region registers instead of setting Perm
	Unset bool
	// Perm is the region permission
	Perm Perm
}

// Broadcaster delivers an update to all harts and returns once every hart
// has applied it.
type Broadcaster interface {
	Broadcast(src int, u Update) error
}
