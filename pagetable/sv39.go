// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pagetable implements validation and measurement of enclave Sv39
// page tables.
package pagetable

// Sv39 translation parameters
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	Levels    = 3
	LevelBits = 9
	LevelMask = 1<<LevelBits - 1
	Entries   = PageSize / 8

	PPNShift = 10

	// index bit of the top level table which selects the upper half of
	// the virtual address space
	topHalfBit = 1 << (LevelBits - 1)
)

// SATP mode
const (
	SATP_MODE_SHIFT = 60
	SATP_MODE_SV39  = 8
)

// PTE fields
const (
	PTE_V = 1 << iota
	PTE_R
	PTE_W
	PTE_X
	PTE_U
	PTE_G
	PTE_A
	PTE_D
)

// PTE returns a page table entry mapping physical address pa.
func PTE(pa uint64, flags uint64) uint64 {
	return (pa>>PageShift)<<PPNShift | flags | PTE_V
}

// PhysAddr returns the physical address mapped by a page table entry.
func PhysAddr(pte uint64) uint64 {
	return (pte >> PPNShift) << PageShift
}

// Index returns the table index of a virtual address at a given level, the
// leaf level being 1.
func Index(va uint64, level int) int {
	return int(va>>(PageShift+LevelBits*(level-1))) & LevelMask
}

// SATP returns the Sv39 satp value for a root table.
func SATP(root uint64) uint64 {
	return root>>PageShift | SATP_MODE_SV39<<SATP_MODE_SHIFT
}

// Root returns the root table of an Sv39 satp value.
func Root(satp uint64) uint64 {
	return (satp & (1<<44 - 1)) << PageShift
}

// Range represents a physical or virtual address range.
type Range struct {
	Start uint64
	Size  uint64
}

// Contains reports whether addr lies within the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr-r.Start < r.Size
}

// Layout describes the memory an enclave page table may reference.
type Layout struct {
	// EPM is the enclave private memory
	EPM Range
	// UTM is the untrusted shared memory
	UTM Range

	// physical sub-ranges of EPM
	RuntimeBase uint64
	UserBase    uint64
	FreeBase    uint64

	// virtual window which must map to UTM
	UntrustedPtr  uint64
	UntrustedSize uint64
}
