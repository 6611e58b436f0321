// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pagetable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/usbarmory/GoTEE-sm/mem"
)

// ErrIllegalPTE is returned when a page table fails validation.
var ErrIllegalPTE = errors.New("illegal page table entry")

// Walker validates and measures enclave page tables.
type Walker struct {
	// Memory gives access to the enclave tables and pages
	Memory mem.Memory
}

type walk struct {
	mem    mem.Memory
	h      hash.Hash
	layout Layout

	runtimeMax uint64
	userMax    uint64

	// remaining table reads
	budget int

	page [PageSize]byte
}

func illegal(reason string, va uint64, pa uint64) error {
	return fmt.Errorf("%w, %s (va:%#x pa:%#x)", ErrIllegalPTE, reason, va, pa)
}

// Walk validates the page table rooted at root against the enclave layout
// and extends h, in traversal order, with the first virtual address of every
// contiguous run of leaf mappings and the content of every mapped page.
//
// Any mapping which would let the enclave observe memory outside of its
// private and shared regions, alias a private page or break the linear
// ordering of the runtime and user physical ranges fails the whole walk.
func (w *Walker) Walk(h hash.Hash, root uint64, l Layout) (err error) {
	if !l.EPM.Contains(root) || root&(PageSize-1) != 0 {
		return illegal("root outside of private memory", 0, root)
	}

	s := &walk{
		mem:    w.Memory,
		h:      h,
		layout: l,
		budget: int(l.EPM.Size / PageSize),
	}

	_, err = s.walk(Levels, root, 0, false)

	return
}

func (s *walk) walk(level int, tb uint64, vpn uint64, contiguous bool) (bool, error) {
	if level < 1 || level > Levels {
		return false, illegal("invalid level", vpn<<PageShift, tb)
	}

	if s.budget--; s.budget < 0 {
		return false, illegal("too many tables", vpn<<PageShift, tb)
	}

	var table [PageSize]byte

	if err := s.mem.Read(tb, table[:]); err != nil {
		return false, fmt.Errorf("%w, %v", ErrIllegalPTE, err)
	}

	for i := 0; i < Entries; i++ {
		pte := binary.LittleEndian.Uint64(table[i*8:])

		if pte == 0 {
			contiguous = false
			continue
		}

		var v uint64

		if level == Levels && i&topHalfBit != 0 {
			v = ^uint64(LevelMask) | uint64(i&LevelMask)
		} else {
			v = vpn<<LevelBits | uint64(i&LevelMask)
		}

		va := v << PageShift
		pa := PhysAddr(pte)

		if pte&PTE_V == 0 {
			return false, illegal("invalid entry", va, pa)
		}

		inEPM := s.layout.EPM.Contains(pa)
		inUTM := s.layout.UTM.Contains(pa)

		// private memory may host anything, shared memory only pages
		if !inEPM && (!inUTM || level != 1) {
			return false, illegal("mapping outside of enclave memory", va, pa)
		}

		leaf := pte&(PTE_R|PTE_W|PTE_X) != 0

		if level != 1 {
			if leaf {
				return false, illegal("superpage", va, pa)
			}

			var err error

			if contiguous, err = s.walk(level-1, pa, v, contiguous); err != nil {
				return false, err
			}

			continue
		}

		if !leaf {
			return false, illegal("table pointer at leaf level", va, pa)
		}

		if !contiguous {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], va)
			s.h.Write(buf[:])

			contiguous = true
		}

		if err := s.leaf(va, pa, pte, inUTM); err != nil {
			return false, err
		}
	}

	return contiguous, nil
}

func (s *walk) leaf(va uint64, pa uint64, pte uint64, inUTM bool) (err error) {
	l := &s.layout

	inRuntime := pa >= l.RuntimeBase && pa < l.UserBase
	inUser := pa >= l.UserBase && pa < l.FreeBase

	if inUser && pte&PTE_U == 0 {
		return illegal("user page without U bit", va, pa)
	}

	if va >= l.UntrustedPtr && va-l.UntrustedPtr < l.UntrustedSize && !inUTM {
		return illegal("untrusted window outside of shared memory", va, pa)
	}

	if inUTM && pte&PTE_X != 0 {
		return illegal("executable shared page", va, pa)
	}

	switch {
	case inRuntime:
		if pa <= s.runtimeMax {
			return illegal("non linear runtime mapping", va, pa)
		}

		s.runtimeMax = pa
	case inUser:
		if pa <= s.userMax {
			return illegal("non linear user mapping", va, pa)
		}

		s.userMax = pa
	case inUTM:
	default:
		return illegal("mapping outside of runtime, user and shared memory", va, pa)
	}

	if err = s.mem.Read(pa, s.page[:]); err != nil {
		return fmt.Errorf("%w, %v", ErrIllegalPTE, err)
	}

	s.h.Write(s.page[:])

	return
}
