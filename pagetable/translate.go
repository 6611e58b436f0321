// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pagetable

import (
	"errors"
	"fmt"

	"github.com/usbarmory/GoTEE-sm/mem"
)

// ErrTableAccess is returned when a page table entry lies in memory the
// translating context is not allowed to read.
var ErrTableAccess = errors.New("page table not accessible")

// Readable reports whether the translating context may read size bytes at
// physical address pa.
type Readable func(pa uint64, size uint64) bool

// Translate returns the physical address mapped to va by the Sv39 table
// selected by satp, as a machine mode access with MPRV set would resolve it.
// A satp in bare mode maps addresses one to one.
//
// Every page table entry fetch is subject to readable, as implicit
// accesses are PMP checked in hardware, a nil readable permits all fetches.
func Translate(m mem.Memory, satp uint64, va uint64, write bool, readable Readable) (pa uint64, err error) {
	switch mode := satp >> SATP_MODE_SHIFT; mode {
	case 0:
		return va, nil
	case SATP_MODE_SV39:
	default:
		return 0, fmt.Errorf("unsupported translation mode %d", mode)
	}

	// canonical addresses sign extend bit 38
	if top := int64(va) >> 38; top != 0 && top != -1 {
		return 0, fmt.Errorf("non canonical address %#x", va)
	}

	tb := Root(satp)

	for level := Levels; level >= 1; level-- {
		addr := tb + uint64(Index(va, level))*8

		if readable != nil && !readable(addr, 8) {
			return 0, fmt.Errorf("%w at %#x", ErrTableAccess, addr)
		}

		pte, err := mem.ReadUint64(m, addr)

		if err != nil {
			return 0, err
		}

		if pte&PTE_V == 0 {
			return 0, fmt.Errorf("address %#x not mapped", va)
		}

		if pte&(PTE_R|PTE_W|PTE_X) == 0 {
			tb = PhysAddr(pte)
			continue
		}

		if pte&PTE_R == 0 || (write && pte&PTE_W == 0) {
			return 0, fmt.Errorf("address %#x access not permitted", va)
		}

		span := uint64(1) << (PageShift + LevelBits*(level-1))

		return PhysAddr(pte)&^(span-1) | va&(span-1), nil
	}

	return 0, fmt.Errorf("address %#x not mapped", va)
}
