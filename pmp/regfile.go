// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pmp

import (
	"errors"
	"math/bits"
	"sync"
)

type entry struct {
	addr uint64
	r    bool
	w    bool
	x    bool
	a    int
	l    bool
}

// RegisterFile is an emulated per-hart PMP CSR bank.
type RegisterFile struct {
	mu sync.Mutex

	n       int
	entries [MaxRegisters]entry
}

// NewRegisterFile returns an emulated register file with n registers, all
// disabled.
func NewRegisterFile(n int) *RegisterFile {
	if n <= 0 || n > MaxRegisters {
		n = DefaultRegisters
	}

	return &RegisterFile{n: n}
}

// WritePMP writes a PMP register, addr is given in bytes.
func (f *RegisterFile) WritePMP(i int, addr uint64, r bool, w bool, x bool, a int, l bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if i < 0 || i >= f.n {
		return errors.New("invalid PMP index")
	}

	if f.entries[i].l {
		return errors.New("PMP entry is locked")
	}

	if a < int(ModeOff) || a > int(ModeNAPOT) {
		return errors.New("invalid PMP address matching mode")
	}

	f.entries[i] = entry{addr, r, w, x, a, l}

	return nil
}

// ReadPMP reads a PMP register, addr is returned in bytes.
func (f *RegisterFile) ReadPMP(i int) (addr uint64, r bool, w bool, x bool, a int, l bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if i < 0 || i >= f.n {
		err = errors.New("invalid PMP index")
		return
	}

	e := f.entries[i]

	return e.addr, e.r, e.w, e.x, e.a, e.l, nil
}

// Len returns the number of implemented registers.
func (f *RegisterFile) Len() int {
	return f.n
}

// bounds returns the first and last byte matched by a register, ok is false
// for disabled or empty entries.
func bounds(mode int, addr uint64, prev uint64) (first uint64, last uint64, ok bool) {
	switch Mode(mode) {
	case ModeTOR:
		if addr <= prev {
			return
		}

		return prev, addr - 1, true
	case ModeNA4:
		if addr+3 < addr {
			return
		}

		return addr, addr + 3, true
	case ModeNAPOT:
		t := bits.TrailingZeros64(^addr)

		if t >= 63 {
			return 0, ^uint64(0), true
		}

		size := uint64(1) << (t + 1)
		first = addr &^ (size - 1)

		return first, first + size - 1, true
	}

	return
}

// Check reports whether a supervisor or user mode access of size bytes at
// addr, with all permissions in perm, is granted by the first n registers.
//
// The lowest-numbered matching register determines the outcome, an access
// partially matching a register or matching none is denied.
func Check(r Reader, n int, addr uint64, size uint64, perm Perm) bool {
	if size == 0 {
		return true
	}

	last := addr + size - 1

	if last < addr {
		return false
	}

	var prev uint64

	for i := 0; i < n; i++ {
		pa, pr, pw, px, mode, _, err := r.ReadPMP(i)

		if err != nil {
			return false
		}

		first, end, ok := bounds(mode, pa, prev)
		prev = pa

		if !ok {
			continue
		}

		if addr > end || last < first {
			continue
		}

		if addr < first || last > end {
			return false
		}

		var granted Perm

		if pr {
			granted |= PermR
		}

		if pw {
			granted |= PermW
		}

		if px {
			granted |= PermX
		}

		return perm&AllPerm&^granted == 0
	}

	return false
}
