// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

import (
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/pagetable"
	"github.com/usbarmory/GoTEE-sm/pmp"
)

// CopyIn copies len(dst) bytes from address src of the context executing on
// the hart. Addresses are translated and checked as the context itself
// would, inaccessible memory fails with ErrNotAccessible.
func (m *Monitor) CopyIn(h Hart, dst []byte, src uint64) error {
	return m.copy(h, dst, src, false)
}

// CopyOut copies src to address dst of the context executing on the hart.
// Addresses are translated and checked as the context itself would,
// inaccessible memory fails with ErrNotAccessible.
func (m *Monitor) CopyOut(h Hart, dst uint64, src []byte) error {
	return m.copy(h, src, dst, true)
}

func (m *Monitor) copy(h Hart, buf []byte, va uint64, write bool) error {
	satp := h.ReadCSRs().SATP
	perm := pmp.PermR
	registers := m.regions.Registers()

	readable := func(pa uint64, size uint64) bool {
		return pmp.Check(h, registers, pa, size, pmp.PermR)
	}

	if write {
		perm = pmp.PermW
	}

	for off := 0; off < len(buf); {
		n := min(len(buf)-off, int(mem.PageSize-va&(mem.PageSize-1)))

		pa, err := pagetable.Translate(m.memory, satp, va, write, readable)

		if err != nil {
			return wrap(ErrNotAccessible, err)
		}

		if !pmp.Check(h, registers, pa, uint64(n), perm) {
			return ErrNotAccessible
		}

		if write {
			err = m.memory.Write(pa, buf[off:off+n])
		} else {
			err = m.memory.Read(pa, buf[off:off+n])
		}

		if err != nil {
			return wrap(ErrNotAccessible, err)
		}

		off += n
		va += uint64(n)
	}

	return nil
}

// HostAccessible reports whether size bytes at physical address addr lie
// outside of the Security Monitor memory and of every enclave private
// region.
func (m *Monitor) HostAccessible(addr uint64, size uint64) bool {
	if size == 0 || addr+size < addr {
		return false
	}

	var ids []pmp.RegionID

	m.mu.Lock()

	for _, e := range m.enclaves {
		if e.State == StateInvalid {
			continue
		}

		for _, r := range e.Regions {
			if r.Type == RegionPrivate {
				ids = append(ids, r.ID)
			}
		}
	}

	m.mu.Unlock()

	protected := []Range{m.cfg.SM}

	for _, id := range ids {
		if r, ok := m.regions.Region(id); ok {
			protected = append(protected, Range{Start: r.Addr, Size: r.Size})
		}
	}

	for _, r := range protected {
		if addr < r.Start+r.Size && r.Start < addr+size {
			return false
		}
	}

	return true
}
