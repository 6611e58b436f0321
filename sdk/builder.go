// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdk implements host side preparation of enclave images, laying out
// Sv39 page tables, runtime and user pages within enclave private memory.
package sdk

import (
	"errors"
	"fmt"

	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/pagetable"
	"github.com/usbarmory/GoTEE-sm/sm"
)

// Page permissions
const (
	RuntimeFlags = pagetable.PTE_R | pagetable.PTE_W | pagetable.PTE_X | pagetable.PTE_A | pagetable.PTE_D
	UserFlags    = RuntimeFlags | pagetable.PTE_U
	SharedFlags  = pagetable.PTE_R | pagetable.PTE_W | pagetable.PTE_A | pagetable.PTE_D
)

// Builder lays out an enclave in private memory (EPM) as: page tables (the
// root table first), runtime pages, user pages and finally free memory.
type Builder struct {
	mem mem.Memory

	epm sm.Range
	utm sm.Range

	// next free table page
	table     uint64
	tablesEnd uint64

	runtimeBase uint64
	userBase    uint64
	// next free page
	free uint64
}

// NewBuilder returns a builder reserving tablePages page table pages at the
// start of EPM. The EPM content is not cleared, the caller must provide
// zeroed memory.
func NewBuilder(m mem.Memory, epm sm.Range, utm sm.Range, tablePages int) (b *Builder, err error) {
	reserved := uint64(tablePages) * mem.PageSize

	switch {
	case m == nil:
		return nil, errors.New("no memory")
	case epm.Start&(mem.PageSize-1) != 0 || epm.Size&(mem.PageSize-1) != 0:
		return nil, errors.New("EPM is not page aligned")
	case tablePages < 1 || reserved >= epm.Size:
		return nil, fmt.Errorf("invalid number of table pages (%d)", tablePages)
	}

	b = &Builder{
		mem:         m,
		epm:         epm,
		utm:         utm,
		table:       epm.Start + mem.PageSize,
		tablesEnd:   epm.Start + reserved,
		runtimeBase: epm.Start + reserved,
		free:        epm.Start + reserved,
	}

	if err = m.Zero(epm.Start, mem.PageSize); err != nil {
		return nil, err
	}

	return
}

// Root returns the physical address of the root page table.
func (b *Builder) Root() uint64 {
	return b.epm.Start
}

// Entry returns the physical address of the leaf entry mapping va,
// allocating intermediate tables as required.
func (b *Builder) Entry(va uint64) (addr uint64, err error) {
	tb := b.Root()

	for level := pagetable.Levels; level > 1; level-- {
		addr = tb + uint64(pagetable.Index(va, level))*8

		pte, err := mem.ReadUint64(b.mem, addr)

		if err != nil {
			return 0, err
		}

		if pte != 0 {
			if pte&(pagetable.PTE_R|pagetable.PTE_W|pagetable.PTE_X) != 0 {
				return 0, fmt.Errorf("va %#x is covered by a superpage", va)
			}

			tb = pagetable.PhysAddr(pte)
			continue
		}

		if b.table >= b.tablesEnd {
			return 0, errors.New("out of table pages")
		}

		next := b.table
		b.table += mem.PageSize

		if err = b.mem.Zero(next, mem.PageSize); err != nil {
			return 0, err
		}

		if err = mem.WriteUint64(b.mem, addr, pagetable.PTE(next, 0)); err != nil {
			return 0, err
		}

		tb = next
	}

	return tb + uint64(pagetable.Index(va, 1))*8, nil
}

// Map maps va to pa with arbitrary flags, the valid bit is always set.
func (b *Builder) Map(va uint64, pa uint64, flags uint64) (err error) {
	addr, err := b.Entry(va)

	if err != nil {
		return
	}

	return mem.WriteUint64(b.mem, addr, pagetable.PTE(pa, flags))
}

func (b *Builder) load(va uint64, data []byte, flags uint64) (pa uint64, err error) {
	if va&(mem.PageSize-1) != 0 {
		return 0, fmt.Errorf("va %#x is not page aligned", va)
	}

	pages := (uint64(len(data)) + mem.PageSize - 1) / mem.PageSize

	if pages == 0 {
		pages = 1
	}

	if b.free+pages*mem.PageSize > b.epm.Start+b.epm.Size {
		return 0, errors.New("out of private memory")
	}

	pa = b.free

	for i := uint64(0); i < pages; i++ {
		page := pa + i*mem.PageSize

		if err = b.mem.Zero(page, mem.PageSize); err != nil {
			return
		}

		if off := i * mem.PageSize; off < uint64(len(data)) {
			if err = b.mem.Write(page, data[off:min(off+mem.PageSize, uint64(len(data)))]); err != nil {
				return
			}
		}

		if err = b.Map(va+i*mem.PageSize, page, flags); err != nil {
			return
		}
	}

	b.free += pages * mem.PageSize

	return
}

// MapRuntime copies data to runtime pages mapped from va, runtime pages
// must be mapped before any user page.
func (b *Builder) MapRuntime(va uint64, data []byte) (pa uint64, err error) {
	if b.userBase != 0 {
		return 0, errors.New("runtime pages must precede user pages")
	}

	return b.load(va, data, RuntimeFlags)
}

// MapUser copies data to user pages mapped from va.
func (b *Builder) MapUser(va uint64, data []byte) (pa uint64, err error) {
	if b.userBase == 0 {
		b.userBase = b.free
	}

	return b.load(va, data, UserFlags)
}

// MapShared maps va to a page of untrusted shared memory (UTM).
func (b *Builder) MapShared(va uint64, pa uint64) error {
	if !b.utm.Contains(pa) {
		return fmt.Errorf("pa %#x is outside of shared memory", pa)
	}

	return b.Map(va, pa, SharedFlags)
}

// Args returns the enclave creation arguments for the current layout.
func (b *Builder) Args(params sm.RuntimeParams) *sm.CreateArgs {
	user := b.userBase

	if user == 0 {
		user = b.free
	}

	return &sm.CreateArgs{
		EPM:          b.epm,
		UTM:          b.utm,
		RuntimePaddr: b.runtimeBase,
		UserPaddr:    user,
		FreePaddr:    b.free,
		Params:       params,
	}
}
