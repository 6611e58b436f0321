// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localBus applies updates to every register file in the caller goroutine.
type localBus struct {
	a     *Allocator
	files []*RegisterFile
}

func (b *localBus) Broadcast(_ int, u Update) error {
	for _, f := range b.files {
		if err := b.a.Apply(f, u); err != nil {
			return err
		}
	}

	return nil
}

func newTestAllocator(t *testing.T, harts int) (*Allocator, []*RegisterFile) {
	t.Helper()

	bus := &localBus{}

	for i := 0; i < harts; i++ {
		bus.files = append(bus.files, NewRegisterFile(DefaultRegisters))
	}

	bus.a = NewAllocator(DefaultRegisters, bus)

	return bus.a, bus.files
}

func readPMP(t *testing.T, f *RegisterFile, i int) (uint64, Perm, Mode) {
	t.Helper()

	addr, r, w, x, a, _, err := f.ReadPMP(i)
	require.NoError(t, err)

	var perm Perm

	if r {
		perm |= PermR
	}

	if w {
		perm |= PermW
	}

	if x {
		perm |= PermX
	}

	return addr, perm, Mode(a)
}

func TestBitmapSearch(t *testing.T) {
	var b bitmap

	assert.Equal(t, 0, b.search(8, 0x1))
	assert.Equal(t, 0, b.search(8, 0x3))

	b.set(0)
	assert.Equal(t, 1, b.search(8, 0x1))

	b.set(2)
	assert.Equal(t, 3, b.search(8, 0x3))
	assert.Equal(t, -1, b.search(4, 0x3))
	assert.Equal(t, 1, b.search(4, 0x1))

	b.clear(0)
	assert.Equal(t, 0, b.search(4, 0x3))
	assert.True(t, b.test(2))
	assert.False(t, b.test(0))

	b = 0xff
	assert.Equal(t, -1, b.search(8, 0x1))
	assert.Equal(t, 8, b.search(16, 0x1))
}

func TestInitNAPOT(t *testing.T) {
	a, files := newTestAllocator(t, 1)

	id, err := a.Init(0x80000000, 0x1000, PriorityTop, false)
	require.NoError(t, err)

	r, ok := a.Region(id)
	require.True(t, ok)
	assert.Equal(t, ModeNAPOT, r.Mode)
	assert.Equal(t, 0, r.Reg)

	require.NoError(t, a.Set(files[0], id, AllPerm))

	addr, perm, mode := readPMP(t, files[0], 0)
	assert.Equal(t, uint64(0x800007ff), addr)
	assert.Equal(t, AllPerm, perm)
	assert.Equal(t, ModeNAPOT, mode)

	require.NoError(t, a.Unset(files[0], id))

	_, perm, mode = readPMP(t, files[0], 0)
	assert.Equal(t, NoPerm, perm)
	assert.Equal(t, ModeOff, mode)
}

func TestInitAllMemory(t *testing.T) {
	a, files := newTestAllocator(t, 1)

	id, err := a.Init(0, AllMemory, PriorityBottom, true)
	require.NoError(t, err)

	r, _ := a.Region(id)
	assert.Equal(t, DefaultRegisters-1, r.Reg)
	assert.True(t, r.Shared)
	assert.Equal(t, AllMemory, r.End())

	require.NoError(t, a.Set(files[0], id, PermR|PermW))

	addr, perm, mode := readPMP(t, files[0], DefaultRegisters-1)
	assert.Equal(t, AllMemory, addr)
	assert.Equal(t, PermR|PermW, perm)
	assert.Equal(t, ModeNAPOT, mode)

	// the bottom register is never marked as used
	_, registers := a.Bitmaps()
	assert.Equal(t, uint32(0), registers)
}

func TestInitTOR(t *testing.T) {
	a, files := newTestAllocator(t, 1)

	id, err := a.Init(0x80001000, 0x3000, PriorityAny, false)
	require.NoError(t, err)

	r, _ := a.Region(id)
	assert.Equal(t, ModeTOR, r.Mode)
	assert.Equal(t, 1, r.Reg)

	_, registers := a.Bitmaps()
	assert.Equal(t, uint32(0x3), registers)

	require.NoError(t, a.Set(files[0], id, PermR))

	addr, perm, mode := readPMP(t, files[0], 1)
	assert.Equal(t, uint64(0x80004000), addr)
	assert.Equal(t, PermR, perm)
	assert.Equal(t, ModeTOR, mode)

	addr, perm, mode = readPMP(t, files[0], 0)
	assert.Equal(t, uint64(0x80001000), addr)
	assert.Equal(t, NoPerm, perm)
	assert.Equal(t, ModeOff, mode)

	require.NoError(t, a.Free(id))

	_, registers = a.Bitmaps()
	assert.Equal(t, uint32(0), registers)
}

func TestInitTORPriority(t *testing.T) {
	a, _ := newTestAllocator(t, 1)

	_, err := a.Init(0x80001000, 0x3000, PriorityTop, false)
	assert.ErrorIs(t, err, ErrImpossibleTOR)

	_, err = a.Init(0x80001000, 0x3000, PriorityBottom, false)
	assert.ErrorIs(t, err, ErrImpossibleTOR)

	id, err := a.Init(0, 0x3000, PriorityTop, false)
	require.NoError(t, err)

	r, _ := a.Region(id)
	assert.Equal(t, ModeTOR, r.Mode)
	assert.Equal(t, 0, r.Reg)
	assert.Equal(t, uint64(0x3000), r.pmpaddr())
}

func TestInitErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		start uint64
		size  uint64
		err   error
	}{
		{"zero size", 0x1000, 0, ErrSizeInvalid},
		{"size granularity", 0x1000, 0x1001, ErrNotPageGranularity},
		{"alignment", 0x1001, 0x1000, ErrNotAligned},
		{"all memory offset", 0x1000, AllMemory, ErrSizeInvalid},
		{"overflow", 0xfffffffffffff000, 0x2000, ErrSizeInvalid},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestAllocator(t, 1)

			_, err := a.Init(tc.start, tc.size, PriorityAny, false)
			assert.ErrorIs(t, err, tc.err)

			regions, registers := a.Bitmaps()
			assert.Zero(t, regions)
			assert.Zero(t, registers)
		})
	}
}

func TestOverlap(t *testing.T) {
	a, _ := newTestAllocator(t, 1)

	_, err := a.Init(0, AllMemory, PriorityBottom, true)
	require.NoError(t, err)

	_, err = a.Init(0x80000000, 0x2000, PriorityAny, false)
	require.NoError(t, err)

	_, err = a.Init(0x80001000, 0x1000, PriorityAny, false)
	assert.ErrorIs(t, err, ErrOverlap)

	// touching ranges do not overlap
	_, err = a.Init(0x80002000, 0x1000, PriorityAny, false)
	assert.NoError(t, err)

	_, err = a.Init(0x7ffff000, 0x1000, PriorityAny, false)
	assert.NoError(t, err)

	_, err = a.Init(0x80000000, 0x1000, PriorityAny, true)
	assert.NoError(t, err)

	assert.True(t, a.DetectOverlap(0x80001fff, 1))
	assert.False(t, a.DetectOverlap(0x90000000, 0x1000))
}

func TestRegionExhaustion(t *testing.T) {
	a, _ := newTestAllocator(t, 1)

	for i := 0; i < MaxRegions; i++ {
		_, err := a.Init(uint64(i+1)*0x10000, 0x1000, PriorityBottom, false)
		require.NoError(t, err)
	}

	_, err := a.Init(0x1000000, 0x1000, PriorityBottom, false)
	assert.ErrorIs(t, err, ErrMaxReached)

	regions, registers := a.Bitmaps()
	assert.Equal(t, uint32(0xffff), regions)
	assert.Zero(t, registers)
	assert.Len(t, a.Regions(), MaxRegions)
}

func TestRegisterExhaustion(t *testing.T) {
	a, _ := newTestAllocator(t, 1)

	var ids []RegionID

	for i := 0; i < DefaultRegisters-1; i++ {
		id, err := a.Init(uint64(i+1)*0x10000, 0x1000, PriorityAny, false)
		require.NoError(t, err)

		ids = append(ids, id)
	}

	regions, registers := a.Bitmaps()
	assert.Equal(t, uint32(0x7f), registers)

	// the bottom register is never taken by other priorities
	_, err := a.Init(0x1000000, 0x1000, PriorityAny, false)
	assert.ErrorIs(t, err, ErrMaxReached)

	_, err = a.Init(0x1000000, 0x3000, PriorityAny, false)
	assert.ErrorIs(t, err, ErrMaxReached)

	_, err = a.Init(0x1000000, 0x1000, PriorityTop, false)
	assert.ErrorIs(t, err, ErrMaxReached)

	r, g := a.Bitmaps()
	assert.Equal(t, regions, r)
	assert.Equal(t, registers, g)

	require.NoError(t, a.Free(ids[3]))

	id, err := a.Init(0x1000000, 0x1000, PriorityAny, false)
	require.NoError(t, err)
	assert.Equal(t, ids[3], id)

	region, _ := a.Region(id)
	assert.Equal(t, 3, region.Reg)
}

func TestInvalidRegion(t *testing.T) {
	a, files := newTestAllocator(t, 1)

	assert.ErrorIs(t, a.Free(3), ErrInvalidRegion)
	assert.ErrorIs(t, a.Free(-1), ErrInvalidRegion)
	assert.ErrorIs(t, a.Set(files[0], 3, AllPerm), ErrInvalidRegion)
	assert.ErrorIs(t, a.Unset(files[0], MaxRegions), ErrInvalidRegion)
	assert.ErrorIs(t, a.SetGlobal(0, 3, AllPerm), ErrInvalidRegion)

	_, err := a.Addr(3)
	assert.ErrorIs(t, err, ErrInvalidRegion)

	_, err = a.Size(3)
	assert.ErrorIs(t, err, ErrInvalidRegion)
}

func TestGlobal(t *testing.T) {
	a, files := newTestAllocator(t, 4)

	id, err := a.Init(0x80200000, 0x200000, PriorityAny, false)
	require.NoError(t, err)

	require.NoError(t, a.SetGlobal(0, id, PermR|PermX))

	for _, f := range files {
		addr, perm, mode := readPMP(t, f, 0)
		assert.Equal(t, uint64(0x802fffff), addr)
		assert.Equal(t, PermR|PermX, perm)
		assert.Equal(t, ModeNAPOT, mode)
	}

	require.NoError(t, a.UnsetGlobal(2, id))

	for _, f := range files {
		_, perm, mode := readPMP(t, f, 0)
		assert.Equal(t, NoPerm, perm)
		assert.Equal(t, ModeOff, mode)
	}
}

func TestCheck(t *testing.T) {
	a, files := newTestAllocator(t, 1)
	f := files[0]

	assert.False(t, Check(f, f.Len(), 0x90000000, 8, PermR))

	sm, err := a.Init(0x80000000, 0x100000, PriorityTop, false)
	require.NoError(t, err)

	os, err := a.Init(0, AllMemory, PriorityBottom, true)
	require.NoError(t, err)

	require.NoError(t, a.Set(f, sm, NoPerm))
	require.NoError(t, a.Set(f, os, AllPerm))

	assert.False(t, Check(f, f.Len(), 0x80000000, 8, PermR))
	assert.False(t, Check(f, f.Len(), 0x800ffff8, 16, PermR))
	assert.True(t, Check(f, f.Len(), 0x80100000, 8, PermR|PermW))
	assert.True(t, Check(f, f.Len(), 0x80000000, 0, PermR))
	assert.False(t, Check(f, f.Len(), 0xfffffffffffffff8, 16, PermR))

	tor, err := a.Init(0x90001000, 0x3000, PriorityAny, false)
	require.NoError(t, err)
	require.NoError(t, a.Set(f, tor, PermR))

	assert.True(t, Check(f, f.Len(), 0x90001000, 0x3000, PermR))
	assert.False(t, Check(f, f.Len(), 0x90001000, 8, PermW))
	assert.True(t, Check(f, f.Len(), 0x90004000, 8, PermW))
}

func TestRegisterFileLock(t *testing.T) {
	f := NewRegisterFile(4)

	require.NoError(t, f.WritePMP(0, 0x1000, true, false, false, int(ModeTOR), true))
	assert.Error(t, f.WritePMP(0, 0x2000, true, false, false, int(ModeTOR), false))
	assert.Error(t, f.WritePMP(4, 0x2000, true, false, false, int(ModeTOR), false))
	assert.Error(t, f.WritePMP(1, 0x2000, true, false, false, 4, false))

	_, _, _, _, _, _, err := f.ReadPMP(4)
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "r-x", (PermR | PermX).String())
	assert.Equal(t, "NAPOT", ModeNAPOT.String())
	assert.Equal(t, "invalid PMP region", ErrInvalidRegion.Error())
}
