// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pagetable_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/pagetable"
	"github.com/usbarmory/GoTEE-sm/sdk"
	"github.com/usbarmory/GoTEE-sm/sm"
)

const (
	runtimeVA = 0xffffffffc0000000
	userVA    = 0x1000
	sharedVA  = 0x40000000
)

var (
	epm = sm.Range{Start: 0x80100000, Size: 0x100000}
	utm = sm.Range{Start: 0x90000000, Size: 0x1000}

	runtime = bytes.Repeat([]byte{0x5a}, 0x1800)
	user    = []byte("enclave application")
)

type image struct {
	ram *mem.RAM
	b   *sdk.Builder
}

func newImage(t *testing.T) *image {
	ram := mem.NewRAM(mem.DRAMStart, mem.DRAMSize)

	b, err := sdk.NewBuilder(ram, epm, utm, 8)
	require.NoError(t, err)

	return &image{ram: ram, b: b}
}

// standard maps the reference enclave: two runtime pages, one user page and
// one shared page.
func (img *image) standard(t *testing.T) *image {
	_, err := img.b.MapRuntime(runtimeVA, runtime)
	require.NoError(t, err)

	_, err = img.b.MapUser(userVA, user)
	require.NoError(t, err)

	require.NoError(t, img.b.MapShared(sharedVA, utm.Start))

	return img
}

func (img *image) layout() pagetable.Layout {
	args := img.b.Args(sm.RuntimeParams{})

	return pagetable.Layout{
		EPM:           epm,
		UTM:           utm,
		RuntimeBase:   args.RuntimePaddr,
		UserBase:      args.UserPaddr,
		FreeBase:      args.FreePaddr,
		UntrustedPtr:  sharedVA,
		UntrustedSize: utm.Size,
	}
}

func (img *image) walk() ([]byte, error) {
	w := &pagetable.Walker{Memory: img.ram}
	h := crypto.NewHash()

	err := w.Walk(h, img.b.Root(), img.layout())

	return h.Sum(nil), err
}

func page(data []byte) []byte {
	p := make([]byte, pagetable.PageSize)
	copy(p, data)
	return p
}

func TestWalk(t *testing.T) {
	sum, err := newImage(t).standard(t).walk()
	require.NoError(t, err)

	h := crypto.NewHash()
	h.Write(binary.LittleEndian.AppendUint64(nil, userVA))
	h.Write(page(user))
	h.Write(binary.LittleEndian.AppendUint64(nil, sharedVA))
	h.Write(page(nil))
	// contiguous runtime pages are preceded by a single address
	h.Write(binary.LittleEndian.AppendUint64(nil, runtimeVA))
	h.Write(page(runtime[:0x1000]))
	h.Write(page(runtime[0x1000:]))

	assert.Equal(t, h.Sum(nil), sum)
}

func TestWalkDeterministic(t *testing.T) {
	a, err := newImage(t).standard(t).walk()
	require.NoError(t, err)

	b, err := newImage(t).standard(t).walk()
	require.NoError(t, err)

	assert.Equal(t, a, b)

	img := newImage(t).standard(t)
	require.NoError(t, img.ram.Write(0x8010a000, []byte{0xff}))

	c, err := img.walk()
	require.NoError(t, err)

	assert.NotEqual(t, a, c)
}

func TestWalkTableLayout(t *testing.T) {
	ref := newImage(t).standard(t)

	a, err := ref.walk()
	require.NoError(t, err)

	// same mappings and pages, with tables allocated in a different order
	img := newImage(t)

	require.NoError(t, img.b.MapShared(sharedVA, utm.Start))

	_, err = img.b.MapRuntime(runtimeVA, runtime)
	require.NoError(t, err)

	_, err = img.b.MapUser(userVA, user)
	require.NoError(t, err)

	require.Equal(t, ref.layout(), img.layout())

	refEntry, err := ref.b.Entry(runtimeVA)
	require.NoError(t, err)

	entry, err := img.b.Entry(runtimeVA)
	require.NoError(t, err)

	require.NotEqual(t, refEntry, entry)

	b, err := img.walk()
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestWalkEmpty(t *testing.T) {
	img := newImage(t)

	sum, err := img.walk()
	require.NoError(t, err)

	assert.Equal(t, crypto.NewHash().Sum(nil), sum)
}

func TestWalkIllegal(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(*testing.T, *image)
	}{
		{
			name: "aliased runtime page",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(runtimeVA+0x2000, 0x80108000, sdk.RuntimeFlags))
			},
		},
		{
			name: "non linear runtime mapping",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(runtimeVA, 0x80109000, sdk.RuntimeFlags))
				require.NoError(t, img.b.Map(runtimeVA+0x1000, 0x80108000, sdk.RuntimeFlags))
			},
		},
		{
			name: "untrusted window outside of shared memory",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(sharedVA, 0x8010a000, sdk.UserFlags))
			},
		},
		{
			name: "table pointer to shared memory",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, mem.WriteUint64(img.ram, img.b.Root()+2*8, pagetable.PTE(utm.Start, 0)))
			},
		},
		{
			name: "mapping outside of enclave memory",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(0x2000, 0xa0000000, sdk.UserFlags))
			},
		},
		{
			name: "user page without U bit",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(0x2000, 0x8010a000, sdk.RuntimeFlags))
			},
		},
		{
			name: "superpage",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, mem.WriteUint64(img.ram, img.b.Root()+3*8, pagetable.PTE(epm.Start, pagetable.PTE_R)))
			},
		},
		{
			name: "invalid entry",
			setup: func(t *testing.T, img *image) {
				addr, err := img.b.Entry(0x3000)
				require.NoError(t, err)
				require.NoError(t, mem.WriteUint64(img.ram, addr, pagetable.PTE(0x8010a000, sdk.UserFlags)&^pagetable.PTE_V))
			},
		},
		{
			name: "table pointer at leaf level",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(0x3000, 0x8010a000, 0))
			},
		},
		{
			name: "page table mapped as data",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(0x3000, img.b.Root(), sdk.UserFlags))
			},
		},
		{
			name: "executable shared page",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(sharedVA, utm.Start, sdk.SharedFlags|pagetable.PTE_X))
			},
		},
		{
			name: "user page aliased by the runtime",
			setup: func(t *testing.T, img *image) {
				require.NoError(t, img.b.Map(runtimeVA+0x2000, 0x8010a000, sdk.UserFlags))
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := newImage(t).standard(t)
			tc.setup(t, img)

			_, err := img.walk()
			assert.ErrorIs(t, err, pagetable.ErrIllegalPTE)
		})
	}
}

func TestWalkRoot(t *testing.T) {
	img := newImage(t).standard(t)

	w := &pagetable.Walker{Memory: img.ram}

	err := w.Walk(crypto.NewHash(), utm.Start, img.layout())
	assert.ErrorIs(t, err, pagetable.ErrIllegalPTE)

	err = w.Walk(crypto.NewHash(), epm.Start+8, img.layout())
	assert.ErrorIs(t, err, pagetable.ErrIllegalPTE)
}

func TestWalkBudget(t *testing.T) {
	img := newImage(t).standard(t)

	// an empty table referenced more times than there are private pages
	empty := uint64(0x80110000)

	for i := uint64(2); i < 300; i++ {
		require.NoError(t, mem.WriteUint64(img.ram, img.b.Root()+i*8, pagetable.PTE(empty, 0)))
	}

	_, err := img.walk()
	assert.ErrorIs(t, err, pagetable.ErrIllegalPTE)

	// shared tables are legal within the budget
	img = newImage(t).standard(t)

	for i := uint64(2); i < 10; i++ {
		require.NoError(t, mem.WriteUint64(img.ram, img.b.Root()+i*8, pagetable.PTE(empty, 0)))
	}

	_, err = img.walk()
	assert.NoError(t, err)
}

func TestTranslate(t *testing.T) {
	img := newImage(t).standard(t)
	satp := pagetable.SATP(img.b.Root())

	pa, err := pagetable.Translate(img.ram, 0, 0x80000123, true, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80000123), pa)

	pa, err = pagetable.Translate(img.ram, satp, userVA+0x10, true, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x8010a010), pa)

	_, err = pagetable.Translate(img.ram, satp, 0x5000, false, nil)
	assert.Error(t, err)

	// non canonical
	_, err = pagetable.Translate(img.ram, satp, 0x8000000000, false, nil)
	assert.Error(t, err)

	require.NoError(t, img.b.Map(0x6000, 0x8010a000, pagetable.PTE_R))

	_, err = pagetable.Translate(img.ram, satp, 0x6000, false, nil)
	require.NoError(t, err)

	_, err = pagetable.Translate(img.ram, satp, 0x6000, true, nil)
	assert.Error(t, err)

	// 1GB superpage
	require.NoError(t, mem.WriteUint64(img.ram, img.b.Root()+3*8, pagetable.PTE(0x80000000, pagetable.PTE_R|pagetable.PTE_W)))

	pa, err = pagetable.Translate(img.ram, satp, 0xc0123456, true, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80123456), pa)
}

func TestTranslateTableAccess(t *testing.T) {
	img := newImage(t).standard(t)
	satp := pagetable.SATP(img.b.Root())

	var fetched []uint64

	readable := func(pa uint64, size uint64) bool {
		fetched = append(fetched, pa)
		return size == 8 && pa >= img.b.Root()+pagetable.PageSize
	}

	// the root table is denied
	_, err := pagetable.Translate(img.ram, satp, userVA, false, readable)
	assert.ErrorIs(t, err, pagetable.ErrTableAccess)
	assert.Equal(t, []uint64{img.b.Root() + uint64(pagetable.Index(userVA, pagetable.Levels))*8}, fetched)

	// every level is checked
	fetched = nil

	pa, err := pagetable.Translate(img.ram, satp, userVA, false, func(pa uint64, size uint64) bool {
		fetched = append(fetched, pa)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x8010a000), pa)
	assert.Len(t, fetched, pagetable.Levels)

	// bare mode fetches nothing
	_, err = pagetable.Translate(img.ram, 0, userVA, false, readable)
	assert.NoError(t, err)
}
