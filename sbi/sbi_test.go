// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sbi

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/sdk"
	"github.com/usbarmory/GoTEE-sm/sm"
)

const (
	runtimeVA = 0xffffffffc0000000
	userVA    = 0x1000
	sharedVA  = 0x40000000

	hostPC   = 0x80200000
	argsAddr = 0x80050000
)

var (
	epm = sm.Range{Start: 0x80100000, Size: 0x100000}
	utm = sm.Range{Start: 0x90000000, Size: 0x1000}
)

type console struct {
	secure    bytes.Buffer
	nonSecure bytes.Buffer
}

func (c *console) putchar(b byte, secure bool) {
	if secure {
		c.secure.WriteByte(b)
	} else {
		c.nonSecure.WriteByte(b)
	}
}

func newDispatcher(t *testing.T) (*Dispatcher, *mem.RAM, sm.Hart, *console) {
	keys, err := crypto.Provision(make([]byte, crypto.SeedSize), nil)
	require.NoError(t, err)

	ram := mem.NewRAM(mem.DRAMStart, mem.DRAMSize)
	harts := sm.NewEmulatedHarts(1, 8)

	m, err := sm.New(sm.Config{SM: sm.Range{Start: mem.SecureStart, Size: 0x4000000}}, harts, ram, keys)
	require.NoError(t, err)
	require.NoError(t, m.Init(harts[0]))

	c := &console{}

	return &Dispatcher{SM: m, Console: c.putchar}, ram, harts[0], c
}

// writeArgs stores the creation arguments of a minimal enclave in host
// memory.
func writeArgs(t *testing.T, ram *mem.RAM) {
	b, err := sdk.NewBuilder(ram, epm, utm, 8)
	require.NoError(t, err)

	_, err = b.MapRuntime(runtimeVA, []byte("runtime"))
	require.NoError(t, err)

	_, err = b.MapUser(userVA, []byte("user"))
	require.NoError(t, err)

	require.NoError(t, b.MapShared(sharedVA, utm.Start))

	args := b.Args(sm.RuntimeParams{
		RuntimeEntry:  runtimeVA,
		UserEntry:     userVA,
		UntrustedPtr:  sharedVA,
		UntrustedSize: utm.Size,
	})

	buf, err := args.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, ram.Write(argsAddr, buf))
}

func call(t *testing.T, d *Dispatcher, h sm.Hart, regs *sm.Regs, fid uint64, args ...uint64) {
	regs.SetA(7, EXT_KEYSTONE)
	regs.SetA(6, fid)

	for i, arg := range args {
		regs.SetA(i, arg)
	}

	require.NoError(t, d.Handle(h, regs))
}

func TestEnclaveSession(t *testing.T) {
	d, ram, h, _ := newDispatcher(t)
	writeArgs(t, ram)

	regs := &sm.Regs{PC: hostPC}

	call(t, d, h, regs, FID_CREATE_ENCLAVE, argsAddr)
	require.Equal(t, uint64(sm.Success), regs.A(0))
	assert.Equal(t, uint64(hostPC+4), regs.PC)

	eid := regs.A(1)

	// run
	regs.PC = hostPC
	call(t, d, h, regs, FID_RUN_ENCLAVE, eid)

	assert.Equal(t, uint64(runtimeVA), regs.PC)
	assert.Equal(t, uint64(sm.Success), regs.A(0))
	assert.Equal(t, epm.Start, regs.A(1))

	// host calls are prohibited within enclaves
	call(t, d, h, regs, FID_CREATE_ENCLAVE, argsAddr)
	assert.Equal(t, uint64(sm.ErrSBIProhibited), regs.A(0))
	assert.Equal(t, uint64(runtimeVA+4), regs.PC)

	call(t, d, h, regs, FID_RANDOM)
	assert.Equal(t, uint64(sm.Success), regs.A(0))

	// attestation through shared memory
	require.NoError(t, ram.Write(utm.Start, []byte("nonce")))
	call(t, d, h, regs, FID_ATTEST_ENCLAVE, sharedVA+0x100, sharedVA, 5)
	require.Equal(t, uint64(sm.Success), regs.A(0))

	buf := make([]byte, sm.ReportSize)
	require.NoError(t, ram.Read(utm.Start+0x100, buf))

	var report sm.Report
	require.NoError(t, report.UnmarshalBinary(buf))
	require.NoError(t, report.Verify())
	assert.Equal(t, []byte("nonce"), report.Enclave.Data[:report.Enclave.DataLen])

	call(t, d, h, regs, FID_ATTEST_ENCLAVE, sharedVA+0x100, sharedVA, sm.ReportDataSize+1)
	assert.Equal(t, uint64(sm.ErrIllegalArgument), regs.A(0))

	// report does not fit the shared page
	call(t, d, h, regs, FID_ATTEST_ENCLAVE, sharedVA+0xf00, sharedVA, 5)
	assert.Equal(t, uint64(sm.ErrNotAccessible), regs.A(0))

	call(t, d, h, regs, FID_GET_SEALING_KEY, sharedVA+0x800, sharedVA, 5)
	require.Equal(t, uint64(sm.Success), regs.A(0))

	key := make([]byte, sm.SealingKeySize+crypto.SignatureSize)
	require.NoError(t, ram.Read(utm.Start+0x800, key))
	assert.True(t, crypto.Verify(key[:sm.SealingKeySize], key[sm.SealingKeySize:], d.SM.Keys().SMPublic))

	// edge call
	regs.PC = runtimeVA + 0x100
	call(t, d, h, regs, FID_STOP_ENCLAVE, uint64(sm.StopEdgeCallHost))

	assert.Equal(t, uint64(hostPC+4), regs.PC)
	assert.Equal(t, uint64(sm.ErrEdgeCallHost), regs.A(0))

	regs.PC = hostPC + 0x10
	call(t, d, h, regs, FID_RESUME_ENCLAVE, eid)

	assert.Equal(t, uint64(runtimeVA+0x104), regs.PC)
	assert.Equal(t, uint64(sm.Success), regs.A(0))

	// timer interrupt
	regs.PC = runtimeVA + 0x200
	regs.SetA(0, 0x55)
	require.NoError(t, d.Interrupt(h, regs))

	assert.Equal(t, uint64(hostPC+0x14), regs.PC)
	assert.Equal(t, uint64(sm.ErrInterrupted), regs.A(0))

	regs.PC = hostPC + 0x20
	call(t, d, h, regs, FID_RESUME_ENCLAVE, eid)

	assert.Equal(t, uint64(runtimeVA+0x200), regs.PC)
	assert.Equal(t, uint64(0x55), regs.A(0))

	call(t, d, h, regs, FID_EXIT_ENCLAVE, 7)

	assert.Equal(t, uint64(hostPC+0x24), regs.PC)
	assert.Equal(t, uint64(sm.Success), regs.A(0))
	assert.Equal(t, uint64(7), regs.A(1))

	call(t, d, h, regs, FID_DESTROY_ENCLAVE, eid)
	assert.Equal(t, uint64(sm.Success), regs.A(0))

	call(t, d, h, regs, FID_DESTROY_ENCLAVE, eid)
	assert.Equal(t, uint64(sm.ErrNotDestroyable), regs.A(0))
}

func TestCreateArgsAccess(t *testing.T) {
	d, _, h, _ := newDispatcher(t)
	regs := &sm.Regs{PC: hostPC}

	call(t, d, h, regs, FID_CREATE_ENCLAVE, mem.SecureStart)
	assert.Equal(t, uint64(sm.ErrRegionOverlaps), regs.A(0))

	// zeroed arguments
	call(t, d, h, regs, FID_CREATE_ENCLAVE, argsAddr)
	assert.Equal(t, uint64(sm.ErrIllegalArgument), regs.A(0))
}

func TestCallRanges(t *testing.T) {
	d, _, h, _ := newDispatcher(t)
	regs := &sm.Regs{PC: hostPC}

	for fid, code := range map[uint64]sm.Error{
		FID_RANDOM:         sm.ErrSBIProhibited,
		FID_EXIT_ENCLAVE:   sm.ErrSBIProhibited,
		2004:               sm.ErrNotImplemented,
		4000:               sm.ErrNotImplemented,
		FID_RUN_ENCLAVE:    sm.ErrInvalidID,
		FID_RESUME_ENCLAVE: sm.ErrNotResumable,
	} {
		regs.PC = hostPC
		call(t, d, h, regs, fid, sm.MaxEnclaves)

		assert.Equal(t, uint64(code), regs.A(0), "fid %d", fid)
		assert.Equal(t, uint64(hostPC+4), regs.PC)
	}
}

func TestUnsupported(t *testing.T) {
	d, _, h, _ := newDispatcher(t)
	regs := &sm.Regs{PC: hostPC}

	regs.SetA(7, 0x10)
	assert.ErrorIs(t, d.Handle(h, regs), ErrUnsupported)
	assert.Equal(t, uint64(hostPC), regs.PC)

	assert.ErrorIs(t, d.Interrupt(h, regs), ErrUnsupported)
	assert.Equal(t, uint64(hostPC), regs.PC)
}

func TestPutchar(t *testing.T) {
	d, _, h, c := newDispatcher(t)
	regs := &sm.Regs{PC: hostPC}

	for _, b := range []byte("ok\n") {
		regs.SetA(7, EXT_PUTCHAR)
		regs.SetA(0, uint64(b))
		require.NoError(t, d.Handle(h, regs))
	}

	assert.Equal(t, "ok\n", c.nonSecure.String())
	assert.Zero(t, c.secure.Len())
	assert.Equal(t, uint64(hostPC+12), regs.PC)
}
