// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/sdk"
	"github.com/usbarmory/GoTEE-sm/sm"
	"github.com/usbarmory/GoTEE-sm/util"
)

type session struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (s *session) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *session) Write(p []byte) (int, error) { return s.out.Write(p) }

func setup(t *testing.T) (*term.Terminal, *session) {
	keys, err := crypto.Provision(bytes.Repeat([]byte{0x01}, crypto.SeedSize), []byte("security monitor"))
	require.NoError(t, err)

	ram := mem.NewRAM(mem.DRAMStart, mem.DRAMSize)
	harts := sm.NewEmulatedHarts(1, 8)

	m, err := sm.New(sm.Config{SM: sm.Range{Start: mem.SecureStart, Size: 0x4000000}}, harts, ram, keys)
	require.NoError(t, err)
	require.NoError(t, m.Init(harts[0]))

	SM = m
	t.Cleanup(func() { SM = nil })

	s := &session{}

	return term.NewTerminal(s, ""), s
}

func run(t *testing.T, tm *term.Terminal, s *session, line string) string {
	s.out.Reset()
	require.NoError(t, Handle(tm, line), line)

	return s.out.String()
}

func createEnclave(t *testing.T) sm.EID {
	epm := sm.Range{Start: 0x80100000, Size: 0x100000}
	utm := sm.Range{Start: 0x90000000, Size: 0x1000}

	b, err := sdk.NewBuilder(SM.Memory(), epm, utm, 8)
	require.NoError(t, err)

	_, err = b.MapRuntime(0xffffffffc0000000, []byte("runtime"))
	require.NoError(t, err)

	_, err = b.MapUser(0x1000, []byte("user"))
	require.NoError(t, err)

	require.NoError(t, b.MapShared(0x40000000, utm.Start))

	eid, err := SM.Create(SM.Harts()[0], b.Args(sm.RuntimeParams{
		RuntimeEntry:  0xffffffffc0000000,
		UserEntry:     0x1000,
		UntrustedPtr:  0x40000000,
		UntrustedSize: utm.Size,
	}))
	require.NoError(t, err)

	return eid
}

func TestHandle(t *testing.T) {
	tm, s := setup(t)

	help := run(t, tm, s, "help")

	for _, name := range []string{"attest", "destroy", "enclaves", "peek", "pmp", "regions"} {
		assert.Contains(t, help, name)
	}

	assert.Empty(t, run(t, tm, s, ""))

	err := Handle(tm, "frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	err = Handle(tm, "quit")
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnavailable(t *testing.T) {
	s := &session{}
	tm := term.NewTerminal(s, "")

	for _, line := range []string{"enclaves", "regions", "pmp 0", "peek 80000000 4", "identity"} {
		assert.Error(t, Handle(tm, line), line)
	}
}

func TestEnclaveCommands(t *testing.T) {
	tm, s := setup(t)

	assert.Empty(t, run(t, tm, s, "enclaves"))

	eid := createEnclave(t)
	require.Equal(t, sm.EID(0), eid)

	res := run(t, tm, s, "enclaves")
	assert.Contains(t, res, "fresh")
	assert.Contains(t, res, "EPM")
	assert.Contains(t, res, "UTM")

	res = run(t, tm, s, "attest 0 nonce")
	assert.Contains(t, res, "enclave hash:")

	e, ok := SM.Enclave(eid)
	require.True(t, ok)
	assert.Contains(t, res, hex.EncodeToString(e.Hash[:]))

	assert.Error(t, Handle(tm, "attest 9"))

	res = run(t, tm, s, "regions")
	assert.Contains(t, res, "mode:NAPOT")

	run(t, tm, s, "destroy 0")
	assert.Empty(t, SM.Enclaves())

	assert.Error(t, Handle(tm, "destroy 0"))
}

func TestMemoryCommands(t *testing.T) {
	tm, s := setup(t)

	run(t, tm, s, "poke 80001000 deadbeef")

	buf := make([]byte, 4)
	require.NoError(t, SM.Memory().Read(0x80001000, buf))
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, buf)

	res := run(t, tm, s, "peek 80001000 8")
	assert.Contains(t, res, "de ad be ef 00 00 00 00")

	assert.Error(t, Handle(tm, "peek 80001001 4"))
	assert.Error(t, Handle(tm, "peek 80001000 204800"))
	assert.Error(t, Handle(tm, "poke 80001002 01"))
	assert.Error(t, Handle(tm, "peek 10 4"))

	// monitor memory
	assert.ErrorContains(t, Handle(tm, "peek bc000000 4"), "not accessible")
	assert.ErrorContains(t, Handle(tm, "poke bffffffc 01"), "not accessible")

	createEnclave(t)

	// enclave private memory is off limits, shared memory is not
	assert.ErrorContains(t, Handle(tm, "peek 80100000 4"), "not accessible")
	assert.ErrorContains(t, Handle(tm, "peek 800ffffc 8"), "not accessible")
	assert.ErrorContains(t, Handle(tm, "poke 80100ffc 01"), "not accessible")

	run(t, tm, s, "poke 90000000 cafebabe")
	assert.Contains(t, run(t, tm, s, "peek 90000000 4"), "ca fe ba be")
}

func TestPMPCommand(t *testing.T) {
	tm, s := setup(t)

	res := run(t, tm, s, "pmp 0")
	assert.Equal(t, SM.Allocator().Registers(), strings.Count(res, "PMP:"))
	assert.Contains(t, res, "addr:")

	assert.Error(t, Handle(tm, "pmp 1"))
}

func TestIdentityCommand(t *testing.T) {
	tm, s := setup(t)

	res := run(t, tm, s, "identity")
	assert.Contains(t, res, hex.EncodeToString(SM.Keys().SMHash[:]))
	assert.Contains(t, res, hex.EncodeToString(SM.Keys().DevicePublic))
}

func TestSymbolCommands(t *testing.T) {
	s := &session{}
	tm := term.NewTerminal(s, "")

	Symbols = nil
	assert.Error(t, Handle(tm, "sym runtime.main"))

	if runtime.GOOS != "linux" {
		t.Skip("ELF test binary required")
	}

	path, err := os.Executable()
	require.NoError(t, err)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)

	Symbols, err = util.NewELFSymbols(buf)
	require.NoError(t, err)
	t.Cleanup(func() { Symbols = nil })

	res := run(t, tm, s, "sym runtime.main")
	assert.Contains(t, res, "runtime.main addr:")

	assert.Error(t, Handle(tm, "pc 0"))
}

func TestMonitorCommands(t *testing.T) {
	tm, s := setup(t)

	assert.Contains(t, run(t, tm, s, "status"), "harts:1 regions:2/16 registers:1/8 enclaves:0/16")

	createEnclave(t)

	res := run(t, tm, s, "help")
	assert.Contains(t, res, "enclaves:1/16 (fresh:1 running:0 stopped:0)")

	res = run(t, tm, s, "harts")
	assert.Contains(t, res, "hart:0 host")

	done := make(chan error, 1)

	go func() {
		done <- SM.Serve()
	}()

	t.Cleanup(func() {
		SM.Close()
		require.NoError(t, <-done)
	})

	assert.Eventually(t, func() bool {
		return strings.Contains(run(t, tm, s, "stackall ipi"), `"hart":"0"`)
	}, 5*time.Second, 10*time.Millisecond)

	assert.NotContains(t, run(t, tm, s, "stackall ipi"), "TestMonitorCommands")
	assert.Contains(t, run(t, tm, s, "stackall"), "TestMonitorCommands")
}
