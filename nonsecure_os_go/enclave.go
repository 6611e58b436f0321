// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package main

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/sbi"
	"github.com/usbarmory/GoTEE-sm/sdk"
	"github.com/usbarmory/GoTEE-sm/sm"
)

const (
	runtimeVA = 0xffffffffc0000000
	userVA    = 0x1000
	sharedVA  = 0x40000000
)

var (
	epm = sm.Range{Start: mem.NonSecureStart + kernelSize, Size: 0x100000}
	utm = sm.Range{Start: mem.NonSecureStart + kernelSize + 0x100000, Size: 0x1000}
)

// exitValue is returned by the enclave runtime to the host.
const exitValue = 42

// runtimeCode is a minimal enclave runtime which exits immediately.
var runtimeCode = []uint32{
	0x084258b7, // lui  a7, 0x8425
	0xb4588893, // addi a7, a7, -1211 (EXT_KEYSTONE)
	0x00001837, // lui  a6, 0x1
	0xbbe80813, // addi a6, a6, -1090 (FID_EXIT_ENCLAVE)
	0x02a00513, // li   a0, 42
	0x00000073, // ecall
}

func image() (args *sm.CreateArgs, err error) {
	code := make([]byte, 4*len(runtimeCode))

	for i, insn := range runtimeCode {
		binary.LittleEndian.PutUint32(code[i*4:], insn)
	}

	// the kernel executes with bare addressing
	b, err := sdk.NewBuilder(mem.Physical{}, epm, utm, 8)

	if err != nil {
		return
	}

	if _, err = b.MapRuntime(runtimeVA, code); err != nil {
		return
	}

	if _, err = b.MapUser(userVA, []byte("enclave application")); err != nil {
		return
	}

	if err = b.MapShared(sharedVA, utm.Start); err != nil {
		return
	}

	return b.Args(sm.RuntimeParams{
		RuntimeEntry:  runtimeVA,
		UserEntry:     userVA,
		UntrustedPtr:  sharedVA,
		UntrustedSize: utm.Size,
	}), nil
}

func runEnclave() (err error) {
	args, err := image()

	if err != nil {
		return fmt.Errorf("could not build enclave, %v", err)
	}

	buf, err := args.MarshalBinary()

	if err != nil {
		return
	}

	eid, err := keystone(sbi.FID_CREATE_ENCLAVE, uint64(uintptr(unsafe.Pointer(&buf[0]))))
	runtime.KeepAlive(buf)

	if err != nil {
		return fmt.Errorf("could not create enclave, %v", err)
	}

	log.WithField("eid", eid).Printf("supervisor created enclave epm:%#x utm:%#x", epm.Start, utm.Start)

	val, err := keystone(sbi.FID_RUN_ENCLAVE, eid)

	if err != nil {
		return fmt.Errorf("could not run enclave, %v", err)
	}

	log.WithField("eid", eid).Printf("supervisor received enclave exit value %d (expected %d)", val, exitValue)

	if _, err = keystone(sbi.FID_DESTROY_ENCLAVE, eid); err != nil {
		return fmt.Errorf("could not destroy enclave, %v", err)
	}

	log.WithField("eid", eid).Printf("supervisor destroyed enclave")

	return
}
