// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package main

import (
	"github.com/usbarmory/GoTEE/syscall"

	"github.com/usbarmory/GoTEE-sm/sbi"
	"github.com/usbarmory/GoTEE-sm/sm"
)

// defined in sbi_riscv64.s
func ecall(ext uint64, fid uint64, a0 uint64) (status uint64, val uint64)

func putchar(c byte) {
	ecall(sbi.EXT_PUTCHAR, 0, uint64(c))
}

// exit returns control to the Security Monitor through the GoTEE exit
// system call.
func exit() {
	ecall(0, 0, syscall.SYS_EXIT)
}

// keystone issues a host call of the Security Monitor enclave extension.
func keystone(fid uint64, arg uint64) (val uint64, err error) {
	status, val := ecall(sbi.EXT_KEYSTONE, fid, arg)

	if status != uint64(sm.Success) {
		return 0, sm.Error(status)
	}

	return
}
