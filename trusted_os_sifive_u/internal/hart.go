// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package gotee

import (
	"github.com/usbarmory/tamago/soc/sifive/fu540"

	"github.com/usbarmory/GoTEE-sm/sm"
)

// defined in csr_riscv64.s
func readCSRs(csrs *[9]uint64)
func writeCSRs(csrs *[9]uint64)

// hart represents the FU540 core executing the TamaGo runtime, the only one
// managed by the Security Monitor.
type hart struct{}

func (h *hart) ID() int {
	return 0
}

func (h *hart) ReadPMP(i int) (addr uint64, r bool, w bool, x bool, a int, l bool, err error) {
	return fu540.RV64.ReadPMP(i)
}

func (h *hart) WritePMP(i int, addr uint64, r bool, w bool, x bool, a int, l bool) error {
	return fu540.RV64.WritePMP(i, addr, r, w, x, a, l)
}

func (h *hart) ReadCSRs() sm.CSRs {
	var v [9]uint64

	readCSRs(&v)

	return sm.CSRs{
		SStatus:  v[0],
		SIE:      v[1],
		STVec:    v[2],
		SScratch: v[3],
		SEPC:     v[4],
		SCause:   v[5],
		STVal:    v[6],
		SIP:      v[7],
		SATP:     v[8],
	}
}

func (h *hart) WriteCSRs(csrs sm.CSRs) {
	v := [9]uint64{
		csrs.SStatus,
		csrs.SIE,
		csrs.STVec,
		csrs.SScratch,
		csrs.SEPC,
		csrs.SCause,
		csrs.STVal,
		csrs.SIP,
		csrs.SATP,
	}

	writeCSRs(&v)
}
