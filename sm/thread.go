// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

// Register indices of the RISC-V calling convention
const (
	RegRA = 1
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA3 = 13
	RegA4 = 14
	RegA5 = 15
	RegA6 = 16
	RegA7 = 17
)

// MSTATUS_MPP_S selects supervisor mode as mret target.
const MSTATUS_MPP_S = 1 << 11

// Regs represents the register file saved on machine mode trap entry.
type Regs struct {
	X       [32]uint64
	PC      uint64
	MStatus uint64
}

// A returns argument register n (a0-a7).
func (r *Regs) A(n int) uint64 {
	return r.X[RegA0+n]
}

// SetA sets argument register n (a0-a7).
func (r *Regs) SetA(n int, val uint64) {
	r.X[RegA0+n] = val
}

// CSRs represents the supervisor control and status registers of a hart.
type CSRs struct {
	SStatus  uint64
	SIE      uint64
	STVec    uint64
	SScratch uint64
	SEPC     uint64
	SCause   uint64
	STVal    uint64
	SIP      uint64
	SATP     uint64
}

// ThreadState holds the context of the side (host or enclave) which is not
// currently executing on the hart.
type ThreadState struct {
	Regs Regs
	CSRs CSRs

	// ReturnOnResume is set when the enclave left through a call which
	// must complete with success once the enclave is resumed.
	ReturnOnResume bool
}

// swap exchanges the live context of a hart with the saved one.
func (t *ThreadState) swap(regs *Regs, csrs *CSRs) {
	t.Regs, *regs = *regs, t.Regs
	t.CSRs, *csrs = *csrs, t.CSRs
}
