// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package gotee

import (
	"errors"

	"github.com/usbarmory/GoTEE/monitor"
	gosbi "github.com/usbarmory/GoTEE/sbi"
	"github.com/usbarmory/GoTEE/syscall"

	"github.com/usbarmory/GoTEE-sm/sbi"
	"github.com/usbarmory/GoTEE-sm/sm"
)

// registers returns the general purpose registers of an execution context,
// indexed as sm.Regs.X (x0 is hardwired to zero).
func registers(ctx *monitor.ExecCtx) [32]*uint64 {
	return [32]*uint64{
		nil, &ctx.X1, &ctx.X2, &ctx.X3, &ctx.X4, &ctx.X5, &ctx.X6, &ctx.X7,
		&ctx.X8, &ctx.X9, &ctx.X10, &ctx.X11, &ctx.X12, &ctx.X13, &ctx.X14, &ctx.X15,
		&ctx.X16, &ctx.X17, &ctx.X18, &ctx.X19, &ctx.X20, &ctx.X21, &ctx.X22, &ctx.X23,
		&ctx.X24, &ctx.X25, &ctx.X26, &ctx.X27, &ctx.X28, &ctx.X29, &ctx.X30, &ctx.X31,
	}
}

func loadRegs(ctx *monitor.ExecCtx) (regs *sm.Regs) {
	regs = &sm.Regs{
		PC:      ctx.PC,
		MStatus: sm.MSTATUS_MPP_S,
	}

	for i, r := range registers(ctx) {
		if r != nil {
			regs.X[i] = *r
		}
	}

	return
}

func storeRegs(ctx *monitor.ExecCtx, regs *sm.Regs) {
	for i, r := range registers(ctx) {
		if r != nil {
			*r = regs.X[i]
		}
	}

	ctx.PC = regs.PC
}

func goHandler(ctx *monitor.ExecCtx) (err error) {
	switch {
	case ctx.A0() == syscall.SYS_WRITE:
		// Override write syscall to avoid interleaved logs and to log
		// simultaneously to remote terminal and serial console.
		Output.PutChar(byte(ctx.A1()), false)
	case ctx.A0() == syscall.SYS_EXIT:
		ctx.Stop()
	default:
		return monitor.NonSecureHandler(ctx)
	}

	return
}

// sbiHandler services host OS environment calls. Keystone and console calls
// are handled by the Security Monitor, which might switch the context to or
// from an enclave, remaining SBI calls are left to GoTEE.
func sbiHandler(ctx *monitor.ExecCtx) (err error) {
	// GoTEE system calls do not set an SBI extension
	if ctx.X17 == 0 {
		return goHandler(ctx)
	}

	regs := loadRegs(ctx)

	if err = Dispatcher.Handle(Hart, regs); errors.Is(err, sbi.ErrUnsupported) {
		return gosbi.Handler(ctx)
	}

	if err != nil {
		return
	}

	storeRegs(ctx, regs)

	return
}
