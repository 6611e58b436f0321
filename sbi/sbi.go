// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sbi implements the Security Monitor Supervisor Binary Interface,
// exposing enclave management to the host OS and monitor services to
// enclaves over the Keystone SBI extension.
//
// Calls follow the SBI calling convention: a7 holds the extension ID, a6 the
// function ID and a0-a5 the arguments. The status code is returned in a0 and
// any value in a1.
package sbi

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-sm/sm"
)

// SBI extensions
const (
	// EXT_PUTCHAR is the legacy console putchar extension
	EXT_PUTCHAR = 0x01
	// EXT_KEYSTONE is the Keystone enclave extension ("\x08KBE")
	EXT_KEYSTONE = 0x08424b45
)

// Host functions
const (
	FID_CREATE_ENCLAVE  = 2001
	FID_DESTROY_ENCLAVE = 2002
	FID_RUN_ENCLAVE     = 2003
	FID_RESUME_ENCLAVE  = 2005

	hostMax = 2999
)

// Enclave functions
const (
	FID_RANDOM          = 3001
	FID_ATTEST_ENCLAVE  = 3002
	FID_GET_SEALING_KEY = 3003
	FID_STOP_ENCLAVE    = 3004
	FID_EXIT_ENCLAVE    = 3006

	enclaveMin = 3000
	enclaveMax = 3999
)

// ErrUnsupported is returned for calls not handled by the dispatcher, which
// are left to other SBI implementations.
var ErrUnsupported = errors.New("unsupported SBI extension")

// Console receives characters written with the legacy putchar call, secure
// is set for characters written by an enclave.
type Console func(c byte, secure bool)

// Dispatcher routes SBI calls to the Security Monitor.
type Dispatcher struct {
	// SM is the Security Monitor instance
	SM *sm.Monitor
	// Console is the putchar target, characters are discarded if nil
	Console Console
}

// Handle services an environment call trapped on hart h, regs holds the
// caller context and, on return, the context to resume which might differ
// from the caller one.
//
// Calls outside of the handled extensions return ErrUnsupported, leaving
// regs untouched.
func (d *Dispatcher) Handle(h sm.Hart, regs *sm.Regs) (err error) {
	switch regs.A(7) {
	case EXT_PUTCHAR:
		d.putchar(h, regs)
	case EXT_KEYSTONE:
		d.keystone(h, regs)
	default:
		return ErrUnsupported
	}

	regs.PC += 4

	return
}

// Interrupt services a machine timer or software interrupt. An enclave
// executing on the hart is stopped so that the host regains control, the
// enclave resumes at the interrupted instruction.
//
// Interrupts received while the host is executing return ErrUnsupported.
func (d *Dispatcher) Interrupt(h sm.Hart, regs *sm.Regs) (err error) {
	eid, ok := d.SM.CurrentEnclave(h)

	if !ok {
		return ErrUnsupported
	}

	regs.PC -= 4

	if err = d.SM.Stop(h, regs, eid, sm.StopTimerInterrupt); err != nil {
		regs.PC += 4
		return
	}

	regs.PC += 4

	return
}

func (d *Dispatcher) putchar(h sm.Hart, regs *sm.Regs) {
	_, secure := d.SM.CurrentEnclave(h)

	if d.Console != nil {
		d.Console(byte(regs.A(0)), secure)
	}

	regs.SetA(0, uint64(sm.Success))
}

func (d *Dispatcher) keystone(h sm.Hart, regs *sm.Regs) {
	fid := regs.A(6)
	eid, inEnclave := d.SM.CurrentEnclave(h)

	var err error

	switch {
	case fid <= hostMax && inEnclave, fid >= enclaveMin && fid <= enclaveMax && !inEnclave:
		err = sm.ErrSBIProhibited
	case fid <= hostMax:
		err = d.host(h, regs, fid)
	case fid <= enclaveMax:
		err = d.enclave(h, regs, eid, fid)
	default:
		err = sm.ErrNotImplemented
	}

	if err != nil {
		log.WithField("hart", h.ID()).Debugf("SM SBI call %d failed, %v", fid, err)
		regs.SetA(0, sm.Code(err))
	}
}

// host handles calls issued by the host OS, on success switching calls
// update regs themselves while all others return success in a0.
func (d *Dispatcher) host(h sm.Hart, regs *sm.Regs, fid uint64) (err error) {
	eid := sm.EID(regs.A(0))

	switch fid {
	case FID_CREATE_ENCLAVE:
		if eid, err = d.create(h, regs.A(0)); err == nil {
			regs.SetA(1, uint64(eid))
		}
	case FID_DESTROY_ENCLAVE:
		err = d.SM.Destroy(h, eid)
	case FID_RUN_ENCLAVE:
		return d.SM.Run(h, regs, eid)
	case FID_RESUME_ENCLAVE:
		return d.SM.Resume(h, regs, eid)
	default:
		return sm.ErrNotImplemented
	}

	if err == nil {
		regs.SetA(0, uint64(sm.Success))
	}

	return
}

func (d *Dispatcher) create(h sm.Hart, ptr uint64) (eid sm.EID, err error) {
	buf := make([]byte, sm.CreateArgsSize)

	if err = d.SM.CopyIn(h, buf, ptr); err != nil {
		// status code expected by Keystone hosts
		return 0, sm.ErrRegionOverlaps
	}

	args := &sm.CreateArgs{}

	if err = args.UnmarshalBinary(buf); err != nil {
		return 0, sm.ErrIllegalArgument
	}

	return d.SM.Create(h, args)
}

// enclave handles calls issued by the enclave executing on the hart.
func (d *Dispatcher) enclave(h sm.Hart, regs *sm.Regs, eid sm.EID, fid uint64) (err error) {
	switch fid {
	case FID_RANDOM:
		var val uint64

		if val, err = d.SM.Random(); err == nil {
			regs.SetA(1, val)
		}
	case FID_ATTEST_ENCLAVE:
		err = d.attest(h, eid, regs.A(0), regs.A(1), regs.A(2))
	case FID_GET_SEALING_KEY:
		err = d.sealingKey(h, eid, regs.A(0), regs.A(1), regs.A(2))
	case FID_STOP_ENCLAVE:
		return d.SM.Stop(h, regs, eid, sm.StopReason(regs.A(0)))
	case FID_EXIT_ENCLAVE:
		return d.SM.Exit(h, regs, eid, regs.A(0))
	default:
		return sm.ErrNotImplemented
	}

	if err == nil {
		regs.SetA(0, uint64(sm.Success))
	}

	return
}

func (d *Dispatcher) attest(h sm.Hart, eid sm.EID, out uint64, ptr uint64, size uint64) (err error) {
	if size > sm.ReportDataSize {
		return sm.ErrIllegalArgument
	}

	data := make([]byte, size)

	if err = d.SM.CopyIn(h, data, ptr); err != nil {
		return
	}

	report, err := d.SM.Attest(eid, data)

	if err != nil {
		return
	}

	buf, err := report.MarshalBinary()

	if err != nil {
		return sm.ErrUnknown
	}

	return d.SM.CopyOut(h, out, buf)
}

func (d *Dispatcher) sealingKey(h sm.Hart, eid sm.EID, out uint64, ptr uint64, size uint64) (err error) {
	if size > sm.SealingKeyIdentSize {
		return sm.ErrIllegalArgument
	}

	ident := make([]byte, size)

	if err = d.SM.CopyIn(h, ident, ptr); err != nil {
		return
	}

	key, err := d.SM.SealingKey(eid, ident)

	if err != nil {
		return
	}

	buf, err := key.MarshalBinary()

	if err != nil {
		return sm.ErrUnknown
	}

	return d.SM.CopyOut(h, out, buf)
}
