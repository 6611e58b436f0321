// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/usbarmory/GoTEE-sm/config"
	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/sbi"
	"github.com/usbarmory/GoTEE-sm/sdk"
	"github.com/usbarmory/GoTEE-sm/sm"
)

// Enclave virtual memory layout
const (
	runtimeVA = 0xffffffffc0000000
	userVA    = 0x1000
	sharedVA  = 0x40000000

	// host OS program counter at the time of SBI calls
	hostPC = 0x80200000
)

// shared memory offsets used by the enclave application
const (
	nonceOffset  = 0x000
	identOffset  = 0x080
	reportOffset = 0x100
	keyOffset    = 0x800
)

// result summarizes an enclave session.
type result struct {
	Name   string
	EID    sm.EID
	Random uint64
	Report *sm.Report
	Key    []byte
	Exit   uint64
}

// session drives SBI calls on behalf of the host OS and of the enclave
// executing on a single hart.
type session struct {
	sim  *simulator
	h    sm.Hart
	regs sm.Regs
}

func (s *session) ecall(ext uint64, fid uint64, args ...uint64) (err error) {
	s.regs.SetA(7, ext)
	s.regs.SetA(6, fid)

	for i, arg := range args {
		s.regs.SetA(i, arg)
	}

	if err = s.sim.sbi.Handle(s.h, &s.regs); err != nil {
		return
	}

	if code := sm.Error(s.regs.A(0)); ext == sbi.EXT_KEYSTONE && code != sm.Success {
		return code
	}

	return
}

// call issues a Keystone SBI call, a non-success status is returned as
// error.
func (s *session) call(fid uint64, args ...uint64) error {
	return s.ecall(sbi.EXT_KEYSTONE, fid, args...)
}

// stopped issues a Keystone SBI call expected to return control to the
// host with the given status.
func (s *session) stopped(fid uint64, want sm.Error, args ...uint64) (err error) {
	if err = s.call(fid, args...); !errors.Is(err, want) {
		return fmt.Errorf("unexpected status %v (expected %v)", err, want)
	}

	return nil
}

func (s *session) print(msg string) (err error) {
	for _, c := range []byte(msg) {
		if err = s.ecall(sbi.EXT_PUTCHAR, 0, uint64(c)); err != nil {
			return
		}
	}

	return
}

// argsArea returns the host OS pages holding the enclave creation arguments
// of each hart, right below the Security Monitor.
func argsArea(cfg *config.Config) (addr uint64, err error) {
	size := uint64(cfg.Monitor.Harts) * sm.CreateArgsSize
	size = (size + mem.PageSize - 1) &^ (mem.PageSize - 1)
	addr = cfg.Memory.SMStart - size

	for _, e := range cfg.Enclaves {
		for _, r := range []sm.Range{{Start: e.EPMStart, Size: e.EPMSize}, {Start: e.UTMStart, Size: e.UTMSize}} {
			if r.Start < addr+size && addr < r.Start+r.Size {
				return 0, fmt.Errorf("enclave %s overlaps host arguments area %#x", e.Name, addr)
			}
		}
	}

	return
}

// build lays out an enclave image in its private memory and returns its
// creation arguments.
func (sim *simulator) build(e config.Enclave) (args *sm.CreateArgs, err error) {
	epm := sm.Range{Start: e.EPMStart, Size: e.EPMSize}
	utm := sm.Range{Start: e.UTMStart, Size: e.UTMSize}

	// root, plus one intermediate and one leaf table for each of the
	// runtime, user and shared mappings
	tables := max(8, min(int(e.EPMSize/mem.PageSize/4), 16))

	b, err := sdk.NewBuilder(sim.ram, epm, utm, tables)

	if err != nil {
		return
	}

	if _, err = b.MapRuntime(runtimeVA, []byte(e.Name+" runtime")); err != nil {
		return
	}

	if _, err = b.MapUser(userVA, []byte(e.Name+" application")); err != nil {
		return
	}

	for off := uint64(0); off < utm.Size; off += mem.PageSize {
		if err = b.MapShared(sharedVA+off, utm.Start+off); err != nil {
			return
		}
	}

	return b.Args(sm.RuntimeParams{
		RuntimeEntry:  runtimeVA,
		UserEntry:     userVA,
		UntrustedPtr:  sharedVA,
		UntrustedSize: utm.Size,
	}), nil
}

// run executes the full lifecycle of an enclave on a hart: creation, run,
// monitor services, edge call, interrupt, exit and destruction.
func (s *session) run(e config.Enclave, argsPtr uint64) (r *result, err error) {
	sim := s.sim
	r = &result{Name: e.Name}
	l := log.WithField("enclave", e.Name).WithField("hart", s.h.ID())

	args, err := sim.build(e)

	if err != nil {
		return nil, fmt.Errorf("could not build enclave %s, %v", e.Name, err)
	}

	buf, err := args.MarshalBinary()

	if err != nil {
		return
	}

	if err = sim.ram.Write(argsPtr, buf); err != nil {
		return
	}

	s.regs = sm.Regs{PC: hostPC}

	if err = s.call(sbi.FID_CREATE_ENCLAVE, argsPtr); err != nil {
		return nil, fmt.Errorf("could not create enclave %s, %w", e.Name, err)
	}

	r.EID = sm.EID(s.regs.A(1))
	l = l.WithField("eid", r.EID)
	l.Info("SM host created enclave")

	// the host passes the attestation nonce and sealing key identifier
	// through shared memory, which is cleared at creation
	nonce := []byte(fmt.Sprintf("%s nonce %d", e.Name, r.EID))
	ident := []byte("sealing key")

	if err = sim.ram.Write(e.UTMStart+nonceOffset, nonce); err != nil {
		return
	}

	if err = sim.ram.Write(e.UTMStart+identOffset, ident); err != nil {
		return
	}

	if err = s.call(sbi.FID_RUN_ENCLAVE, uint64(r.EID)); err != nil {
		return nil, fmt.Errorf("could not run enclave, %w", err)
	}

	l.Infof("SM enclave started pc:%#x epm:%#x-%#x", s.regs.PC, s.regs.A(1), s.regs.A(1)+s.regs.A(2))

	// enclave
	if err = s.print(fmt.Sprintf("hello from %s\n", e.Name)); err != nil {
		return
	}

	if err = s.call(sbi.FID_RANDOM); err != nil {
		return
	}

	r.Random = s.regs.A(1)

	if err = s.call(sbi.FID_ATTEST_ENCLAVE, sharedVA+reportOffset, sharedVA+nonceOffset, uint64(len(nonce))); err != nil {
		return nil, fmt.Errorf("could not attest enclave, %w", err)
	}

	if err = s.call(sbi.FID_GET_SEALING_KEY, sharedVA+keyOffset, sharedVA+identOffset, uint64(len(ident))); err != nil {
		return nil, fmt.Errorf("could not derive sealing key, %w", err)
	}

	// edge call to let the host collect the report
	if err = s.stopped(sbi.FID_STOP_ENCLAVE, sm.ErrEdgeCallHost, uint64(sm.StopEdgeCallHost)); err != nil {
		return
	}

	if r.Report, err = sim.report(e); err != nil {
		return
	}

	if r.Key, err = sim.sealingKey(e); err != nil {
		return
	}

	l.Infof("SM host verified report hash:%x", r.Report.Enclave.Hash[:8])

	if err = s.call(sbi.FID_RESUME_ENCLAVE, uint64(r.EID)); err != nil {
		return nil, fmt.Errorf("could not resume enclave, %w", err)
	}

	// timer interrupt
	if err = sim.sbi.Interrupt(s.h, &s.regs); err != nil {
		return
	}

	if code := sm.Error(s.regs.A(0)); code != sm.ErrInterrupted {
		return nil, fmt.Errorf("unexpected interrupt status %v", code)
	}

	l.Info("SM host interrupted enclave")

	if err = s.call(sbi.FID_RESUME_ENCLAVE, uint64(r.EID)); err != nil {
		return nil, fmt.Errorf("could not resume enclave, %w", err)
	}

	if err = s.print(fmt.Sprintf("%s says goodbye\n", e.Name)); err != nil {
		return
	}

	if err = s.call(sbi.FID_EXIT_ENCLAVE, r.Random&0xff); err != nil {
		return nil, fmt.Errorf("could not exit enclave, %w", err)
	}

	// host
	r.Exit = s.regs.A(1)
	l.Infof("SM enclave exited retval:%#x", r.Exit)

	if err = s.call(sbi.FID_DESTROY_ENCLAVE, uint64(r.EID)); err != nil {
		return nil, fmt.Errorf("could not destroy enclave, %w", err)
	}

	l.Info("SM host destroyed enclave")

	return
}

func (sim *simulator) report(e config.Enclave) (r *sm.Report, err error) {
	buf := make([]byte, sm.ReportSize)

	if err = sim.ram.Read(e.UTMStart+reportOffset, buf); err != nil {
		return
	}

	r = &sm.Report{}

	if err = r.UnmarshalBinary(buf); err != nil {
		return
	}

	if err = r.Verify(); err != nil {
		return nil, fmt.Errorf("invalid report, %v", err)
	}

	return
}

func (sim *simulator) sealingKey(e config.Enclave) (key []byte, err error) {
	buf := make([]byte, sm.SealingKeySize+crypto.SignatureSize)

	if err = sim.ram.Read(e.UTMStart+keyOffset, buf); err != nil {
		return
	}

	if !crypto.Verify(buf[:sm.SealingKeySize], buf[sm.SealingKeySize:], sim.sm.Keys().SMPublic) {
		return nil, errors.New("invalid sealing key signature")
	}

	return buf[:sm.SealingKeySize], nil
}

// demo runs all configured enclaves, harts execute concurrently while the
// enclaves assigned to the same hart run in sequence.
func (sim *simulator) demo() (results []*result, err error) {
	var g errgroup.Group

	base, err := argsArea(sim.cfg)

	if err != nil {
		return
	}

	results = make([]*result, len(sim.cfg.Enclaves))

	for i := range sim.harts {
		hart := i

		g.Go(func() error {
			s := &session{sim: sim, h: sim.harts[hart]}
			// each hart passes arguments through its own slot
			ptr := base + uint64(hart)*sm.CreateArgsSize

			for n := hart; n < len(sim.cfg.Enclaves); n += len(sim.harts) {
				r, err := s.run(sim.cfg.Enclaves[n], ptr)

				if err != nil {
					return fmt.Errorf("hart %d, %w", hart, err)
				}

				results[n] = r
			}

			return nil
		})
	}

	err = g.Wait()

	return
}
