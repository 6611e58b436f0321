// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/pagetable"
	"github.com/usbarmory/GoTEE-sm/pmp"
)

// StopReason represents the cause of an enclave stop request.
type StopReason uint64

// Stop reasons
const (
	StopTimerInterrupt StopReason = iota
	StopEdgeCallHost
	StopExitEnclave
)

func (r StopReason) code() Error {
	switch r {
	case StopTimerInterrupt:
		return ErrInterrupted
	case StopEdgeCallHost:
		return ErrEdgeCallHost
	}

	return ErrUnknown
}

func (m *Monitor) allocEID() (EID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.enclaves {
		if m.enclaves[i].State == StateInvalid {
			m.enclaves[i].State = StateAllocated
			return EID(i), nil
		}
	}

	return 0, ErrNoFreeResource
}

func (m *Monitor) freeEID(eid EID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enclaves[eid].reset(eid)
}

// Create allocates, validates and measures a new enclave, which is returned
// in StateFresh. On failure every completed step is undone in reverse order.
func (m *Monitor) Create(h Hart, args *CreateArgs) (EID, error) {
	if !args.valid() {
		return 0, ErrIllegalArgument
	}

	eid, err := m.allocEID()

	if err != nil {
		return 0, err
	}

	cu := cleanup.Make(func() { m.freeEID(eid) })
	defer cu.Clean()

	epm, err := m.regions.Init(args.EPM.Start, args.EPM.Size, pmp.PriorityAny, false)

	if err != nil {
		return 0, wrap(ErrPMPFailure, err)
	}

	cu.Add(func() { _ = m.regions.Free(epm) })

	utm, err := m.regions.Init(args.UTM.Start, args.UTM.Size, pmp.PriorityBottom, false)

	if err != nil {
		return 0, wrap(ErrPMPFailure, err)
	}

	cu.Add(func() { _ = m.regions.Free(utm) })

	if err = m.regions.SetGlobal(h.ID(), epm, pmp.NoPerm); err != nil {
		return 0, wrap(ErrPMPFailure, err)
	}

	cu.Add(func() { _ = m.regions.UnsetGlobal(h.ID(), epm) })

	if err = m.memory.Zero(args.UTM.Start, args.UTM.Size); err != nil {
		return 0, wrap(ErrIllegalArgument, err)
	}

	m.mu.Lock()
	e := &m.enclaves[eid]
	e.Regions[0] = Region{Type: RegionPrivate, ID: epm}
	e.Regions[1] = Region{Type: RegionShared, ID: utm}
	e.SATP = pagetable.SATP(args.EPM.Start)
	e.Params = args.Params
	e.Phys = PhysParams{
		DRAMBase:    args.EPM.Start,
		DRAMSize:    args.EPM.Size,
		RuntimeBase: args.RuntimePaddr,
		UserBase:    args.UserPaddr,
		FreeBase:    args.FreePaddr,
	}
	e.Threads = 0
	e.Thread = ThreadState{}
	m.mu.Unlock()

	if err = m.platform.Create(eid); err != nil {
		return 0, wrap(ErrUnknown, err)
	}

	cu.Add(func() { m.platform.Destroy(eid) })

	// measurement is performed without holding the lock
	hash, err := m.measure(epm, utm, args)

	if err != nil {
		log.WithField("eid", eid).Printf("SM could not measure enclave, %v", err)
		return 0, err
	}

	sig, err := m.crypto.Sign(hash[:], m.keys.SMPrivate)

	if err != nil {
		return 0, wrap(ErrUnknown, err)
	}

	m.mu.Lock()
	e.Hash = hash
	e.Signature = sig
	e.State = StateFresh
	m.mu.Unlock()

	cu.Release()

	log.WithField("eid", eid).Printf("SM created enclave epm:%#x-%#x utm:%#x-%#x", args.EPM.Start, args.EPM.Start+args.EPM.Size, args.UTM.Start, args.UTM.Start+args.UTM.Size)

	return eid, nil
}

func (m *Monitor) measure(epm pmp.RegionID, utm pmp.RegionID, args *CreateArgs) (sum [crypto.HashSize]byte, err error) {
	epmRegion, ok := m.regions.Region(epm)

	if !ok {
		return sum, wrap(ErrPMPFailure, pmp.ErrInvalidRegion)
	}

	utmRegion, ok := m.regions.Region(utm)

	if !ok {
		return sum, wrap(ErrPMPFailure, pmp.ErrInvalidRegion)
	}

	params, err := args.Params.MarshalBinary()

	if err != nil {
		return
	}

	h := m.crypto.NewHash()
	h.Write(params)

	layout := pagetable.Layout{
		EPM:           Range{Start: epmRegion.Addr, Size: epmRegion.Size},
		UTM:           Range{Start: utmRegion.Addr, Size: utmRegion.Size},
		RuntimeBase:   args.RuntimePaddr,
		UserBase:      args.UserPaddr,
		FreeBase:      args.FreePaddr,
		UntrustedPtr:  args.Params.UntrustedPtr,
		UntrustedSize: args.Params.UntrustedSize,
	}

	if err = m.walker.Walk(h, epmRegion.Addr, layout); err != nil {
		return sum, wrap(ErrIllegalPTE, err)
	}

	copy(sum[:], h.Sum(nil))

	return
}

// Run enters a fresh enclave for the first time, loading its entry
// parameters, regs holds the caller context and is replaced by the enclave
// one.
func (m *Monitor) Run(h Hart, regs *Regs, eid EID) (err error) {
	if _, ok := m.CurrentEnclave(h); ok {
		return ErrSBIProhibited
	}

	m.mu.Lock()

	e, err := m.lookup(eid)

	if err == nil && e.State != StateFresh {
		err = ErrNotFresh
	}

	if err == nil {
		e.Threads++
		e.State = StateRunning
	}

	m.mu.Unlock()

	if err != nil {
		return
	}

	if err = m.toEnclave(h, regs, eid, true); err != nil {
		m.abort(eid, StateFresh)
	}

	return
}

// Resume re-enters a stopped enclave without reloading its entry
// parameters.
func (m *Monitor) Resume(h Hart, regs *Regs, eid EID) (err error) {
	if _, ok := m.CurrentEnclave(h); ok {
		return ErrSBIProhibited
	}

	m.mu.Lock()

	e, err := m.lookup(eid)

	var prev State

	if err != nil || (e.State != StateRunning && e.State != StateStopped) || e.Threads >= MaxThreads {
		err = ErrNotResumable
	} else {
		prev = e.State
		e.Threads++
		e.State = StateRunning
	}

	m.mu.Unlock()

	if err != nil {
		return
	}

	if err = m.toEnclave(h, regs, eid, false); err != nil {
		m.abort(eid, prev)
	}

	return
}

// abort reverts an enclave entry which failed to switch the hart.
func (m *Monitor) abort(eid EID, prev State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &m.enclaves[eid]
	e.Threads--
	e.State = prev

	log.WithField("eid", eid).Printf("SM could not enter enclave, restored %s state", prev)
}

// exit transitions a running enclave executing on h out of StateRunning.
func (m *Monitor) exit(h Hart, eid EID) (err error) {
	if cur, ok := m.CurrentEnclave(h); !ok || cur != eid {
		return ErrNotRunning
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(eid)

	if err != nil || e.State != StateRunning {
		return ErrNotRunning
	}

	if e.Threads--; e.Threads == 0 {
		e.State = StateStopped
	}

	return
}

// Exit returns from an enclave to the host, which receives retval in a1.
func (m *Monitor) Exit(h Hart, regs *Regs, eid EID, retval uint64) (err error) {
	if err = m.exit(h, eid); err != nil {
		return
	}

	if err = m.toHost(h, regs, eid, false); err != nil {
		return
	}

	regs.SetA(0, uint64(Success))
	regs.SetA(1, retval)

	return
}

// Stop pauses an enclave and returns to the host, which receives the stop
// reason status code in a0. An enclave stopped for an edge call completes
// its stop request with success when resumed, otherwise its registers are
// restored unchanged.
func (m *Monitor) Stop(h Hart, regs *Regs, eid EID, reason StopReason) (err error) {
	if err = m.exit(h, eid); err != nil {
		return
	}

	if err = m.toHost(h, regs, eid, reason == StopEdgeCallHost); err != nil {
		return
	}

	regs.SetA(0, uint64(reason.code()))

	return
}

// Destroy releases a non running enclave, its private memory is zeroed
// before being returned to the host.
func (m *Monitor) Destroy(h Hart, eid EID) (err error) {
	m.mu.Lock()

	e, err := m.lookup(eid)

	if err != nil || (e.State != StateFresh && e.State != StateStopped) {
		m.mu.Unlock()
		return ErrNotDestroyable
	}

	// no hart can enter the enclave from now on
	e.State = StateDestroying
	regions := e.Regions

	m.mu.Unlock()

	m.platform.Destroy(eid)

	var errs []error

	for _, r := range regions {
		if r.Type == RegionUnused || r.Type == RegionShared {
			continue
		}

		region, ok := m.regions.Region(r.ID)

		if !ok {
			errs = append(errs, pmp.ErrInvalidRegion)
			continue
		}

		errs = append(errs,
			m.memory.Zero(region.Addr, region.Size),
			m.regions.UnsetGlobal(h.ID(), r.ID),
			m.regions.Free(r.ID),
		)
	}

	// the shared region register is never set globally
	for _, r := range regions {
		if r.Type == RegionShared {
			errs = append(errs, m.regions.Free(r.ID))
		}
	}

	m.freeEID(eid)

	if err = errors.Join(errs...); err != nil {
		log.WithField("eid", eid).Printf("SM could not release enclave, %v", err)
		return wrap(ErrPMPFailure, err)
	}

	log.WithField("eid", eid).Printf("SM destroyed enclave")

	return
}
