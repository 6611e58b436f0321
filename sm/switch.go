// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

import (
	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-sm/pmp"
)

// enclavePMP grants the hart access to the enclave regions, revoking host
// access. On failure the host configuration is restored.
func (m *Monitor) enclavePMP(h Hart, regions [MaxEnclaveRegions]Region) (err error) {
	// the host region goes first as it may share a register with the
	// enclave regions
	if err = m.regions.Set(h, m.osRegion, pmp.NoPerm); err == nil {
		for _, r := range regions {
			if r.Type == RegionUnused {
				continue
			}

			if err = m.regions.Set(h, r.ID, pmp.AllPerm); err != nil {
				break
			}
		}
	}

	if err != nil {
		if restoreErr := m.hostPMP(h, regions); restoreErr != nil {
			log.WithField("hart", h.ID()).Printf("SM could not restore host PMP, %v", restoreErr)
		}

		return wrap(ErrPMPFailure, err)
	}

	return
}

// hostPMP revokes the hart access to the enclave regions, granting host
// access.
func (m *Monitor) hostPMP(h Hart, regions [MaxEnclaveRegions]Region) (err error) {
	for _, r := range regions {
		if r.Type == RegionUnused {
			continue
		}

		if err = m.regions.Set(h, r.ID, pmp.NoPerm); err != nil {
			return wrap(ErrPMPFailure, err)
		}
	}

	if err = m.regions.Set(h, m.osRegion, pmp.AllPerm); err != nil {
		return wrap(ErrPMPFailure, err)
	}

	return
}

// toEnclave switches the hart from the host to an enclave, the caller must
// have committed the enclave transition to StateRunning. On failure the
// hart is left in the host context.
func (m *Monitor) toEnclave(h Hart, regs *Regs, eid EID, load bool) (err error) {
	m.mu.Lock()
	regions := m.enclaves[eid].Regions
	m.mu.Unlock()

	if err = m.enclavePMP(h, regions); err != nil {
		return
	}

	m.mu.Lock()

	e := &m.enclaves[eid]
	csrs := h.ReadCSRs()

	e.Thread.swap(regs, &csrs)

	switch {
	case load:
		regs.PC = e.Params.RuntimeEntry - 4
		regs.MStatus = MSTATUS_MPP_S

		regs.SetA(0, uint64(Success))
		regs.SetA(1, e.Phys.DRAMBase)
		regs.SetA(2, e.Phys.DRAMSize)
		regs.SetA(3, e.Phys.RuntimeBase)
		regs.SetA(4, e.Phys.UserBase)
		regs.SetA(5, e.Phys.FreeBase)
		regs.SetA(6, e.Params.UntrustedPtr)
		regs.SetA(7, e.Params.UntrustedSize)

		csrs = CSRs{
			SEPC: e.Params.UserEntry,
			SATP: e.SATP,
		}
	case e.Thread.ReturnOnResume:
		regs.SetA(0, uint64(Success))
	}

	m.mu.Unlock()

	h.WriteCSRs(csrs)

	m.platform.SwitchIn(h, eid)
	m.cpus[h.ID()].Store(int64(eid))

	return
}

// toHost switches the hart from an enclave back to the host, the caller
// must have committed the enclave transition out of StateRunning.
func (m *Monitor) toHost(h Hart, regs *Regs, eid EID, returnOnResume bool) (err error) {
	m.mu.Lock()
	regions := m.enclaves[eid].Regions
	m.mu.Unlock()

	if err = m.hostPMP(h, regions); err != nil {
		return
	}

	m.mu.Lock()

	e := &m.enclaves[eid]
	csrs := h.ReadCSRs()

	e.Thread.swap(regs, &csrs)
	e.Thread.ReturnOnResume = returnOnResume

	m.mu.Unlock()

	h.WriteCSRs(csrs)

	m.platform.SwitchOut(h, eid)
	m.cpus[h.ID()].Store(noEnclave)

	return
}
