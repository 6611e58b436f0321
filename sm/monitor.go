// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sm implements a RISC-V machine mode Security Monitor, managing the
// creation, execution, attestation and destruction of isolated enclaves.
//
// Isolation is enforced exclusively through Physical Memory Protection
// regions, enclave page tables are validated and measured at creation so
// that the attested identity matches the enforced isolation.
package sm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"runtime/pprof"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/internal/spinlock"
	"github.com/usbarmory/GoTEE-sm/ipi"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/pagetable"
	"github.com/usbarmory/GoTEE-sm/pmp"
)

// noEnclave marks a hart executing the host.
const noEnclave = -1

// HartLabel is the profiler label identifying the message loop of each hart.
const HartLabel = "hart"

// Config represents the Security Monitor platform configuration.
type Config struct {
	// SM is the Security Monitor private memory
	SM Range
	// Registers is the number of PMP registers of each hart
	Registers int
}

// Option configures optional Monitor collaborators.
type Option func(*Monitor)

// WithPlatform sets platform specific enclave hooks.
func WithPlatform(p Platform) Option {
	return func(m *Monitor) {
		m.platform = p
	}
}

// WithCrypto overrides the measurement and signing primitives.
func WithCrypto(c Crypto) Option {
	return func(m *Monitor) {
		m.crypto = c
	}
}

// WithRand sets the entropy source of the random number service.
func WithRand(r io.Reader) Option {
	return func(m *Monitor) {
		m.rand = r
	}
}

// Monitor represents a Security Monitor instance, shared by all harts.
type Monitor struct {
	cfg    Config
	harts  []Hart
	memory mem.Memory
	keys   *crypto.Keys

	platform Platform
	crypto   Crypto
	rand     io.Reader

	regions *pmp.Allocator
	bus     *ipi.Bus[pmp.Update]
	walker  pagetable.Walker

	smRegion pmp.RegionID
	osRegion pmp.RegionID

	// guards the enclave table
	mu       sync.Locker
	enclaves [MaxEnclaves]Enclave

	// enclave executing on each hart
	cpus []atomic.Int64
}

// New returns a Security Monitor for the given harts, each hart index must
// match its position in the slice.
func New(cfg Config, harts []Hart, memory mem.Memory, keys *crypto.Keys, opts ...Option) (m *Monitor, err error) {
	switch {
	case len(harts) == 0:
		return nil, errors.New("no harts")
	case memory == nil:
		return nil, errors.New("no memory")
	case keys == nil:
		return nil, errors.New("no keys")
	case cfg.SM.Size == 0:
		return nil, errors.New("invalid SM region")
	}

	for i, h := range harts {
		if h.ID() != i {
			return nil, fmt.Errorf("hart %d has index %d", h.ID(), i)
		}
	}

	if cfg.Registers == 0 {
		cfg.Registers = pmp.DefaultRegisters
	}

	m = &Monitor{
		cfg:      cfg,
		harts:    harts,
		memory:   memory,
		keys:     keys,
		platform: nopPlatform{},
		crypto:   defaultCrypto{},
		rand:     rand.Reader,
		walker:   pagetable.Walker{Memory: memory},
		smRegion: -1,
		osRegion: -1,
		mu:       &spinlock.Ticket{},
		cpus:     make([]atomic.Int64, len(harts)),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.bus = ipi.New(len(harts), func(hart int, u pmp.Update) error {
		return m.regions.Apply(m.harts[hart], u)
	})

	m.regions = pmp.NewAllocator(cfg.Registers, m.bus)

	for i := range m.enclaves {
		m.enclaves[i].reset(EID(i))
	}

	for i := range m.cpus {
		m.cpus[i].Store(noEnclave)
	}

	return
}

// Init protects the Security Monitor memory and grants the host access to
// all remaining memory on every hart. Serve must be running for all other
// harts. An error wraps ErrFatal, the hart must be halted.
func (m *Monitor) Init(h Hart) (err error) {
	if m.smRegion, err = m.regions.Init(m.cfg.SM.Start, m.cfg.SM.Size, pmp.PriorityTop, false); err != nil {
		return fmt.Errorf("%w, could not create SM region, %w", ErrFatal, err)
	}

	if err = m.regions.SetGlobal(h.ID(), m.smRegion, pmp.NoPerm); err != nil {
		return fmt.Errorf("%w, could not protect SM region, %w", ErrFatal, err)
	}

	if m.osRegion, err = m.regions.Init(0, pmp.AllMemory, pmp.PriorityBottom, true); err != nil {
		return fmt.Errorf("%w, could not create OS region, %w", ErrFatal, err)
	}

	if err = m.regions.SetGlobal(h.ID(), m.osRegion, pmp.AllPerm); err != nil {
		return fmt.Errorf("%w, could not set OS region, %w", ErrFatal, err)
	}

	log.Printf("SM initialized harts:%d registers:%d sm:%#x-%#x", len(m.harts), m.cfg.Registers, m.cfg.SM.Start, m.cfg.SM.Start+m.cfg.SM.Size)

	return
}

// Serve runs the inter-processor message loops of all harts until Close is
// called.
func (m *Monitor) Serve() error {
	var g errgroup.Group

	for i := range m.harts {
		hart := i

		g.Go(func() (err error) {
			labels := pprof.Labels(HartLabel, strconv.Itoa(hart))

			pprof.Do(context.Background(), labels, func(context.Context) {
				err = m.bus.Serve(hart)
			})

			return
		})
	}

	return g.Wait()
}

// Close stops Serve, pending and future global region updates fail.
func (m *Monitor) Close() {
	m.bus.Close()
}

// Harts returns the harts managed by the Security Monitor.
func (m *Monitor) Harts() []Hart {
	return m.harts
}

// Keys returns the Security Monitor identity.
func (m *Monitor) Keys() *crypto.Keys {
	return m.keys
}

// Memory returns the physical memory of the Security Monitor.
func (m *Monitor) Memory() mem.Memory {
	return m.memory
}

// Allocator returns the PMP region allocator.
func (m *Monitor) Allocator() *pmp.Allocator {
	return m.regions
}

// Regions returns a snapshot of all valid PMP regions.
func (m *Monitor) Regions() map[pmp.RegionID]pmp.Region {
	return m.regions.Regions()
}

// Enclaves returns a snapshot of all enclaves not in StateInvalid.
func (m *Monitor) Enclaves() (enclaves []Enclave) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.enclaves {
		if e.State != StateInvalid {
			enclaves = append(enclaves, e)
		}
	}

	return
}

// Enclave returns a snapshot of an enclave table slot.
func (m *Monitor) Enclave(eid EID) (e Enclave, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eid >= MaxEnclaves {
		return
	}

	return m.enclaves[eid], true
}

// CurrentEnclave returns the enclave executing on a hart, if any.
func (m *Monitor) CurrentEnclave(h Hart) (EID, bool) {
	eid := m.cpus[h.ID()].Load()

	if eid == noEnclave {
		return 0, false
	}

	return EID(eid), true
}

// lookup returns a valid enclave, the lock must be held.
func (m *Monitor) lookup(eid EID) (*Enclave, error) {
	if eid >= MaxEnclaves || m.enclaves[eid].State == StateInvalid {
		return nil, ErrInvalidID
	}

	return &m.enclaves[eid], nil
}
