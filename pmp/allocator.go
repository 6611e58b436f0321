// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pmp

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-sm/internal/spinlock"
)

// Allocator manages the logical regions and the PMP registers they occupy.
//
// Region state is global and shared by all harts, while register contents
// are per hart: Set and Unset program a single register file, SetGlobal and
// UnsetGlobal broadcast the change to every hart.
type Allocator struct {
	mu sync.Locker

	// number of implemented registers
	n int

	regions    [MaxRegions]Region
	regionUsed bitmap
	regUsed    bitmap

	bus Broadcaster
}

// NewAllocator returns a region allocator for a register file of the given
// size, bus is used to propagate SetGlobal and UnsetGlobal requests.
func NewAllocator(registers int, bus Broadcaster) *Allocator {
	if registers < 2 || registers > MaxRegisters {
		registers = DefaultRegisters
	}

	return &Allocator{
		mu:  &spinlock.Ticket{},
		n:   registers,
		bus: bus,
	}
}

// Registers returns the number of PMP registers managed by the allocator.
func (a *Allocator) Registers() int {
	return a.n
}

// Init creates a region, allocating a logical slot and the hardware
// registers required to encode it. No state is changed on failure.
func (a *Allocator) Init(start uint64, size uint64, prio Priority, allowOverlap bool) (id RegionID, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, err = a.init(start, size, prio, allowOverlap); err != nil {
		log.WithField("err", err).Debugf("SM could not create PMP region addr:%#x size:%#x", start, size)
	}

	return
}

func (a *Allocator) init(start uint64, size uint64, prio Priority, allowOverlap bool) (RegionID, error) {
	if size == 0 {
		return -1, ErrSizeInvalid
	}

	if !allowOverlap && a.detectOverlap(start, size) {
		return -1, ErrOverlap
	}

	if size != AllMemory && size&(PageSize-1) != 0 {
		return -1, ErrNotPageGranularity
	}

	if start&(PageSize-1) != 0 {
		return -1, ErrNotAligned
	}

	if size == AllMemory && start != 0 {
		return -1, ErrSizeInvalid
	}

	if end := start + size; size != AllMemory && end < start {
		return -1, ErrSizeInvalid
	}

	if isNAPOT(start, size) {
		return a.napot(start, size, prio, allowOverlap)
	}

	if prio != PriorityAny && (prio != PriorityTop || start != 0) {
		return -1, ErrImpossibleTOR
	}

	return a.tor(start, size, prio, allowOverlap)
}

func (a *Allocator) napot(start uint64, size uint64, prio Priority, allowOverlap bool) (RegionID, error) {
	reg := -1

	switch prio {
	case PriorityTop:
		if !a.regUsed.test(0) {
			reg = 0
		}
	case PriorityBottom:
		reg = a.n - 1
	default:
		reg = a.regUsed.search(a.n-1, 0x1)
	}

	if reg < 0 {
		return -1, ErrMaxReached
	}

	slot := a.regionUsed.search(MaxRegions, 0x1)

	if slot < 0 {
		return -1, ErrMaxReached
	}

	a.regions[slot] = Region{
		Addr:         start,
		Size:         size,
		Mode:         ModeNAPOT,
		AllowOverlap: allowOverlap,
		Reg:          reg,
		Shared:       prio == PriorityBottom,
	}

	a.regionUsed.set(slot)

	if prio != PriorityBottom {
		a.regUsed.set(reg)
	}

	return RegionID(slot), nil
}

func (a *Allocator) tor(start uint64, size uint64, prio Priority, allowOverlap bool) (RegionID, error) {
	reg := -1

	switch prio {
	case PriorityTop:
		// start is 0, the lower bound is implicit
		if !a.regUsed.test(0) {
			reg = 0
		}
	default:
		if lo := a.regUsed.search(a.n-1, 0x3); lo >= 0 {
			reg = lo + 1
		}
	}

	if reg < 0 {
		return -1, ErrMaxReached
	}

	slot := a.regionUsed.search(MaxRegions, 0x1)

	if slot < 0 {
		return -1, ErrMaxReached
	}

	r := Region{
		Addr:         start,
		Size:         size,
		Mode:         ModeTOR,
		AllowOverlap: allowOverlap,
		Reg:          reg,
	}

	a.regions[slot] = r
	a.regionUsed.set(slot)
	a.regUsed.set(reg)

	if r.pairs() {
		a.regUsed.set(reg - 1)
	}

	return RegionID(slot), nil
}

func (a *Allocator) valid(id RegionID) bool {
	return id >= 0 && id < MaxRegions && a.regionUsed.test(int(id))
}

// Free releases a region and its registers, the caller is responsible for
// unsetting its configuration first.
func (a *Allocator) Free(id RegionID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.valid(id) {
		return ErrInvalidRegion
	}

	r := a.regions[id]

	if !r.Shared {
		a.regUsed.clear(r.Reg)

		if r.pairs() {
			a.regUsed.clear(r.Reg - 1)
		}
	}

	a.regionUsed.clear(int(id))
	a.regions[id] = Region{}

	return nil
}

// Region returns a copy of a valid region.
func (a *Allocator) Region(id RegionID) (r Region, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.valid(id) {
		return
	}

	return a.regions[id], true
}

// Addr returns the region start address.
func (a *Allocator) Addr(id RegionID) (uint64, error) {
	r, ok := a.Region(id)

	if !ok {
		return 0, ErrInvalidRegion
	}

	return r.Addr, nil
}

// Size returns the region size.
func (a *Allocator) Size(id RegionID) (uint64, error) {
	r, ok := a.Region(id)

	if !ok {
		return 0, ErrInvalidRegion
	}

	return r.Size, nil
}

// Regions returns a snapshot of all valid regions.
func (a *Allocator) Regions() map[RegionID]Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	regions := make(map[RegionID]Region)

	for i := 0; i < MaxRegions; i++ {
		if a.regionUsed.test(i) {
			regions[RegionID(i)] = a.regions[i]
		}
	}

	return regions
}

// Bitmaps returns the logical region and register allocation bitmaps.
func (a *Allocator) Bitmaps() (regions uint32, registers uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return uint32(a.regionUsed), uint32(a.regUsed)
}

// DetectOverlap reports whether the range [addr, addr+size) intersects any
// valid region which does not allow overlap.
func (a *Allocator) DetectOverlap(addr uint64, size uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.detectOverlap(addr, size)
}

func (a *Allocator) detectOverlap(addr uint64, size uint64) bool {
	for i := 0; i < MaxRegions; i++ {
		if !a.regionUsed.test(i) {
			continue
		}

		r := a.regions[i]

		if r.AllowOverlap {
			continue
		}

		if overlaps(r.Addr, r.Size, addr, size) {
			return true
		}
	}

	return false
}

// Set programs the region on a register file with the given permission.
func (a *Allocator) Set(w Writer, id RegionID, perm Perm) (err error) {
	r, ok := a.Region(id)

	if !ok {
		return ErrInvalidRegion
	}

	perm &= AllPerm

	if err = w.WritePMP(r.Reg, r.pmpaddr(), perm&PermR != 0, perm&PermW != 0, perm&PermX != 0, int(r.Mode), false); err != nil {
		return
	}

	if r.pairs() {
		err = w.WritePMP(r.Reg-1, r.Addr, false, false, false, int(ModeOff), false)
	}

	return
}

// Unset disables the region registers on a register file.
func (a *Allocator) Unset(w Writer, id RegionID) (err error) {
	r, ok := a.Region(id)

	if !ok {
		return ErrInvalidRegion
	}

	if err = w.WritePMP(r.Reg, 0, false, false, false, int(ModeOff), false); err != nil {
		return
	}

	if r.pairs() {
		err = w.WritePMP(r.Reg-1, 0, false, false, false, int(ModeOff), false)
	}

	return
}

// Apply executes an update received from another hart.
func (a *Allocator) Apply(w Writer, u Update) error {
	if u.Unset {
		return a.Unset(w, u.Region)
	}

	return a.Set(w, u.Region, u.Perm)
}

// SetGlobal programs the region on all harts, it returns once every hart
// has applied the new configuration.
func (a *Allocator) SetGlobal(src int, id RegionID, perm Perm) error {
	return a.global(src, Update{Region: id, Perm: perm})
}

// UnsetGlobal disables the region on all harts, it returns once every hart
// has applied the new configuration.
func (a *Allocator) UnsetGlobal(src int, id RegionID) error {
	return a.global(src, Update{Region: id, Unset: true})
}

func (a *Allocator) global(src int, u Update) error {
	if _, ok := a.Region(u.Region); !ok {
		return ErrInvalidRegion
	}

	return a.bus.Broadcast(src, u)
}
