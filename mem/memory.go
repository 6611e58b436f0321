// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for accesses outside the backing memory.
var ErrOutOfRange = errors.New("physical address out of range")

// Memory represents physical memory as seen by the Security Monitor, which
// runs in machine mode and is therefore not subject to PMP checks.
type Memory interface {
	// Read copies len(buf) bytes from physical address addr.
	Read(addr uint64, buf []byte) error
	// Write copies buf to physical address addr.
	Write(addr uint64, buf []byte) error
	// Zero clears size bytes at physical address addr.
	Zero(addr uint64, size uint64) error
}

// ReadUint64 reads a little-endian 64-bit word.
func ReadUint64(m Memory, addr uint64) (uint64, error) {
	var buf [8]byte

	if err := m.Read(addr, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian 64-bit word.
func WriteUint64(m Memory, addr uint64, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)

	return m.Write(addr, buf[:])
}

// RAM is an emulated physical memory, pages are allocated on first write
// and read as zero until then.
type RAM struct {
	sync.RWMutex

	start uint64
	size  uint64
	pages map[uint64]*[PageSize]byte
}

// NewRAM returns an emulated memory covering [start, start+size).
func NewRAM(start uint64, size uint64) *RAM {
	return &RAM{
		start: start,
		size:  size,
		pages: make(map[uint64]*[PageSize]byte),
	}
}

// Start returns the first valid physical address.
func (r *RAM) Start() uint64 {
	return r.start
}

// Size returns the memory size.
func (r *RAM) Size() uint64 {
	return r.size
}

func (r *RAM) check(addr uint64, size uint64) error {
	end := addr + size

	if end < addr || addr < r.start || end > r.start+r.size {
		return fmt.Errorf("%w (addr:%#x size:%#x)", ErrOutOfRange, addr, size)
	}

	return nil
}

// walk calls fn on every page chunk of [addr, addr+size).
func (r *RAM) walk(addr uint64, size uint64, fn func(base uint64, off int, n int)) {
	for size > 0 {
		base := addr &^ (PageSize - 1)
		off := int(addr - base)
		n := PageSize - off

		if uint64(n) > size {
			n = int(size)
		}

		fn(base, off, n)

		addr += uint64(n)
		size -= uint64(n)
	}
}

// Read implements Memory.
func (r *RAM) Read(addr uint64, buf []byte) (err error) {
	if err = r.check(addr, uint64(len(buf))); err != nil {
		return
	}

	r.RLock()
	defer r.RUnlock()

	pos := 0

	r.walk(addr, uint64(len(buf)), func(base uint64, off int, n int) {
		if page, ok := r.pages[base]; ok {
			copy(buf[pos:pos+n], page[off:off+n])
		} else {
			clear(buf[pos : pos+n])
		}

		pos += n
	})

	return
}

// Write implements Memory.
func (r *RAM) Write(addr uint64, buf []byte) (err error) {
	if err = r.check(addr, uint64(len(buf))); err != nil {
		return
	}

	r.Lock()
	defer r.Unlock()

	pos := 0

	r.walk(addr, uint64(len(buf)), func(base uint64, off int, n int) {
		page, ok := r.pages[base]

		if !ok {
			page = new([PageSize]byte)
			r.pages[base] = page
		}

		copy(page[off:off+n], buf[pos:pos+n])
		pos += n
	})

	return
}

// Zero implements Memory, whole pages are released.
func (r *RAM) Zero(addr uint64, size uint64) (err error) {
	if err = r.check(addr, size); err != nil {
		return
	}

	r.Lock()
	defer r.Unlock()

	r.walk(addr, size, func(base uint64, off int, n int) {
		page, ok := r.pages[base]

		if !ok {
			return
		}

		if n == PageSize {
			delete(r.pages, base)
			return
		}

		clear(page[off : off+n])
	})

	return
}

// Pages returns the number of allocated pages.
func (r *RAM) Pages() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.pages)
}
