// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package mem

import (
	"fmt"

	"github.com/usbarmory/tamago/dma"
)

const maxChunkSize = 0x100000

var NonSecureRegion *dma.Region

func Init() {
	NonSecureRegion, _ = dma.NewRegion(NonSecureStart, NonSecureSize, false)
	NonSecureRegion.Reserve(NonSecureSize, 0)
}

// Physical gives the Security Monitor access to physical memory through
// transient unsafe DMA regions.
type Physical struct{}

func access(addr uint64, buf []byte, write bool) (err error) {
	if len(buf) == 0 {
		return
	}

	r, err := dma.NewRegion(uint(addr), len(buf), true)

	if err != nil {
		return fmt.Errorf("could not map physical memory at %#x, %v", addr, err)
	}

	start, mem := r.Reserve(len(buf), 0)
	defer r.Release(start)

	if write {
		copy(mem, buf)
	} else {
		copy(buf, mem)
	}

	return
}

// Read implements Memory.
func (Physical) Read(addr uint64, buf []byte) error {
	return access(addr, buf, false)
}

// Write implements Memory.
func (Physical) Write(addr uint64, buf []byte) error {
	return access(addr, buf, true)
}

// Zero implements Memory.
func (Physical) Zero(addr uint64, size uint64) (err error) {
	zero := make([]byte, min(size, maxChunkSize))

	for size > 0 {
		n := min(size, uint64(len(zero)))

		if err = access(addr, zero[:n], true); err != nil {
			return
		}

		addr += n
		size -= n
	}

	return
}
