// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

import (
	"sync"

	"github.com/usbarmory/GoTEE-sm/pmp"
)

// Hart represents a processor core as seen from machine mode.
type Hart interface {
	// ID returns the hart index, starting from 0
	ID() int

	pmp.Reader
	pmp.Writer

	// ReadCSRs returns the supervisor CSRs
	ReadCSRs() CSRs
	// WriteCSRs updates the supervisor CSRs
	WriteCSRs(CSRs)
}

// EmulatedHart is a software hart with its own PMP register file.
type EmulatedHart struct {
	*pmp.RegisterFile

	id int

	mu   sync.Mutex
	csrs CSRs
}

// NewEmulatedHart returns an emulated hart with the given number of PMP
// registers.
func NewEmulatedHart(id int, registers int) *EmulatedHart {
	return &EmulatedHart{
		RegisterFile: pmp.NewRegisterFile(registers),
		id:           id,
	}
}

// NewEmulatedHarts returns n emulated harts.
func NewEmulatedHarts(n int, registers int) (harts []Hart) {
	for i := 0; i < n; i++ {
		harts = append(harts, NewEmulatedHart(i, registers))
	}

	return
}

// ID implements Hart.
func (h *EmulatedHart) ID() int {
	return h.id
}

// ReadCSRs implements Hart.
func (h *EmulatedHart) ReadCSRs() CSRs {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.csrs
}

// WriteCSRs implements Hart.
func (h *EmulatedHart) WriteCSRs(csrs CSRs) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.csrs = csrs
}
