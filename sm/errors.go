// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sm

import (
	"errors"
	"fmt"

	"github.com/usbarmory/GoTEE-sm/pagetable"
	"github.com/usbarmory/GoTEE-sm/pmp"
)

// Error represents a Security Monitor status code, as returned to callers of
// the SBI interface.
type Error uint64

// Status codes
const (
	Success Error = 0

	ErrUnknown         Error = 100000
	ErrInvalidID       Error = 100001
	ErrInterrupted     Error = 100002
	ErrPMPFailure      Error = 100003
	ErrNotRunnable     Error = 100004
	ErrNotDestroyable  Error = 100005
	ErrRegionOverlaps  Error = 100006
	ErrNotAccessible   Error = 100007
	ErrIllegalArgument Error = 100008
	ErrNotRunning      Error = 100009
	ErrNotResumable    Error = 100010
	ErrEdgeCallHost    Error = 100011
	ErrNotInitialized  Error = 100012
	ErrNoFreeResource  Error = 100013
	ErrSBIProhibited   Error = 100014
	ErrIllegalPTE      Error = 100015
	ErrNotFresh        Error = 100016
	ErrDeprecated      Error = 100099
	ErrNotImplemented  Error = 100100
)

// ErrFatal is returned when the Security Monitor cannot guarantee isolation,
// the affected hart must not proceed.
var ErrFatal = errors.New("SM fatal error")

var errorText = map[Error]string{
	Success:            "success",
	ErrUnknown:         "unknown error",
	ErrInvalidID:       "invalid enclave id",
	ErrInterrupted:     "enclave interrupted",
	ErrPMPFailure:      "PMP failure",
	ErrNotRunnable:     "enclave not runnable",
	ErrNotDestroyable:  "enclave not destroyable",
	ErrRegionOverlaps:  "region overlaps",
	ErrNotAccessible:   "memory not accessible",
	ErrIllegalArgument: "illegal argument",
	ErrNotRunning:      "enclave not running",
	ErrNotResumable:    "enclave not resumable",
	ErrEdgeCallHost:    "enclave edge call to host",
	ErrNotInitialized:  "enclave not initialized",
	ErrNoFreeResource:  "no free resource",
	ErrSBIProhibited:   "SBI call prohibited",
	ErrIllegalPTE:      "illegal page table entry",
	ErrNotFresh:        "enclave not fresh",
	ErrDeprecated:      "deprecated call",
	ErrNotImplemented:  "not implemented",
}

func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return s
	}

	return fmt.Sprintf("SM error %d", uint64(e))
}

// Code returns the status code of any error returned by the Security
// Monitor or its region allocator.
func Code(err error) uint64 {
	var smErr Error
	var pmpErr pmp.Error

	switch {
	case err == nil:
		return uint64(Success)
	case errors.As(err, &smErr):
		return uint64(smErr)
	case errors.As(err, &pmpErr):
		return uint64(pmpErr)
	case errors.Is(err, pagetable.ErrIllegalPTE):
		return uint64(ErrIllegalPTE)
	}

	return uint64(ErrUnknown)
}

// wrap annotates err with a status code, unless it already carries one.
func wrap(code Error, err error) error {
	var smErr Error

	if errors.As(err, &smErr) {
		return err
	}

	return fmt.Errorf("%w, %w", code, err)
}
