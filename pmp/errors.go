// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pmp

import (
	"fmt"
)

// Error represents a region allocator status code, the values match the
// Keystone SBI error codes.
type Error uint64

// Region allocator errors
const (
	ErrSizeInvalid        Error = 100020
	ErrNotPageGranularity Error = 100021
	ErrNotAligned         Error = 100022
	ErrMaxReached         Error = 100023
	ErrInvalidRegion      Error = 100024
	ErrOverlap            Error = 100025
	ErrImpossibleTOR      Error = 100026
)

var errorText = map[Error]string{
	ErrSizeInvalid:        "invalid PMP region size",
	ErrNotPageGranularity: "PMP region size is not page granular",
	ErrNotAligned:         "PMP region is not page aligned",
	ErrMaxReached:         "no free PMP region or register",
	ErrInvalidRegion:      "invalid PMP region",
	ErrOverlap:            "PMP region overlap",
	ErrImpossibleTOR:      "TOR region with top priority must start at 0",
}

func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return s
	}

	return fmt.Sprintf("PMP error %d", uint64(e))
}
