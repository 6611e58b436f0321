// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pmp

// bitmap tracks allocation of a fixed set of slots (at most 32).
type bitmap uint32

func (b *bitmap) set(n int) {
	*b |= 1 << n
}

func (b *bitmap) clear(n int) {
	*b &^= 1 << n
}

func (b bitmap) test(n int) bool {
	return b&(1<<n) != 0
}

// search returns the index of the rightmost run of unset bits matching mask
// (1 for a single bit, 3 for two consecutive bits) which fits entirely within
// the first max bits, -1 if none is available.
func (b bitmap) search(max int, mask uint32) int {
	if max <= 0 || max > 32 || (mask+1)&mask != 0 {
		return -1
	}

	for i := 0; uint64(mask)<<i < uint64(1)<<max; i++ {
		m := mask << i

		if ^uint32(b)&m == m {
			return i
		}
	}

	return -1
}
