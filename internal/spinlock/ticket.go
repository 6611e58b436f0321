// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package spinlock implements a FIFO ticket lock for the short critical
// sections guarding the monitor global tables.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Ticket is a ticket spinlock, the zero value is an unlocked lock.
//
// Waiters are served in arrival order, a hart holding the lock must never
// block or perform expensive work before releasing it.
type Ticket struct {
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (t *Ticket) Lock() {
	ticket := t.next.Add(1) - 1

	for t.serving.Load() != ticket {
		runtime.Gosched()
	}
}

// TryLock acquires the lock only if it is immediately available.
func (t *Ticket) TryLock() bool {
	serving := t.serving.Load()
	return t.next.CompareAndSwap(serving, serving+1)
}

// Unlock releases the lock to the next waiter.
func (t *Ticket) Unlock() {
	t.serving.Add(1)
}
