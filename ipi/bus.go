// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ipi implements a broadcast-and-wait inter-processor message bus,
// used to propagate configuration changes which must be applied on every
// hart before the initiating hart proceeds.
package ipi

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by broadcasts issued or pending when the bus is
// closed.
var ErrClosed = errors.New("IPI bus closed")

// Handler applies a message on a hart.
type Handler[M any] func(hart int, msg M) error

type request[M any] struct {
	msg  M
	done chan<- error
}

// Bus delivers messages to a fixed set of harts, each hart must run its
// Serve loop to receive them.
type Bus[M any] struct {
	handler Handler[M]
	mailbox []chan request[M]

	quit chan struct{}
	once sync.Once
}

// New returns a bus for the given number of harts.
func New[M any](harts int, h Handler[M]) *Bus[M] {
	b := &Bus[M]{
		handler: h,
		mailbox: make([]chan request[M], harts),
		quit:    make(chan struct{}),
	}

	for i := range b.mailbox {
		b.mailbox[i] = make(chan request[M])
	}

	return b
}

// Harts returns the number of harts served by the bus.
func (b *Bus[M]) Harts() int {
	return len(b.mailbox)
}

// Serve runs the message loop of a hart until the bus is closed.
func (b *Bus[M]) Serve(hart int) error {
	if hart < 0 || hart >= len(b.mailbox) {
		return fmt.Errorf("invalid hart %d", hart)
	}

	for {
		select {
		case req := <-b.mailbox[hart]:
			req.done <- b.handler(hart, req.msg)
		case <-b.quit:
			return nil
		}
	}
}

// Broadcast applies a message on the source hart, then on every other hart,
// returning only when all harts acknowledged it. Handler errors are joined.
func (b *Bus[M]) Broadcast(src int, msg M) error {
	if src < 0 || src >= len(b.mailbox) {
		return fmt.Errorf("invalid hart %d", src)
	}

	select {
	case <-b.quit:
		return ErrClosed
	default:
	}

	errs := []error{b.handler(src, msg)}
	done := make(chan error, len(b.mailbox))
	pending := 0

	for i, mailbox := range b.mailbox {
		if i == src {
			continue
		}

		select {
		case mailbox <- request[M]{msg, done}:
			pending++
		case <-b.quit:
			return ErrClosed
		}
	}

	for ; pending > 0; pending-- {
		select {
		case err := <-done:
			errs = append(errs, err)
		case <-b.quit:
			return ErrClosed
		}
	}

	return errors.Join(errs...)
}

// Close stops all Serve loops.
func (b *Bus[M]) Close() {
	b.once.Do(func() {
		close(b.quit)
	})
}
