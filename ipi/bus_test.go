// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ipi

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func serve[M any](t *testing.T, b *Bus[M]) func() {
	t.Helper()

	var g errgroup.Group

	for i := 0; i < b.Harts(); i++ {
		hart := i
		g.Go(func() error { return b.Serve(hart) })
	}

	return func() {
		b.Close()
		require.NoError(t, g.Wait())
	}
}

func TestBroadcast(t *testing.T) {
	const harts = 4

	var applied [harts]atomic.Int32

	b := New(harts, func(hart int, msg int) error {
		applied[hart].Add(int32(msg))
		return nil
	})

	stop := serve(t, b)
	defer stop()

	require.NoError(t, b.Broadcast(1, 2))
	require.NoError(t, b.Broadcast(3, 5))

	for i := 0; i < harts; i++ {
		assert.Equal(t, int32(7), applied[i].Load())
	}
}

func TestBroadcastConcurrent(t *testing.T) {
	const harts = 4
	const rounds = 50

	var total atomic.Int32

	b := New(harts, func(_ int, _ struct{}) error {
		total.Add(1)
		return nil
	})

	stop := serve(t, b)
	defer stop()

	var wg sync.WaitGroup

	for src := 0; src < harts; src++ {
		wg.Add(1)

		go func(src int) {
			defer wg.Done()

			for i := 0; i < rounds; i++ {
				assert.NoError(t, b.Broadcast(src, struct{}{}))
			}
		}(src)
	}

	wg.Wait()

	assert.Equal(t, int32(harts*harts*rounds), total.Load())
}

func TestBroadcastErrors(t *testing.T) {
	errOdd := errors.New("odd hart")

	b := New(3, func(hart int, _ string) error {
		if hart%2 == 1 {
			return errOdd
		}

		return nil
	})

	stop := serve(t, b)
	defer stop()

	assert.ErrorIs(t, b.Broadcast(0, "update"), errOdd)
	assert.Error(t, b.Broadcast(3, "update"))
	assert.Error(t, b.Serve(-1))
}

func TestClose(t *testing.T) {
	b := New(2, func(_ int, _ int) error { return nil })

	// no Serve loop on hart 1, the broadcast blocks until close
	done := make(chan error)

	go func() {
		done <- b.Broadcast(0, 1)
	}()

	b.Close()
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.ErrorIs(t, b.Broadcast(0, 1), ErrClosed)

	// close is idempotent and stops new loops immediately
	b.Close()
	assert.NoError(t, b.Serve(0))
}
