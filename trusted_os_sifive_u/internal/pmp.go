// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package gotee

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE/monitor"
)

var initPMP sync.Once

// configurePMP hands over the PMP register file to the Security Monitor
// region allocator, right before the host OS is first scheduled.
//
// On the FU540 the lack of IOPMP entails that bus controllers (e.g.
// Ethernet) can still reach enclave memory, only the SM and enclave regions
// are protected from the cores.
func configurePMP(ctx *monitor.ExecCtx, _ int) (err error) {
	initPMP.Do(func() {
		if err = SM.Init(Hart); err != nil {
			err = fmt.Errorf("SM could not configure PMP, %w", err)
		}
	})

	if err != nil {
		log.Fatal(err)
	}

	return
}
