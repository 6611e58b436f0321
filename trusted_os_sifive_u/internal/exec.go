// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

// Package gotee runs the Security Monitor on the QEMU sifive_u machine, the
// host OS is executed in supervisor mode through GoTEE and manages enclaves
// over SBI.
package gotee

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	_ "github.com/usbarmory/tamago/board/qemu/sifive_u"

	"github.com/usbarmory/GoTEE-sm/config"
	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/sbi"
	"github.com/usbarmory/GoTEE-sm/sm"
	"github.com/usbarmory/GoTEE-sm/util"
)

var (
	// SM is the Security Monitor instance
	SM *sm.Monitor
	// Dispatcher routes host OS and enclave SBI calls
	Dispatcher *sbi.Dispatcher
	// Hart is the core executing the Security Monitor
	Hart = &hart{}
	// Output buffers host OS and enclave console output
	Output *util.Output
)

// Start instantiates the Security Monitor, the PMP configuration is applied
// when the host OS is first scheduled.
func Start(cfg *config.Config, seed []byte, image []byte, output *util.Output) (err error) {
	keys, err := crypto.Provision(seed, image)

	if err != nil {
		return fmt.Errorf("SM could not provision keys, %v", err)
	}

	smCfg := sm.Config{
		SM:        sm.Range{Start: cfg.Memory.SMStart, Size: cfg.Memory.SMSize},
		Registers: cfg.Monitor.Registers,
	}

	if SM, err = sm.New(smCfg, []sm.Hart{Hart}, mem.Physical{}, keys); err != nil {
		return
	}

	go func() {
		_ = SM.Serve()
	}()

	Output = output
	Dispatcher = &sbi.Dispatcher{
		SM:      SM,
		Console: output.PutChar,
	}

	log.Printf("SM identity hash:%x public:%x", keys.SMHash[:8], keys.SMPublic[:8])

	return
}

// Boot loads and executes the host OS until it exits.
func Boot() (err error) {
	if SM == nil {
		return fmt.Errorf("SM not started")
	}

	os, err := loadSupervisor()

	if err != nil {
		return
	}

	run(os)

	return
}
