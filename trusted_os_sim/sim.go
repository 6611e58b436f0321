// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-sm/config"
	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/sbi"
	"github.com/usbarmory/GoTEE-sm/sm"
	"github.com/usbarmory/GoTEE-sm/util"
)

// simulator is a Security Monitor running on emulated harts and memory.
type simulator struct {
	cfg *config.Config

	ram   *mem.RAM
	harts []sm.Hart
	sm    *sm.Monitor
	sbi   *sbi.Dispatcher
	out   *util.Output

	served chan error
}

// measurement returns the image measured as Security Monitor identity.
func measurement() []byte {
	path, err := os.Executable()

	if err != nil {
		return nil
	}

	buf, err := os.ReadFile(path)

	if err != nil {
		return nil
	}

	return buf
}

func newSimulator(cfg *config.Config, seed []byte, w io.Writer) (s *simulator, err error) {
	if seed == nil {
		seed = make([]byte, crypto.SeedSize)

		if _, err = io.ReadFull(rand.Reader, seed); err != nil {
			return
		}
	}

	keys, err := crypto.Provision(seed, measurement())

	if err != nil {
		return nil, fmt.Errorf("SM could not provision keys, %v", err)
	}

	s = &simulator{
		cfg:    cfg,
		ram:    mem.NewRAM(cfg.Memory.DRAMStart, cfg.Memory.DRAMSize),
		harts:  sm.NewEmulatedHarts(cfg.Monitor.Harts, cfg.Monitor.Registers),
		out:    &util.Output{Writer: w},
		served: make(chan error, 1),
	}

	smCfg := sm.Config{
		SM:        sm.Range{Start: cfg.Memory.SMStart, Size: cfg.Memory.SMSize},
		Registers: cfg.Monitor.Registers,
	}

	if s.sm, err = sm.New(smCfg, s.harts, s.ram, keys); err != nil {
		return nil, fmt.Errorf("SM could not start, %v", err)
	}

	go func() {
		s.served <- s.sm.Serve()
	}()

	if err = s.sm.Init(s.harts[0]); err != nil {
		s.Close()
		return nil, err
	}

	s.sbi = &sbi.Dispatcher{
		SM:      s.sm,
		Console: s.out.PutChar,
	}

	log.Printf("SM identity hash:%x public:%x", keys.SMHash[:8], keys.SMPublic[:8])

	return
}

// Close stops the inter-processor message loops of all harts.
func (s *simulator) Close() {
	s.sm.Close()

	if err := <-s.served; err != nil {
		log.Debugf("SM hart loops stopped, %v", err)
	}
}
