// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package gotee

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/GoTEE-sm/cmd"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/util"

	"github.com/usbarmory/armory-boot/exec"
)

// OS is the host OS ELF image
var OS []byte

// loadSupervisor loads a TamaGo unikernel as host OS.
func loadSupervisor() (os *monitor.ExecCtx, err error) {
	image := &exec.ELFImage{
		Region: mem.NonSecureRegion,
		ELF:    OS,
	}

	if err = image.Load(); err != nil {
		return
	}

	if os, err = monitor.Load(image.Entry(), image.Region, false); err != nil {
		return nil, fmt.Errorf("SM could not load kernel, %v", err)
	}

	log.Printf("SM loaded kernel addr:%#x entry:%#x size:%d", os.Memory.Start(), os.PC, len(OS))

	// hand over memory protection to the Security Monitor
	os.PMP = configurePMP

	// set stack pointer to the end of available memory
	os.X2 = uint64(os.Memory.End())

	// override default handler to support enclaves and improve logging
	os.Handler = sbiHandler

	// set kernel as ELF debugging target
	if cmd.Symbols, err = util.NewELFSymbols(OS); err != nil {
		log.Printf("SM kernel symbols unavailable, %v", err)
		err = nil
	}

	return
}

func run(ctx *monitor.ExecCtx) {
	log.Printf("SM starting sp:%#.8x pc:%#.8x", ctx.X2, ctx.PC)

	err := ctx.Run()

	log.Printf("SM stopped sp:%#.8x ra:%#.8x pc:%#.8x err:%v %s", ctx.X2, ctx.X1, ctx.PC, err, ctx)

	if err == nil || cmd.Symbols == nil {
		return
	}

	pcLine, _ := cmd.Symbols.PCToLine(ctx.PC)
	lrLine, _ := cmd.Symbols.PCToLine(ctx.X1)

	if pcLine != "" || lrLine != "" {
		log.Printf("stack trace:\n  %s\n  %s", pcLine, lrLine)
	}
}
