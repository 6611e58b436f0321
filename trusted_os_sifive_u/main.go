// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package main

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	_ "unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/usbarmory/tamago/board/qemu/sifive_u"
	"github.com/usbarmory/tamago/dma"

	"github.com/usbarmory/GoTEE-sm/cmd"
	"github.com/usbarmory/GoTEE-sm/config"
	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/trusted_os_sifive_u/internal"
	"github.com/usbarmory/GoTEE-sm/util"
)

// This firmware embeds its configuration and the host OS ELF binary within
// the Security Monitor executable, using Go embed package.

//go:embed sm.toml
var smConfig []byte

//go:embed assets/nonsecure_os_go.elf
var osELF []byte

// DeviceSeed is the hex encoded device secret, the QEMU target lacks fuses
// therefore it is set at build time (-ldflags "-X main.DeviceSeed=...").
var DeviceSeed string

//go:linkname ramStart runtime/goos.RamStart
var ramStart uint64 = mem.SecureStart

//go:linkname ramSize runtime/goos.RamSize
var ramSize uint64 = mem.SecureSize

func init() {
	mem.Init()
	dma.Init(mem.SecureDMAStart, mem.SecureDMASize)

	cmd.Banner = fmt.Sprintf("%s/%s (%s) • TEE Security Monitor (M-mode)", runtime.GOOS, runtime.GOARCH, runtime.Version())

	cmd.Add(cmd.Cmd{
		Name: "boot",
		Help: "launch host OS",
		Fn:   bootCmd,
	})
}

func bootCmd(_ *term.Terminal, _ []string) (string, error) {
	return "", gotee.Boot()
}

// measurement binds the Security Monitor identity to its build and its
// configuration.
func measurement() []byte {
	image := append([]byte{}, smConfig...)

	if info, ok := debug.ReadBuildInfo(); ok {
		image = append(image, info.String()...)
	}

	return image
}

func main() {
	cfg, err := config.Parse(smConfig)

	if err != nil {
		log.Fatalf("SM invalid configuration, %v", err)
	}

	if err = util.SetupLog(cfg.Log.Level, os.Stdout); err != nil {
		log.Fatal(err)
	}

	seed := make([]byte, crypto.SeedSize)

	if DeviceSeed != "" {
		if seed, err = hex.DecodeString(DeviceSeed); err != nil {
			log.Fatalf("SM invalid device seed, %v", err)
		}
	} else {
		log.Warn("SM device seed not set, using test seed")
	}

	output := &util.Output{Writer: os.Stdout}

	if err = gotee.Start(cfg, seed, measurement(), output); err != nil {
		log.Fatal(err)
	}

	gotee.OS = osELF
	cmd.SM = gotee.SM

	console := &util.Console{
		Banner:  cmd.Banner,
		Help:    cmd.Help,
		Handler: cmd.Handle,
		Output:  output,
	}

	console.Session(term.NewTerminal(sifive_u.UART0, ""))

	log.Printf("SM says goodbye")
}
