// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

// The nonsecure_os_go command is a TamaGo unikernel executing as host OS in
// supervisor mode, it manages an enclave through the Security Monitor SBI.
package main

import (
	"os"
	"runtime"
	_ "unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/usbarmory/tamago/soc/sifive/fu540"

	"github.com/usbarmory/GoTEE-sm/mem"
)

// The kernel uses the first 256MB of non-secure memory, enclaves are
// assigned memory past it.
const kernelSize = 0x10000000

//go:linkname ramStart runtime/goos.RamStart
var ramStart uint64 = mem.NonSecureStart

//go:linkname ramSize runtime/goos.RamSize
var ramSize uint64 = kernelSize

//go:linkname hwinit runtime.hwinit
func hwinit() {
	fu540.RV64.InitSupervisor()
}

//go:linkname printk runtime.printk
func printk(c byte) {
	putchar(c)
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

func main() {
	log.Printf("%s/%s (%s) • supervisor", runtime.GOOS, runtime.GOARCH, runtime.Version())

	if err := runEnclave(); err != nil {
		log.Printf("supervisor enclave error, %v", err)
	}

	// yield back to secure monitor
	log.Printf("supervisor is about to yield back")
	exit()

	// this should be unreachable
	log.Printf("supervisor says goodbye")
}
