// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-sm/sm"
)

const maxBufferSize = 102400

// hostMemory returns the monitor after checking that the physical range is
// accessible to the host, monitor and enclave private memory are off limits.
func hostMemory(addr uint64, size uint64) (m *sm.Monitor, err error) {
	if m, err = monitor(); err != nil {
		return
	}

	if !m.HostAccessible(addr, size) {
		return nil, fmt.Errorf("%#x-%#x is not accessible to the host", addr, addr+size)
	}

	return
}

func init() {
	Add(Cmd{
		Name:    "peek",
		Args:    2,
		Pattern: regexp.MustCompile(`^peek ([[:xdigit:]]+) (\d+)$`),
		Syntax:  "<hex address> <size>",
		Help:    "host memory display",
		Fn:      memReadCmd,
	})

	Add(Cmd{
		Name:    "poke",
		Args:    2,
		Pattern: regexp.MustCompile(`^poke ([[:xdigit:]]+) ([[:xdigit:]]+)$`),
		Syntax:  "<hex address> <hex value>",
		Help:    "host memory write",
		Fn:      memWriteCmd,
	})
}

func memReadCmd(_ *term.Terminal, arg []string) (res string, err error) {
	addr, err := strconv.ParseUint(arg[0], 16, 64)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	size, err := strconv.ParseUint(arg[1], 10, 32)

	if err != nil {
		return "", fmt.Errorf("invalid size, %v", err)
	}

	if (addr%4) != 0 || (size%4) != 0 {
		return "", fmt.Errorf("only 32-bit aligned accesses are supported")
	}

	if size > maxBufferSize {
		return "", fmt.Errorf("size argument must be <= %d", maxBufferSize)
	}

	m, err := hostMemory(addr, size)

	if err != nil {
		return
	}

	buf := make([]byte, size)

	if err = m.Memory().Read(addr, buf); err != nil {
		return
	}

	return hex.Dump(buf), nil
}

func memWriteCmd(_ *term.Terminal, arg []string) (res string, err error) {
	addr, err := strconv.ParseUint(arg[0], 16, 64)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	if addr%4 != 0 {
		return "", fmt.Errorf("only 32-bit aligned accesses are supported")
	}

	val, err := strconv.ParseUint(arg[1], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid data, %v", err)
	}

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(val))

	m, err := hostMemory(addr, uint64(len(buf)))

	if err != nil {
		return
	}

	err = m.Memory().Write(addr, buf)

	return
}
