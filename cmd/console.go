// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"
	"regexp"
	"runtime/debug"
	"runtime/pprof"
	"strings"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-sm/pmp"
	"github.com/usbarmory/GoTEE-sm/sm"
)

func init() {
	Add(Cmd{
		Name: "help",
		Help: "this help",
		Fn:   helpCmd,
	})

	Add(Cmd{
		Name:    "exit, quit",
		Args:    1,
		Pattern: regexp.MustCompile(`^(exit|quit)$`),
		Help:    "close session",
		Fn:      exitCmd,
	})

	Add(Cmd{
		Name: "status",
		Help: "Security Monitor resources",
		Fn:   statusCmd,
	})

	Add(Cmd{
		Name: "harts",
		Help: "hart contexts",
		Fn:   hartsCmd,
	})

	Add(Cmd{
		Name: "stack",
		Help: "stack trace of current goroutine",
		Fn:   stackCmd,
	})

	Add(Cmd{
		Name:    "stackall",
		Args:    1,
		Pattern: regexp.MustCompile(`^stackall(?: (ipi))?$`),
		Syntax:  "(ipi)",
		Help:    "stack trace of all goroutines, or of hart message loops only",
		Fn:      stackallCmd,
	})
}

func helpCmd(term *term.Terminal, _ []string) (string, error) {
	help := Help(term)

	if m, err := monitor(); err == nil {
		help += "\n" + status(m)
	}

	return help, nil
}

func exitCmd(_ *term.Terminal, _ []string) (string, error) {
	return "logout", io.EOF
}

func status(m *sm.Monitor) string {
	count := make(map[sm.State]int)
	enclaves := m.Enclaves()

	for _, e := range enclaves {
		count[e.State]++
	}

	regions, registers := m.Allocator().Bitmaps()

	return fmt.Sprintf("harts:%d regions:%d/%d registers:%d/%d enclaves:%d/%d (fresh:%d running:%d stopped:%d)",
		len(m.Harts()),
		bits.OnesCount32(regions), pmp.MaxRegions,
		bits.OnesCount32(registers), m.Allocator().Registers(),
		len(enclaves), sm.MaxEnclaves,
		count[sm.StateFresh], count[sm.StateRunning], count[sm.StateStopped])
}

func statusCmd(_ *term.Terminal, _ []string) (res string, err error) {
	m, err := monitor()

	if err != nil {
		return
	}

	return status(m), nil
}

func hartsCmd(_ *term.Terminal, _ []string) (res string, err error) {
	m, err := monitor()

	if err != nil {
		return
	}

	var buf bytes.Buffer

	for _, h := range m.Harts() {
		ctx := "host"

		if eid, ok := m.CurrentEnclave(h); ok {
			ctx = fmt.Sprintf("enclave %d", eid)
		}

		fmt.Fprintf(&buf, "hart:%d %-10s satp:%#.16x\n", h.ID(), ctx, h.ReadCSRs().SATP)
	}

	return buf.String(), nil
}

func stackCmd(_ *term.Terminal, _ []string) (string, error) {
	return string(debug.Stack()), nil
}

func stackallCmd(_ *term.Terminal, arg []string) (string, error) {
	buf := new(bytes.Buffer)

	if err := pprof.Lookup("goroutine").WriteTo(buf, 1); err != nil {
		return "", err
	}

	if arg[0] == "" {
		return buf.String(), nil
	}

	// profile records are separated by blank lines, hart message loops
	// carry a hart label
	var loops []string

	for _, rec := range strings.Split(buf.String(), "\n\n") {
		if strings.Contains(rec, `"`+sm.HartLabel+`"`) {
			loops = append(loops, rec)
		}
	}

	return strings.Join(loops, "\n\n"), nil
}
