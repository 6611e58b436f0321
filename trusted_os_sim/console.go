// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-sm/cmd"
	"github.com/usbarmory/GoTEE-sm/util"
)

// load creates all configured enclaves without running them, for
// inspection from the console.
func (sim *simulator) load() (err error) {
	h := sim.harts[0]

	for _, e := range sim.cfg.Enclaves {
		args, err := sim.build(e)

		if err != nil {
			return fmt.Errorf("could not build enclave %s, %v", e.Name, err)
		}

		eid, err := sim.sm.Create(h, args)

		if err != nil {
			return fmt.Errorf("could not create enclave %s, %w", e.Name, err)
		}

		log.WithField("eid", eid).Printf("SM loaded enclave %s", e.Name)
	}

	return
}

func (sim *simulator) console() (err error) {
	cmd.SM = sim.sm
	defer func() { cmd.SM = nil }()

	c := &util.Console{
		Banner:  cmd.Banner,
		Help:    cmd.Help,
		Handler: cmd.Handle,
		Output:  sim.out,
	}

	if addr := sim.cfg.Console.SSH; addr != "" {
		return sshConsole(c, addr)
	}

	return localConsole(c)
}

func sshConsole(c *util.Console, addr string) (err error) {
	listener, err := net.Listen("tcp", addr)

	if err != nil {
		return
	}

	defer listener.Close()

	if err = c.Start(listener); err != nil {
		return
	}

	log.Printf("SM console listening on %s", listener.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return
}

func localConsole(c *util.Console) (err error) {
	fd := int(os.Stdin.Fd())

	if !term.IsTerminal(fd) {
		return fmt.Errorf("standard input is not a terminal")
	}

	state, err := term.MakeRaw(fd)

	if err != nil {
		return
	}

	defer func() {
		_ = term.Restore(fd, state)
	}()

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "")

	// raw mode requires explicit carriage returns in log lines
	log.SetOutput(t)
	defer log.SetOutput(os.Stderr)

	c.Session(t)

	return
}
