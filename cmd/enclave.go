// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-sm/sm"
)

func init() {
	Add(Cmd{
		Name: "enclaves",
		Help: "list enclaves",
		Fn:   enclavesCmd,
	})

	Add(Cmd{
		Name:    "attest",
		Args:    2,
		Pattern: regexp.MustCompile(`^attest (\d+)(?: (\S+))?$`),
		Syntax:  "<eid> (data)",
		Help:    "enclave attestation report",
		Fn:      attestCmd,
	})

	Add(Cmd{
		Name:    "destroy",
		Args:    1,
		Pattern: regexp.MustCompile(`^destroy (\d+)$`),
		Syntax:  "<eid>",
		Help:    "destroy enclave",
		Fn:      destroyCmd,
	})

	Add(Cmd{
		Name: "identity",
		Help: "Security Monitor measurement and keys",
		Fn:   identityCmd,
	})
}

func parseEID(arg string) (sm.EID, error) {
	eid, err := strconv.ParseUint(arg, 10, 32)

	if err != nil {
		return 0, fmt.Errorf("invalid enclave id, %v", err)
	}

	return sm.EID(eid), nil
}

func enclavesCmd(_ *term.Terminal, _ []string) (res string, err error) {
	m, err := monitor()

	if err != nil {
		return
	}

	var buf bytes.Buffer

	for _, e := range m.Enclaves() {
		fmt.Fprintf(&buf, "%.2d %-10s satp:%#.16x hash:%x\n", e.ID, e.State, e.SATP, e.Hash[:8])

		for _, r := range e.Regions {
			if r.Type == sm.RegionUnused {
				continue
			}

			if pr, ok := m.Allocator().Region(r.ID); ok {
				fmt.Fprintf(&buf, "   %-5s %s\n", r.Type, pr)
			}
		}
	}

	return buf.String(), nil
}

func attestCmd(_ *term.Terminal, arg []string) (res string, err error) {
	m, err := monitor()

	if err != nil {
		return
	}

	eid, err := parseEID(arg[0])

	if err != nil {
		return
	}

	r, err := m.Attest(eid, []byte(arg[1]))

	if err != nil {
		return
	}

	if err = r.Verify(); err != nil {
		return
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "enclave hash:      %x\n", r.Enclave.Hash)
	fmt.Fprintf(&buf, "enclave signature: %x\n", r.Enclave.Signature)
	fmt.Fprintf(&buf, "sm hash:           %x\n", r.SM.Hash)
	fmt.Fprintf(&buf, "sm public key:     %x\n", r.SM.PublicKey)
	fmt.Fprintf(&buf, "device public key: %x\n", r.DevicePublicKey)

	return buf.String(), nil
}

func destroyCmd(_ *term.Terminal, arg []string) (res string, err error) {
	m, err := monitor()

	if err != nil {
		return
	}

	eid, err := parseEID(arg[0])

	if err != nil {
		return
	}

	err = m.Destroy(m.Harts()[0], eid)

	return
}

func identityCmd(_ *term.Terminal, _ []string) (res string, err error) {
	m, err := monitor()

	if err != nil {
		return
	}

	k := m.Keys()

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "sm hash:           %x\n", k.SMHash)
	fmt.Fprintf(&buf, "sm public key:     %s\n", hex.EncodeToString(k.SMPublic))
	fmt.Fprintf(&buf, "sm signature:      %x\n", k.SMSignature)
	fmt.Fprintf(&buf, "device public key: %s\n", hex.EncodeToString(k.DevicePublic))

	return buf.String(), nil
}
