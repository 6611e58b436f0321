// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/term"
)

func init() {
	Add(Cmd{
		Name:    "sym",
		Args:    1,
		Pattern: regexp.MustCompile(`^sym (\S+)$`),
		Syntax:  "<name>",
		Help:    "host OS symbol lookup",
		Fn:      symCmd,
	})

	Add(Cmd{
		Name:    "pc",
		Args:    1,
		Pattern: regexp.MustCompile(`^pc ([[:xdigit:]]+)$`),
		Syntax:  "<hex address>",
		Help:    "host OS program counter lookup",
		Fn:      pcCmd,
	})
}

func symCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if Symbols == nil {
		return "", errors.New("no symbols available")
	}

	sym, err := Symbols.Lookup(arg[0])

	if err != nil {
		return
	}

	return fmt.Sprintf("%s addr:%#.16x size:%d", sym.Name, sym.Value, sym.Size), nil
}

func pcCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if Symbols == nil {
		return "", errors.New("no symbols available")
	}

	pc, err := strconv.ParseUint(arg[0], 16, 64)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	return Symbols.PCToLine(pc)
}
