// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cmd implements the Security Monitor management console commands.
package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-sm/sm"
	"github.com/usbarmory/GoTEE-sm/util"
)

// Cmd represents a console command.
type Cmd struct {
	Name    string
	Args    int
	Pattern *regexp.Regexp
	Syntax  string
	Help    string
	Fn      func(*term.Terminal, []string) (string, error)
}

var (
	// Banner is shown at the start of each console session
	Banner string

	// SM is the Security Monitor instance managed by the console
	SM *sm.Monitor

	// Symbols, when set, resolves host OS symbols for debugging
	Symbols *util.ELFSymbols
)

var (
	mu   sync.Mutex
	cmds = make(map[string]*Cmd)
)

// Add registers a console command, commands without a pattern match their
// name.
func Add(cmd Cmd) {
	if cmd.Pattern == nil {
		cmd.Pattern = regexp.MustCompile(`^` + cmd.Name + `$`)
	}

	mu.Lock()
	defer mu.Unlock()

	cmds[cmd.Name] = &cmd
}

// Help returns the list of available commands.
func Help(t *term.Terminal) string {
	var help bytes.Buffer
	var names []string

	mu.Lock()
	defer mu.Unlock()

	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	w := tabwriter.NewWriter(&help, 16, 8, 0, '\t', tabwriter.TabIndent)

	for _, name := range names {
		cmd := cmds[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t # %s\n", cmd.Name, cmd.Syntax, cmd.Help)
	}

	_ = w.Flush()

	if t == nil {
		return help.String()
	}

	return string(t.Escape.Cyan) + help.String() + string(t.Escape.Reset)
}

func lookup(line string) (cmd *Cmd, args []string) {
	mu.Lock()
	defer mu.Unlock()

	for _, c := range cmds {
		if m := c.Pattern.FindStringSubmatch(line); len(m) > 0 && len(m)-1 == c.Args {
			return c, m[1:]
		}
	}

	return
}

// Handle executes a console command line, io.EOF is returned when the
// session must be closed.
func Handle(t *term.Terminal, line string) (err error) {
	if len(line) == 0 {
		return
	}

	cmd, args := lookup(line)

	if cmd == nil {
		return errors.New("unknown command, type `help`")
	}

	res, err := cmd.Fn(t, args)

	if len(res) > 0 {
		fmt.Fprintln(t, res)
	}

	return
}

func monitor() (*sm.Monitor, error) {
	if SM == nil {
		return nil, errors.New("security monitor not available")
	}

	return SM, nil
}
