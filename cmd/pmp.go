// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-sm/pmp"
)

func init() {
	Add(Cmd{
		Name:    "pmp",
		Args:    1,
		Pattern: regexp.MustCompile(`^pmp (\d+)$`),
		Syntax:  "<hart>",
		Help:    "read PMP CSRs",
		Fn:      pmpCmd,
	})

	Add(Cmd{
		Name: "regions",
		Help: "list PMP regions",
		Fn:   regionsCmd,
	})
}

func pmpCmd(_ *term.Terminal, arg []string) (res string, err error) {
	m, err := monitor()

	if err != nil {
		return
	}

	i, err := strconv.ParseUint(arg[0], 10, 8)

	if err != nil {
		return "", fmt.Errorf("invalid hart, %v", err)
	}

	harts := m.Harts()

	if int(i) >= len(harts) {
		return "", fmt.Errorf("invalid hart, %d >= %d", i, len(harts))
	}

	var buf bytes.Buffer

	for n := 0; n < m.Allocator().Registers(); n++ {
		addr, r, w, x, a, l, err := harts[i].ReadPMP(n)

		if err != nil {
			return "", err
		}

		fmt.Fprintf(&buf, "PMP:%.2d addr:%#.16x A:%-5s R:%v W:%v X:%v l:%v\n", n, addr, pmp.Mode(a), r, w, x, l)
	}

	return buf.String(), nil
}

func regionsCmd(_ *term.Terminal, _ []string) (res string, err error) {
	m, err := monitor()

	if err != nil {
		return
	}

	regions := m.Regions()
	ids := make([]int, 0, len(regions))

	for id := range regions {
		ids = append(ids, int(id))
	}

	sort.Ints(ids)

	var buf bytes.Buffer

	for _, id := range ids {
		fmt.Fprintf(&buf, "%.2d %s\n", id, regions[pmp.RegionID(id)])
	}

	return buf.String(), nil
}
