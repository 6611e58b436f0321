// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"bytes"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
)

// ELFSymbols resolves symbols and program counters of a Go ELF image, such
// as the host OS kernel, to print meaningful traces when it faults.
type ELFSymbols struct {
	exe   *elf.File
	table *gosym.Table
}

// NewELFSymbols parses the symbol and line tables of an ELF image.
func NewELFSymbols(buf []byte) (s *ELFSymbols, err error) {
	s = &ELFSymbols{}

	if s.exe, err = elf.NewFile(bytes.NewReader(buf)); err != nil {
		return nil, err
	}

	text := s.exe.Section(".text")
	pclntab := s.exe.Section(".gopclntab")

	if text == nil || pclntab == nil {
		return nil, errors.New("missing Go line table")
	}

	lineTableData, err := pclntab.Data()

	if err != nil {
		return
	}

	// the legacy symbol table is empty on recent toolchains
	var symTableData []byte

	if symtab := s.exe.Section(".gosymtab"); symtab != nil {
		if symTableData, err = symtab.Data(); err != nil {
			return
		}
	}

	s.table, err = gosym.NewTable(symTableData, gosym.NewLineTable(lineTableData, text.Addr))

	return
}

// Lookup returns the ELF symbol with the given name.
func (s *ELFSymbols) Lookup(name string) (*elf.Symbol, error) {
	syms, err := s.exe.Symbols()

	if err != nil {
		return nil, err
	}

	for _, sym := range syms {
		if sym.Name == name {
			return &sym, nil
		}
	}

	return nil, errors.New("symbol not found")
}

// PCToLine returns the source location of a program counter.
func (s *ELFSymbols) PCToLine(pc uint64) (string, error) {
	file, line, fn := s.table.PCToLine(pc)

	if fn == nil {
		return "", fmt.Errorf("pc %#x not found", pc)
	}

	return fmt.Sprintf("%s:%d (%s)", file, line, fn.Name), nil
}
