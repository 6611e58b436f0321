// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config implements the Security Monitor TOML configuration.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-sm/mem"
	"github.com/usbarmory/GoTEE-sm/pmp"
)

// MaxHarts is the maximum number of harts supported by the monitor.
const MaxHarts = 64

// Config represents the monitor configuration.
type Config struct {
	Monitor  Monitor   `toml:"monitor"`
	Memory   Memory    `toml:"memory"`
	Log      Log       `toml:"log"`
	Console  Console   `toml:"console"`
	Enclaves []Enclave `toml:"enclave"`
}

// Monitor represents the hart configuration.
type Monitor struct {
	// Harts is the number of harts
	Harts int `toml:"harts"`
	// Registers is the number of PMP registers of each hart
	Registers int `toml:"registers"`
}

// Memory represents the physical memory layout.
type Memory struct {
	DRAMStart uint64 `toml:"dram_start"`
	DRAMSize  uint64 `toml:"dram_size"`

	// SM region, it must be naturally aligned and a power of two
	SMStart uint64 `toml:"sm_start"`
	SMSize  uint64 `toml:"sm_size"`
}

// Log represents the logging configuration.
type Log struct {
	// Level is a logrus level name
	Level string `toml:"level"`
}

// Console represents the management console configuration.
type Console struct {
	// SSH is the SSH console listening address, disabled when empty
	SSH string `toml:"ssh"`
}

// Enclave represents the memory assignment of a demo enclave.
type Enclave struct {
	Name string `toml:"name"`

	EPMStart uint64 `toml:"epm_start"`
	EPMSize  uint64 `toml:"epm_size"`
	UTMStart uint64 `toml:"utm_start"`
	UTMSize  uint64 `toml:"utm_size"`
}

// Default returns the configuration matching the default memory layout.
func Default() *Config {
	return &Config{
		Monitor: Monitor{
			Harts:     4,
			Registers: pmp.DefaultRegisters,
		},
		Memory: Memory{
			DRAMStart: mem.DRAMStart,
			DRAMSize:  mem.DRAMSize,
			SMStart:   mem.SecureStart,
			SMSize:    mem.SecureSize + mem.SecureDMASize,
		},
		Log: Log{
			Level: "info",
		},
		Enclaves: []Enclave{
			{
				Name:     "hello",
				EPMStart: 0x80100000,
				EPMSize:  0x100000,
				UTMStart: 0x90000000,
				UTMSize:  0x1000,
			},
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (c *Config, err error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return
	}

	return Parse(data)
}

// Parse decodes and validates a TOML configuration, values not set retain
// their default. Unknown keys are rejected.
func Parse(data []byte) (c *Config, err error) {
	c = Default()

	// enclaves are replaced, not merged, when set
	c.Enclaves = nil

	md, err := toml.Decode(string(data), c)

	if err != nil {
		return nil, fmt.Errorf("invalid configuration, %v", err)
	}

	if !md.IsDefined("enclave") {
		c.Enclaves = Default().Enclaves
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		var keys []string

		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, fmt.Errorf("invalid configuration, unknown keys: %s", strings.Join(keys, ", "))
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}

	return
}

func inside(start, size, outerStart, outerSize uint64) bool {
	end, carry := bits.Add64(start, size, 0)
	return carry == 0 && start >= outerStart && end <= outerStart+outerSize
}

func overlaps(a, asize, b, bsize uint64) bool {
	return a < b+bsize && b < a+asize
}

// Validate checks the configuration consistency.
func (c *Config) Validate() error {
	m := &c.Memory

	switch {
	case c.Monitor.Harts < 1 || c.Monitor.Harts > MaxHarts:
		return fmt.Errorf("invalid number of harts (%d)", c.Monitor.Harts)
	case c.Monitor.Registers < 2 || c.Monitor.Registers > pmp.MaxRegisters:
		return fmt.Errorf("invalid number of PMP registers (%d)", c.Monitor.Registers)
	case m.DRAMSize == 0 || m.DRAMStart+m.DRAMSize < m.DRAMStart:
		return errors.New("invalid DRAM range")
	case m.SMSize == 0 || m.SMSize&(m.SMSize-1) != 0 || m.SMStart&(m.SMSize-1) != 0:
		return errors.New("SM region must be a naturally aligned power of two")
	case !inside(m.SMStart, m.SMSize, m.DRAMStart, m.DRAMSize):
		return errors.New("SM region outside of DRAM")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	for i, e := range c.Enclaves {
		switch {
		case e.EPMSize == 0 || e.UTMSize == 0:
			return fmt.Errorf("enclave %d, empty memory range", i)
		case (e.EPMStart|e.EPMSize|e.UTMStart|e.UTMSize)&(pmp.PageSize-1) != 0:
			return fmt.Errorf("enclave %d, memory not page aligned", i)
		case !inside(e.EPMStart, e.EPMSize, m.DRAMStart, m.DRAMSize) || !inside(e.UTMStart, e.UTMSize, m.DRAMStart, m.DRAMSize):
			return fmt.Errorf("enclave %d, memory outside of DRAM", i)
		case overlaps(e.EPMStart, e.EPMSize, m.SMStart, m.SMSize) || overlaps(e.UTMStart, e.UTMSize, m.SMStart, m.SMSize):
			return fmt.Errorf("enclave %d, memory overlaps SM region", i)
		case overlaps(e.EPMStart, e.EPMSize, e.UTMStart, e.UTMSize):
			return fmt.Errorf("enclave %d, private memory overlaps shared memory", i)
		}
	}

	return nil
}
