// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The trusted_os_sim command runs the Security Monitor on emulated harts and
// memory, exercising the full enclave lifecycle over its SBI interface.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/usbarmory/GoTEE-sm/cmd"
	"github.com/usbarmory/GoTEE-sm/config"
	"github.com/usbarmory/GoTEE-sm/crypto"
	"github.com/usbarmory/GoTEE-sm/util"
)

func init() {
	cmd.Banner = fmt.Sprintf("%s/%s (%s) • TEE Security Monitor (simulator)", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func main() {
	app := &cli.App{
		Name:  "trusted_os_sim",
		Usage: "RISC-V enclave Security Monitor simulator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
			&cli.StringFlag{
				Name:  "seed",
				Usage: "hex encoded device secret seed (default: random)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "demo",
				Usage:  "run the full lifecycle of all configured enclaves",
				Action: demoAction,
			},
			{
				Name:   "console",
				Usage:  "load the configured enclaves and start the management console",
				Action: consoleAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(c *cli.Context) (sim *simulator, err error) {
	cfg := config.Default()

	if path := c.String("config"); path != "" {
		if cfg, err = config.Load(path); err != nil {
			return
		}
	}

	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}

	if err = util.SetupLog(cfg.Log.Level, os.Stderr); err != nil {
		return
	}

	var seed []byte

	if s := c.String("seed"); s != "" {
		if seed, err = hex.DecodeString(s); err != nil {
			return nil, fmt.Errorf("invalid seed, %v", err)
		}

		if len(seed) != crypto.SeedSize {
			return nil, fmt.Errorf("invalid seed size (%d != %d)", len(seed), crypto.SeedSize)
		}
	}

	return newSimulator(cfg, seed, os.Stdout)
}

func demoAction(c *cli.Context) (err error) {
	sim, err := start(c)

	if err != nil {
		return
	}

	defer sim.Close()

	results, err := sim.demo()

	if err != nil {
		return
	}

	for _, r := range results {
		fmt.Printf("%-16s eid:%d hash:%x exit:%#x\n", r.Name, r.EID, r.Report.Enclave.Hash[:16], r.Exit)
	}

	log.Printf("SM says goodbye")

	return
}

func consoleAction(c *cli.Context) (err error) {
	sim, err := start(c)

	if err != nil {
		return
	}

	defer sim.Close()

	if err = sim.load(); err != nil {
		return
	}

	return sim.console()
}
