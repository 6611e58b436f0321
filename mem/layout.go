// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem defines the physical memory layout of the Security Monitor and
// provides access to physical memory, either emulated or, on bare metal,
// through TamaGo DMA regions.
package mem

// This memory layout targets the QEMU sifive_u machine (1GB DRAM), the Main
// OS owns all memory not reserved to the Security Monitor and carves enclave
// private and shared memory out of it.
const (
	DRAMStart = 0x80000000
	DRAMSize  = 0x40000000 // 1GB

	// Main OS
	NonSecureStart = 0x80000000
	NonSecureSize  = 0x3c000000 // 960MB

	// Security Monitor
	SecureStart = 0xbc000000
	SecureSize  = 0x03f00000 // 63MB

	// Security Monitor DMA
	SecureDMAStart = 0xbff00000
	SecureDMASize  = 0x00100000 // 1MB
)

// PageSize is the granularity of memory protection and enclave mappings.
const PageSize = 0x1000
