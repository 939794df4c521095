// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapMemory serves ReadPtr from a map, standing in for a live stack.
type mapMemory map[uint64]uint64

func (m mapMemory) ReadPtr(addr uint64) (uint64, bool) {
	v, ok := m[addr]
	return v, ok
}

func stepTable(t *testing.T) *Table {
	var b builder
	cieOff := b.entry(ehCIE(encAbsptr, defaultInitial))
	fdeOff := uint64(b.buf.Len())
	b.entry(ehFDE(fdeOff, cieOff, 0x1000, 0x100, []byte{
		opHighAdvanceLoc | 4,
		opDefCfaOffset, 16,
		opHighOffset | 6, 2, // r6 at CFA - 16
	}))
	b.u32(0)
	return mustParse(t, b.bytes(), Options{})
}

func TestStep(t *testing.T) {
	tbl := stepTable(t)
	const sp = 0x7fff0000

	var regs Registers
	regs.PC = 0x1004
	regs.Set(ArchX86_64.SPReg, sp)
	regs.Set(6, 0xdeadbeef)
	mem := mapMemory{
		sp + 16 - 8:  0x2345, // return address at CFA-8
		sp + 16 - 16: 0xcafe, // saved r6 at CFA-16
	}

	next, ok := tbl.Step(ArchX86_64, mem, regs)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2345), next.PC)
	gotSP, ok := next.Get(ArchX86_64.SPReg)
	require.True(t, ok)
	assert.Equal(t, uint64(sp+16), gotSP)
	gotFP, ok := next.Get(6)
	require.True(t, ok)
	assert.Equal(t, uint64(0xcafe), gotFP)
}

func TestStepFailures(t *testing.T) {
	tbl := stepTable(t)

	// pc outside every FDE.
	var regs Registers
	regs.PC = 0x9000
	regs.Set(ArchX86_64.SPReg, 0x7fff0000)
	_, ok := tbl.Step(ArchX86_64, mapMemory{}, regs)
	assert.False(t, ok)

	// CFA register value unknown.
	regs = Registers{PC: 0x1004}
	_, ok = tbl.Step(ArchX86_64, mapMemory{}, regs)
	assert.False(t, ok)

	// Memory cell holding the return address unreadable.
	regs = Registers{PC: 0x1004}
	regs.Set(ArchX86_64.SPReg, 0x7fff0000)
	_, ok = tbl.Step(ArchX86_64, mapMemory{}, regs)
	assert.False(t, ok)

	// Zero return address marks the outermost frame.
	mem := mapMemory{0x7fff0000: 0} // CFA-8 with CFA = sp+8
	regs = Registers{PC: 0x1000}
	regs.Set(ArchX86_64.SPReg, 0x7fff0000)
	_, ok = tbl.Step(ArchX86_64, mem, regs)
	assert.False(t, ok)
}

func TestRegisters(t *testing.T) {
	var regs Registers
	_, ok := regs.Get(7)
	assert.False(t, ok)
	regs.Set(7, 42)
	v, ok := regs.Get(7)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), v)
	// Out-of-range registers are ignored, not tracked.
	regs.Set(300, 1)
	_, ok = regs.Get(300)
	assert.False(t, ok)
}
