// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

// MemoryReader reads pointers from the unwound stack. Implementations range
// from a live-process reader to a byte-slice stub in tests.
type MemoryReader interface {
	ReadPtr(addr uint64) (uint64, bool)
}

// Arch names the DWARF register columns the stepper needs to know about.
type Arch struct {
	SPReg uint64
	FPReg uint64
}

// DWARF register numbering per the respective psABI documents.
var (
	ArchX86_64 = Arch{SPReg: 7, FPReg: 6}
	ArchARM64  = Arch{SPReg: 31, FPReg: 29}
)

// Registers is a register snapshot for one frame during unwinding.
// Valid is a bitmask of which entries in Regs hold known values.
type Registers struct {
	PC    uint64
	Regs  [maxTrackedReg]uint64
	Valid uint32
}

func (r *Registers) Get(reg uint64) (uint64, bool) {
	if reg >= maxTrackedReg || r.Valid&(1<<reg) == 0 {
		return 0, false
	}
	return r.Regs[reg], true
}

func (r *Registers) Set(reg, val uint64) {
	if reg < maxTrackedReg {
		r.Regs[reg] = val
		r.Valid |= 1 << reg
	}
}

// Step unwinds one frame: given the register state of a frame whose pc falls
// inside this table, it computes the register state of the calling frame.
// Returns false when the table has no rule for pc, a required register or
// memory cell is unavailable, or the recovered return address is zero
// (outermost frame).
func (t *Table) Step(arch Arch, mem MemoryReader, regs Registers) (Registers, bool) {
	rule, ok := t.Rule(regs.PC)
	if !ok {
		return Registers{}, false
	}
	cfaBase, ok := regs.Get(rule.CFAReg)
	if !ok {
		return Registers{}, false
	}
	cfa := cfaBase + uint64(rule.CFAOffset)

	var next Registers
	for reg := uint64(0); reg < maxTrackedReg; reg++ {
		val, ok := recoverReg(rule.Regs[reg], reg, cfa, mem, &regs)
		if ok {
			next.Set(reg, val)
		}
	}
	// The CFA of this frame is the stack pointer at the call site.
	next.Set(arch.SPReg, cfa)

	ra, ok := recoverReg(rule.RA(), rule.RAReg, cfa, mem, &regs)
	if !ok || ra == 0 {
		return Registers{}, false
	}
	next.PC = ra
	return next, true
}

func recoverReg(rr RegRule, reg, cfa uint64, mem MemoryReader, cur *Registers) (uint64, bool) {
	switch rr.Kind {
	case RuleOffset:
		return mem.ReadPtr(cfa + uint64(rr.Offset))
	case RuleValOffset:
		return cfa + uint64(rr.Offset), true
	case RuleRegister:
		return cur.Get(rr.Reg)
	case RuleSameValue:
		return cur.Get(reg)
	}
	return 0, false
}
