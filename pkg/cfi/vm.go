// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"fmt"
)

// DWARF call frame instruction opcodes (DWARF5 §6.4.2).
const (
	opNop              = 0x00
	opSetLoc           = 0x01
	opAdvanceLoc1      = 0x02
	opAdvanceLoc2      = 0x03
	opAdvanceLoc4      = 0x04
	opOffsetExtended   = 0x05
	opRestoreExtended  = 0x06
	opUndefined        = 0x07
	opSameValue        = 0x08
	opRegister         = 0x09
	opRememberState    = 0x0a
	opRestoreState     = 0x0b
	opDefCfa           = 0x0c
	opDefCfaRegister   = 0x0d
	opDefCfaOffset     = 0x0e
	opDefCfaExpression = 0x0f
	opExpression       = 0x10
	opOffsetExtendedSf = 0x11
	opDefCfaSf         = 0x12
	opDefCfaOffsetSf   = 0x13
	opValOffset        = 0x14
	opValOffsetSf      = 0x15
	opValExpression    = 0x16
	opGNUArgsSize      = 0x2e

	opHighAdvanceLoc = 0x40
	opHighOffset     = 0x80
	opHighRestore    = 0xc0
	opHighMask       = 0xc0
	opLowMask        = 0x3f
)

// RuleKind says how to recover one register's value in the calling frame.
type RuleKind int

const (
	RuleUndefined RuleKind = iota
	RuleSameValue          // register is unchanged across the call
	RuleOffset             // value stored at CFA+Offset
	RuleValOffset          // value is CFA+Offset itself
	RuleRegister           // value lives in another register
)

// RegRule is the recovery rule for a single register.
type RegRule struct {
	Kind   RuleKind
	Offset int64
	Reg    uint64
}

// maxTrackedReg bounds the register columns we track. DWARF numbers the
// general-purpose registers of all supported targets well below this.
const maxTrackedReg = 32

// Rule is the complete unwind rule at one pc: how to compute the canonical
// frame address and how to recover each register, including the return
// address column.
type Rule struct {
	CFAReg    uint64
	CFAOffset int64
	RAReg     uint64
	Regs      [maxTrackedReg]RegRule
}

// RA returns the recovery rule for the return address column.
func (r *Rule) RA() RegRule {
	if r.RAReg < maxTrackedReg {
		return r.Regs[r.RAReg]
	}
	return RegRule{}
}

type vmState struct {
	cfaReg    uint64
	cfaOffset int64
	cfaValid  bool
	regs      [maxTrackedReg]RegRule
}

// maxProgramSteps bounds interpretation of one FDE so corrupt tables with
// pathological advance loops terminate.
const maxProgramSteps = 1 << 16

// runProgram executes the CIE initial instructions followed by the FDE
// instructions until the table row covering pc is reached.
func (t *Table) runProgram(f fde, pc uint64) (Rule, error) {
	var state vmState
	var stack []vmState
	if err := t.execInstructions(f.cie.initial, f.cie.initialAddr, f, &state, &stack, f.start, ^uint64(0)); err != nil {
		return Rule{}, err
	}
	// DW_CFA_restore inside the FDE program restores the rule the CIE
	// initial instructions established; execInstructions snapshots the
	// incoming state for that purpose.
	if err := t.execInstructions(f.instr, f.instrAddr, f, &state, &stack, f.start, pc); err != nil {
		return Rule{}, err
	}
	if !state.cfaValid {
		return Rule{}, fmt.Errorf("no CFA rule defined for pc %#x", pc)
	}
	rule := Rule{
		CFAReg:    state.cfaReg,
		CFAOffset: state.cfaOffset,
		RAReg:     f.cie.raReg,
		Regs:      state.regs,
	}
	return rule, nil
}

func (t *Table) execInstructions(instr []byte, instrAddr uint64, f fde, state *vmState, stack *[]vmState, startLoc, pc uint64) error {
	c := f.cie
	r := &reader{data: instr, bo: t.opts.ByteOrder}
	loc := startLoc
	initial := *state
	for steps := 0; r.left() > 0; steps++ {
		if steps > maxProgramSteps {
			return fmt.Errorf("CFA program exceeds %v steps", maxProgramSteps)
		}
		op := r.u8()
		switch op & opHighMask {
		case opHighAdvanceLoc:
			loc += uint64(op&opLowMask) * c.codeAlign
			if loc > pc {
				return nil
			}
			continue
		case opHighOffset:
			reg := uint64(op & opLowMask)
			off := int64(r.uleb()) * c.dataAlign
			setReg(state, reg, RegRule{Kind: RuleOffset, Offset: off})
			continue
		case opHighRestore:
			reg := uint64(op & opLowMask)
			setReg(state, reg, getReg(&initial, reg))
			continue
		}
		switch op {
		case opNop:
		case opSetLoc:
			loc = r.encoded(c.fdeEnc, instrAddr, t.opts.PtrSize)
			if loc > pc {
				return nil
			}
		case opAdvanceLoc1:
			loc += uint64(r.u8()) * c.codeAlign
			if loc > pc {
				return nil
			}
		case opAdvanceLoc2:
			loc += uint64(r.u16()) * c.codeAlign
			if loc > pc {
				return nil
			}
		case opAdvanceLoc4:
			loc += uint64(r.u32()) * c.codeAlign
			if loc > pc {
				return nil
			}
		case opOffsetExtended:
			reg := r.uleb()
			off := int64(r.uleb()) * c.dataAlign
			setReg(state, reg, RegRule{Kind: RuleOffset, Offset: off})
		case opOffsetExtendedSf:
			reg := r.uleb()
			off := r.sleb() * c.dataAlign
			setReg(state, reg, RegRule{Kind: RuleOffset, Offset: off})
		case opRestoreExtended:
			reg := r.uleb()
			setReg(state, reg, getReg(&initial, reg))
		case opUndefined:
			setReg(state, r.uleb(), RegRule{Kind: RuleUndefined})
		case opSameValue:
			setReg(state, r.uleb(), RegRule{Kind: RuleSameValue})
		case opRegister:
			reg := r.uleb()
			src := r.uleb()
			setReg(state, reg, RegRule{Kind: RuleRegister, Reg: src})
		case opRememberState:
			*stack = append(*stack, *state)
		case opRestoreState:
			if len(*stack) == 0 {
				return fmt.Errorf("restore_state with empty state stack")
			}
			*state = (*stack)[len(*stack)-1]
			*stack = (*stack)[:len(*stack)-1]
		case opDefCfa:
			state.cfaReg = r.uleb()
			state.cfaOffset = int64(r.uleb())
			state.cfaValid = true
		case opDefCfaSf:
			state.cfaReg = r.uleb()
			state.cfaOffset = r.sleb() * c.dataAlign
			state.cfaValid = true
		case opDefCfaRegister:
			state.cfaReg = r.uleb()
		case opDefCfaOffset:
			state.cfaOffset = int64(r.uleb())
		case opDefCfaOffsetSf:
			state.cfaOffset = r.sleb() * c.dataAlign
		case opValOffset:
			reg := r.uleb()
			off := int64(r.uleb()) * c.dataAlign
			setReg(state, reg, RegRule{Kind: RuleValOffset, Offset: off})
		case opValOffsetSf:
			reg := r.uleb()
			off := r.sleb() * c.dataAlign
			setReg(state, reg, RegRule{Kind: RuleValOffset, Offset: off})
		case opDefCfaExpression:
			// Expression-based rules are rare outside of JIT code and need a
			// full DWARF expression evaluator; treat the frame as unwindable
			// no further.
			return fmt.Errorf("unsupported CFA expression at pc %#x", loc)
		case opExpression, opValExpression:
			reg := r.uleb()
			exprLen := r.uleb()
			r.bytes(int(exprLen))
			setReg(state, reg, RegRule{Kind: RuleUndefined})
		case opGNUArgsSize:
			r.uleb()
		default:
			return fmt.Errorf("unknown CFA opcode %#x", op)
		}
		if r.err != nil {
			return r.err
		}
	}
	return r.err
}

func setReg(s *vmState, reg uint64, rule RegRule) {
	if reg < maxTrackedReg {
		s.regs[reg] = rule
	}
}

func getReg(s *vmState, reg uint64) RegRule {
	if reg < maxTrackedReg {
		return s.regs[reg]
	}
	return RegRule{}
}
