// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package unwind

import (
	"unsafe"

	"github.com/backtracer/backtracer/pkg/cfi"
)

// Context is a register snapshot to start a stack walk from, e.g. extracted
// from a signal ucontext or a suspended thread. StackLo/StackHi bound the
// stack region; walks terminate rather than read outside it.
type Context struct {
	PC, SP, FP       uintptr
	StackLo, StackHi uintptr
}

const ptrSize = unsafe.Sizeof(uintptr(0))

func (ctx *Context) onStack(addr uintptr) bool {
	if ctx.StackLo == 0 && ctx.StackHi == 0 {
		return true
	}
	return addr >= ctx.StackLo && addr+2*ptrSize <= ctx.StackHi
}

// CaptureFromContext walks the frame-pointer chain starting at ctx, filling
// pcs innermost first. It is the last-resort strategy: it requires the
// target to have been compiled with frame pointers, but needs no tables.
//
// Termination: a zero or misaligned frame pointer, a frame pointer outside
// the stack bounds, a frame pointer that fails to strictly increase (cycle),
// a zero return address, or a full buffer. All of these end the capture
// without error.
func CaptureFromContext(ctx Context, pcs []uintptr) int {
	n := 0
	if len(pcs) == 0 {
		return 0
	}
	pcs[n] = ctx.PC
	n++
	fp := ctx.FP
	var prev uintptr
	for n < len(pcs) {
		if fp == 0 || fp%ptrSize != 0 || !ctx.onStack(fp) {
			break
		}
		if fp <= prev {
			break
		}
		prev = fp
		// Frame layout on amd64 and arm64: [fp] is the caller's frame
		// pointer, [fp+ptrSize] the return address.
		next := deref(fp)
		ret := deref(fp + ptrSize)
		if ret == 0 {
			break
		}
		pcs[n] = ret
		n++
		fp = next
	}
	return n
}

func deref(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// stackMemory reads pointers from the stack region of a context, refusing
// addresses outside it. It adapts live memory to the cfi stepper.
type stackMemory struct {
	ctx *Context
}

func (m stackMemory) ReadPtr(addr uint64) (uint64, bool) {
	a := uintptr(addr)
	if a%ptrSize != 0 || !m.ctx.onStack(a) {
		return 0, false
	}
	return uint64(deref(a)), true
}

// CaptureWithTable walks the stack of ctx using call-frame-information
// tables, filling pcs innermost first. arch names the DWARF register
// numbering of the target. Used when frame pointers may be absent but the
// binary ships unwind tables (.eh_frame is mandatory on most ELF targets).
func CaptureWithTable(tbl *cfi.Table, arch cfi.Arch, ctx Context, pcs []uintptr) int {
	n := 0
	if len(pcs) == 0 {
		return 0
	}
	pcs[n] = ctx.PC
	n++
	var regs cfi.Registers
	regs.PC = uint64(ctx.PC)
	regs.Set(arch.SPReg, uint64(ctx.SP))
	regs.Set(arch.FPReg, uint64(ctx.FP))
	mem := stackMemory{ctx: &ctx}
	prevSP := uint64(ctx.SP)
	for n < len(pcs) {
		next, ok := tbl.Step(arch, mem, regs)
		if !ok {
			break
		}
		sp, _ := next.Get(arch.SPReg)
		// The stack must strictly grow toward its base, otherwise the
		// tables are lying and we are looping.
		if sp <= prevSP {
			break
		}
		prevSP = sp
		// Return addresses point after the call; step back inside it so the
		// next rule lookup hits the calling instruction's row.
		pcs[n] = uintptr(next.PC)
		n++
		regs = next
		regs.PC--
	}
	return n
}
