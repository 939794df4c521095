// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package backtracer captures call stacks and resolves them to symbols.
//
// Capture and symbolication are deliberately separate phases: Capture is
// signal-safe and allocation-free (given a buffer), so it can run inside
// crash handlers; Resolve runs later in ordinary execution context, possibly
// on another goroutine or in another process entirely (see Report).
package backtracer

import (
	"sync"

	"github.com/backtracer/backtracer/pkg/module"
	"github.com/backtracer/backtracer/pkg/symbol"
	"github.com/backtracer/backtracer/pkg/unwind"
)

// Frame is one captured stack entry: an instruction address, optionally
// paired with the stack pointer for diagnostics. Immutable once captured.
type Frame struct {
	PC uintptr
	SP uintptr
}

// Backtrace is one stack capture, innermost frame first.
type Backtrace []Frame

// Capture records the calling goroutine's stack, at most maxDepth frames
// deep (DefaultMaxDepth when maxDepth <= 0), omitting the innermost skip
// frames. It allocates the result buffer; use CaptureInto from signal
// handlers.
func Capture(maxDepth, skip int) Backtrace {
	pcs := unwind.Capture(maxDepth, skip+1)
	bt := make(Backtrace, len(pcs))
	for i, pc := range pcs {
		bt[i] = Frame{PC: pc}
	}
	return bt
}

// CaptureInto fills pcs with raw return addresses, innermost first, and
// returns the count. It performs no allocation and takes no locks.
func CaptureInto(pcs []uintptr, skip int) int {
	return unwind.CaptureInto(pcs, skip+1)
}

// Trace streams frames to fn, innermost first, until fn returns false.
func Trace(skip int, fn func(Frame) bool) {
	unwind.Trace(skip+1, func(pc uintptr) bool {
		return fn(Frame{PC: pc})
	})
}

var defaultResolver = struct {
	once sync.Once
	res  *symbol.Resolver
}{}

func resolver() *symbol.Resolver {
	defaultResolver.once.Do(func() {
		defaultResolver.res = symbol.NewResolver(module.Shared())
	})
	return defaultResolver.res
}

// Resolve maps a captured frame to its symbols, innermost inlined call
// first. The result is empty when the address belongs to no loaded module
// or no debug information covers it; the address itself remains printable.
func Resolve(f Frame) []symbol.Symbol {
	return resolver().Resolve(resolvePC(f))
}

// ForEachSymbol streams the symbols of f to fn without building an
// intermediate slice beyond the cached resolution, stopping early when fn
// returns false.
func ForEachSymbol(f Frame, fn func(symbol.Symbol) bool) {
	resolver().ForEach(resolvePC(f), fn)
}

// RefreshModules re-enumerates loaded modules, picking up dynamically
// loaded or unloaded images. Parsed debug info of unchanged modules is kept.
func RefreshModules() error {
	return module.Shared().Refresh()
}

// resolvePC adjusts a captured return address to point inside the call
// instruction, so lookups attribute the frame to the call site rather than
// the instruction after it.
func resolvePC(f Frame) uintptr {
	if f.PC == 0 {
		return 0
	}
	return f.PC - 1
}
