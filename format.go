// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backtracer

import (
	"fmt"
	"io"
	"strings"
	"unsafe"

	"github.com/backtracer/backtracer/pkg/symbol"
)

// String renders the backtrace in the canonical human-readable layout:
//
//	stack backtrace:
//	   0: 0x000055d2c8e6b3f1 - mypkg.work
//	                           at /src/work.go:12
//	   1: 0x000055d2c8e6b2a0 - <unknown>
//
// Frames that resolve to an inline chain occupy several name lines under a
// single index.
func (bt Backtrace) String() string {
	var sb strings.Builder
	bt.write(&sb, Resolve)
	return sb.String()
}

// Dump renders the backtrace to w using the given resolve function,
// typically backtracer.Resolve. Passing a nil resolver prints addresses only.
func (bt Backtrace) Dump(w io.Writer, resolve func(Frame) []symbol.Symbol) (int64, error) {
	cw := &countWriter{w: w}
	bt.write(cw, resolve)
	return cw.n, cw.err
}

func (bt Backtrace) write(w io.Writer, resolve func(Frame) []symbol.Symbol) {
	const hexWidth = int(unsafe.Sizeof(uintptr(0)))*2 + 2
	fmt.Fprintf(w, "stack backtrace:")
	for idx, frame := range bt {
		fmt.Fprintf(w, "\n%4d: %#0*x", idx, hexWidth, uint64(frame.PC))
		var syms []symbol.Symbol
		if resolve != nil {
			syms = resolve(frame)
		}
		if len(syms) == 0 {
			fmt.Fprintf(w, " - <unknown>")
			continue
		}
		for i, sym := range syms {
			if i != 0 {
				fmt.Fprintf(w, "\n      %*s", hexWidth, "")
			}
			name := sym.Name
			if name == "" {
				name = "<unknown>"
			}
			fmt.Fprintf(w, " - %s", name)
			if sym.File != "" && sym.Line != 0 {
				fmt.Fprintf(w, "\n      %*s   at %s:%d", hexWidth, "", sym.File, sym.Line)
				if sym.Column != 0 {
					fmt.Fprintf(w, ":%d", sym.Column)
				}
			}
		}
	}
	fmt.Fprintf(w, "\n")
}

type countWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}
