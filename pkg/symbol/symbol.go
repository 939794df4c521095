// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symbol resolves raw instruction addresses into named, source-located
// symbols. It orchestrates the module registry, per-module debug info and the
// demangler; every failure along that pipeline degrades to a less-informative
// result instead of an error.
package symbol

import (
	"github.com/backtracer/backtracer/pkg/demangle"
	"github.com/backtracer/backtracer/pkg/dwarfinfo"
	"github.com/backtracer/backtracer/pkg/module"
)

// Symbol is one resolved name for an address. An address inside inlined code
// resolves to several symbols, innermost inlined call first; the last one is
// the physical enclosing function.
type Symbol struct {
	Name    string // demangled
	RawName string // as found in debug info or symbol tables
	File    string
	Line    int
	Column  int
	Inline  bool
	// Module is the path of the image the address belongs to and Offset the
	// file-relative address within it; together they identify the symbol
	// across address-space layouts.
	Module string
	Offset uint64
	// FuncStart is the file-relative entry point of the enclosing function,
	// 0 when unknown.
	FuncStart uint64
}

// Config disables optional stages of the symbolication pipeline. The zero
// value enables everything. A disabled stage only makes results less
// informative; capture and addresses are unaffected.
type Config struct {
	// NoDemangle reports mangled names verbatim, so Name equals RawName.
	NoDemangle bool
	// NoInline drops inlined call chains and reports only the physical
	// enclosing function for each address.
	NoInline bool
	// NoSymtabFallback turns off the symbol table fallback for addresses
	// that debug info does not cover; such addresses resolve to nothing.
	NoSymtabFallback bool
}

// Resolver symbolicates addresses against one module registry.
// Safe for concurrent use.
type Resolver struct {
	reg    *module.Registry
	cfg    Config
	cache  cache
	intern interner
}

// NewResolver returns a Resolver bound to the given registry.
func NewResolver(reg *module.Registry) *Resolver {
	return NewResolverConfig(reg, Config{})
}

// NewResolverConfig is NewResolver with a non-default Config. The config is
// fixed for the resolver's lifetime; cached results depend on it.
func NewResolverConfig(reg *module.Registry, cfg Config) *Resolver {
	return &Resolver{reg: reg, cfg: cfg}
}

// Resolve maps a runtime address to its symbols. The result is empty (never
// an error) when the address belongs to no module or the module has no
// usable debug info or symbol table.
func (r *Resolver) Resolve(pc uintptr) []Symbol {
	m := r.reg.Find(pc)
	if m == nil {
		return nil
	}
	info, err := m.Info()
	if err != nil {
		return nil
	}
	return r.cache.resolve(func(path string, addr uint64) []Symbol {
		return r.resolveIn(info, path, addr)
	}, m.Path, m.RelAddr(pc))
}

// ResolveModuleOffset resolves a file-relative address in the named module,
// as produced by serialized backtraces from another address-space layout.
func (r *Resolver) ResolveModuleOffset(path string, offset uint64) []Symbol {
	m := r.reg.FindPath(path)
	if m == nil {
		return nil
	}
	info, err := m.Info()
	if err != nil {
		return nil
	}
	return r.cache.resolve(func(path string, addr uint64) []Symbol {
		return r.resolveIn(info, path, addr)
	}, m.Path, offset)
}

// ResolveBacktrace symbolicates a whole capture, yielding one symbol list
// per address in the same order.
func (r *Resolver) ResolveBacktrace(pcs []uintptr) [][]Symbol {
	out := make([][]Symbol, len(pcs))
	for i, pc := range pcs {
		out[i] = r.Resolve(pc)
	}
	return out
}

// ForEach streams the symbols for pc to fn, stopping early when fn returns
// false. Results come from the same per-module cache as Resolve.
func (r *Resolver) ForEach(pc uintptr, fn func(Symbol) bool) {
	for _, sym := range r.Resolve(pc) {
		if !fn(sym) {
			return
		}
	}
}

func (r *Resolver) name(raw string) string {
	if r.cfg.NoDemangle {
		return r.intern.do(raw)
	}
	return r.intern.do(demangle.Demangle(raw))
}

func (r *Resolver) resolveIn(info *dwarfinfo.Info, path string, addr uint64) []Symbol {
	entries := info.Lookup(addr)
	if len(entries) == 0 {
		if r.cfg.NoSymtabFallback {
			return nil
		}
		// Stripped or uncovered: degrade to the symbol table.
		name, start, ok := info.SymbolName(addr)
		if !ok {
			return nil
		}
		return []Symbol{{
			Name:      r.name(name),
			RawName:   r.intern.do(name),
			Module:    path,
			Offset:    addr,
			FuncStart: start,
		}}
	}
	if r.cfg.NoInline {
		// The physical frame is always last in the chain.
		entries = entries[len(entries)-1:]
	}
	syms := make([]Symbol, 0, len(entries))
	for _, e := range entries {
		syms = append(syms, Symbol{
			Name:      r.name(e.Func),
			RawName:   r.intern.do(e.Func),
			File:      r.intern.do(e.File),
			Line:      e.Line,
			Column:    e.Column,
			Inline:    e.Inline,
			Module:    path,
			Offset:    addr,
			FuncStart: e.FuncStart,
		})
	}
	return syms
}

// ModuleFor returns the module owning pc, or nil. Exposed for callers that
// serialize backtraces for cross-process symbolication.
func (r *Resolver) ModuleFor(pc uintptr) *module.Module {
	return r.reg.Find(pc)
}
