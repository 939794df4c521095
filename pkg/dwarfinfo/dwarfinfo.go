// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dwarfinfo answers address-to-source queries over the debug info of
// one object file: function name, file/line/column and the chain of inlined
// calls collapsed into a physical frame. All state is scoped to one module;
// compilation units are parsed lazily and cached, so repeated lookups against
// the same module pay the parse cost once.
package dwarfinfo

import (
	"debug/dwarf"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/backtracer/backtracer/pkg/obj"
)

// Entry is one resolved source location. A lookup yields the innermost
// inlined call first; the last entry is the physical (non-inlined) function.
type Entry struct {
	Func      string // raw, possibly mangled name
	FuncStart uint64 // entry point of the enclosing function, 0 if unknown
	File      string
	Line      int
	Column    int
	Inline    bool
}

// Info is the parsed debug state of one object file.
type Info struct {
	file     *obj.File
	dw       *dwarf.Data // nil when the binary carries no DWARF
	cuRanges []cuRange

	mu        sync.Mutex
	lineCache map[dwarf.Offset]*parsedCU
	subCache  map[dwarf.Offset][]subprogram
}

type parsedCU struct {
	entries []dwarf.LineEntry
	files   []*dwarf.LineFile
}

type cuRange struct {
	low, high uint64
	entry     *dwarf.Entry
}

type subprogram struct {
	low, high uint64
	entry     *dwarf.Entry
}

// New builds the debug state for an already-opened object file.
// A missing or malformed DWARF payload is not an error: lookups degrade to
// the symbol table, and HasDebugInfo reports false.
func New(file *obj.File) (*Info, error) {
	info := &Info{
		file:      file,
		lineCache: make(map[dwarf.Offset]*parsedCU),
		subCache:  make(map[dwarf.Offset][]subprogram),
	}
	dw, err := file.DWARF()
	if err != nil {
		return info, nil
	}
	info.dw = dw
	if err := info.buildIndex(); err != nil {
		// A truncated .debug_info degrades the whole module to symtab-only.
		info.dw = nil
		info.cuRanges = nil
		return info, nil
	}
	return info, nil
}

// HasDebugInfo reports whether line-level lookups are possible.
func (info *Info) HasDebugInfo() bool {
	return info.dw != nil
}

// File returns the underlying object file.
func (info *Info) File() *obj.File {
	return info.file
}

func (info *Info) buildIndex() error {
	r := info.dw.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := info.dw.Ranges(entry)
		if err != nil {
			continue
		}
		for _, rng := range ranges {
			info.cuRanges = append(info.cuRanges, cuRange{
				low:   rng[0],
				high:  rng[1],
				entry: entry,
			})
		}
	}
	sort.Slice(info.cuRanges, func(i, j int) bool {
		return info.cuRanges[i].low < info.cuRanges[j].low
	})
	return nil
}

// Lookup resolves a file-relative address. Returns nil when the address
// falls outside all compilation units or debug info is absent; the caller
// is expected to fall back to SymbolName.
func (info *Info) Lookup(addr uint64) []Entry {
	if info.dw == nil {
		return nil
	}
	cu := info.findCU(addr)
	if cu == nil {
		return nil
	}
	p, err := info.parsedCUFor(cu)
	if err != nil {
		return nil
	}
	lineEntry, haveLine := p.lineFor(addr)
	funcEntry, err := info.findFunction(cu, addr)
	if err != nil || funcEntry == nil {
		return nil
	}
	var le *dwarf.LineEntry
	if haveLine {
		le = &lineEntry
	}
	return info.inlineChain(funcEntry, addr, le, p.files)
}

// SymbolName resolves addr against the object's symbol table.
// Used when debug info is absent or does not cover the address.
func (info *Info) SymbolName(addr uint64) (string, uint64, bool) {
	sym, ok := info.file.LookupSymbol(addr)
	if !ok {
		return "", 0, false
	}
	return sym.Name, sym.Addr, true
}

func (info *Info) findCU(addr uint64) *dwarf.Entry {
	idx := sort.Search(len(info.cuRanges), func(i int) bool {
		return info.cuRanges[i].high > addr
	})
	if idx < len(info.cuRanges) && info.cuRanges[idx].low <= addr {
		return info.cuRanges[idx].entry
	}
	return nil
}

func (info *Info) parsedCUFor(cu *dwarf.Entry) (*parsedCU, error) {
	info.mu.Lock()
	if p, ok := info.lineCache[cu.Offset]; ok {
		info.mu.Unlock()
		return p, nil
	}
	info.mu.Unlock()

	lr, err := info.dw.LineReader(cu)
	if err != nil {
		return nil, err
	}
	if lr == nil {
		return nil, fmt.Errorf("no line table")
	}
	var entries []dwarf.LineEntry
	var entry dwarf.LineEntry
	for {
		err := lr.Next(&entry)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address < entries[j].Address
	})
	p := &parsedCU{entries: entries, files: lr.Files()}

	info.mu.Lock()
	info.lineCache[cu.Offset] = p
	info.mu.Unlock()
	return p, nil
}

// lineFor finds the last line entry at or before addr. An EndSequence entry
// marks a hole, not code, so it never covers addr.
func (p *parsedCU) lineFor(addr uint64) (dwarf.LineEntry, bool) {
	idx := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].Address > addr
	})
	if idx == 0 {
		return dwarf.LineEntry{}, false
	}
	candidate := p.entries[idx-1]
	if candidate.EndSequence {
		return dwarf.LineEntry{}, false
	}
	return candidate, true
}

func (info *Info) findFunction(cu *dwarf.Entry, addr uint64) (*dwarf.Entry, error) {
	info.mu.Lock()
	subs, ok := info.subCache[cu.Offset]
	info.mu.Unlock()
	if !ok {
		var err error
		subs, err = info.parseSubprograms(cu)
		if err != nil {
			return nil, err
		}
		info.mu.Lock()
		info.subCache[cu.Offset] = subs
		info.mu.Unlock()
	}
	idx := sort.Search(len(subs), func(i int) bool {
		return subs[i].high > addr
	})
	if idx < len(subs) && subs[idx].low <= addr {
		return subs[idx].entry, nil
	}
	return nil, nil
}

func (info *Info) parseSubprograms(cu *dwarf.Entry) ([]subprogram, error) {
	var subs []subprogram
	r := info.dw.Reader()
	r.Seek(cu.Offset)
	if _, err := r.Next(); err != nil { // the CU entry itself
		return nil, err
	}
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Tag == 0 {
			break
		}
		if entry.Tag == dwarf.TagSubprogram {
			if ranges, err := info.dw.Ranges(entry); err == nil {
				for _, rng := range ranges {
					subs = append(subs, subprogram{
						low:   rng[0],
						high:  rng[1],
						entry: entry,
					})
				}
			}
		}
		if entry.Children {
			r.SkipChildren()
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].low < subs[j].low
	})
	return subs, nil
}
