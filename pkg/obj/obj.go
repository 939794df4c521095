// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package obj reads executable containers (ELF, Mach-O, PE, XCOFF) and exposes
// their debug sections and symbol tables as raw byte ranges. All parsing is
// bounds-checked; malformed input yields ErrMalformed, never a crash.
package obj

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/backtracer/backtracer/pkg/log"
)

var (
	// ErrMalformed is returned for truncated or corrupted container files.
	ErrMalformed = errors.New("malformed object file")
	// ErrNoDebugInfo is returned when the container has no parseable debug sections.
	ErrNoDebugInfo = errors.New("object has no debug info")
	// ErrUnsupportedCompression is returned when a debug section uses a
	// compression scheme this build cannot inflate.
	ErrUnsupportedCompression = errors.New("unsupported debug section compression")
)

// Format identifies the container format of an object file.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatPE
	FormatXCOFF
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "mach-o"
	case FormatPE:
		return "pe"
	case FormatXCOFF:
		return "xcoff"
	}
	return "unknown"
}

// Sym is one code symbol from the static or dynamic symbol table.
type Sym struct {
	Name string
	Addr uint64
	Size uint64
}

// File is a parsed object file. It owns the backing byte buffer and all
// derived state. Methods are safe for concurrent use after New returns.
type File struct {
	Path   string
	Format Format

	data   []byte
	mapped bool // data is an mmap that Close must release
	syms   []Sym // sorted by Addr

	mu       sync.Mutex
	sections map[string][]byte // lazily decompressed, nil entries are negative results

	// Format-specific state used by dwarf assembly.
	elf   *elfObject
	macho *machoObject
	pe    *peObject
	xcoff *xcoffObject
}

// Sniff identifies the container format from magic bytes.
func Sniff(data []byte) Format {
	if len(data) < 4 {
		return FormatUnknown
	}
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return FormatELF
	case bytes.HasPrefix(data, []byte("MZ")):
		return FormatPE
	}
	switch binary.BigEndian.Uint32(data) {
	case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe, 0xcafebabe:
		return FormatMachO
	}
	switch binary.BigEndian.Uint16(data) {
	case xcoffMagic32, xcoffMagic64:
		return FormatXCOFF
	}
	return FormatUnknown
}

// Open maps the file at path and parses it.
func Open(path string) (*File, error) {
	data, mapped, err := readFile(path)
	if err != nil {
		return nil, err
	}
	f, err := New(path, data)
	if err != nil {
		if mapped {
			unmapFile(data)
		}
		return nil, err
	}
	f.mapped = mapped
	return f, nil
}

// New parses an object file from an in-memory image.
func New(path string, data []byte) (f *File, err error) {
	// Stdlib parsers are mostly well behaved on corrupt input, but parsing
	// attacker-controlled or truncated images must never take the process down.
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("%w: %v: panic in parser: %v", ErrMalformed, path, r)
		}
	}()
	f = &File{
		Path:     path,
		Format:   Sniff(data),
		data:     data,
		sections: make(map[string][]byte),
	}
	switch f.Format {
	case FormatELF:
		err = f.parseELF()
	case FormatMachO:
		err = f.parseMachO()
	case FormatPE:
		err = f.parsePE()
	case FormatXCOFF:
		err = f.parseXCOFF()
	default:
		return nil, fmt.Errorf("%w: %v: unrecognized magic", ErrMalformed, path)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(f.syms, func(i, j int) bool {
		if f.syms[i].Addr != f.syms[j].Addr {
			return f.syms[i].Addr < f.syms[j].Addr
		}
		return f.syms[i].Size < f.syms[j].Size
	})
	return f, nil
}

// Close releases the file mapping. The File must not be used afterwards.
func (f *File) Close() {
	if f.mapped {
		unmapFile(f.data)
		f.mapped = false
	}
	f.data = nil
}

// Section returns the decompressed contents of the named debug section,
// or nil if the section does not exist or cannot be inflated.
// Naming is normalized to ELF conventions: ".debug_info" finds "__debug_info"
// in Mach-O images. Decompression happens on first access and is cached.
func (f *File) Section(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.sections[name]; ok {
		return data
	}
	data, err := f.sectionData(name)
	if err != nil {
		log.Logf(1, "obj: %v: section %v unavailable: %v", f.Path, name, err)
		data = nil
	}
	f.sections[name] = data
	return data
}

func (f *File) sectionData(name string) ([]byte, error) {
	switch f.Format {
	case FormatELF:
		return f.elfSectionData(name)
	case FormatMachO:
		return f.machoSectionData(name)
	case FormatPE:
		return f.peSectionData(name)
	case FormatXCOFF:
		return f.xcoffSectionData(name)
	}
	return nil, nil
}

// LoadBias computes the difference between the module's runtime addresses and
// the link-time addresses used by its debug info, given where the loader
// placed the image. Subtracting the bias from a runtime PC yields the
// file-relative address that Section/DWARF data speaks about.
func (f *File) LoadBias(mapStart, mapOffset uint64) uint64 {
	switch f.Format {
	case FormatELF:
		return f.elfLoadBias(mapStart, mapOffset)
	case FormatMachO:
		return f.machoLoadBias(mapStart)
	case FormatPE:
		return f.peLoadBias(mapStart)
	}
	return 0
}

// Symbols returns all known code symbols sorted by address.
func (f *File) Symbols() []Sym {
	return f.syms
}

// LookupSymbol finds the symbol covering addr. Symbols with zero size extend
// to the start of the next symbol, capped at maxZeroSizeSymbol bytes.
func (f *File) LookupSymbol(addr uint64) (Sym, bool) {
	const maxZeroSizeSymbol = 4096
	idx := sort.Search(len(f.syms), func(i int) bool {
		return f.syms[i].Addr > addr
	})
	if idx == 0 {
		return Sym{}, false
	}
	s := f.syms[idx-1]
	limit := s.Addr + s.Size
	if s.Size == 0 {
		if idx < len(f.syms) {
			limit = f.syms[idx].Addr
		} else {
			limit = s.Addr + maxZeroSizeSymbol
		}
	}
	if addr >= s.Addr && addr < limit {
		return s, true
	}
	return Sym{}, false
}

// DWARF assembles the debug sections into a dwarf.Data.
// Returns ErrNoDebugInfo for stripped binaries.
func (f *File) DWARF() (dw *dwarf.Data, err error) {
	defer func() {
		if r := recover(); r != nil {
			dw, err = nil, fmt.Errorf("%w: %v: panic in DWARF parser: %v", ErrMalformed, f.Path, r)
		}
	}()
	info := f.Section(".debug_info")
	abbrev := f.Section(".debug_abbrev")
	line := f.Section(".debug_line")
	if len(info) == 0 || len(abbrev) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoDebugInfo, f.Path)
	}
	dw, err = dwarf.New(abbrev,
		f.Section(".debug_aranges"),
		nil, // frame
		info,
		line,
		f.Section(".debug_pubnames"),
		f.Section(".debug_ranges"),
		f.Section(".debug_str"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrNoDebugInfo, f.Path, err)
	}
	// DWARF 5 sections. Absence is not an error.
	for _, name := range []string{".debug_line_str", ".debug_str_offsets", ".debug_addr", ".debug_rnglists"} {
		if data := f.Section(name); len(data) != 0 {
			if err := dw.AddSection(name, data); err != nil {
				return nil, fmt.Errorf("%w: %v: %v", ErrNoDebugInfo, f.Path, err)
			}
		}
	}
	return dw, nil
}

// slice bounds-checks data[off:off+size].
func slice(data []byte, off, size uint64) ([]byte, error) {
	if off > uint64(len(data)) || size > uint64(len(data))-off {
		return nil, fmt.Errorf("%w: section [%#x, +%#x) outside file of %v bytes",
			ErrMalformed, off, size, len(data))
	}
	return data[off : off+size], nil
}
