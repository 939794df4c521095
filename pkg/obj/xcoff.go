// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package obj

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Minimal XCOFF (AIX) reader. The standard library has no importable XCOFF
// package, so the fixed-layout headers are decoded by hand. XCOFF is always
// big-endian.
const (
	xcoffMagic32 = 0x01df
	xcoffMagic64 = 0x01f7

	xcoffSymSize = 18

	stypText  = 0x0020
	stypDwarf = 0x0010

	classExt     = 2   // C_EXT
	classHidExt  = 107 // C_HIDEXT
	classWeakExt = 111 // C_WEAKEXT
)

type xcoffSection struct {
	name   string
	vaddr  uint64
	size   uint64
	offset uint64
	flags  uint32
}

type xcoffObject struct {
	is64     bool
	sections []xcoffSection
	textIdx  int // 1-based section number of .text, 0 if absent
}

// xcoffDwarfNames maps ELF-conventional debug section names to their XCOFF
// counterparts.
var xcoffDwarfNames = map[string]string{
	".debug_info":     ".dwinfo",
	".debug_line":     ".dwline",
	".debug_abbrev":   ".dwabrev",
	".debug_str":      ".dwstr",
	".debug_ranges":   ".dwrnges",
	".debug_aranges":  ".dwarnge",
	".debug_pubnames": ".dwpbnms",
}

func (f *File) parseXCOFF() error {
	data := f.data
	if len(data) < 20 {
		return fmt.Errorf("%w: %v: truncated XCOFF header", ErrMalformed, f.Path)
	}
	be := binary.BigEndian
	magic := be.Uint16(data[0:2])
	is64 := magic == xcoffMagic64
	nscns := int(be.Uint16(data[2:4]))
	var symptr uint64
	var nsyms uint32
	var opthdr uint16
	var hdrLen int
	if is64 {
		hdrLen = 24
		if len(data) < hdrLen {
			return fmt.Errorf("%w: %v: truncated XCOFF64 header", ErrMalformed, f.Path)
		}
		symptr = be.Uint64(data[8:16])
		nsyms = be.Uint32(data[16:20])
		opthdr = be.Uint16(data[20:22])
	} else {
		hdrLen = 20
		symptr = uint64(be.Uint32(data[8:12]))
		nsyms = be.Uint32(data[12:16])
		opthdr = be.Uint16(data[16:18])
	}

	x := &xcoffObject{is64: is64}
	f.xcoff = x

	scnHdrSize := uint64(40)
	if is64 {
		scnHdrSize = 72
	}
	scnBase := uint64(hdrLen) + uint64(opthdr)
	for i := 0; i < nscns; i++ {
		hdr, err := slice(data, scnBase+uint64(i)*scnHdrSize, scnHdrSize)
		if err != nil {
			return err
		}
		var s xcoffSection
		s.name = cstring(hdr[0:8])
		if is64 {
			s.vaddr = be.Uint64(hdr[16:24])
			s.size = be.Uint64(hdr[24:32])
			s.offset = be.Uint64(hdr[32:40])
			s.flags = be.Uint32(hdr[64:68])
		} else {
			s.vaddr = uint64(be.Uint32(hdr[12:16]))
			s.size = uint64(be.Uint32(hdr[16:20]))
			s.offset = uint64(be.Uint32(hdr[20:24]))
			s.flags = be.Uint32(hdr[36:40])
		}
		x.sections = append(x.sections, s)
		if s.flags&stypText != 0 && s.name == ".text" {
			x.textIdx = i + 1
		}
	}

	if nsyms > 0 {
		if err := f.parseXCOFFSyms(symptr, nsyms); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) parseXCOFFSyms(symptr uint64, nsyms uint32) error {
	data := f.data
	be := binary.BigEndian
	x := f.xcoff
	tab, err := slice(data, symptr, uint64(nsyms)*xcoffSymSize)
	if err != nil {
		return err
	}
	// The string table follows the symbol table: u32 total length, then
	// NUL-terminated strings. A corrupt length is tolerated as absence.
	var strtab []byte
	strOff := symptr + uint64(nsyms)*xcoffSymSize
	if hdr, err := slice(data, strOff, 4); err == nil {
		if n := uint64(be.Uint32(hdr)); n >= 4 {
			strtab, _ = slice(data, strOff, n)
		}
	}
	lookupStr := func(off uint32) string {
		if strtab == nil || uint64(off) >= uint64(len(strtab)) {
			return ""
		}
		return cstring(strtab[off:])
	}

	var syms []Sym
	var textEnd uint64
	if x.textIdx > 0 {
		sect := x.sections[x.textIdx-1]
		textEnd = sect.vaddr + sect.size
	}
	for i := uint32(0); i < nsyms; {
		ent := tab[i*xcoffSymSize : (i+1)*xcoffSymSize]
		numaux := uint32(ent[17])
		var name string
		var value uint64
		var scnum int16
		sclass := ent[16]
		if x.is64 {
			value = be.Uint64(ent[0:8])
			name = lookupStr(be.Uint32(ent[8:12]))
			scnum = int16(be.Uint16(ent[12:14]))
		} else {
			value = uint64(be.Uint32(ent[8:12]))
			scnum = int16(be.Uint16(ent[12:14]))
			if be.Uint32(ent[0:4]) == 0 {
				name = lookupStr(be.Uint32(ent[4:8]))
			} else {
				name = cstring(ent[0:8])
			}
		}
		i += 1 + numaux
		if int(scnum) != x.textIdx || x.textIdx == 0 {
			continue
		}
		if sclass != classExt && sclass != classHidExt && sclass != classWeakExt {
			continue
		}
		// Function entry-point labels are conventionally ".name".
		if len(name) > 1 && name[0] == '.' {
			name = name[1:]
		}
		if name == "" || name == "text" {
			continue
		}
		syms = append(syms, Sym{Name: name, Addr: value})
	}
	// XCOFF symbols carry no usable size for our purposes; estimate from the
	// next symbol start, bounded by the end of .text.
	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	for i := range syms {
		end := textEnd
		if i+1 < len(syms) {
			end = syms[i+1].Addr
		}
		if end > syms[i].Addr {
			syms[i].Size = end - syms[i].Addr
		}
	}
	f.syms = append(f.syms, syms...)
	return nil
}

func (f *File) xcoffSectionData(name string) ([]byte, error) {
	want, ok := xcoffDwarfNames[name]
	if !ok {
		want = name
	}
	for _, s := range f.xcoff.sections {
		if s.name != want {
			continue
		}
		if want != name && s.flags&stypDwarf == 0 {
			continue
		}
		return slice(f.data, s.offset, s.size)
	}
	return nil, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
