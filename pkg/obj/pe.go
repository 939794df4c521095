// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package obj

import (
	"bytes"
	"debug/pe"
	"fmt"
	"sort"
)

type peObject struct {
	pf        *pe.File
	imageBase uint64
}

func (f *File) parsePE() error {
	pf, err := pe.NewFile(bytes.NewReader(f.data))
	if err != nil {
		return fmt.Errorf("%w: %v: %v", ErrMalformed, f.Path, err)
	}
	f.pe = &peObject{pf: pf}
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		f.pe.imageBase = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		f.pe.imageBase = oh.ImageBase
	}
	f.addPESyms(pf)
	return nil
}

func (f *File) addPESyms(pf *pe.File) {
	var syms []Sym
	for _, sym := range pf.Symbols {
		// COFF "derived type" 2 marks function symbols.
		if (sym.Type>>4)&0xf != 2 {
			continue
		}
		if sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(pf.Sections) {
			continue
		}
		sect := pf.Sections[sym.SectionNumber-1]
		addr := f.pe.imageBase + uint64(sect.VirtualAddress) + uint64(sym.Value)
		syms = append(syms, Sym{Name: sym.Name, Addr: addr})
	}
	// COFF symbols carry no size; estimate from the next symbol start.
	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	for i := 0; i+1 < len(syms); i++ {
		syms[i].Size = syms[i+1].Addr - syms[i].Addr
	}
	f.syms = append(f.syms, syms...)
}

func (f *File) peSectionData(name string) ([]byte, error) {
	// debug/pe resolves long section names through the COFF string table,
	// so DWARF section names match ELF conventions directly.
	s := f.pe.pf.Section(name)
	if s == nil {
		return nil, nil
	}
	size := uint64(s.VirtualSize)
	if size == 0 || size > uint64(s.Size) {
		size = uint64(s.Size)
	}
	return slice(f.data, uint64(s.Offset), size)
}

func (f *File) peLoadBias(mapStart uint64) uint64 {
	return mapStart - f.pe.imageBase
}
