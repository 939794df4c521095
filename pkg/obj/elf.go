// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/backtracer/backtracer/pkg/log"
)

type elfObject struct {
	ef *elf.File
}

// sttGNUIFunc mirrors sttGNUIFunc, which is not defined in the
// debug/elf package before Go 1.23.
const sttGNUIFunc = elf.SymType(10)

func (f *File) parseELF() error {
	ef, err := elf.NewFile(bytes.NewReader(f.data))
	if err != nil {
		return fmt.Errorf("%w: %v: %v", ErrMalformed, f.Path, err)
	}
	f.elf = &elfObject{ef: ef}

	symtab, symErr := ef.Symbols()
	f.addELFSyms(symtab)
	if dynsyms, err := ef.DynamicSymbols(); err == nil {
		f.addELFSyms(dynsyms)
	}
	if symErr != nil {
		// Fully stripped binary. Some distributions embed an xz-compressed
		// symbol-only ELF image in .gnu_debugdata (MiniDebugInfo).
		if err := f.loadMiniDebugSyms(); err != nil {
			log.Logf(2, "obj: %v: no MiniDebugInfo: %v", f.Path, err)
		}
	}
	return nil
}

func (f *File) addELFSyms(syms []elf.Symbol) {
	for _, sym := range syms {
		typ := elf.ST_TYPE(sym.Info)
		if typ != elf.STT_FUNC && typ != sttGNUIFunc {
			continue
		}
		if sym.Name == "" || sym.Value == 0 {
			continue
		}
		f.syms = append(f.syms, Sym{Name: sym.Name, Addr: sym.Value, Size: sym.Size})
	}
}

func (f *File) loadMiniDebugSyms() error {
	raw, err := f.elfSectionData(".gnu_debugdata")
	if err != nil || len(raw) == 0 {
		return fmt.Errorf("%w: no .gnu_debugdata", ErrNoDebugInfo)
	}
	inner, err := Decompress(raw, SchemeXZ, 0)
	if err != nil {
		return err
	}
	ief, err := elf.NewFile(bytes.NewReader(inner))
	if err != nil {
		return fmt.Errorf("%w: inner MiniDebugInfo image: %v", ErrMalformed, err)
	}
	syms, err := ief.Symbols()
	if err != nil {
		return fmt.Errorf("%w: inner MiniDebugInfo symtab: %v", ErrMalformed, err)
	}
	f.addELFSyms(syms)
	return nil
}

func (f *File) elfSectionData(name string) ([]byte, error) {
	ef := f.elf.ef
	s := ef.Section(name)
	zdebug := false
	if s == nil && strings.HasPrefix(name, ".debug_") {
		// Legacy GNU scheme: compressed sections live under .zdebug_* names.
		s = ef.Section(".zdebug_" + name[len(".debug_"):])
		zdebug = true
	}
	if s == nil || s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	raw, err := slice(f.data, s.Offset, s.FileSize)
	if err != nil {
		return nil, err
	}
	if s.Flags&elf.SHF_COMPRESSED != 0 {
		return f.inflateCompressedSection(raw)
	}
	if zdebug {
		// 12-byte header: "ZLIB" magic followed by the big-endian inflated size.
		if len(raw) < 12 || !bytes.HasPrefix(raw, []byte("ZLIB")) {
			return nil, fmt.Errorf("%w: bad .zdebug header", ErrMalformed)
		}
		size := binary.BigEndian.Uint64(raw[4:12])
		return Decompress(raw[12:], SchemeZlib, size)
	}
	return raw, nil
}

// inflateCompressedSection handles SHF_COMPRESSED sections: an Elf_Chdr
// header followed by the compressed payload.
func (f *File) inflateCompressedSection(raw []byte) ([]byte, error) {
	bo := f.elf.ef.ByteOrder
	var chType uint32
	var chSize uint64
	var hdrLen int
	switch f.elf.ef.Class {
	case elf.ELFCLASS64:
		hdrLen = 24 // ch_type, ch_reserved, ch_size, ch_addralign
		if len(raw) < hdrLen {
			return nil, fmt.Errorf("%w: truncated Chdr64", ErrMalformed)
		}
		chType = bo.Uint32(raw[0:4])
		chSize = bo.Uint64(raw[8:16])
	case elf.ELFCLASS32:
		hdrLen = 12 // ch_type, ch_size, ch_addralign
		if len(raw) < hdrLen {
			return nil, fmt.Errorf("%w: truncated Chdr32", ErrMalformed)
		}
		chType = bo.Uint32(raw[0:4])
		chSize = uint64(bo.Uint32(raw[4:8]))
	default:
		return nil, fmt.Errorf("%w: unknown ELF class", ErrMalformed)
	}
	var scheme Scheme
	switch elf.CompressionType(chType) {
	case elf.COMPRESS_ZLIB:
		scheme = SchemeZlib
	case elf.COMPRESS_ZSTD:
		scheme = SchemeZstd
	default:
		return nil, fmt.Errorf("%w: ch_type %v", ErrUnsupportedCompression, chType)
	}
	return Decompress(raw[hdrLen:], scheme, chSize)
}

func (f *File) elfLoadBias(mapStart, mapOffset uint64) uint64 {
	// Find the loadable segment that the executable mapping was created from
	// and compare its link-time address to the runtime placement.
	for _, prog := range f.elf.ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
			continue
		}
		if mapOffset >= prog.Off && mapOffset < prog.Off+prog.Filesz {
			return mapStart + prog.Off - mapOffset - prog.Vaddr
		}
	}
	if f.elf.ef.Type == elf.ET_EXEC {
		return 0
	}
	return mapStart - mapOffset
}
