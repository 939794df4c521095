// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package obj

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

type machoObject struct {
	mf *macho.File
	// dSYM is the companion debug image, probed lazily next to the binary.
	dSYM        *macho.File
	dSYMData    []byte
	dSYMProbed  bool
	textSegAddr uint64
}

func (f *File) parseMachO() error {
	mf, err := f.openMachO(f.data)
	if err != nil {
		return err
	}
	f.macho = &machoObject{mf: mf}
	if seg := mf.Segment("__TEXT"); seg != nil {
		f.macho.textSegAddr = seg.Addr
	}
	f.addMachOSyms(mf)
	return nil
}

func (f *File) openMachO(data []byte) (*macho.File, error) {
	if binary.BigEndian.Uint32(data) == 0xcafebabe {
		// Universal binary: pick the slice matching the running architecture,
		// falling back to the first one.
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v: %v", ErrMalformed, f.Path, err)
		}
		want := map[string]macho.Cpu{
			"amd64": macho.CpuAmd64,
			"arm64": macho.CpuArm64,
		}[runtime.GOARCH]
		for _, arch := range fat.Arches {
			if arch.Cpu == want {
				return arch.File, nil
			}
		}
		if len(fat.Arches) == 0 {
			return nil, fmt.Errorf("%w: %v: empty universal binary", ErrMalformed, f.Path)
		}
		return fat.Arches[0].File, nil
	}
	mf, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrMalformed, f.Path, err)
	}
	return mf, nil
}

func (f *File) addMachOSyms(mf *macho.File) {
	if mf.Symtab == nil {
		return
	}
	text := mf.Section("__text")
	if text == nil {
		return
	}
	var syms []Sym
	for _, sym := range mf.Symtab.Syms {
		// N_STAB debugging entries carry addresses that are not code.
		if sym.Type&0xe0 != 0 {
			continue
		}
		if sym.Name == "" || sym.Value < text.Addr || sym.Value >= text.Addr+text.Size {
			continue
		}
		name := sym.Name
		// Mach-O prepends an extra underscore to C-level names.
		if strings.HasPrefix(name, "_") {
			name = name[1:]
		}
		syms = append(syms, Sym{Name: name, Addr: sym.Value})
	}
	// Mach-O symbols carry no size. Estimate from the next symbol start,
	// bounded by the end of __text.
	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	for i := range syms {
		end := text.Addr + text.Size
		if i+1 < len(syms) {
			end = syms[i+1].Addr
		}
		if end > syms[i].Addr {
			syms[i].Size = end - syms[i].Addr
		}
	}
	f.syms = append(f.syms, syms...)
}

func (f *File) machoSectionData(name string) ([]byte, error) {
	// DWARF sections live as __debug_* in the __DWARF segment, typically in a
	// companion dSYM bundle rather than the executable itself.
	machName := "__" + strings.TrimPrefix(name, ".")
	if s := f.macho.mf.Section(machName); s != nil {
		return machoRawSection(f.data, s)
	}
	dSYM := f.probeDSYM()
	if dSYM == nil {
		return nil, nil
	}
	if s := dSYM.Section(machName); s != nil {
		return machoRawSection(f.macho.dSYMData, s)
	}
	return nil, nil
}

func machoRawSection(data []byte, s *macho.Section) ([]byte, error) {
	raw, err := slice(data, uint64(s.Offset), s.Size)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// probeDSYM looks for the xcode-conventional dSYM bundle next to the binary.
func (f *File) probeDSYM() *macho.File {
	mo := f.macho
	if mo.dSYMProbed {
		return mo.dSYM
	}
	mo.dSYMProbed = true
	dir, base := filepath.Split(f.Path)
	path := filepath.Join(dir, fmt.Sprintf("%[1]s.dSYM/Contents/Resources/DWARF/%[1]s", base))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	dmf, err := f.openMachO(data)
	if err != nil {
		return nil
	}
	mo.dSYM = dmf
	mo.dSYMData = data
	return dmf
}

func (f *File) machoLoadBias(mapStart uint64) uint64 {
	return mapStart - f.macho.textSegAddr
}
