// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cfi interprets DWARF call-frame information (.eh_frame and
// .debug_frame sections). It answers "how do I unwind one frame at pc"
// queries against parsed FDE tables and can step a register snapshot
// through memory to the calling frame.
//
// This is the table-driven unwind strategy used when the target context is
// not the current goroutine (signal contexts, foreign threads); callers on
// their own stack use the runtime walker in pkg/unwind instead.
package cfi

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/backtracer/backtracer/pkg/log"
)

// Options configure table parsing for one section.
type Options struct {
	// SectionAddr is the address the section is mapped/linked at,
	// required to resolve pc-relative pointer encodings.
	SectionAddr uint64
	// DebugFrame selects the .debug_frame flavor instead of .eh_frame.
	DebugFrame bool
	ByteOrder  binary.ByteOrder
	PtrSize    int
}

type cie struct {
	version    uint8
	codeAlign  uint64
	dataAlign  int64
	raReg      uint64
	fdeEnc     uint8
	hasAugData bool
	initial    []byte
	// initialAddr is the address of initial[0], needed to resolve
	// pc-relative operands inside the instruction stream.
	initialAddr uint64
}

type fde struct {
	start, end uint64
	cie        *cie
	instr      []byte
	instrAddr  uint64 // address of instr[0], as for cie.initialAddr
}

// Table holds the parsed FDE index for one module's CFI section.
type Table struct {
	opts Options
	fdes []fde // sorted by start address
}

// Parse decodes all CIE/FDE records in data. Individual malformed records are
// skipped so that one corrupt entry does not discard the whole table; an
// error is returned only when nothing useful could be parsed.
func Parse(data []byte, opts Options) (*Table, error) {
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.LittleEndian
	}
	if opts.PtrSize == 0 {
		opts.PtrSize = 8
	}
	t := &Table{opts: opts}
	cies := make(map[uint64]*cie)
	r := &reader{data: data, bo: opts.ByteOrder}
	var badEntries int
	for r.left() > 0 && r.err == nil {
		entryOff := uint64(r.off)
		length := uint64(r.u32())
		is64 := false
		if length == 0xffffffff {
			is64 = true
			length = r.u64()
		}
		if length == 0 {
			break // .eh_frame terminator
		}
		body := r.bytes(int(length))
		if body == nil {
			break
		}
		er := &reader{data: body, bo: opts.ByteOrder}
		idOff := uint64(r.off) - length // section offset of the id field
		var id uint64
		cieSentinel := uint64(0xffffffff)
		if is64 {
			id = er.u64()
			cieSentinel = 0xffffffffffffffff
		} else {
			id = uint64(er.u32())
		}
		isCIE := id == 0
		if opts.DebugFrame {
			isCIE = id == cieSentinel
		}
		if isCIE {
			c, err := t.parseCIE(er, idOff)
			if err != nil {
				badEntries++
				log.Logf(2, "cfi: skipping CIE at %#x: %v", entryOff, err)
				continue
			}
			cies[entryOff] = c
		} else {
			var cieOff uint64
			if opts.DebugFrame {
				cieOff = id
			} else {
				cieOff = idOff - id
			}
			c := cies[cieOff]
			if c == nil {
				badEntries++
				log.Logf(2, "cfi: FDE at %#x references unknown CIE %#x", entryOff, cieOff)
				continue
			}
			f, err := t.parseFDE(er, c, idOff)
			if err != nil {
				badEntries++
				log.Logf(2, "cfi: skipping FDE at %#x: %v", entryOff, err)
				continue
			}
			t.fdes = append(t.fdes, f)
		}
	}
	if len(t.fdes) == 0 {
		return nil, fmt.Errorf("no usable FDEs (%v corrupt entries)", badEntries)
	}
	sort.Slice(t.fdes, func(i, j int) bool { return t.fdes[i].start < t.fdes[j].start })
	return t, nil
}

func (t *Table) parseCIE(r *reader, idOff uint64) (*cie, error) {
	c := &cie{fdeEnc: encAbsptr}
	c.version = r.u8()
	if c.version != 1 && c.version != 3 && c.version != 4 {
		return nil, fmt.Errorf("unsupported CIE version %v", c.version)
	}
	aug := r.cstring()
	if c.version == 4 {
		r.u8() // address size
		r.u8() // segment selector size
	}
	c.codeAlign = r.uleb()
	c.dataAlign = r.sleb()
	if c.version == 1 {
		c.raReg = uint64(r.u8())
	} else {
		c.raReg = r.uleb()
	}
	if len(aug) > 0 && aug[0] == 'z' {
		c.hasAugData = true
		augLen := r.uleb()
		augData := r.bytes(int(augLen))
		if augData != nil {
			ar := &reader{data: augData, bo: r.bo}
			for _, ch := range aug[1:] {
				switch ch {
				case 'R':
					c.fdeEnc = ar.u8()
				case 'P':
					penc := ar.u8()
					ar.encoded(penc, 0, t.opts.PtrSize)
				case 'L':
					ar.u8()
				case 'S', 'B':
					// Signal frame / pointer auth markers need no data.
				}
			}
		}
	} else if aug != "" {
		return nil, fmt.Errorf("unsupported augmentation %q", aug)
	}
	if r.err != nil {
		return nil, r.err
	}
	c.initial = r.data[r.off:]
	c.initialAddr = t.opts.SectionAddr + idOff + uint64(r.off)
	return c, nil
}

func (t *Table) parseFDE(r *reader, c *cie, idOff uint64) (fde, error) {
	f := fde{cie: c}
	// The pc-begin field sits right after the CIE pointer; its pc-relative
	// base is therefore the id field address plus the id width, which is
	// where the reader currently stands inside the entry.
	fieldBase := t.opts.SectionAddr + idOff
	enc := c.fdeEnc
	if t.opts.DebugFrame {
		enc = encAbsptr
	}
	f.start = r.encoded(enc, fieldBase, t.opts.PtrSize)
	// The range field uses only the value format, never pc adjustment.
	rangeLen := r.encoded(enc&0x0f, 0, t.opts.PtrSize)
	f.end = f.start + rangeLen
	if c.hasAugData {
		augLen := r.uleb()
		r.bytes(int(augLen))
	}
	if r.err != nil {
		return f, r.err
	}
	f.instr = r.data[r.off:]
	f.instrAddr = t.opts.SectionAddr + idOff + uint64(r.off)
	return f, nil
}

// Covers reports whether any FDE covers pc.
func (t *Table) Covers(pc uint64) bool {
	_, ok := t.find(pc)
	return ok
}

func (t *Table) find(pc uint64) (fde, bool) {
	idx := sort.Search(len(t.fdes), func(i int) bool {
		return t.fdes[i].end > pc
	})
	if idx < len(t.fdes) && t.fdes[idx].start <= pc {
		return t.fdes[idx], true
	}
	return fde{}, false
}

// Rule computes the unwind rule in effect at pc.
func (t *Table) Rule(pc uint64) (Rule, bool) {
	f, ok := t.find(pc)
	if !ok {
		return Rule{}, false
	}
	rule, err := t.runProgram(f, pc)
	if err != nil {
		log.Logf(2, "cfi: program for pc %#x failed: %v", pc, err)
		return Rule{}, false
	}
	return rule, true
}
