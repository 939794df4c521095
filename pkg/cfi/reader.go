// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cfi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errTruncated = errors.New("truncated CFI data")

// reader is an error-latching cursor over CFI byte ranges. After the first
// out-of-bounds access every subsequent read returns zero and the error
// sticks, so parsing loops need a single check at the end.
type reader struct {
	data []byte
	off  int
	bo   binary.ByteOrder
	err  error
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *reader) left() int {
	return len(r.data) - r.off
}

func (r *reader) bytes(n int) []byte {
	if n < 0 || r.left() < n {
		r.fail("%w: want %v bytes at offset %v of %v", errTruncated, n, r.off, len(r.data))
		r.off = len(r.data)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return r.bo.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return r.bo.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return r.bo.Uint64(b)
}

func (r *reader) uleb() uint64 {
	var v uint64
	for shift := uint(0); shift < 64; shift += 7 {
		b := r.u8()
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v
		}
	}
	r.fail("%w: unterminated ULEB128", errTruncated)
	return 0
}

func (r *reader) sleb() int64 {
	var v uint64
	var shift uint
	for shift < 64 {
		b := r.u8()
		v |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= ^uint64(0) << shift
			}
			return int64(v)
		}
	}
	r.fail("%w: unterminated SLEB128", errTruncated)
	return 0
}

func (r *reader) cstring() string {
	start := r.off
	for r.off < len(r.data) {
		if r.data[r.off] == 0 {
			s := string(r.data[start:r.off])
			r.off++
			return s
		}
		r.off++
	}
	r.fail("%w: unterminated string", errTruncated)
	return ""
}

// DWARF exception header pointer encodings.
const (
	encAbsptr  = 0x00
	encULEB128 = 0x01
	encUdata2  = 0x02
	encUdata4  = 0x03
	encUdata8  = 0x04
	encSLEB128 = 0x09
	encSdata2  = 0x0a
	encSdata4  = 0x0b
	encSdata8  = 0x0c

	encPCRel    = 0x10
	encTextRel  = 0x20
	encDataRel  = 0x30
	encFuncRel  = 0x40
	encIndirect = 0x80
	encOmit     = 0xff
)

// encoded reads one pointer with the given DW_EH_PE encoding.
// sectionAddr is the address of the start of the containing section,
// used for pc-relative adjustment.
func (r *reader) encoded(enc uint8, sectionAddr uint64, ptrSize int) uint64 {
	if enc == encOmit {
		return 0
	}
	fieldAddr := sectionAddr + uint64(r.off)
	var v uint64
	switch enc & 0x0f {
	case encAbsptr:
		if ptrSize == 4 {
			v = uint64(r.u32())
		} else {
			v = r.u64()
		}
	case encULEB128:
		v = r.uleb()
	case encUdata2:
		v = uint64(r.u16())
	case encUdata4:
		v = uint64(r.u32())
	case encUdata8:
		v = r.u64()
	case encSLEB128:
		v = uint64(r.sleb())
	case encSdata2:
		v = uint64(int64(int16(r.u16())))
	case encSdata4:
		v = uint64(int64(int32(r.u32())))
	case encSdata8:
		v = r.u64()
	default:
		r.fail("unsupported pointer encoding %#x", enc)
		return 0
	}
	switch enc & 0x70 {
	case 0:
	case encPCRel:
		v += fieldAddr
	case encDataRel, encTextRel:
		v += sectionAddr
	default:
		r.fail("unsupported pointer adjustment %#x", enc)
	}
	// encIndirect requires dereferencing live memory, which table parsing
	// cannot do; treat the value as-is.
	return v
}
