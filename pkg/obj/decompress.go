// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package obj

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Scheme is a debug section compression scheme.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeZlib        // ELFCOMPRESS_ZLIB / legacy .zdebug_ sections
	SchemeZstd        // ELFCOMPRESS_ZSTD
	SchemeXZ          // .gnu_debugdata (MiniDebugInfo)
)

func (s Scheme) String() string {
	switch s {
	case SchemeNone:
		return "none"
	case SchemeZlib:
		return "zlib"
	case SchemeZstd:
		return "zstd"
	case SchemeXZ:
		return "xz"
	}
	return fmt.Sprintf("scheme-%d", int(s))
}

// decompressLimit caps inflated section size so that a corrupt size field
// cannot make us allocate unbounded memory.
const decompressLimit = 1 << 31

// Decompress inflates one debug section. sizeHint is the expected inflated
// size from the section header (0 if unknown).
func Decompress(data []byte, scheme Scheme, sizeHint uint64) ([]byte, error) {
	if sizeHint > decompressLimit {
		return nil, fmt.Errorf("%w: inflated size %v exceeds limit", ErrMalformed, sizeHint)
	}
	switch scheme {
	case SchemeNone:
		return data, nil
	case SchemeZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrMalformed, err)
		}
		defer r.Close()
		return readInflated(r, sizeHint)
	case SchemeZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, make([]byte, 0, sizeHint))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		return out, nil
	case SchemeXZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: xz: %v", ErrMalformed, err)
		}
		return readInflated(r, sizeHint)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedCompression, scheme)
}

func readInflated(r io.Reader, sizeHint uint64) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, sizeHint))
	if _, err := io.Copy(buf, io.LimitReader(r, decompressLimit)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return buf.Bytes(), nil
}
