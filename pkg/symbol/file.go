// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symbol

import (
	"github.com/backtracer/backtracer/pkg/dwarfinfo"
	"github.com/backtracer/backtracer/pkg/obj"
)

// FileResolver symbolicates file-relative addresses against a single object
// file, independent of the live process. This is the offline path used for
// crash reports captured in another process or on another machine.
type FileResolver struct {
	path   string
	info   *dwarfinfo.Info
	cache  cache
	intern interner
	res    Resolver // only for resolveIn; registry unused
}

// OpenFile parses the object file at path for offline symbolication.
func OpenFile(path string) (*FileResolver, error) {
	return OpenFileConfig(path, Config{})
}

// OpenFileConfig is OpenFile with a non-default Config.
func OpenFileConfig(path string, cfg Config) (*FileResolver, error) {
	file, err := obj.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := dwarfinfo.New(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &FileResolver{path: path, info: info, res: Resolver{cfg: cfg}}, nil
}

// Resolve maps a file-relative address to its symbols; empty when neither
// debug info nor the symbol table covers it.
func (r *FileResolver) Resolve(addr uint64) []Symbol {
	return r.cache.resolve(func(path string, addr uint64) []Symbol {
		return r.res.resolveIn(r.info, path, addr)
	}, r.path, addr)
}

// Close releases the underlying file mapping.
func (r *FileResolver) Close() {
	r.info.File().Close()
}
