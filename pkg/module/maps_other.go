// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux && !windows

package module

import (
	"os"
	"path/filepath"
)

// enumerate falls back to a single module for the main executable on
// platforms without a portable mapping enumeration (notably darwin, where
// listing images needs dyld APIs). The module spans the whole address space;
// its load bias is recovered from an anchor symbol when debug state is built.
func enumerate() ([]*Module, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []*Module{{
		Name:      filepath.Base(exe),
		Path:      exe,
		Start:     0,
		End:       ^uintptr(0) >> 1,
		wholeSpan: true,
	}}, nil
}
