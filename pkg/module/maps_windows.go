// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package module

import (
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"
)

// enumerate lists loaded modules through psapi.
func enumerate() ([]*Module, error) {
	process := windows.CurrentProcess()
	handles := make([]windows.Handle, 256)
	var needed uint32
	for {
		cb := uint32(uintptr(len(handles)) * unsafe.Sizeof(handles[0]))
		if err := windows.EnumProcessModules(process, &handles[0], cb, &needed); err != nil {
			return nil, err
		}
		n := int(uintptr(needed) / unsafe.Sizeof(handles[0]))
		if n <= len(handles) {
			handles = handles[:n]
			break
		}
		handles = make([]windows.Handle, n)
	}
	var mods []*Module
	for _, h := range handles {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(process, h, &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}
		buf := make([]uint16, windows.MAX_LONG_PATH)
		if err := windows.GetModuleFileNameEx(process, h, &buf[0], uint32(len(buf))); err != nil {
			continue
		}
		path := windows.UTF16ToString(buf)
		mods = append(mods, &Module{
			Name:  filepath.Base(path),
			Path:  path,
			Start: info.BaseOfDll,
			End:   info.BaseOfDll + uintptr(info.SizeOfImage),
		})
	}
	return mods, nil
}
