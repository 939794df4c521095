// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package module tracks the code images loaded into the current process and
// owns the lazily-parsed debug state of each. The registry is only ever read
// by the symbolication path; stack capture never touches it, so nothing here
// needs to be signal-safe.
package module

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"sync"

	"github.com/backtracer/backtracer/pkg/dwarfinfo"
	"github.com/backtracer/backtracer/pkg/log"
	"github.com/backtracer/backtracer/pkg/obj"
)

// Module is one loaded code image. Start/End bound its executable mappings
// in the process address space. Debug state is parsed on first use and kept
// for the lifetime of the module.
type Module struct {
	Name string
	Path string
	// Start and End bound the executable mapping; End is exclusive.
	Start, End uintptr
	// mapOffset is the file offset the executable mapping was created from.
	mapOffset uint64
	// wholeSpan marks a fallback module covering the entire address space
	// (platforms with no mapping enumeration). Its load bias is recovered
	// from a known anchor function instead of mapping arithmetic.
	wholeSpan bool

	once    sync.Once
	info    *dwarfinfo.Info
	bias    uint64
	infoErr error
}

// Info parses the module's object file and debug sections.
// Parsing happens at most once per module per process lifetime; concurrent
// first callers race on the sync.Once and all reuse the winner's result.
func (m *Module) Info() (*dwarfinfo.Info, error) {
	m.once.Do(func() {
		file, err := obj.Open(m.Path)
		if err != nil {
			m.infoErr = err
			log.Logf(1, "module %v: %v", m.Name, err)
			return
		}
		m.info, err = dwarfinfo.New(file)
		if err != nil {
			file.Close()
			m.infoErr = err
			return
		}
		if m.wholeSpan {
			if bias, ok := anchorBias(file); ok {
				m.bias = bias
			}
		} else {
			m.bias = file.LoadBias(uint64(m.Start), m.mapOffset)
		}
	})
	return m.info, m.infoErr
}

// RelAddr translates a runtime address into the file-relative address the
// module's debug info speaks about. Only meaningful after Info succeeded.
func (m *Module) RelAddr(pc uintptr) uint64 {
	return uint64(pc) - m.bias
}

// AbsAddr is the inverse of RelAddr.
func (m *Module) AbsAddr(rel uint64) uintptr {
	return uintptr(rel + m.bias)
}

func (m *Module) contains(pc uintptr) bool {
	return pc >= m.Start && pc < m.End
}

// anchorBias recovers the load bias by comparing the runtime entry point of
// a function in this very image against its link-time address in the symbol
// table. Used when the platform offers no mapping enumeration.
func anchorBias(file *obj.File) (uint64, bool) {
	pc := reflect.ValueOf(anchorBias).Pointer()
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return 0, false
	}
	name := fn.Name()
	for _, sym := range file.Symbols() {
		if sym.Name == name {
			return uint64(fn.Entry()) - sym.Addr, true
		}
	}
	return 0, false
}

// Registry is the set of currently loaded modules. Reads take the shared
// lock; Refresh (rare, driven by dynamic loading) takes the exclusive one.
type Registry struct {
	mu   sync.RWMutex
	mods []*Module // sorted by Start, ranges pairwise disjoint
}

var sharedReg = struct {
	once sync.Once
	reg  *Registry
}{}

// Shared returns the process-wide registry, enumerating modules on first use.
func Shared() *Registry {
	sharedReg.once.Do(func() {
		sharedReg.reg = &Registry{}
		if err := sharedReg.reg.Refresh(); err != nil {
			log.Logf(0, "module enumeration failed: %v", err)
		}
	})
	return sharedReg.reg
}

// Refresh re-enumerates loaded modules. Modules whose path and placement are
// unchanged keep their parsed debug state; unloaded modules are dropped.
func (r *Registry) Refresh() error {
	fresh, err := enumerate()
	if err != nil {
		return fmt.Errorf("failed to enumerate modules: %w", err)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Start < fresh[j].Start })
	// Enforce the non-overlap invariant: on conflict the earlier (lower
	// start) mapping wins and the overlapping late-comer is dropped.
	var mods []*Module
	for _, m := range fresh {
		if n := len(mods); n > 0 && m.Start < mods[n-1].End {
			log.Logf(1, "module %v overlaps %v, dropping", m.Name, mods[n-1].Name)
			continue
		}
		mods = append(mods, m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev := make(map[string]*Module, len(r.mods))
	for _, m := range r.mods {
		prev[moduleKey(m)] = m
	}
	for i, m := range mods {
		if old := prev[moduleKey(m)]; old != nil {
			mods[i] = old
		}
	}
	r.mods = mods
	return nil
}

func moduleKey(m *Module) string {
	return fmt.Sprintf("%v+%x+%x", m.Path, m.Start, m.mapOffset)
}

// Find returns the module containing pc, or nil.
func (r *Registry) Find(pc uintptr) *Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := sort.Search(len(r.mods), func(i int) bool {
		return r.mods[i].End > pc
	})
	if idx < len(r.mods) && r.mods[idx].contains(pc) {
		return r.mods[idx]
	}
	return nil
}

// FindPath returns the first module loaded from path, or nil.
// Used to re-resolve serialized backtraces by module identity.
func (r *Registry) FindPath(path string) *Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mods {
		if m.Path == path {
			return m
		}
	}
	return nil
}

// Snapshot returns the current module list, sorted by start address.
func (r *Registry) Snapshot() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, len(r.mods))
	copy(out, r.mods)
	return out
}
