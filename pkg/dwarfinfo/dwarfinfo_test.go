// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dwarfinfo

import (
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backtracer/backtracer/pkg/obj"
)

// openSelf opens the running test binary, whose symtab and DWARF addresses
// are file-relative just like the lookups under test.
func openSelf(t *testing.T) *Info {
	if runtime.GOOS != "linux" {
		t.Skip("self-inspection test relies on ELF test binaries")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := obj.Open(exe)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	info, err := New(f)
	require.NoError(t, err)
	return info
}

func TestSymbolName(t *testing.T) {
	info := openSelf(t)
	sym := findSymbol(t, info, "runtime.main")
	name, start, ok := info.SymbolName(sym.Addr)
	require.True(t, ok)
	assert.Equal(t, "runtime.main", name)
	assert.Equal(t, sym.Addr, start)

	// Mid-function addresses resolve to the same symbol.
	if sym.Size > 8 {
		name, start, ok = info.SymbolName(sym.Addr + sym.Size/2)
		require.True(t, ok)
		assert.Equal(t, "runtime.main", name)
		assert.Equal(t, sym.Addr, start)
	}

	_, _, ok = info.SymbolName(0)
	assert.False(t, ok)
}

func TestLookup(t *testing.T) {
	info := openSelf(t)
	if !info.HasDebugInfo() {
		t.Skip("test binary is stripped")
	}
	sym := findSymbol(t, info, "runtime.main")
	entries := info.Lookup(sym.Addr)
	require.NotEmpty(t, entries)
	// The physical frame comes last and is never marked inline.
	phys := entries[len(entries)-1]
	assert.False(t, phys.Inline)
	assert.Equal(t, "runtime.main", phys.Func)
	assert.Contains(t, phys.File, "proc.go")
	assert.Greater(t, phys.Line, 0)

	// Addresses outside every compilation unit yield nothing.
	assert.Empty(t, info.Lookup(1))
}

func TestLookupConsistency(t *testing.T) {
	info := openSelf(t)
	if !info.HasDebugInfo() {
		t.Skip("test binary is stripped")
	}
	// Every code symbol that debug info covers must agree with the symtab
	// on the function it attributes the address to. Sampling a handful
	// keeps the test fast.
	syms := info.File().Symbols()
	checked := 0
	for i := 0; i < len(syms) && checked < 20; i += len(syms)/50 + 1 {
		sym := syms[i]
		if sym.Size == 0 || strings.Contains(sym.Name, "$") {
			continue
		}
		entries := info.Lookup(sym.Addr)
		if len(entries) == 0 {
			continue
		}
		phys := entries[len(entries)-1]
		if phys.FuncStart != 0 {
			assert.Equal(t, sym.Addr, phys.FuncStart, "symbol %v", sym.Name)
		}
		checked++
	}
	assert.NotZero(t, checked)
}

func TestNoDebugInfoDegrades(t *testing.T) {
	// An object with a symtab but no DWARF still constructs and serves
	// symbol lookups.
	info := &Info{}
	assert.False(t, info.HasDebugInfo())
	assert.Nil(t, info.Lookup(0x1000))
}

func findSymbol(t *testing.T, info *Info, name string) obj.Sym {
	for _, sym := range info.File().Symbols() {
		if sym.Name == name {
			return sym
		}
	}
	t.Fatalf("symbol %v not found in test binary", name)
	return obj.Sym{}
}
