// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symbol

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backtracer/backtracer/pkg/module"
	"github.com/backtracer/backtracer/pkg/testutil"
)

func selfResolver(t *testing.T) *Resolver {
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		t.Skip("needs real module enumeration")
	}
	return NewResolver(module.Shared())
}

func TestResolveSelf(t *testing.T) {
	r := selfResolver(t)
	pc := reflect.ValueOf(TestResolveSelf).Pointer()
	syms := r.Resolve(pc)
	require.NotEmpty(t, syms, "own code did not resolve")
	phys := syms[len(syms)-1]
	assert.Contains(t, phys.RawName, "TestResolveSelf")
	assert.False(t, phys.Inline)
	assert.NotEmpty(t, phys.Module)
	assert.NotZero(t, phys.Offset)
}

func TestConfig(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		t.Skip("needs real module enumeration")
	}
	reg := module.Shared()
	pc := reflect.ValueOf(TestConfig).Pointer()

	full := NewResolver(reg).Resolve(pc)
	require.NotEmpty(t, full)

	raw := NewResolverConfig(reg, Config{NoDemangle: true}).Resolve(pc)
	require.Len(t, raw, len(full))
	for _, s := range raw {
		assert.Equal(t, s.RawName, s.Name)
	}

	phys := NewResolverConfig(reg, Config{NoInline: true}).Resolve(pc)
	require.Len(t, phys, 1)
	assert.False(t, phys[0].Inline)
	assert.Equal(t, full[len(full)-1], phys[0])
}

func TestResolveUnknown(t *testing.T) {
	r := selfResolver(t)
	assert.Empty(t, r.Resolve(1))
	assert.Empty(t, r.Resolve(0))
	assert.Empty(t, r.ResolveModuleOffset("/no/such/module", 0x1000))
}

func TestForEach(t *testing.T) {
	r := selfResolver(t)
	pc := reflect.ValueOf(TestForEach).Pointer()
	full := r.Resolve(pc)
	require.NotEmpty(t, full)
	var streamed []Symbol
	r.ForEach(pc, func(s Symbol) bool {
		streamed = append(streamed, s)
		return true
	})
	assert.Equal(t, full, streamed)

	count := 0
	r.ForEach(pc, func(Symbol) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestResolveRoundTrip(t *testing.T) {
	r := selfResolver(t)
	pc := reflect.ValueOf(TestResolveRoundTrip).Pointer()
	direct := r.Resolve(pc)
	require.NotEmpty(t, direct)
	// Re-resolving through the portable (module, offset) identity must give
	// the same answer; this is what serialized backtraces rely on.
	again := r.ResolveModuleOffset(direct[0].Module, direct[0].Offset)
	assert.Empty(t, cmp.Diff(direct, again))
}

func TestResolveBacktrace(t *testing.T) {
	r := selfResolver(t)
	pcs := []uintptr{
		reflect.ValueOf(TestResolveBacktrace).Pointer(),
		1, // unknown address yields an empty list at the same position
		reflect.ValueOf(NewResolver).Pointer(),
	}
	all := r.ResolveBacktrace(pcs)
	require.Len(t, all, len(pcs))
	assert.NotEmpty(t, all[0])
	assert.Empty(t, all[1])
	assert.Equal(t, r.Resolve(pcs[2]), all[2])
}

func TestResolveConcurrent(t *testing.T) {
	r := selfResolver(t)
	pcs := []uintptr{
		reflect.ValueOf(TestResolveSelf).Pointer(),
		reflect.ValueOf(TestResolveConcurrent).Pointer(),
		reflect.ValueOf(NewResolver).Pointer(),
	}
	want := make([][]Symbol, len(pcs))
	for i, pc := range pcs {
		want[i] = r.Resolve(pc)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < testutil.IterCount(); i++ {
				idx := i % len(pcs)
				got := r.Resolve(pcs[idx])
				if diff := cmp.Diff(want[idx], got); diff != "" {
					t.Errorf("concurrent resolve diverged: %v", diff)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestCache(t *testing.T) {
	var c cache
	calls := 0
	inner := func(path string, addr uint64) []Symbol {
		calls++
		return []Symbol{{Name: fmt.Sprintf("%v+%#x", path, addr)}}
	}
	first := c.resolve(inner, "/bin/app", 0x100)
	second := c.resolve(inner, "/bin/app", 0x100)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	c.resolve(inner, "/bin/app", 0x200)
	c.resolve(inner, "/bin/other", 0x100)
	assert.Equal(t, 3, calls)

	// Negative results are cached too.
	misses := 0
	miss := func(string, uint64) []Symbol {
		misses++
		return nil
	}
	c.resolve(miss, "/bin/app", 0x999)
	c.resolve(miss, "/bin/app", 0x999)
	assert.Equal(t, 1, misses)
}

func TestInterner(t *testing.T) {
	var in interner
	big := make([]byte, 1024)
	copy(big, "some_function_name")
	s1 := in.do(string(big[:18]))
	s2 := in.do("some_function_name")
	assert.Equal(t, "some_function_name", s1)
	// Both callers must observe the same interned instance.
	assert.Equal(t, unsafe.StringData(s1), unsafe.StringData(s2))
}
