// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backtracer

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backtracer/backtracer/pkg/symbol"
	"github.com/backtracer/backtracer/pkg/unwind"
)

func hasModuleEnumeration() bool {
	return runtime.GOOS == "linux" || runtime.GOOS == "windows"
}

//go:noinline
func grandparent(out *Backtrace, maxDepth, skip int) {
	parent(out, maxDepth, skip)
}

//go:noinline
func parent(out *Backtrace, maxDepth, skip int) {
	child(out, maxDepth, skip)
}

//go:noinline
func child(out *Backtrace, maxDepth, skip int) {
	*out = Capture(maxDepth, skip)
}

func TestCapture(t *testing.T) {
	var bt Backtrace
	grandparent(&bt, 32, 0)
	require.GreaterOrEqual(t, len(bt), 4)
	names := frameFuncs(bt[:4])
	assert.Contains(t, names[0], "child")
	assert.Contains(t, names[1], "parent")
	assert.Contains(t, names[2], "grandparent")
	assert.Contains(t, names[3], "TestCapture")
	for _, f := range bt {
		assert.NotZero(t, f.PC)
	}
}

func TestCaptureSkip(t *testing.T) {
	var bt Backtrace
	grandparent(&bt, 32, 2)
	require.NotEmpty(t, bt)
	assert.Contains(t, frameFuncs(bt[:1])[0], "grandparent")
}

func TestCaptureDepthLimit(t *testing.T) {
	var bt Backtrace
	grandparent(&bt, 2, 0)
	assert.Len(t, bt, 2)
	bt = Capture(0, 0)
	assert.LessOrEqual(t, len(bt), unwind.DefaultMaxDepth)
}

func TestCaptureInto(t *testing.T) {
	var pcs [8]uintptr
	n := CaptureInto(pcs[:], 0)
	require.Greater(t, n, 0)
	assert.Contains(t, pcFunc(pcs[0]), "TestCaptureInto")
}

func TestTraceStreams(t *testing.T) {
	var bt Backtrace
	grandparent(&bt, 32, 0)
	var streamed Backtrace
	// Trace observes the same physical frames below its own call site.
	Trace(0, func(f Frame) bool {
		streamed = append(streamed, f)
		return len(streamed) < 64
	})
	require.NotEmpty(t, streamed)
	assert.Contains(t, frameFuncs(streamed[:1])[0], "TestTraceStreams")
}

func TestResolveSelf(t *testing.T) {
	if !hasModuleEnumeration() {
		t.Skip("needs real module enumeration")
	}
	var bt Backtrace
	grandparent(&bt, 32, 0)
	syms := Resolve(bt[0])
	require.NotEmpty(t, syms, "own code did not resolve")
	phys := syms[len(syms)-1]
	assert.Contains(t, phys.RawName, "child")

	var count int
	ForEachSymbol(bt[0], func(symbol.Symbol) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestResolveZeroFrame(t *testing.T) {
	if !hasModuleEnumeration() {
		t.Skip("needs real module enumeration")
	}
	assert.Empty(t, Resolve(Frame{}))
}

func TestRefreshModules(t *testing.T) {
	if !hasModuleEnumeration() {
		t.Skip("needs real module enumeration")
	}
	require.NoError(t, RefreshModules())
	// Resolution still works after a refresh.
	var bt Backtrace
	grandparent(&bt, 8, 0)
	assert.NotEmpty(t, Resolve(bt[0]))
}

func frameFuncs(bt Backtrace) []string {
	var names []string
	for _, f := range bt {
		names = append(names, pcFunc(f.PC))
	}
	return names
}

func pcFunc(pc uintptr) string {
	fn := runtime.FuncForPC(pc - 1)
	if fn == nil {
		return "<unknown>"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
