// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package unwind

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func recurse(n int, fn func()) {
	if n == 0 {
		fn()
		return
	}
	recurse(n-1, fn)
}

func TestCaptureDepth(t *testing.T) {
	var pcs []uintptr
	recurse(100, func() {
		pcs = Capture(8, 0)
	})
	assert.Len(t, pcs, 8)
	var deep []uintptr
	recurse(100, func() {
		deep = Capture(0, 0)
	})
	assert.Len(t, deep, DefaultMaxDepth)
}

func TestCaptureOrdering(t *testing.T) {
	var pcs []uintptr
	outer(&pcs)
	require.GreaterOrEqual(t, len(pcs), 3)
	names := frameNames(pcs[:3])
	// Innermost first: the direct caller of Capture leads.
	assert.Contains(t, names[0], "inner")
	assert.Contains(t, names[1], "outer")
	assert.Contains(t, names[2], "TestCaptureOrdering")
}

//go:noinline
func outer(out *[]uintptr) {
	inner(out)
}

//go:noinline
func inner(out *[]uintptr) {
	*out = Capture(16, 0)
}

func TestCaptureSkip(t *testing.T) {
	var all, skipped []uintptr
	outerSkip(&all, &skipped)
	require.GreaterOrEqual(t, len(all), 2)
	require.GreaterOrEqual(t, len(skipped), 1)
	// Skipping one frame drops innerSkip; the caller becomes frame 0.
	assert.Equal(t, frameNames(all[1:2]), frameNames(skipped[:1]))
	assert.Equal(t, frameNames(all[2:]), frameNames(skipped[1:]))
}

//go:noinline
func outerSkip(all, skipped *[]uintptr) {
	innerSkip(all, skipped)
}

//go:noinline
func innerSkip(all, skipped *[]uintptr) {
	*all = Capture(16, 0)
	*skipped = Capture(16, 1)
}

func TestCaptureInto(t *testing.T) {
	assert.Equal(t, 0, CaptureInto(nil, 0))
	var pcs [4]uintptr
	n := 0
	recurse(10, func() {
		n = CaptureInto(pcs[:], 0)
	})
	assert.Equal(t, 4, n)
	for _, pc := range pcs {
		assert.NotZero(t, pc)
	}
}

func TestTrace(t *testing.T) {
	// Deep enough to force several chunked runtime.Callers batches.
	var got []uintptr
	recurse(100, func() {
		Trace(0, func(pc uintptr) bool {
			got = append(got, pc)
			return true
		})
	})
	assert.Greater(t, len(got), 100)

	count := 0
	recurse(100, func() {
		Trace(0, func(pc uintptr) bool {
			count++
			return count < 5
		})
	})
	assert.Equal(t, 5, count)
}

func TestTraceMatchesCapture(t *testing.T) {
	var streamed, captured []uintptr
	recurse(5, func() {
		Trace(0, func(pc uintptr) bool {
			streamed = append(streamed, pc)
			return len(streamed) < 8
		})
		captured = Capture(8, 0)
	})
	require.Len(t, streamed, 8)
	require.Len(t, captured, 8)
	// Call sites differ but the function chain is identical.
	assert.Equal(t, frameNames(captured[1:]), frameNames(streamed[1:]))
}

func frameNames(pcs []uintptr) []string {
	var names []string
	for _, pc := range pcs {
		fn := runtime.FuncForPC(pc - 1)
		if fn == nil {
			names = append(names, "<unknown>")
			continue
		}
		name := fn.Name()
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		names = append(names, name)
	}
	return names
}
