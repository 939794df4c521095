// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package unwind captures raw return addresses from a call stack.
//
// The hot path (CaptureInto) performs no heap allocation, takes no locks and
// makes no system calls, so it is safe to run inside a signal handler, while
// panicking, or during cleanup of another unwind. Symbolication of the
// captured addresses is a separate, unconstrained phase (pkg/symbol).
//
// Three strategies exist, selected by what is known about the target:
//   - the Go runtime's own stack walker, for the current goroutine (default);
//   - call-frame-information tables (pkg/cfi), for a foreign register
//     context such as a signal ucontext;
//   - frame-pointer chain walking, the last resort when no tables cover
//     the context.
package unwind

import "runtime"

// DefaultMaxDepth bounds captures whose caller did not choose a depth.
const DefaultMaxDepth = 64

// CaptureInto fills pcs with the return addresses of the calling goroutine,
// innermost first, omitting skip frames on top of the capture machinery's
// own. It returns the number of entries filled. A short or empty result is
// valid; there is no error channel on this path.
func CaptureInto(pcs []uintptr, skip int) int {
	if len(pcs) == 0 {
		return 0
	}
	// +2 skips runtime.Callers and CaptureInto itself.
	return runtime.Callers(skip+2, pcs)
}

// Capture is the allocating convenience form of CaptureInto.
func Capture(maxDepth, skip int) []uintptr {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	pcs := make([]uintptr, maxDepth)
	// +1 skips Capture itself.
	n := CaptureInto(pcs, skip+1)
	return pcs[:n]
}

// Trace streams return addresses to fn, innermost first, stopping when fn
// returns false. It walks in fixed-size chunks so arbitrarily deep stacks
// need no large upfront buffer.
func Trace(skip int, fn func(pc uintptr) bool) {
	var buf [32]uintptr
	// +2 skips runtime.Callers and Trace.
	base := skip + 2
	for {
		n := runtime.Callers(base, buf[:])
		for i := 0; i < n; i++ {
			if !fn(buf[i]) {
				return
			}
		}
		if n < len(buf) {
			return
		}
		base += n
	}
}
