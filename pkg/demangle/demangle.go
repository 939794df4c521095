// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package demangle turns mangled linker names back into readable ones.
// It recognizes the Itanium C++ ABI scheme and both Rust schemes (legacy
// hashed and v0); anything else passes through untouched. A failed demangle
// is indistinguishable from "nothing to demangle" for callers, it is only
// recorded as a degrade event in the log.
package demangle

import (
	"strings"

	base "github.com/ianlancetaylor/demangle"

	"github.com/backtracer/backtracer/pkg/log"
)

// Demangle returns the human-readable form of a mangled symbol name,
// or raw unchanged when the name is not mangled or cannot be demangled.
func Demangle(raw string) string {
	name, changed := demangle(raw)
	if !changed {
		return raw
	}
	return name
}

// Mangled reports whether the name carries a recognizable mangling prefix.
func Mangled(raw string) bool {
	return mangledPrefix(raw) != ""
}

func mangledPrefix(raw string) string {
	for _, prefix := range []string{"_Z", "__Z", "_R", "__R"} {
		if strings.HasPrefix(raw, prefix) && len(raw) > len(prefix) {
			return prefix
		}
	}
	return ""
}

func demangle(raw string) (string, bool) {
	prefix := mangledPrefix(raw)
	if prefix == "" {
		return raw, false
	}
	// OSX prepends an extra underscore to every C-level name.
	name := raw
	if prefix == "__Z" || prefix == "__R" {
		name = raw[1:]
	}
	out, err := base.ToString(name, base.LLVMStyle)
	if err != nil {
		log.Logf(2, "demangle: keeping raw name %q: %v", raw, err)
		return raw, false
	}
	return out, true
}
