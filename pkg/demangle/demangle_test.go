// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package demangle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemangle(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"_Z3fooi", "foo(int)"},
		{"_ZN3foo3barEv", "foo::bar()"},
		{"_ZNSt6vectorIiSaIiEE9push_backERKi",
			"std::vector<int, std::allocator<int>>::push_back(int const&)"},
		// OSX form with the extra leading underscore.
		{"__Z3fooi", "foo(int)"},
		// Rust legacy scheme.
		{"_ZN4core9panicking5panic17h3b2e5e2a6a3b7f1dE", "core::panicking::panic::h3b2e5e2a6a3b7f1d"},
		// Rust v0 scheme.
		{"_RNvCs1234_7mycrate4main", "mycrate::main"},
		// Not mangled: pass through untouched.
		{"main", "main"},
		{"runtime.goexit", "runtime.goexit"},
		{"", ""},
		{"_Z", "_Z"},
		// Bad payload after a valid prefix stays raw.
		{"_Z!!!", "_Z!!!"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, Demangle(test.raw), "raw=%q", test.raw)
	}
}

func TestMangled(t *testing.T) {
	assert.True(t, Mangled("_Z3fooi"))
	assert.True(t, Mangled("__Z3fooi"))
	assert.True(t, Mangled("_RNvCs1234_7mycrate4main"))
	assert.False(t, Mangled("main"))
	assert.False(t, Mangled("_Z"))
	assert.False(t, Mangled(""))
}
