// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMaps(t *testing.T) {
	maps := `00400000-00401000 r--p 00000000 fd:01 123 /usr/bin/app
00401000-00451000 r-xp 00001000 fd:01 123 /usr/bin/app
00451000-00452000 r-xp 00051000 fd:01 123 /usr/bin/app
00452000-00470000 rw-p 00052000 fd:01 123 /usr/bin/app
7f0000000000-7f0000025000 r-xp 00000000 fd:01 456 /usr/lib/libc.so.6
7f0000100000-7f0000101000 r-xp 00000000 fd:01 789 /dev/something
7f0000200000-7f0000201000 r-xp 00000000 00:01 0 /memfd:jit (deleted)
7f0000300000-7f0000301000 r-xp 00000000 00:00 0 [vdso]
7f0000400000-7f0000500000 rw-p 00000000 00:00 0
7f0000600000-7f0000601000 r-xp 00000000 fd:01 999 anon_inode:whatever
7f0000700000-7f0000701000 r-xp 00000000 fd:01 321 /opt/My App/lib with spaces.so
`
	mods, err := parseMaps([]byte(maps))
	require.NoError(t, err)
	require.Len(t, mods, 3)

	// Executable mappings of the same file merge into one module keyed by
	// the first executable mapping's offset.
	app := mods[0]
	assert.Equal(t, "app", app.Name)
	assert.Equal(t, "/usr/bin/app", app.Path)
	assert.Equal(t, uintptr(0x401000), app.Start)
	assert.Equal(t, uintptr(0x452000), app.End)
	assert.Equal(t, uint64(0x1000), app.mapOffset)

	libc := mods[1]
	assert.Equal(t, "libc.so.6", libc.Name)
	assert.Equal(t, uintptr(0x7f0000000000), libc.Start)
	assert.Equal(t, uint64(0), libc.mapOffset)

	// Paths keep their spaces instead of stopping at the first word.
	spaced := mods[2]
	assert.Equal(t, "lib with spaces.so", spaced.Name)
	assert.Equal(t, "/opt/My App/lib with spaces.so", spaced.Path)
}

func TestParseMapsMalformed(t *testing.T) {
	_, err := parseMaps([]byte("zzzz r-xp 00000000 fd:01 1 /bin/x\n"))
	assert.Error(t, err)
	_, err = parseMaps([]byte("1000-2000 r-xp gggggggg fd:01 1 /bin/x\n"))
	assert.Error(t, err)
	// Short lines are skipped, not fatal.
	mods, err := parseMaps([]byte("garbage\n\n1000-2000 r-xp\n"))
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestEnumerateSelf(t *testing.T) {
	mods, err := enumerate()
	require.NoError(t, err)
	require.NotEmpty(t, mods)
	for _, m := range mods {
		assert.NotEmpty(t, m.Path)
		assert.Less(t, m.Start, m.End, "module %v", m.Name)
	}
}
