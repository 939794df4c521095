// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symbol

import (
	"strings"
	"sync"
)

// cache memoizes symbolication results per (module, file-relative address)
// in a thread-safe way. Entries live for the process lifetime; repeated
// symbolication of the same modules (many reports against one long-lived
// process) is the expected pattern.
type cache struct {
	mu sync.RWMutex
	m  map[cacheKey][]Symbol
}

type cacheKey struct {
	path string
	addr uint64
}

func (c *cache) resolve(inner func(string, uint64) []Symbol, path string, addr uint64) []Symbol {
	key := cacheKey{path, addr}
	c.mu.RLock()
	val, ok := c.m[key]
	c.mu.RUnlock()
	if ok {
		return val
	}
	val = inner(path, addr)
	c.mu.Lock()
	if c.m == nil {
		c.m = make(map[cacheKey][]Symbol)
	}
	// Concurrent first lookups may both compute the entry; either result is
	// identical and the last write wins.
	c.m[key] = val
	c.mu.Unlock()
	return val
}

// interner deduplicates strings. Interned strings are also cloned, so a
// name sliced out of a large mapped debug section does not pin the mapping.
type interner struct {
	m sync.Map
}

func (in *interner) do(s string) string {
	if interned, ok := in.m.Load(s); ok {
		return interned.(string)
	}
	s = strings.Clone(s)
	in.m.Store(s, s)
	return s
}
