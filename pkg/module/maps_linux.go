// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package module

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// enumerate walks /proc/self/maps and builds one Module per file with an
// executable mapping. Consecutive executable mappings of the same file
// (split by alignment padding or per-segment permissions) are merged.
func enumerate() ([]*Module, error) {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	return parseMaps(data)
}

func parseMaps(data []byte) ([]*Module, error) {
	byPath := make(map[string]*Module)
	var mods []*Module
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		// Format: start-end perms offset dev inode path
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		perms := fields[1]
		if !strings.Contains(perms, "x") {
			continue
		}
		path := pathField(line)
		if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "/dev/") ||
			strings.HasPrefix(path, "/memfd:") {
			continue
		}
		var start, end uintptr
		var offset uint64
		if n, err := parseRange(fields[0], &start, &end); err != nil || n != 2 {
			return nil, fmt.Errorf("malformed maps line %q", line)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed maps offset %q", line)
		}
		if m := byPath[path]; m != nil && start >= m.Start {
			if end > m.End {
				m.End = end
			}
			continue
		}
		m := &Module{
			Name:      filepath.Base(path),
			Path:      path,
			Start:     start,
			End:       end,
			mapOffset: offset,
		}
		byPath[path] = m
		mods = append(mods, m)
	}
	return mods, scanner.Err()
}

// pathField returns everything from the sixth column of a maps line to its
// end, since mapped file paths may themselves contain spaces.
func pathField(line string) string {
	rest := line
	for i := 0; i < 5; i++ {
		rest = strings.TrimLeft(rest, " \t")
		n := strings.IndexAny(rest, " \t")
		if n < 0 {
			return ""
		}
		rest = rest[n:]
	}
	return strings.TrimLeft(rest, " \t")
}

func parseRange(s string, start, end *uintptr) (int, error) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return 0, fmt.Errorf("no range separator in %q", s)
	}
	lo, err := strconv.ParseUint(s[:dash], 16, 64)
	if err != nil {
		return 0, err
	}
	hi, err := strconv.ParseUint(s[dash+1:], 16, 64)
	if err != nil {
		return 1, err
	}
	*start, *end = uintptr(lo), uintptr(hi)
	return 2, nil
}
