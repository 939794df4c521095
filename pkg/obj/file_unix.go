// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux || darwin || freebsd || netbsd || openbsd

package obj

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// readFile maps the object file read-only. Mapping avoids copying large debug
// sections we may never touch; the returned flag tells Close to munmap.
func readFile(path string) ([]byte, bool, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer fd.Close()
	st, err := fd.Stat()
	if err != nil {
		return nil, false, err
	}
	size := st.Size()
	if size == 0 {
		return nil, false, fmt.Errorf("%w: %v: empty file", ErrMalformed, path)
	}
	data, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		// Fall back to a plain read (e.g. filesystems without mmap support).
		data, err := os.ReadFile(path)
		return data, false, err
	}
	return data, true, nil
}

func unmapFile(data []byte) {
	unix.Munmap(data)
}
