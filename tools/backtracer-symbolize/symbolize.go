// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// backtracer-symbolize resolves file-relative addresses against an object
// file's debug info. Addresses come either from the command line (hex) or
// from a serialized backtrace report produced by another process.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/backtracer/backtracer"
	"github.com/backtracer/backtracer/pkg/log"
	"github.com/backtracer/backtracer/pkg/symbol"
)

var (
	flagBin    = flag.String("bin", "", "object file with debug info (executable, shared library or dSYM)")
	flagReport = flag.String("report", "", "JSON backtrace report file ('-' for stdin)")
	flagV      = flag.Int("v", 0, "verbosity")
)

func main() {
	flag.Parse()
	log.SetVerbosity(*flagV)
	if *flagBin == "" || (*flagReport == "" && len(flag.Args()) == 0) {
		fmt.Fprintf(os.Stderr, "usage: backtracer-symbolize -bin object [-report file | addr...]\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	addrs, err := inputAddrs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	res, err := symbol.OpenFile(*flagBin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %v: %v\n", *flagBin, err)
		os.Exit(1)
	}
	defer res.Close()
	results := make([][]symbol.Symbol, len(addrs))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			// Addresses are return addresses; attribute to the call site.
			results[i] = res.Resolve(addr - 1)
			return nil
		})
	}
	g.Wait()
	for i, addr := range addrs {
		printFrame(i, addr, results[i])
	}
}

func inputAddrs() ([]uint64, error) {
	if *flagReport == "" {
		var addrs []uint64
		for _, arg := range flag.Args() {
			addr, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("bad address %q: %w", arg, err)
			}
			addrs = append(addrs, addr)
		}
		return addrs, nil
	}
	var data []byte
	var err error
	if *flagReport == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*flagReport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	rep, err := backtracer.ParseReport(data)
	if err != nil {
		return nil, err
	}
	addrs := make([]uint64, 0, len(rep))
	for _, pf := range rep {
		if pf.ModuleOffset == 0 {
			log.Logf(1, "frame 0x%x has no module offset, skipping", pf.Addr)
			continue
		}
		addrs = append(addrs, pf.ModuleOffset)
	}
	return addrs, nil
}

func printFrame(idx int, addr uint64, syms []symbol.Symbol) {
	if len(syms) == 0 {
		fmt.Printf("%4d: %#018x - <unknown>\n", idx, addr)
		return
	}
	for i, sym := range syms {
		if i == 0 {
			fmt.Printf("%4d: %#018x - %v\n", idx, addr, sym.Name)
		} else {
			fmt.Printf("%10v %v\n", "", sym.Name)
		}
		if sym.File != "" {
			fmt.Printf("%16vat %v:%v:%v\n", "", sym.File, sym.Line, sym.Column)
		}
	}
}
