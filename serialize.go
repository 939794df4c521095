// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backtracer

import (
	"encoding/json"
	"fmt"

	"github.com/backtracer/backtracer/pkg/symbol"
)

// PortableFrame is the wire form of one frame: the raw address from the
// capturing process plus a module-relative form that survives address-space
// layout changes. Symbolication on the receiving side re-runs against that
// side's own copy of the module's debug info; no symbols are transmitted.
type PortableFrame struct {
	Addr         uint64 `json:"addr"`
	ModuleOffset uint64 `json:"module_offset"`
	ModulePath   string `json:"module_path,omitempty"`
}

// Report is a Backtrace in wire form, innermost frame first.
type Report []PortableFrame

// Report converts the backtrace for transport across a process boundary.
// Frames outside any known module carry only their raw address.
func (bt Backtrace) Report() Report {
	rep := make(Report, 0, len(bt))
	for _, frame := range bt {
		pf := PortableFrame{Addr: uint64(frame.PC)}
		if m := resolver().ModuleFor(resolvePC(frame)); m != nil {
			pf.ModulePath = m.Path
			pf.ModuleOffset = m.RelAddr(frame.PC)
		}
		rep = append(rep, pf)
	}
	return rep
}

// MarshalJSON renders the backtrace as its wire form.
func (bt Backtrace) MarshalJSON() ([]byte, error) {
	return json.Marshal(bt.Report())
}

// UnmarshalJSON restores the raw frame addresses of a serialized backtrace.
// The module-relative identities survive only through ParseReport; a
// Backtrace restored this way resolves correctly only inside the address
// space that captured it.
func (bt *Backtrace) UnmarshalJSON(data []byte) error {
	rep, err := ParseReport(data)
	if err != nil {
		return err
	}
	out := make(Backtrace, len(rep))
	for i, pf := range rep {
		out[i] = Frame{PC: uintptr(pf.Addr)}
	}
	*bt = out
	return nil
}

// ParseReport decodes a serialized backtrace.
func ParseReport(data []byte) (Report, error) {
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to parse backtrace report: %w", err)
	}
	return rep, nil
}

// Resolve symbolicates the report against this process's own modules,
// matching by module path and file-relative offset. Frames from unknown
// modules yield empty symbol lists.
func (rep Report) Resolve() [][]symbol.Symbol {
	out := make([][]symbol.Symbol, len(rep))
	for i, pf := range rep {
		out[i] = pf.Resolve()
	}
	return out
}

// Resolve symbolicates one portable frame.
func (pf PortableFrame) Resolve() []symbol.Symbol {
	if pf.ModulePath == "" || pf.ModuleOffset == 0 {
		return nil
	}
	// The same return-address adjustment as the live path, so round-trips
	// resolve identically.
	return resolver().ResolveModuleOffset(pf.ModulePath, pf.ModuleOffset-1)
}
