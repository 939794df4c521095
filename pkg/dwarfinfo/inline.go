// Copyright 2026 backtracer project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dwarfinfo

import (
	"fmt"

	"debug/dwarf"
)

// inlineChain reconstructs the stack of inlined calls covering addr inside
// funcEntry, innermost first, ending with the physical function itself.
func (info *Info) inlineChain(funcEntry *dwarf.Entry, addr uint64, lineEntry *dwarf.LineEntry,
	files []*dwarf.LineFile) []Entry {
	var stack []*dwarf.Entry
	r := info.dw.Reader()
	if funcEntry.Children {
		r.Seek(funcEntry.Offset)
		r.Next()
		info.findCoveringInlined(r, addr, &stack)
	}
	stack = append(stack, funcEntry)

	var out []Entry
	for i, die := range stack {
		origin := info.abstractOrigin(die)
		e := Entry{
			Func:   dieName(die, origin),
			Inline: i > 0,
		}
		if lowpc, ok := die.Val(dwarf.AttrLowpc).(uint64); ok {
			e.FuncStart = lowpc
		} else if origin != nil {
			if lowpc, ok := origin.Val(dwarf.AttrLowpc).(uint64); ok {
				e.FuncStart = lowpc
			}
		}
		info.fillLocation(&e, i, die, origin, stack, lineEntry, files)
		out = append(out, e)
	}
	return out
}

// findCoveringInlined descends through the children of the current entry
// collecting TagInlinedSubroutine entries whose ranges cover addr.
// The stack is appended innermost first.
func (info *Info) findCoveringInlined(r *dwarf.Reader, addr uint64, stack *[]*dwarf.Entry) bool {
	for {
		entry, err := r.Next()
		if err != nil || entry == nil || entry.Tag == 0 {
			return false
		}
		covers := false
		if ranges, err := info.dw.Ranges(entry); err == nil {
			for _, rng := range ranges {
				if addr >= rng[0] && addr < rng[1] {
					covers = true
					break
				}
			}
		}
		if !covers {
			if entry.Children {
				r.SkipChildren()
			}
			continue
		}
		if entry.Tag == dwarf.TagInlinedSubroutine {
			if entry.Children {
				if info.findCoveringInlined(r, addr, stack) {
					*stack = append(*stack, entry)
					return true
				}
			}
			*stack = append(*stack, entry)
			return true
		}
		// Lexical blocks and similar containers: keep descending.
		if entry.Children {
			if info.findCoveringInlined(r, addr, stack) {
				return true
			}
		}
	}
}

func (info *Info) abstractOrigin(die *dwarf.Entry) *dwarf.Entry {
	ref, ok := die.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		return nil
	}
	r := info.dw.Reader()
	r.Seek(ref)
	entry, err := r.Next()
	if err != nil {
		return nil
	}
	return entry
}

// dieName extracts the best available function name: the linkage (mangled)
// name when present, the plain name otherwise. Demangling is the caller's
// concern.
func dieName(die, origin *dwarf.Entry) string {
	for _, e := range []*dwarf.Entry{die, origin} {
		if e == nil {
			continue
		}
		if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok {
			return name
		}
	}
	for _, e := range []*dwarf.Entry{die, origin} {
		if e == nil {
			continue
		}
		if name, ok := e.Val(dwarf.AttrName).(string); ok {
			return name
		}
	}
	return fmt.Sprintf("func_%x", die.Offset)
}

// fillLocation sets file/line/column for the i-th entry of the inline stack.
// The innermost entry takes the line-table position; every outer entry takes
// the call site recorded on the entry just inside it. When an inlined call
// carries no usable call-site info, the field stays empty rather than
// inheriting a guessed location.
func (info *Info) fillLocation(e *Entry, i int, die, origin *dwarf.Entry, stack []*dwarf.Entry,
	lineEntry *dwarf.LineEntry, files []*dwarf.LineFile) {
	if i == 0 {
		if lineEntry != nil && lineEntry.Line != 0 {
			e.File = lineEntry.File.Name
			e.Line = lineEntry.Line
			e.Column = lineEntry.Column
			return
		}
		// No line-table coverage: fall back to the declaration file.
		target := die
		if origin != nil {
			target = origin
		}
		declFileIdx, _ := target.Val(dwarf.AttrDeclFile).(int64)
		if declFileIdx > 0 && int(declFileIdx) < len(files) {
			if lf := files[declFileIdx]; lf != nil {
				e.File = lf.Name
			}
		}
		return
	}
	prev := stack[i-1]
	callFileIdx, _ := prev.Val(dwarf.AttrCallFile).(int64)
	callLine, _ := prev.Val(dwarf.AttrCallLine).(int64)
	callCol, _ := prev.Val(dwarf.AttrCallColumn).(int64)
	if callFileIdx > 0 && int(callFileIdx) < len(files) {
		if lf := files[callFileIdx]; lf != nil {
			e.File = lf.Name
		}
	}
	e.Line = int(callLine)
	e.Column = int(callCol)
}
