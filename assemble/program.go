// Package assemble implements the Program handle and the assembler that
// builds one: the root object a CLI or other caller gets back from
// bootstrap, and the orchestration that constructs it.
package assemble

import (
	"fmt"

	"github.com/progview/progstate/core"
	"github.com/progview/progstate/dwarfindex"
	"github.com/progview/progstate/symindex"
)

// Flag is the Program's capability bitset.
type Flag uint32

const (
	// IsLinuxKernel marks a kernel target (vmcore or /proc/kcore), as
	// opposed to a userspace core or a live /proc/<pid>/mem target.
	IsLinuxKernel Flag = 1 << iota
)

// cleanupRecord is a (callback, argument) pair; individual cleanups are
// tagged so RemoveCleanup can match one by identity.
type cleanupRecord struct {
	tag interface{}
	fn  func()
}

// Program is the root handle: one memory reader, one DWARF index, one
// symbol index (there is no separate type index or type cache), a mapping
// table (userspace only), optional VMCOREINFO, a
// flags bitset, and a cleanup stack unwound in reverse registration order
// on Destroy, regardless of failure path.
type Program struct {
	Reader     *core.FileSegmentReader
	Mappings   *core.MappingTable // nil for kernel targets
	Vmcoreinfo *core.VMCOREINFO   // nil for userspace targets
	Flags      Flag

	DWARF        *dwarfindex.Index
	Syms         *symindex.Index
	PtrSize      int
	LittleEndian bool

	warnings []string
	cleanups []cleanupRecord
	done     bool
}

// IsKernel reports whether the Program describes a kernel target.
func (p *Program) IsKernel() bool {
	return p.Flags&IsLinuxKernel != 0
}

// Warnings returns every warning accumulated during bootstrap or query,
// e.g. tolerated per-file errors during debug-file discovery.
func (p *Program) Warnings() []string {
	return p.warnings
}

// Warnf accumulates a formatted warning.
func (p *Program) Warnf(format string, args ...interface{}) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

// RegisterCleanup pushes a cleanup action, tagged for later targeted
// removal. Cleanups run LIFO on Destroy.
func (p *Program) RegisterCleanup(tag interface{}, fn func()) {
	p.cleanups = append(p.cleanups, cleanupRecord{tag: tag, fn: fn})
}

// RemoveCleanup removes a previously registered cleanup by identity,
// without running it. Returns false if tag was never registered or has
// already run. Used to permit partial rollback when bootstrap fails
// midway through acquiring a resource it then decides not to keep.
func (p *Program) RemoveCleanup(tag interface{}) bool {
	for i, c := range p.cleanups {
		if c.tag == tag {
			p.cleanups = append(p.cleanups[:i], p.cleanups[i+1:]...)
			return true
		}
	}
	return false
}

// unwind runs every registered cleanup in reverse order, then clears the
// stack. Used both by Destroy and by the assembler on bootstrap failure.
func (p *Program) unwind() {
	for i := len(p.cleanups) - 1; i >= 0; i-- {
		p.cleanups[i].fn()
	}
	p.cleanups = nil
}

// Destroy releases every resource the Program owns, in reverse
// registration order. Calls after the first do nothing.
func (p *Program) Destroy() {
	if p.done {
		return
	}
	p.done = true
	p.unwind()
}
