// Package symindex wraps the DWARF index with a relocation callback,
// resolving a symbol name to a live, relocated address.
package symindex

import (
	"debug/dwarf"
	"debug/elf"

	"github.com/progview/progstate/core"
)

// DieLookup resolves a symbol name to its owning ELF file and DIE. Backed
// by dwarfindex.Index in production.
type DieLookup interface {
	Die(name string) (*elf.File, *dwarf.Entry, error)
}

// Index answers symbol-address queries, relocating the DWARF-relative
// address found via DieLookup through the installed RelocateFunc before
// returning it.
type Index struct {
	Dies     DieLookup
	Relocate func(sym *core.Symbol, owningElf *elf.File) error
}

// Lookup resolves name to a Symbol with its Address already relocated to
// the address valid in the live image.
func (ix *Index) Lookup(name string) (*core.Symbol, error) {
	owningElf, die, err := ix.Dies.Die(name)
	if err != nil {
		return nil, err
	}

	sym := &core.Symbol{
		Name:    name,
		Address: DieAddress(die),
	}

	if ix.Relocate != nil {
		if err := ix.Relocate(sym, owningElf); err != nil {
			return nil, err
		}
	}
	return sym, nil
}

// DieAddress extracts a DW_OP_addr-encoded address from a DIE's
// DW_AT_location attribute (the common case for package-level symbols).
// Exported so bootstrap code can resolve a raw symbol address (e.g. the
// kernel's "modules" global) ahead of building the full Index.
func DieAddress(die *dwarf.Entry) core.Address {
	loc, ok := die.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(loc) < 1 || loc[0] != 0x03 { // DW_OP_addr
		return 0
	}
	var addr uint64
	for i := len(loc) - 1; i >= 1; i-- {
		addr = addr<<8 | uint64(loc[i])
	}
	return core.Address(addr)
}
