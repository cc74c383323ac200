package reloc

import (
	"debug/elf"

	"github.com/progview/progstate/core"
)

// UserspaceRelocator maps a DWARF-relative address through the owning
// ELF's PT_LOAD program headers and the live file-mapping table.
type UserspaceRelocator struct {
	Mappings *core.MappingTable
}

// Relocate mutates sym.Address in place. owningElf is the ELF whose DWARF
// the symbol's DIE came from.
func (u *UserspaceRelocator) Relocate(sym *core.Symbol, owningElf *elf.File) error {
	fileOffset, err := phdrFileOffset(owningElf, uint64(sym.Address))
	if err != nil {
		return err
	}
	m := u.Mappings.FindByElfOffset(owningElf, fileOffset)
	if m == nil {
		return core.Errf(core.Lookup, "no mapping covers file offset %#x of %s", fileOffset, owningElf)
	}
	sym.Address = m.Start.Add(int64(fileOffset - m.FileOffset))
	return nil
}

// phdrFileOffset finds the PT_LOAD phdr containing addr and translates it
// to a file offset.
func phdrFileOffset(f *elf.File, addr uint64) (uint64, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if addr >= p.Vaddr && addr < p.Vaddr+p.Memsz {
			return p.Off + (addr - p.Vaddr), nil
		}
	}
	return 0, core.Errf(core.Lookup, "address %#x not covered by any PT_LOAD phdr", addr)
}
