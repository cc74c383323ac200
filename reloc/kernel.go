// Package reloc implements the two relocators that turn a DWARF-relative
// symbol address into a live one: KernelRelocator (vmlinux KASLR offset, or
// struct module section walking) and UserspaceRelocator (phdr + file-mapping
// translation).
package reloc

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"

	"github.com/progview/progstate/core"
	"github.com/progview/progstate/objreader"
)

// LiveKernel is what KernelRelocator needs from the running/dumped kernel
// image to walk struct module: the memory reader, the "modules" list head,
// and struct module's DWARF layout. Building these is DWARF-index work and
// stays out of this package's scope.
type LiveKernel struct {
	Mem         objreader.MemReader
	ModulesHead objreader.Region // the kernel's "modules" global, type struct list_head
	ModuleType  *dwarf.StructType
}

// KernelRelocator resolves a symbol's live address for a kernel target.
type KernelRelocator struct {
	Vmcoreinfo core.VMCOREINFO
	Live        *LiveKernel
}

// Relocate mutates sym.Address in place. owningElf is the ELF file whose
// DWARF compile unit the symbol's DIE came from: ET_EXEC for vmlinux,
// ET_REL for a loadable module.
func (k *KernelRelocator) Relocate(sym *core.Symbol, owningElf *elf.File) error {
	switch owningElf.Type {
	case elf.ET_EXEC:
		sym.Address = sym.Address.Add(int64(k.Vmcoreinfo.KASLROffset))
		return nil
	case elf.ET_REL:
		return k.relocateModuleSymbol(sym, owningElf)
	default:
		return core.Errf(core.InvalidArgument, "unexpected ELF type %s for kernel symbol", owningElf.Type)
	}
}

// relocateModuleSymbol implements the four-step walk: module name from
// .modinfo, owning section from .symtab, the live struct module from the
// kernel's module list, and that module's section base address.
func (k *KernelRelocator) relocateModuleSymbol(sym *core.Symbol, moduleElf *elf.File) error {
	name, err := ModuleName(moduleElf)
	if err != nil {
		return err
	}
	sectionName, err := SymbolSectionName(moduleElf, uint64(sym.Address))
	if err != nil {
		return err
	}
	if k.Live == nil {
		return core.Errf(core.Lookup, "no live kernel to resolve module %q against", name)
	}
	moduleRegion, err := k.Live.findLiveModule(name)
	if err != nil {
		return err
	}
	base, err := k.Live.sectionBase(moduleRegion, sectionName)
	if err != nil {
		return err
	}
	sym.Address = sym.Address.Add(int64(uint64(base)))
	return nil
}

// ModuleName scans moduleElf's .modinfo section (NUL-terminated key=value
// entries) for the "name=" key.
func ModuleName(moduleElf *elf.File) (string, error) {
	sec := moduleElf.Section(".modinfo")
	if sec == nil {
		return "", core.Errf(core.Lookup, ".modinfo section not found")
	}
	data, err := sec.Data()
	if err != nil {
		return "", core.Wrap(core.LIBELF, err, "reading .modinfo")
	}
	for _, entry := range bytes.Split(data, []byte{0}) {
		if bytes.HasPrefix(entry, []byte("name=")) {
			return string(entry[len("name="):]), nil
		}
	}
	return "", core.Errf(core.Lookup, "no name= entry in .modinfo")
}

// SymbolSectionName finds the .symtab entry whose value matches addr
// (address-match, not name-match, so aliased symbols resolve the same way)
// and returns the name of the section it belongs to, honoring SHN_XINDEX
// via the .symtab_shndx extended-index section.
func SymbolSectionName(moduleElf *elf.File, addr uint64) (string, error) {
	syms, err := moduleElf.Symbols()
	if err != nil {
		return "", core.Wrap(core.LIBELF, err, "reading .symtab")
	}
	sections := moduleElf.Sections
	for i, s := range syms {
		if s.Value != addr {
			continue
		}
		shndx := s.Section
		if shndx == elf.SHN_XINDEX {
			// Symbols() omits the null symbol, so slice index i is symtab
			// index i+1.
			idx, ok := extendedSectionIndex(moduleElf, i+1)
			if !ok {
				return "", core.Errf(core.ELFFormat, "SHN_XINDEX symbol without .symtab_shndx entry")
			}
			if int(idx) >= len(sections) {
				return "", core.Errf(core.ELFFormat, "extended section index %d out of range", idx)
			}
			return sections[idx].Name, nil
		}
		if int(shndx) >= len(sections) {
			return "", core.Errf(core.ELFFormat, "section index %d out of range", shndx)
		}
		return sections[shndx].Name, nil
	}
	return "", core.Errf(core.Lookup, "no .symtab entry at address %#x", addr)
}

// extendedSectionIndex reads symbol symIdx's entry out of .symtab_shndx.
func extendedSectionIndex(moduleElf *elf.File, symIdx int) (uint32, bool) {
	sec := moduleElf.Section(".symtab_shndx")
	if sec == nil {
		return 0, false
	}
	data, err := sec.Data()
	if err != nil || len(data) < (symIdx+1)*4 {
		return 0, false
	}
	order := moduleElf.ByteOrder
	return order.Uint32(data[symIdx*4:]), true
}

// findLiveModule walks the kernel's "modules" doubly-linked list looking
// for container_of(node, struct module, list).name == name.
func (k *LiveKernel) findLiveModule(name string) (objreader.Region, error) {
	head := k.ModulesHead
	next, err := head.Member("next")
	if err != nil {
		return objreader.Region{}, err
	}
	nextAddr, err := next.ReadUnsigned()
	if err != nil {
		return objreader.Region{}, err
	}
	cur := objreader.NewRegion(k.Mem, core.Address(nextAddr), head.Type)
	for uint64(cur.Addr) != uint64(head.Addr) {
		mod, err := objreader.ContainerOf(cur, k.ModuleType, "list")
		if err != nil {
			return objreader.Region{}, err
		}
		nameField, err := mod.Member("name")
		if err != nil {
			return objreader.Region{}, err
		}
		modName, err := objreader.ReadCString(k.Mem, nameField.Addr)
		if err != nil {
			return objreader.Region{}, err
		}
		if modName == name {
			return mod, nil
		}

		nextField, err := cur.Member("next")
		if err != nil {
			return objreader.Region{}, err
		}
		nextAddr, err = nextField.ReadUnsigned()
		if err != nil {
			return objreader.Region{}, err
		}
		cur = objreader.NewRegion(k.Mem, core.Address(nextAddr), head.Type)
	}
	return objreader.Region{}, core.Errf(core.Lookup, "%s is not loaded", name)
}

// sectionBase dereferences module.sect_attrs (nsections, attrs[]),
// scanning attrs[i].name for sectionName and returning attrs[i].address.
func (k *LiveKernel) sectionBase(moduleRegion objreader.Region, sectionName string) (core.Address, error) {
	sectAttrs, err := moduleRegion.MemberDeref("sect_attrs")
	if err != nil {
		return 0, err
	}
	nsectionsField, err := sectAttrs.Member("nsections")
	if err != nil {
		return 0, err
	}
	nsections, err := nsectionsField.ReadUnsigned()
	if err != nil {
		return 0, err
	}
	attrs, err := sectAttrs.Member("attrs")
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < nsections; i++ {
		attr, err := attrs.Subscript(int64(i))
		if err != nil {
			return 0, err
		}
		nameField, err := attr.Member("name")
		if err != nil {
			return 0, err
		}
		nameAddr, err := nameField.ReadUnsigned()
		if err != nil {
			return 0, err
		}
		name, err := objreader.ReadCString(k.Mem, core.Address(nameAddr))
		if err != nil {
			return 0, err
		}
		if name != sectionName {
			continue
		}
		addrField, err := attr.Member("address")
		if err != nil {
			return 0, err
		}
		addr, err := addrField.ReadUnsigned()
		if err != nil {
			return 0, err
		}
		return core.Address(addr), nil
	}
	return 0, core.Errf(core.Lookup, "section %q not found in module's sect_attrs", sectionName)
}
