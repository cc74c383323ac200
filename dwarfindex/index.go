// Package dwarfindex indexes ELF/DWARF files by path and answers DIE
// lookups by name, without building a full DWARF type system.
package dwarfindex

import (
	"debug/dwarf"
	"debug/elf"
	"sync"

	"github.com/progview/progstate/core"
)

// entry is one successfully indexed file.
type entry struct {
	path string
	elf  *elf.File
	data *dwarf.Data
}

// Index accumulates indexed files and answers symbol/type queries against
// them. Safe to build incrementally via AddFile, matching
// debugfile.Locator's Indexer interface.
type Index struct {
	mu      sync.Mutex
	entries []*entry
	byPath  map[string]*entry
}

// New returns an empty Index.
func New() *Index {
	return &Index{byPath: make(map[string]*entry)}
}

// AddFile opens path as ELF, requires DWARF debug info, and indexes it.
// Returns the opened *elf.File (used by debugfile.Locator to populate a
// FileMapping's Elf field or to identify the vmlinux image).
func (ix *Index) AddFile(path string) (*elf.File, error) {
	f, err := elf.Open(path)
	if err != nil {
		// elf.Open fails for two distinct reasons: os.Open couldn't open the
		// path at all (ENOENT and friends, an *os.PathError), or the file
		// opened fine but isn't a valid ELF (an *elf.FormatError from
		// NewFile). Userspace cores map plenty of non-ELF files (locale
		// archives, font caches, data files), so callers need to tell those
		// two apart to tolerate the latter per-mapping.
		if _, ok := err.(*elf.FormatError); ok {
			return nil, core.Wrap(core.ELFFormat, err, "%s is not a valid ELF file", path)
		}
		return nil, core.Wrap(core.OS, err, "opening %s", path)
	}
	d, err := f.DWARF()
	if err != nil {
		f.Close()
		return nil, core.Wrap(core.MissingDebug, err, "%s has no usable debug info", path)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	e := &entry{path: path, elf: f, data: d}
	ix.entries = append(ix.entries, e)
	ix.byPath[path] = e
	return f, nil
}

// Files returns every successfully indexed *elf.File, in index order.
func (ix *Index) Files() []*elf.File {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]*elf.File, len(ix.entries))
	for i, e := range ix.entries {
		out[i] = e.elf
	}
	return out
}

// DWARFFor returns the debug/dwarf.Data for a previously indexed ELF handle.
func (ix *Index) DWARFFor(f *elf.File) *dwarf.Data {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range ix.entries {
		if e.elf == f {
			return e.data
		}
	}
	return nil
}

// Close releases every indexed ELF handle. Registered on the Program's
// cleanup stack by the assembler.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var first error
	for _, e := range ix.entries {
		if err := e.elf.Close(); err != nil && first == nil {
			first = err
		}
	}
	ix.entries = nil
	ix.byPath = make(map[string]*entry)
	return first
}

// Die looks up a DIE by symbol name across every indexed file's compile
// units, returning the owning ELF handle alongside it. This is deliberately
// a linear scan over top-level subprogram/variable DIEs: a faithful
// name→offset cache belongs to the real DWARF index this core treats as an
// external collaborator.
func (ix *Index) Die(name string) (*elf.File, *dwarf.Entry, error) {
	ix.mu.Lock()
	entries := append([]*entry(nil), ix.entries...)
	ix.mu.Unlock()

	for _, e := range entries {
		r := e.data.Reader()
		for {
			die, err := r.Next()
			if err != nil {
				break
			}
			if die == nil {
				break
			}
			if die.Tag == dwarf.TagCompileUnit || die.Tag == dwarf.TagPartialUnit {
				continue
			}
			if die.Tag == dwarf.TagSubprogram || die.Tag == dwarf.TagVariable {
				if n, ok := die.Val(dwarf.AttrName).(string); ok && n == name {
					return e.elf, die, nil
				}
			}
			if die.Children {
				r.SkipChildren()
			}
		}
	}
	return nil, nil, core.Errf(core.Lookup, "symbol %q not found in any indexed file", name)
}

// StructType looks up a named struct type (e.g. "module", "list_head")
// across every indexed file, returning its full DWARF layout. Used by
// KernelRelocator's struct module walk to resolve field offsets it needs
// but has no DIE of its own for.
func (ix *Index) StructType(name string) (*dwarf.StructType, error) {
	ix.mu.Lock()
	entries := append([]*entry(nil), ix.entries...)
	ix.mu.Unlock()

	for _, e := range entries {
		r := e.data.Reader()
		for {
			die, err := r.Next()
			if err != nil || die == nil {
				break
			}
			if die.Tag != dwarf.TagStructType {
				continue
			}
			if n, ok := die.Val(dwarf.AttrName).(string); ok && n == name {
				t, err := e.data.Type(die.Offset)
				if err != nil {
					return nil, core.Wrap(core.ELFFormat, err, "resolving struct %s", name)
				}
				st, ok := t.(*dwarf.StructType)
				if !ok {
					return nil, core.Errf(core.ELFFormat, "DIE for %q is not a struct type", name)
				}
				return st, nil
			}
		}
	}
	return nil, core.Errf(core.Lookup, "struct %q not found in any indexed file", name)
}

// DieType resolves a DIE's DW_AT_type attribute to the dwarf.Type it
// references, looked up against the file it came from.
func (ix *Index) DieType(owningElf *elf.File, die *dwarf.Entry) (dwarf.Type, error) {
	d := ix.DWARFFor(owningElf)
	if d == nil {
		return nil, core.Errf(core.Lookup, "no DWARF data indexed for %s", owningElf)
	}
	off, ok := die.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return nil, core.Errf(core.Lookup, "DIE has no type attribute")
	}
	t, err := d.Type(off)
	if err != nil {
		return nil, core.Wrap(core.ELFFormat, err, "resolving DIE type")
	}
	return t, nil
}
