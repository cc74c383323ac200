package assemble

import (
	"debug/elf"
	"os"
	"strings"

	"github.com/progview/progstate/core"
	"github.com/progview/progstate/debugfile"
	"github.com/progview/progstate/dwarfindex"
	"github.com/progview/progstate/objreader"
	"github.com/progview/progstate/reloc"
	"github.com/progview/progstate/symindex"
)

// Assembler builds a Program from a core dump, a running kernel, or a
// running process: FromCoreDump, FromKernel, FromPid.
type Assembler struct {
	// Verbose enables partial-failure reporting during debug-file discovery.
	Verbose bool
	// Base, if set, is tried as a prefix for userspace mapping paths (a
	// sysroot holding copies of the target's shared libraries).
	Base string
}

// FromKernel is FromCoreDump("/proc/kcore").
func (a *Assembler) FromKernel() (*Program, error) {
	return a.FromCoreDump("/proc/kcore")
}

// FromCoreDump builds a Program from an ELF core file, auto-detecting
// whether it describes a kernel or userspace target.
func (a *Assembler) FromCoreDump(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.Wrap(core.OS, err, "opening %s", path)
	}

	p := &Program{}
	p.RegisterCleanup("core-fd", func() { f.Close() })

	ef, err := elf.NewFile(f)
	if err != nil {
		p.unwind()
		return nil, core.Wrap(core.ELFFormat, err, "parsing %s as ELF", path)
	}
	if ef.Type != elf.ET_CORE {
		p.unwind()
		return nil, core.Errf(core.InvalidArgument, "%s is not a core file (type %s)", path, ef.Type)
	}

	is64 := ef.Class == elf.ELFCLASS64
	p.PtrSize = 4
	if is64 {
		p.PtrSize = 8
	}
	p.LittleEndian = ef.ByteOrder.String() == "LittleEndian"

	// First phdr pass: check whether any PT_LOAD carries physical-address info.
	haveNonZeroPhysAddr := false
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD && prog.Paddr != 0 {
			haveNonZeroPhysAddr = true
			break
		}
	}

	reader := &core.FileSegmentReader{}
	p.Reader = reader
	p.RegisterCleanup("segments", func() { p.Reader = nil })

	mappings := &core.MappingTable{}
	var vmcoreinfoNote strings.Builder
	haveTaskStruct := false

	fd := int(f.Fd())
	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			phys := core.U64Max
			if haveNonZeroPhysAddr {
				phys = core.Address(prog.Paddr)
			}
			reader.AddSegment(&core.FileSegment{
				VirtualAddr: core.Address(prog.Vaddr),
				PhysAddr:    phys,
				Size:        prog.Memsz,
				FD:          fd,
				FileOffset:  prog.Off,
				FileSize:    prog.Filesz,
			})
		case elf.PT_NOTE:
			align := uint64(4)
			if prog.Align == 8 {
				align = 8 // ELF_T_NHDR8, elfutils >= 0.175
			}
			noteParser := &core.ELFNoteParser{Is64Bit: is64, ByteOrder: ef.ByteOrder, Align: align}
			desc := make([]byte, prog.Filesz)
			if _, err := f.ReadAt(desc, int64(prog.Off)); err != nil {
				p.unwind()
				return nil, core.Wrap(core.OS, err, "reading PT_NOTE segment")
			}
			err := noteParser.Parse(desc, core.NoteCallbacks{
				Mappings:     mappings,
				OnTaskStruct: func() { haveTaskStruct = true },
				VMCOREINFO:   &vmcoreinfoNote,
			})
			if err != nil {
				p.unwind()
				return nil, err
			}
		}
	}

	// Classify the target as kernel or userspace.
	haveVmcoreinfo := vmcoreinfoNote.Len() > 0
	isKernel := haveVmcoreinfo
	isKcore := false
	if !isKernel && haveTaskStruct {
		resolver := &core.VmcoreinfoResolver{SourceFD: fd}
		var err error
		isKcore, err = resolver.IsProcKcore(haveTaskStruct)
		if err != nil {
			p.unwind()
			return nil, err
		}
		isKernel = isKcore
	}
	if !isKernel && len(mappings.Mappings()) == 0 {
		p.unwind()
		return nil, core.Errf(core.InvalidArgument, "%s is a userspace core with no NT_FILE mappings", path)
	}

	if isKernel {
		// Kernel targets carry no userspace file mappings.
		mappings.Discard()
		p.Flags |= IsLinuxKernel

		resolver := &core.VmcoreinfoResolver{
			SourceFD:     fd,
			HavePhysAddr: haveNonZeroPhysAddr,
			PhysReader:   reader.Physical(),
		}
		var noteBytes []byte
		if haveVmcoreinfo {
			noteBytes = []byte(vmcoreinfoNote.String())
		}
		info, err := resolver.Resolve(noteBytes, haveTaskStruct)
		if err != nil {
			p.unwind()
			return nil, err
		}
		p.Vmcoreinfo = &info
	} else {
		p.Mappings = mappings
		p.RegisterCleanup("mappings", func() { p.Mappings = nil })
	}

	if err := a.buildIndices(p); err != nil {
		p.unwind()
		return nil, err
	}
	return p, nil
}

// buildIndices builds the DWARF/symbol index and registers the cleanups
// for it.
func (a *Assembler) buildIndices(p *Program) error {
	ix := dwarfindex.New()
	p.DWARF = ix
	p.RegisterCleanup("dwarf-index", func() { ix.Close() })

	locator := &debugfile.Locator{Index: ix, Verbose: a.Verbose, Base: a.Base}

	if p.IsKernel() {
		if _, _, err := locator.LocateVmlinux(p.Vmcoreinfo.OSRelease); err != nil {
			return err
		}
		report, err := locator.LocateModules(p.Vmcoreinfo.OSRelease)
		if err != nil {
			// A missing module tree isn't fatal to the Program as a whole;
			// vmlinux symbols are still usable. Record and continue.
			p.Warnf("%v", err)
		} else if s := report.ReportString(); s != "" && a.Verbose {
			p.Warnf("%s", s)
		}
	} else {
		if err := locator.OpenUserspaceMappings(p.Mappings); err != nil {
			return err
		}
	}

	kernelRelocator := &reloc.KernelRelocator{Vmcoreinfo: zeroVmcoreinfo(p)}
	userRelocator := &reloc.UserspaceRelocator{Mappings: p.Mappings}

	if p.IsKernel() {
		kernelRelocator.Live = buildLiveKernel(p, ix, kernelRelocator)
	}

	isKernel := p.IsKernel()
	p.Syms = &symindex.Index{
		Dies: ix,
		Relocate: func(sym *core.Symbol, owningElf *elf.File) error {
			if isKernel {
				return kernelRelocator.Relocate(sym, owningElf)
			}
			return userRelocator.Relocate(sym, owningElf)
		},
	}
	return nil
}

// buildLiveKernel resolves the kernel's "modules" list head and struct
// module's DWARF layout, giving KernelRelocator what it needs to walk
// loaded modules for ET_REL symbols (the four-step module-symbol walk).
// Module support is optional (a CONFIG_MODULES=n kernel has no "modules"
// global or no struct module debug info); failure to resolve it is
// tolerated as a warning rather than failing the whole bootstrap, the same
// way a missing module debug-info tree is tolerated above.
func buildLiveKernel(p *Program, ix *dwarfindex.Index, kaslrRelocator *reloc.KernelRelocator) *reloc.LiveKernel {
	moduleType, err := ix.StructType("module")
	if err != nil {
		p.Warnf("module relocation unavailable: %v", err)
		return nil
	}
	modulesElf, modulesDie, err := ix.Die("modules")
	if err != nil {
		p.Warnf("module relocation unavailable: %v", err)
		return nil
	}
	modulesType, err := ix.DieType(modulesElf, modulesDie)
	if err != nil {
		p.Warnf("module relocation unavailable: %v", err)
		return nil
	}
	sym := &core.Symbol{Name: "modules", Address: symindex.DieAddress(modulesDie)}
	if err := kaslrRelocator.Relocate(sym, modulesElf); err != nil {
		p.Warnf("module relocation unavailable: %v", err)
		return nil
	}
	return &reloc.LiveKernel{
		Mem:         p.Reader,
		ModulesHead: objreader.NewRegion(p.Reader, sym.Address, modulesType),
		ModuleType:  moduleType,
	}
}

func zeroVmcoreinfo(p *Program) core.VMCOREINFO {
	if p.Vmcoreinfo == nil {
		return core.VMCOREINFO{}
	}
	return *p.Vmcoreinfo
}
