package core

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// VMCOREINFO carries the release identity and KASLR offset of a kernel
// target, from whichever of three sources produced it: an embedded note,
// /sys/kernel/vmcoreinfo, or a kallsyms/.symtab comparison.
type VMCOREINFO struct {
	OSRelease   string // non-empty on success
	KASLROffset uint64 // zero when absent
}

// procSuperMagic is the fstatfs f_type value for /proc, used to recognize
// /proc/kcore.
const procSuperMagic = 0x9fa0

// MemReaderAt is the subset of FileSegmentReader the VMCOREINFO resolver
// needs to read physical memory for the /sys/kernel/vmcoreinfo path.
type MemReaderAt interface {
	ReadAt(buf []byte, a Address) error
}

// VmcoreinfoResolver implements the three prioritized VMCOREINFO sources:
// an embedded note, /sys/kernel/vmcoreinfo, and a kallsyms fallback.
type VmcoreinfoResolver struct {
	// SourceFD is the fd the core/kcore was opened from, used for the
	// /proc/kcore fstatfs check.
	SourceFD int
	// HavePhysAddr reports whether any PT_LOAD phdr carried a non-zero
	// p_paddr (i.e. the reader's physical-address space is meaningful).
	HavePhysAddr bool
	// PhysReader reads the core's physical address space (source 2).
	PhysReader MemReaderAt
	// VmlinuxPath is used by the kallsyms fallback (source 3) to resolve
	// _stext's static address.
	VmlinuxPath string
}

// IsProcKcore reports whether the resolver's source looks like /proc/kcore:
// NT_TASKSTRUCT present and the source fd's filesystem is /proc. It does not
// check for an embedded VMCOREINFO note; callers ask only when there is none.
func (r *VmcoreinfoResolver) IsProcKcore(haveTaskStruct bool) (bool, error) {
	if !haveTaskStruct {
		return false, nil
	}
	var stat unix.Statfs_t
	if err := unix.Fstatfs(r.SourceFD, &stat); err != nil {
		return false, Wrap(OS, err, "fstatfs")
	}
	return uint32(stat.Type) == procSuperMagic, nil
}

// Resolve runs the three sources in priority order. noteVMCOREINFO is the
// raw descriptor bytes of an embedded VMCOREINFO note, or nil if absent.
func (r *VmcoreinfoResolver) Resolve(noteVMCOREINFO []byte, haveTaskStruct bool) (VMCOREINFO, error) {
	if len(noteVMCOREINFO) > 0 {
		return ParseVMCOREINFO(noteVMCOREINFO)
	}

	isKcore, err := r.IsProcKcore(haveTaskStruct)
	if err != nil {
		return VMCOREINFO{}, err
	}
	if !isKcore {
		return VMCOREINFO{}, Errf(InvalidArgument, "no VMCOREINFO source available")
	}

	if r.HavePhysAddr {
		return r.resolveFromSysfs()
	}
	return r.resolveFromKallsyms()
}

// resolveFromSysfs reads /sys/kernel/vmcoreinfo's "address size" hex words,
// then the named Elf64_Nhdr-framed VMCOREINFO note out of physical memory.
func (r *VmcoreinfoResolver) resolveFromSysfs() (VMCOREINFO, error) {
	raw, err := os.ReadFile("/sys/kernel/vmcoreinfo")
	if err != nil {
		return VMCOREINFO{}, Wrap(OS, err, "reading /sys/kernel/vmcoreinfo")
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return VMCOREINFO{}, Errf(Other, "malformed /sys/kernel/vmcoreinfo")
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
	if err != nil {
		return VMCOREINFO{}, Wrap(Other, err, "parsing vmcoreinfo address")
	}
	size, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
	if err != nil {
		return VMCOREINFO{}, Wrap(Other, err, "parsing vmcoreinfo size")
	}

	buf := make([]byte, size)
	if err := r.PhysReader.ReadAt(buf, Address(addr)); err != nil {
		return VMCOREINFO{}, Wrap(OS, err, "reading VMCOREINFO from physical memory")
	}
	// Elf64_Nhdr: namesz, descsz, type (3x u32), then the 4-byte-padded
	// name ("VMCOREINFO\0" padded to 12 bytes), then the descriptor.
	if len(buf) < 24 {
		return VMCOREINFO{}, Errf(ELFFormat, "VMCOREINFO note too short")
	}
	namesz := binary.LittleEndian.Uint32(buf[0:4])
	if namesz != 11 {
		return VMCOREINFO{}, Errf(ELFFormat, "unexpected VMCOREINFO name size %d", namesz)
	}
	name := string(buf[12:22])
	if name != "VMCOREINFO" {
		return VMCOREINFO{}, Errf(ELFFormat, "unexpected VMCOREINFO note name %q", name)
	}
	return ParseVMCOREINFO(buf[24:])
}

// resolveFromKallsyms uses uname() + /proc/kallsyms + vmlinux's .symtab to
// derive the KASLR offset when the core carries no physical-address info.
func (r *VmcoreinfoResolver) resolveFromKallsyms() (VMCOREINFO, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return VMCOREINFO{}, Wrap(OS, err, "uname")
	}
	osrelease := cString(uts.Release[:])

	kallsymsAddr, err := lookupKallsyms("_stext")
	if err != nil {
		return VMCOREINFO{}, err
	}

	vmlinuxPath := r.VmlinuxPath
	if vmlinuxPath == "" {
		vmlinuxPath, err = findReadableVmlinux(osrelease)
		if err != nil {
			return VMCOREINFO{}, err
		}
	}
	elfAddr, err := lookupSymtab(vmlinuxPath, "_stext")
	if err != nil {
		return VMCOREINFO{}, err
	}

	return VMCOREINFO{
		OSRelease:   osrelease,
		KASLROffset: kallsymsAddr - elfAddr,
	}, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// lookupKallsyms finds name's address in /proc/kallsyms, a file of
// "<hex-addr> <type-char> <name>" lines.
//
// bufio.Scanner's Text() returns a fresh copy of each line, so splitting it
// with strings.Fields never risks corrupting an address token that a
// destructive in-place splitter would otherwise have to read first.
func lookupKallsyms(name string) (uint64, error) {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return 0, Wrap(OS, err, "opening /proc/kallsyms")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[2] != name {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return 0, Wrap(Other, err, "parsing kallsyms address on line %q", line)
		}
		return addr, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, Wrap(OS, err, "scanning /proc/kallsyms")
	}
	return 0, Errf(Lookup, "%s not found in /proc/kallsyms", name)
}

// findReadableVmlinux tries the standard vmlinux search paths and returns
// the first one that exists, for the kallsyms fallback's own use of
// vmlinux (ahead of the real DebugFileLocator pass, which hasn't run yet
// at this point in bootstrap).
func findReadableVmlinux(osrelease string) (string, error) {
	for _, path := range VmlinuxSearchPaths(osrelease) {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", Errf(MissingDebug, "no vmlinux found for release %s", osrelease)
}

// lookupSymtab finds name's static address in vmlinux's .symtab.
func lookupSymtab(vmlinuxPath, name string) (uint64, error) {
	f, err := elf.Open(vmlinuxPath)
	if err != nil {
		return 0, Wrap(OS, err, "opening %s", vmlinuxPath)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return 0, Wrap(LIBELF, err, "reading symbols from %s", vmlinuxPath)
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Value, nil
		}
	}
	return 0, Errf(Lookup, "%s not found in %s", name, vmlinuxPath)
}
