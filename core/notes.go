package core

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
)

// NT_FILE's note type value, matching the kernel's numbering (not yet in
// debug/elf as of the version this module was grounded on: see
// internal/core/process.go's own "TODO: add this to debug/elf?").
const ntFile = 0x46494c45

// NT_TASKSTRUCT presence is all this core cares about; the descriptor
// contents (a struct task_struct address) are not consumed here.
const ntTaskStruct = 4

const maxOsrelease = 64

// NoteCallbacks receives the notes an ELFNoteParser decodes, letting the
// caller route NT_FILE into a MappingTable while tracking NT_TASKSTRUCT
// presence and accumulating VMCOREINFO text.
type NoteCallbacks struct {
	Mappings *MappingTable
	OnTaskStruct func()
	VMCOREINFO   *strings.Builder // descriptor bytes of any VMCOREINFO note are appended here
}

// ELFNoteParser decodes PT_NOTE segments, dispatching CORE/NT_FILE,
// CORE/NT_TASKSTRUCT, and VMCOREINFO notes.
type ELFNoteParser struct {
	Is64Bit   bool
	ByteOrder binary.ByteOrder
	// Align is the note padding alignment: 4 for the traditional ELF_T_NHDR
	// layout, 8 for ELF_T_NHDR8 (used when the PT_NOTE phdr's p_align is 8,
	// as elfutils >= 0.175 emits). Zero means 4.
	Align uint64
}

func (p *ELFNoteParser) align() uint64 {
	if p.Align == 0 {
		return 4
	}
	return p.Align
}

// Parse walks the notes in desc (a PT_NOTE segment's raw bytes) and invokes
// cb for each recognized note.
func (p *ELFNoteParser) Parse(desc []byte, cb NoteCallbacks) error {
	align := p.align()
	for len(desc) > 0 {
		if len(desc) < 12 {
			return Errf(ELFFormat, "truncated note header")
		}
		namesz := p.ByteOrder.Uint32(desc[0:4])
		descsz := p.ByteOrder.Uint32(desc[4:8])
		typ := p.ByteOrder.Uint32(desc[8:12])
		desc = desc[12:]
		if uint64(namesz) > uint64(len(desc)) {
			return Errf(ELFFormat, "truncated note name")
		}
		if namesz == 0 {
			return Errf(ELFFormat, "zero-length note name")
		}
		name := string(desc[:namesz-1]) // drop the NUL terminator
		namePad := (uint64(namesz) + align - 1) / align * align
		if namePad > uint64(len(desc)) {
			return Errf(ELFFormat, "truncated note name padding")
		}
		desc = desc[namePad:]
		if uint64(descsz) > uint64(len(desc)) {
			return Errf(ELFFormat, "truncated note descriptor")
		}
		body := desc[:descsz]
		descPad := (uint64(descsz) + align - 1) / align * align
		if descPad > uint64(len(desc)) {
			return Errf(ELFFormat, "truncated note descriptor padding")
		}
		desc = desc[descPad:]

		switch {
		case name == "CORE" && typ == ntFile:
			if cb.Mappings != nil {
				if err := p.parseNTFile(body, cb.Mappings); err != nil {
					return err
				}
			}
		case name == "CORE" && typ == ntTaskStruct:
			if cb.OnTaskStruct != nil {
				cb.OnTaskStruct()
			}
		case name == "VMCOREINFO":
			if cb.VMCOREINFO != nil {
				cb.VMCOREINFO.Write(body)
			}
		}
	}
	return nil
}

// parseNTFile decodes the NT_FILE descriptor: a {count, page_size} header
// (u64 pairs on 64-bit targets, u32 on 32-bit), count (start,end,offset)
// triples, then count NUL-terminated path strings.
func (p *ELFNoteParser) parseNTFile(desc []byte, mappings *MappingTable) error {
	width := 8
	if !p.Is64Bit {
		width = 4
	}
	readWord := func(b []byte) (uint64, error) {
		if len(b) < width {
			return 0, Errf(ELFFormat, "truncated NT_FILE word")
		}
		if width == 8 {
			return p.ByteOrder.Uint64(b), nil
		}
		return uint64(p.ByteOrder.Uint32(b)), nil
	}

	count, err := readWord(desc)
	if err != nil {
		return err
	}
	desc = desc[width:]
	pageSize, err := readWord(desc)
	if err != nil {
		return err
	}
	desc = desc[width:]

	tripleWidth := uint64(width) * 3
	fixedLen := count * tripleWidth
	if fixedLen/tripleWidth != count || fixedLen > uint64(len(desc)) {
		return Errf(Overflow, "NT_FILE triple region overflows descriptor")
	}
	triples := desc[:fixedLen]
	paths := desc[fixedLen:]

	type triple struct {
		start, end, fileOffset uint64
	}
	entries := make([]triple, count)
	for i := uint64(0); i < count; i++ {
		b := triples[i*tripleWidth:]
		start, _ := readWord(b)
		end, _ := readWord(b[width:])
		off, _ := readWord(b[2*width:])
		entries[i] = triple{start, end, off}
	}

	for i := uint64(0); i < count; i++ {
		idx := bytes.IndexByte(paths, 0)
		if idx < 0 {
			return Errf(ELFFormat, "truncated NT_FILE path table")
		}
		name := string(paths[:idx])
		paths = paths[idx+1:]

		off := entries[i].fileOffset * pageSize
		if pageSize != 0 && off/pageSize != entries[i].fileOffset {
			return Errf(Overflow, "NT_FILE file offset overflow")
		}
		if _, err := mappings.Append(Address(entries[i].start), Address(entries[i].end), off, name); err != nil {
			return err
		}
	}
	return nil
}

// ParseVMCOREINFO parses a VMCOREINFO descriptor's `KEY=VALUE\n` lines,
// filling in osrelease and kaslrOffset. OSRELEASE is required; KERNELOFFSET
// defaults to zero when absent.
func ParseVMCOREINFO(desc []byte) (VMCOREINFO, error) {
	var info VMCOREINFO
	haveOsrelease := false
	for _, line := range strings.Split(string(desc), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "OSRELEASE="):
			v := line[len("OSRELEASE="):]
			if len(v) >= maxOsrelease {
				return VMCOREINFO{}, Errf(ELFFormat, "OSRELEASE value too long")
			}
			info.OSRelease = v
			haveOsrelease = true
		case strings.HasPrefix(line, "KERNELOFFSET="):
			v := line[len("KERNELOFFSET="):]
			if v == "" {
				return VMCOREINFO{}, Errf(ELFFormat, "empty KERNELOFFSET")
			}
			n, err := strconv.ParseUint(v, 16, 64)
			if err != nil {
				return VMCOREINFO{}, Wrap(ELFFormat, err, "parsing KERNELOFFSET %q", v)
			}
			info.KASLROffset = n
		}
		// Unknown keys are ignored.
	}
	if !haveOsrelease {
		return VMCOREINFO{}, Errf(ELFFormat, "VMCOREINFO missing OSRELEASE")
	}
	return info, nil
}
