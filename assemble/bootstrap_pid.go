package assemble

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/progview/progstate/core"
)

// FromPid builds a Program for a live userspace process: a single
// full-range segment served from /proc/<pid>/mem, plus a mapping table
// parsed from /proc/<pid>/maps. No VMCOREINFO.
func (a *Assembler) FromPid(pid int) (*Program, error) {
	memPath := fmt.Sprintf("/proc/%d/mem", pid)
	f, err := os.OpenFile(memPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, core.Wrap(core.OS, err, "opening %s", memPath)
	}

	p := &Program{PtrSize: 8, LittleEndian: true}
	p.RegisterCleanup("mem-fd", func() { f.Close() })

	reader := &core.FileSegmentReader{}
	reader.AddSegment(&core.FileSegment{
		VirtualAddr: 0,
		PhysAddr:    core.U64Max,
		Size:        uint64(core.U64Max),
		FD:          int(f.Fd()),
		FileOffset:  0,
		FileSize:    uint64(core.U64Max),
	})
	p.Reader = reader
	p.RegisterCleanup("segments", func() { p.Reader = nil })

	mappings := &core.MappingTable{}
	mapsPath := fmt.Sprintf("/proc/%d/maps", pid)
	if err := parseProcMaps(mapsPath, mappings); err != nil {
		p.unwind()
		return nil, err
	}
	p.Mappings = mappings
	p.RegisterCleanup("mappings", func() { p.Mappings = nil })

	if err := a.buildIndices(p); err != nil {
		p.unwind()
		return nil, err
	}
	return p, nil
}

// parseProcMaps parses /proc/<pid>/maps lines of the form
// "%lx-%lx %4c %lx %x:%x %d %s", appending file-backed entries to
// mappings. Anonymous mappings (no trailing path) are skipped.
func parseProcMaps(path string, mappings *core.MappingTable) error {
	f, err := os.Open(path)
	if err != nil {
		return core.Wrap(core.OS, err, "opening %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue // anonymous mapping, no trailing path field
		}
		rangeField := fields[0]
		offsetField := fields[2]
		path := fields[5]

		dash := strings.IndexByte(rangeField, '-')
		if dash < 0 {
			return core.Errf(core.Other, "malformed /proc/<pid>/maps range %q", rangeField)
		}
		start, err := strconv.ParseUint(rangeField[:dash], 16, 64)
		if err != nil {
			return core.Wrap(core.Other, err, "parsing maps start address")
		}
		end, err := strconv.ParseUint(rangeField[dash+1:], 16, 64)
		if err != nil {
			return core.Wrap(core.Other, err, "parsing maps end address")
		}
		offset, err := strconv.ParseUint(offsetField, 16, 64)
		if err != nil {
			return core.Wrap(core.Other, err, "parsing maps offset")
		}
		if _, err := mappings.Append(core.Address(start), core.Address(end), offset, path); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return core.Wrap(core.OS, err, "scanning %s", path)
	}
	return nil
}
