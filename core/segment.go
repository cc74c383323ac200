package core

import (
	"sort"

	"golang.org/x/sys/unix"
)

// FileSegment is one PT_LOAD's worth of the core: a virtual-address range
// backed by a byte range of some file descriptor.
type FileSegment struct {
	VirtualAddr Address
	PhysAddr    Address // U64Max if the core has no physical-address info
	Size        uint64
	FD          int
	FileOffset  uint64
	FileSize    uint64 // may be less than Size; the remainder reads as zero
}

func (s *FileSegment) end() Address {
	return s.VirtualAddr.Add(int64(s.Size))
}

// FileSegmentReader serves byte reads against a set of (fd, offset, size)
// file segments keyed by virtual address.
type FileSegmentReader struct {
	segments []*FileSegment
	sorted   bool
}

// AddSegment registers a new segment. Segments may be added in any order;
// the reader sorts by VirtualAddr lazily on first read.
func (r *FileSegmentReader) AddSegment(s *FileSegment) {
	r.segments = append(r.segments, s)
	r.sorted = false
}

func (r *FileSegmentReader) ensureSorted() {
	if r.sorted {
		return
	}
	sort.Slice(r.segments, func(i, j int) bool {
		return r.segments[i].VirtualAddr < r.segments[j].VirtualAddr
	})
	r.sorted = true
}

// find returns the segment covering virtual address a, or nil.
func (r *FileSegmentReader) find(a Address) *FileSegment {
	r.ensureSorted()
	segs := r.segments
	i := sort.Search(len(segs), func(i int) bool { return segs[i].end() > a })
	if i == len(segs) || a < segs[i].VirtualAddr {
		return nil
	}
	return segs[i]
}

// findPhys returns the segment whose physical-address range covers a, or
// nil. Unlike find, this is a linear scan: physical ranges aren't kept
// sorted (they're only ever consulted once, for VMCOREINFO's
// /sys/kernel/vmcoreinfo path), and segments with no physical-address info
// (PhysAddr == U64Max) are skipped.
func (r *FileSegmentReader) findPhys(a Address) *FileSegment {
	for _, s := range r.segments {
		if s.PhysAddr == U64Max {
			continue
		}
		if a >= s.PhysAddr && a < s.PhysAddr.Add(int64(s.Size)) {
			return s
		}
	}
	return nil
}

// readSegment reads len(buf) bytes starting offset off into segment s,
// zero-filling any portion beyond s.FileSize (the core's bss-like tail).
func readSegment(s *FileSegment, off uint64, buf []byte) error {
	if off+uint64(len(buf)) > s.Size {
		return Errf(Lookup, "read of %d bytes at segment offset %#x overruns segment", len(buf), off)
	}
	zeroFrom := len(buf)
	if off < s.FileSize {
		n := int(s.FileSize - off)
		if n > len(buf) {
			n = len(buf)
		}
		zeroFrom = n
		if _, err := unix.Pread(s.FD, buf[:n], int64(s.FileOffset+off)); err != nil {
			return Wrap(OS, err, "pread at fd %d offset %d", s.FD, s.FileOffset+off)
		}
	} else {
		zeroFrom = 0
	}
	for i := zeroFrom; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at virtual address a. A read may not
// span more than one segment.
func (r *FileSegmentReader) ReadAt(buf []byte, a Address) error {
	s := r.find(a)
	if s == nil {
		return Errf(Lookup, "address %s is not mapped", a)
	}
	return readSegment(s, uint64(a.Sub(s.VirtualAddr)), buf)
}

// Readable reports whether address a is backed by some segment.
func (r *FileSegmentReader) Readable(a Address) bool {
	return r.find(a) != nil
}

// Physical returns a view of r keyed by FileSegment.PhysAddr instead of
// VirtualAddr, for VMCOREINFO's /sys/kernel/vmcoreinfo path, which reports
// a physical address (spec: "reads that many bytes from the reader's
// physical address space").
func (r *FileSegmentReader) Physical() *PhysicalReader {
	return &PhysicalReader{r: r}
}

// PhysicalReader adapts a FileSegmentReader to ReadAt by physical rather
// than virtual address.
type PhysicalReader struct {
	r *FileSegmentReader
}

// ReadAt reads len(buf) bytes starting at physical address a.
func (p *PhysicalReader) ReadAt(buf []byte, a Address) error {
	s := p.r.findPhys(a)
	if s == nil {
		return Errf(Lookup, "physical address %s is not mapped", a)
	}
	return readSegment(s, uint64(a.Sub(s.PhysAddr)), buf)
}
