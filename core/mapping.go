package core

// FileMapping is a file-backed virtual memory region: NT_FILE entries in a
// core dump, or /proc/<pid>/maps lines for a live userspace target.
//
// Elf is populated later by the debug-file locator and is nil until the
// backing file is opened; mappings only ever borrow it (the DWARF index
// owns the handle), so it is stored as an opaque token rather than a raw
// pointer to whatever ELF library the caller is using.
type FileMapping struct {
	Start      Address
	End        Address
	FileOffset uint64
	Path       string
	Elf        interface{}
}

func (m *FileMapping) length() uint64 {
	return uint64(m.End.Sub(m.Start))
}

// AppendOutcome reports what MappingTable.Append did with the given range.
type AppendOutcome int

const (
	// Appended means a new entry was pushed.
	Appended AppendOutcome = iota
	// Merged means no new entry was pushed and the incoming path was not
	// retained: the range extended the previous entry in place, or it was
	// zero-length and dropped.
	Merged
)

// MappingTable is an ordered, insertion-order list of FileMapping entries,
// collapsing adjacent mappings of the same backing file into one.
type MappingTable struct {
	mappings []FileMapping
}

// Mappings returns the table's entries in insertion order.
func (t *MappingTable) Mappings() []FileMapping {
	return t.mappings
}

// Append records a mapping [start,end) at the given file offset and path.
//
// Zero-length ranges (start==end) are silently dropped, returning Merged. start>end is
// rejected with an error. A range contiguous with the previous entry in
// virtual address, file offset, and path is folded into it and Merged is
// returned; otherwise the range is pushed as a new entry and Appended is
// returned.
func (t *MappingTable) Append(start, end Address, fileOffset uint64, path string) (AppendOutcome, error) {
	if start > end {
		return Appended, Errf(ELFFormat, "mapping start %s > end %s", start, end)
	}
	if start == end {
		return Merged, nil
	}
	if n := len(t.mappings); n > 0 {
		prev := &t.mappings[n-1]
		if prev.Path == path && prev.End == start && prev.FileOffset+prev.length() == fileOffset {
			prev.End = end
			return Merged, nil
		}
	}
	if t.mappings == nil {
		t.mappings = make([]FileMapping, 0, 1)
	}
	t.mappings = append(t.mappings, FileMapping{
		Start:      start,
		End:        end,
		FileOffset: fileOffset,
		Path:       path,
	})
	return Appended, nil
}

// Find returns the mapping containing the given virtual address, or nil.
func (t *MappingTable) Find(a Address) *FileMapping {
	for i := range t.mappings {
		m := &t.mappings[i]
		if a >= m.Start && a < m.End {
			return m
		}
	}
	return nil
}

// FindByElfOffset returns the mapping backed by elf whose file-offset range
// covers fileOffset. Used by the userspace relocator.
func (t *MappingTable) FindByElfOffset(elf interface{}, fileOffset uint64) *FileMapping {
	for i := range t.mappings {
		m := &t.mappings[i]
		if m.Elf != elf {
			continue
		}
		if fileOffset >= m.FileOffset && fileOffset < m.FileOffset+m.length() {
			return m
		}
	}
	return nil
}

// Discard clears the table. Used when a kernel target's NT_FILE mappings
// must be thrown away: kernel cores carry no userspace file mappings.
func (t *MappingTable) Discard() {
	t.mappings = nil
}
