package core

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

// buildNote encodes one Elf64-style note: namesz/descsz/type header, name
// padded to align, descriptor padded to align.
func buildNote(order binary.ByteOrder, align uint64, name string, typ uint32, desc []byte) []byte {
	var buf bytes.Buffer
	nameBytes := append([]byte(name), 0)

	var hdr [12]byte
	order.PutUint32(hdr[0:4], uint32(len(nameBytes)))
	order.PutUint32(hdr[4:8], uint32(len(desc)))
	order.PutUint32(hdr[8:12], typ)
	buf.Write(hdr[:])

	buf.Write(nameBytes)
	pad := (uint64(len(nameBytes))+align-1)/align*align - uint64(len(nameBytes))
	buf.Write(make([]byte, pad))

	buf.Write(desc)
	pad = (uint64(len(desc))+align-1)/align*align - uint64(len(desc))
	buf.Write(make([]byte, pad))

	return buf.Bytes()
}

func buildNTFileDesc(order binary.ByteOrder, pageSize uint64, entries [][3]uint64, paths []string) []byte {
	var buf bytes.Buffer
	var word [8]byte

	order.PutUint64(word[:], uint64(len(entries)))
	buf.Write(word[:])
	order.PutUint64(word[:], pageSize)
	buf.Write(word[:])

	for _, e := range entries {
		order.PutUint64(word[:], e[0])
		buf.Write(word[:])
		order.PutUint64(word[:], e[1])
		buf.Write(word[:])
		order.PutUint64(word[:], e[2])
		buf.Write(word[:])
	}
	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TestELFNoteParserNTFile(t *testing.T) {
	order := binary.LittleEndian
	pageSize := uint64(1)
	desc := buildNTFileDesc(order, pageSize, [][3]uint64{
		{0x1000, 0x2000, 0},
		{0x2000, 0x3000, 0x1000},
	}, []string{"/bin/prog", "/bin/prog"})

	note := buildNote(order, 4, "CORE", ntFile, desc)

	var mappings MappingTable
	p := &ELFNoteParser{Is64Bit: true, ByteOrder: order}
	if err := p.Parse(note, NoteCallbacks{Mappings: &mappings}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := mappings.Mappings()
	if len(got) != 1 {
		t.Fatalf("len(Mappings()) = %d, want 1 (contiguous entries should merge)", len(got))
	}
	if got[0].Start != 0x1000 || got[0].End != 0x3000 {
		t.Errorf("merged mapping = [%s,%s), want [0x1000,0x3000)", got[0].Start, got[0].End)
	}
}

func TestELFNoteParserTaskStruct(t *testing.T) {
	order := binary.LittleEndian
	note := buildNote(order, 4, "CORE", ntTaskStruct, []byte{1, 2, 3, 4})

	seen := false
	p := &ELFNoteParser{Is64Bit: true, ByteOrder: order}
	cb := NoteCallbacks{OnTaskStruct: func() { seen = true }}
	if err := p.Parse(note, cb); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !seen {
		t.Error("OnTaskStruct callback was not invoked")
	}
}

func TestELFNoteParserVMCOREINFO(t *testing.T) {
	order := binary.LittleEndian
	body := []byte("OSRELEASE=5.10.0\nKERNELOFFSET=200000\n")
	note := buildNote(order, 4, "VMCOREINFO", 0, body)

	var sb strings.Builder
	p := &ELFNoteParser{Is64Bit: true, ByteOrder: order}
	if err := p.Parse(note, NoteCallbacks{VMCOREINFO: &sb}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	info, err := ParseVMCOREINFO([]byte(sb.String()))
	if err != nil {
		t.Fatalf("ParseVMCOREINFO: %v", err)
	}
	if info.OSRelease != "5.10.0" {
		t.Errorf("OSRelease = %q, want 5.10.0", info.OSRelease)
	}
	if info.KASLROffset != 0x200000 {
		t.Errorf("KASLROffset = %#x, want 0x200000", info.KASLROffset)
	}
}

func TestParseVMCOREINFOMissingOSRelease(t *testing.T) {
	_, err := ParseVMCOREINFO([]byte("KERNELOFFSET=100\n"))
	if err == nil {
		t.Fatal("want error for missing OSRELEASE, got nil")
	}
}

func TestELFNoteParserTruncated(t *testing.T) {
	p := &ELFNoteParser{Is64Bit: true, ByteOrder: binary.LittleEndian}
	if err := p.Parse([]byte{1, 2, 3}, NoteCallbacks{}); err == nil {
		t.Fatal("want error for truncated note header, got nil")
	}
}
