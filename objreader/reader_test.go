package objreader

import (
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/progview/progstate/core"
)

// fakeMem is a byte-addressable memory double for tests.
type fakeMem struct {
	bytes map[core.Address]byte
}

func newFakeMem() *fakeMem {
	return &fakeMem{bytes: make(map[core.Address]byte)}
}

func (m *fakeMem) ReadAt(buf []byte, a core.Address) error {
	for i := range buf {
		b, ok := m.bytes[a.Add(int64(i))]
		if !ok {
			return core.Errf(core.Lookup, "unmapped address %s", a.Add(int64(i)))
		}
		buf[i] = b
	}
	return nil
}

func (m *fakeMem) putU64(a core.Address, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i, b := range buf {
		m.bytes[a.Add(int64(i))] = b
	}
}

func (m *fakeMem) putCString(a core.Address, s string) {
	for i, c := range []byte(s) {
		m.bytes[a.Add(int64(i))] = c
	}
	m.bytes[a.Add(int64(len(s)))] = 0
}

func uintType(size int64) *dwarf.UintType {
	return &dwarf.UintType{BasicType: dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: size, Name: "unsigned long"}}}
}

func TestRegionMemberAndReadUnsigned(t *testing.T) {
	mem := newFakeMem()
	fieldType := uintType(8)
	st := &dwarf.StructType{
		CommonType: dwarf.CommonType{ByteSize: 16, Name: "point"},
		StructName: "point",
		Field: []*dwarf.StructField{
			{Name: "x", Type: fieldType, ByteOffset: 0},
			{Name: "y", Type: fieldType, ByteOffset: 8},
		},
	}
	mem.putU64(0x1000, 7)
	mem.putU64(0x1008, 9)

	r := NewRegion(mem, 0x1000, st)
	x, err := r.Member("x")
	if err != nil {
		t.Fatalf("Member(x): %v", err)
	}
	v, err := x.ReadUnsigned()
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if v != 7 {
		t.Errorf("x = %d, want 7", v)
	}

	y, err := r.Member("y")
	if err != nil {
		t.Fatalf("Member(y): %v", err)
	}
	v, err = y.ReadUnsigned()
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if v != 9 {
		t.Errorf("y = %d, want 9", v)
	}

	if _, err := r.Member("z"); err == nil {
		t.Fatal("Member(z): want error, got nil")
	}
}

func TestRegionDerefAndContainerOf(t *testing.T) {
	mem := newFakeMem()
	fieldType := uintType(8)
	listType := &dwarf.StructType{
		CommonType: dwarf.CommonType{ByteSize: 8, Name: "list_head"},
		StructName: "list_head",
		Field: []*dwarf.StructField{
			{Name: "next", Type: nil, ByteOffset: 0}, // patched below
		},
	}
	ptrToList := &dwarf.PtrType{CommonType: dwarf.CommonType{ByteSize: 8}, Type: listType}
	listType.Field[0].Type = ptrToList

	moduleType := &dwarf.StructType{
		CommonType: dwarf.CommonType{ByteSize: 24, Name: "module"},
		StructName: "module",
		Field: []*dwarf.StructField{
			{Name: "refcnt", Type: fieldType, ByteOffset: 0},
			{Name: "list", Type: listType, ByteOffset: 8},
		},
	}

	// A module at 0x2000: refcnt at 0x2000, list (list_head) at 0x2008.
	mem.putU64(0x2000, 1)
	mem.putU64(0x2008, 0x3000) // list.next -> 0x3000 (another list_head, unused)

	listRegion := NewRegion(mem, 0x2008, listType)
	mod, err := ContainerOf(listRegion, moduleType, "list")
	if err != nil {
		t.Fatalf("ContainerOf: %v", err)
	}
	if mod.Addr != 0x2000 {
		t.Errorf("ContainerOf address = %s, want 0x2000", mod.Addr)
	}

	next, err := listRegion.MemberDeref("next")
	if err != nil {
		t.Fatalf("MemberDeref(next): %v", err)
	}
	if next.Addr != 0x3000 {
		t.Errorf("next address = %s, want 0x3000", next.Addr)
	}
}

func TestRegionSubscript(t *testing.T) {
	mem := newFakeMem()
	elemType := uintType(8)
	arrType := &dwarf.ArrayType{CommonType: dwarf.CommonType{ByteSize: 24}, Type: elemType, Count: 3}

	mem.putU64(0x4000, 10)
	mem.putU64(0x4008, 20)
	mem.putU64(0x4010, 30)

	r := NewRegion(mem, 0x4000, arrType)
	elem, err := r.Subscript(1)
	if err != nil {
		t.Fatalf("Subscript: %v", err)
	}
	v, err := elem.ReadUnsigned()
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if v != 20 {
		t.Errorf("elem[1] = %d, want 20", v)
	}

	if _, err := r.Subscript(2); err != nil {
		t.Fatalf("Subscript(2): %v", err)
	}
}

func TestReadCString(t *testing.T) {
	mem := newFakeMem()
	mem.putCString(0x5000, "ext4")

	s, err := ReadCString(mem, 0x5000)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if s != "ext4" {
		t.Errorf("ReadCString = %q, want ext4", s)
	}
}

func TestHasMember(t *testing.T) {
	st := &dwarf.StructType{
		StructName: "s",
		Field: []*dwarf.StructField{
			{Name: "a", Type: uintType(8), ByteOffset: 0},
		},
	}
	r := NewRegion(newFakeMem(), 0, st)
	if !r.HasMember("a") {
		t.Error("HasMember(a) = false, want true")
	}
	if r.HasMember("b") {
		t.Error("HasMember(b) = true, want false")
	}
}
