// Package objreader reads kernel and userspace data structures by DWARF
// type: MemberDeref, ContainerOf, Subscript, ReadCString, and ReadUnsigned
// over a typed memory Region.
package objreader

import (
	"debug/dwarf"

	"github.com/progview/progstate/core"
)

// MemReader is the memory this package reads regions from: either a live
// kernel/process FileSegmentReader, or the object-reader's own test double.
type MemReader interface {
	ReadAt(buf []byte, a core.Address) error
}

// Region is a typed view of memory: an address together with the DWARF
// type describing what's stored there.
type Region struct {
	mem  MemReader
	Addr core.Address
	Type dwarf.Type
}

// NewRegion constructs a Region over mem at addr with the given DWARF type.
func NewRegion(mem MemReader, addr core.Address, typ dwarf.Type) Region {
	return Region{mem: mem, Addr: addr, Type: typ}
}

func stripTypedefs(t dwarf.Type) dwarf.Type {
	for {
		td, ok := t.(*dwarf.TypedefType)
		if !ok {
			return t
		}
		t = td.Type
	}
}

// Member returns the Region for the named field of a struct-typed Region.
func (r Region) Member(name string) (Region, error) {
	st, ok := stripTypedefs(r.Type).(*dwarf.StructType)
	if !ok {
		return Region{}, core.Errf(core.Lookup, "Member(%s): not a struct type", name)
	}
	for _, f := range st.Field {
		if f.Name == name {
			return Region{mem: r.mem, Addr: r.Addr.Add(f.ByteOffset), Type: f.Type}, nil
		}
	}
	return Region{}, core.Errf(core.Lookup, "no field %q in struct %s", name, st.StructName)
}

// HasMember reports whether name is a field of r's struct type, for
// version-skew tolerant callers (mirroring internal/gocore's HasField use
// for pctab/funcnametab's 1.16 split).
func (r Region) HasMember(name string) bool {
	st, ok := stripTypedefs(r.Type).(*dwarf.StructType)
	if !ok {
		return false
	}
	for _, f := range st.Field {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Deref follows a pointer-typed Region, reading the pointer value and
// returning a Region over the pointee at that address.
func (r Region) Deref() (Region, error) {
	pt, ok := stripTypedefs(r.Type).(*dwarf.PtrType)
	if !ok {
		return Region{}, core.Errf(core.Lookup, "Deref: not a pointer type")
	}
	addr, err := r.ReadUnsigned()
	if err != nil {
		return Region{}, err
	}
	return Region{mem: r.mem, Addr: core.Address(addr), Type: pt.Type}, nil
}

// MemberDeref is Member followed by Deref, the common case of following a
// named pointer field.
func (r Region) MemberDeref(name string) (Region, error) {
	m, err := r.Member(name)
	if err != nil {
		return Region{}, err
	}
	return m.Deref()
}

// ContainerOf computes the address of the struct of type containerType
// that embeds r as the field named memberName, the classic Linux
// container_of idiom, used to walk intrusive lists like struct module's
// "list" member.
func ContainerOf(r Region, containerType *dwarf.StructType, memberName string) (Region, error) {
	for _, f := range containerType.Field {
		if f.Name == memberName {
			return Region{mem: r.mem, Addr: r.Addr.Add(-f.ByteOffset), Type: containerType}, nil
		}
	}
	return Region{}, core.Errf(core.Lookup, "no field %q in struct %s", memberName, containerType.StructName)
}

// Subscript indexes an array-typed Region.
func (r Region) Subscript(i int64) (Region, error) {
	at, ok := stripTypedefs(r.Type).(*dwarf.ArrayType)
	if !ok {
		return Region{}, core.Errf(core.Lookup, "Subscript: not an array type")
	}
	elemSize := at.Type.Size()
	return Region{mem: r.mem, Addr: r.Addr.Add(i * elemSize), Type: at.Type}, nil
}

// ReadUnsigned reads r's value as an unsigned integer, sized per its DWARF
// type and always decoded little-endian. Used both for plain integer fields and for reading a
// pointer's bit pattern ahead of Deref.
func (r Region) ReadUnsigned() (uint64, error) {
	size := r.Type.Size()
	if size <= 0 || size > 8 {
		size = 8
	}
	buf := make([]byte, size)
	if err := r.mem.ReadAt(buf, r.Addr); err != nil {
		return 0, err
	}
	var v uint64
	for i := int64(size) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// ReadCString reads a NUL-terminated string starting at addr, with a
// generous bound to avoid runaway reads against corrupt data.
func ReadCString(mem MemReader, addr core.Address) (string, error) {
	const maxLen = 4096
	var out []byte
	var b [1]byte
	for i := 0; i < maxLen; i++ {
		if err := mem.ReadAt(b[:], addr.Add(int64(i))); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", core.Errf(core.Other, "C string at %s exceeds %d bytes without a NUL", addr, maxLen)
}
