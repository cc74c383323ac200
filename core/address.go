// Package core provides the low-level primitives shared by the bootstrap and
// relocation subsystem: virtual addresses, the error taxonomy, the file
// mapping table, file-segment-backed memory reads, ELF note parsing, and
// VMCOREINFO resolution.
package core

import "fmt"

// Address is a virtual or physical address in the target.
type Address uint64

// U64Max denotes "no valid address" where the zero value would be ambiguous,
// e.g. FileSegment.PhysAddr when the core has no physical-address info.
const U64Max = Address(^uint64(0))

func (a Address) Add(n int64) Address {
	return a + Address(n)
}

// Sub returns a-b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
