package core

// Symbol is what a relocator resolves: a named entity with a DWARF-relative
// address that gets mutated in place to the address valid in the live
// image.
type Symbol struct {
	Name          string
	Address       Address
	IsEnumerator  bool
	QualifiedType string
	LittleEndian  bool

	// Exactly one of SValue/UValue is meaningful, selected by the DWARF
	// type's signedness; both are carried so the symbol index can present
	// either without re-deriving it.
	SValue int64
	UValue uint64
}
