package devirt

import (
	"cmp"
	"slices"

	"github.com/715d/cfitargets/pkg/ir"
)

// VTableBits is a global object carrying type metadata.
type VTableBits struct {
	Global *ir.Global

	// Index is the position of Global in the program, used for ordering.
	Index int

	// ObjectSize is the allocation size of the global's value.
	ObjectSize int64
}

// TypeMemberInfo places the subobject of one type inside a global: the
// subobject starts Offset bytes into Bits.Global.
type TypeMemberInfo struct {
	Bits   *VTableBits
	Offset uint64
}

func compareMembers(a, b TypeMemberInfo) int {
	return cmp.Or(
		cmp.Compare(a.Bits.Index, b.Bits.Index),
		cmp.Compare(a.Offset, b.Offset),
	)
}

// TypeIDMap maps each type identifier to the globals implementing it. Each
// member list is sorted by global position then offset and holds no
// duplicates.
type TypeIDMap map[*ir.TypeID][]TypeMemberInfo

// BuildTypeIDMap scans the globals of prog for type metadata. Globals
// without metadata are ignored; an empty map means nothing can be resolved.
func BuildTypeIDMap(prog *ir.Program) ([]*VTableBits, TypeIDMap) {
	var bits []*VTableBits
	m := make(TypeIDMap)
	for i, g := range prog.Globals {
		if len(g.Types) == 0 {
			continue
		}
		b := &VTableBits{
			Global:     g,
			Index:      i,
			ObjectSize: prog.AllocSize(g.ValueType),
		}
		bits = append(bits, b)
		for _, tm := range g.Types {
			m.insert(tm.ID, TypeMemberInfo{Bits: b, Offset: tm.Offset})
		}
	}
	return bits, m
}

func (m TypeIDMap) insert(id *ir.TypeID, member TypeMemberInfo) {
	members := m[id]
	i, found := slices.BinarySearchFunc(members, member, compareMembers)
	if found {
		return
	}
	m[id] = slices.Insert(members, i, member)
}
