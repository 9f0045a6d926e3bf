// Package intrinsics names the compiler-inserted marker operations that the
// indirect call analysis recognizes, and gives their canonical signatures.
package intrinsics

import (
	"go/token"
	"go/types"
	"strings"
)

// Kind identifies a marker operation.
type Kind int

const (
	KindNone Kind = iota
	KindTypeTest
	KindTypeCheckedLoad
	KindAssume
)

const (
	// TypeTest is llvm.type.test(ptr, typeid) -> i1.
	TypeTest = "llvm.type.test"

	// TypeCheckedLoad is llvm.type.checked.load(ptr, offset, typeid) -> {ptr, i1}.
	TypeCheckedLoad = "llvm.type.checked.load"

	// Assume is llvm.assume(i1).
	Assume = "llvm.assume"
)

// Prefix is shared by every intrinsic name.
const Prefix = "llvm."

// kinds maps intrinsic names to their kinds
var kinds = map[string]Kind{
	TypeTest:        KindTypeTest,
	TypeCheckedLoad: KindTypeCheckedLoad,
	Assume:          KindAssume,
}

// Metadata is the type of a metadata operand such as a type identifier.
var Metadata types.Type = types.NewNamed(
	types.NewTypeName(token.NoPos, nil, "metadata", nil),
	types.NewStruct(nil, nil),
	nil,
)

// BytePtr is the untyped pointer used for vtable and object pointers.
var BytePtr types.Type = types.NewPointer(types.Typ[types.Byte])

// Lookup returns the kind of the intrinsic with the given name.
func Lookup(name string) Kind {
	return kinds[name]
}

// IsIntrinsic reports whether name is in the reserved intrinsic namespace.
func IsIntrinsic(name string) bool {
	return strings.HasPrefix(name, Prefix)
}

// Signature returns the canonical signature of a known intrinsic, or nil.
func Signature(name string) *types.Signature {
	switch Lookup(name) {
	case KindTypeTest:
		return newSig(results(types.Typ[types.Bool]), BytePtr, Metadata)
	case KindTypeCheckedLoad:
		return newSig(results(BytePtr, types.Typ[types.Bool]), BytePtr, types.Typ[types.Int32], Metadata)
	case KindAssume:
		return newSig(results(), types.Typ[types.Bool])
	}
	return nil
}

func results(ts ...types.Type) *types.Tuple {
	vars := make([]*types.Var, len(ts))
	for i, t := range ts {
		vars[i] = types.NewParam(token.NoPos, nil, "", t)
	}
	return types.NewTuple(vars...)
}

func newSig(res *types.Tuple, params ...types.Type) *types.Signature {
	return types.NewSignatureType(nil, nil, nil, results(params...), res, false)
}
