package devirt

import (
	"go/types"

	"github.com/715d/cfitargets/pkg/ir"
)

// PointerAtOffset returns the pointer-typed constant found offset bytes
// into the constant c, descending through struct fields and array elements
// using the program's data layout. It returns nil if offset does not land
// exactly on a pointer.
func PointerAtOffset(prog *ir.Program, c ir.Constant, offset uint64) ir.Constant {
	if c == nil {
		return nil
	}
	if ir.IsPointer(c.Type()) {
		if offset == 0 {
			return c
		}
		return nil
	}

	switch c := c.(type) {
	case *ir.ConstStruct:
		st, ok := c.Typ.Underlying().(*types.Struct)
		if !ok || st.NumFields() != len(c.Fields) || st.NumFields() == 0 {
			return nil
		}
		if offset >= uint64(prog.Sizes.Sizeof(st)) {
			return nil
		}
		fields := make([]*types.Var, st.NumFields())
		for i := range fields {
			fields[i] = st.Field(i)
		}
		offsets := prog.Sizes.Offsetsof(fields)
		i := len(offsets) - 1
		for i > 0 && uint64(offsets[i]) > offset {
			i--
		}
		return PointerAtOffset(prog, c.Fields[i], offset-uint64(offsets[i]))

	case *ir.ConstArray:
		at, ok := c.Typ.Underlying().(*types.Array)
		if !ok {
			return nil
		}
		elemSize := prog.AllocSize(at.Elem())
		if elemSize <= 0 {
			return nil
		}
		i := offset / uint64(elemSize)
		if i >= uint64(len(c.Elems)) {
			return nil
		}
		return PointerAtOffset(prog, c.Elems[i], offset%uint64(elemSize))
	}
	return nil
}
