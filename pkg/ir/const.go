package ir

import (
	"fmt"
	"go/types"
)

// Constant is a value known at compile time: functions, globals and the
// constant expressions below.
type Constant interface {
	Value
	isConstant()
}

// ConstInt is an integer constant.
type ConstInt struct {
	Typ   types.Type
	Value int64
}

func (c *ConstInt) Name() string     { return fmt.Sprint(c.Value) }
func (c *ConstInt) Type() types.Type { return c.Typ }
func (c *ConstInt) isConstant()      {}

// ConstNull is the null pointer or all-zero value of Typ.
type ConstNull struct {
	Typ types.Type
}

func (c *ConstNull) Name() string     { return "null" }
func (c *ConstNull) Type() types.Type { return c.Typ }
func (c *ConstNull) isConstant()      {}

// ConstStruct is a constant of struct type.
type ConstStruct struct {
	Typ    types.Type
	Fields []Constant
}

func (c *ConstStruct) Name() string     { return fmt.Sprintf("{%d fields}", len(c.Fields)) }
func (c *ConstStruct) Type() types.Type { return c.Typ }
func (c *ConstStruct) isConstant()      {}

// ConstArray is a constant of array type.
type ConstArray struct {
	Typ   types.Type
	Elems []Constant
}

func (c *ConstArray) Name() string     { return fmt.Sprintf("[%d elems]", len(c.Elems)) }
func (c *ConstArray) Type() types.Type { return c.Typ }
func (c *ConstArray) isConstant()      {}

// ConstCast is a constant pointer cast of X to Typ.
type ConstCast struct {
	X   Constant
	Typ types.Type
}

func (c *ConstCast) Name() string     { return c.X.Name() }
func (c *ConstCast) Type() types.Type { return c.Typ }
func (c *ConstCast) isConstant()      {}

// ConstGEP is the constant address Base plus Offset bytes.
type ConstGEP struct {
	Base   Constant
	Offset int64
	Typ    types.Type
}

func (c *ConstGEP) Name() string { return fmt.Sprintf("%s+%d", c.Base.Name(), c.Offset) }

func (c *ConstGEP) Type() types.Type {
	if c.Typ == nil {
		return c.Base.Type()
	}
	return c.Typ
}

func (c *ConstGEP) isConstant() {}

// IsPointer reports whether values of type t are plain pointers: data
// pointers, function values and unsafe pointers.
func IsPointer(t types.Type) bool {
	if t == nil {
		return false
	}
	switch u := t.Underlying().(type) {
	case *types.Pointer, *types.Signature:
		return true
	case *types.Basic:
		return u.Kind() == types.UnsafePointer
	}
	return false
}

// StripPointerCasts removes pointer casts and zero-offset address
// computations from v, both constant and instruction forms.
func StripPointerCasts(v Value) Value {
	for {
		switch x := v.(type) {
		case *ConstCast:
			v = x.X
		case *ConstGEP:
			if x.Offset != 0 {
				return v
			}
			v = x.Base
		case *Cast:
			if !IsPointer(x.Typ) || !IsPointer(x.X.Type()) {
				return v
			}
			v = x.X
		case *GEP:
			if x.Offset != 0 {
				return v
			}
			v = x.Base
		default:
			return v
		}
	}
}
