package analysis

import (
	"go/types"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// NameCache provides efficient caching of canonical type names. The names
// key the diagnostic dump, the report and the target graph, so identical
// signatures must always render the same way.
type NameCache struct {
	typeCache *xsync.Map[types.Type, string]
}

func NewNameCache() *NameCache {
	return &NameCache{
		typeCache: xsync.NewMap[types.Type, string](),
	}
}

// ComputeTypeName generates a canonical name for a types.Type.
// For named types, returns packagePath.TypeName[TypeArgs].
// For pointer types, returns *ElemName.
// For signatures, returns func(Params) Results with every component named
// recursively.
func (c *NameCache) ComputeTypeName(typ types.Type) string {
	if typ == nil {
		return ""
	}
	name, ok := c.typeCache.Load(typ)
	if ok {
		return name
	}
	name = c.computeTypeName(typ)
	c.typeCache.Store(typ, name)
	return name
}

// ComputeSignatureName is ComputeTypeName for call signatures.
func (c *NameCache) ComputeSignatureName(sig *types.Signature) string {
	if sig == nil {
		return ""
	}
	return c.ComputeTypeName(sig)
}

func (c *NameCache) computeTypeName(typ types.Type) string {
	switch t := typ.(type) {
	case *types.Alias:
		return c.ComputeTypeName(types.Unalias(t))

	case *types.Basic:
		// byte and rune name the same types as uint8 and int32.
		return types.Typ[t.Kind()].Name()

	case *types.Pointer:
		elemName := c.ComputeTypeName(t.Elem())
		if elemName == "" {
			return ""
		}
		var builder strings.Builder
		builder.Grow(len(elemName) + 1)
		builder.WriteByte('*')
		builder.WriteString(elemName)
		return builder.String()

	case *types.Signature:
		var builder strings.Builder
		builder.Grow(64) // Pre-allocate for typical signatures
		builder.WriteString("func")
		c.writeTuple(&builder, t.Params(), t.Variadic())
		switch results := t.Results(); results.Len() {
		case 0:
		case 1:
			builder.WriteByte(' ')
			builder.WriteString(c.ComputeTypeName(results.At(0).Type()))
		default:
			builder.WriteByte(' ')
			c.writeTuple(&builder, results, false)
		}
		return builder.String()

	case *types.Named:
		obj := t.Obj()
		if obj == nil {
			return typ.String()
		}
		var builder strings.Builder
		builder.Grow(64)
		if pkg := obj.Pkg(); pkg != nil {
			builder.WriteString(pkg.Path())
			builder.WriteByte('.')
		}
		builder.WriteString(obj.Name())
		c.writeTypeArgs(&builder, t.TypeArgs())
		return builder.String()
	}

	// Basic, struct and array types have no package information worth
	// keeping beyond what types.TypeString prints.
	return types.TypeString(typ, func(p *types.Package) string { return p.Path() })
}

// writeTuple writes "(A, B, ...C)". Parameter names are not part of the
// canonical name.
func (c *NameCache) writeTuple(builder *strings.Builder, tuple *types.Tuple, variadic bool) {
	builder.WriteByte('(')
	for i := range tuple.Len() {
		if i > 0 {
			builder.WriteString(", ")
		}
		typ := tuple.At(i).Type()
		if variadic && i == tuple.Len()-1 {
			builder.WriteString("...")
			if s, ok := typ.(*types.Slice); ok {
				typ = s.Elem()
			}
		}
		builder.WriteString(c.ComputeTypeName(typ))
	}
	builder.WriteByte(')')
}

// writeTypeArgs writes "[T, string, ...]" for instantiated types.
func (c *NameCache) writeTypeArgs(builder *strings.Builder, typeArgs *types.TypeList) {
	if typeArgs == nil || typeArgs.Len() == 0 {
		return
	}
	builder.WriteByte('[')
	for i := range typeArgs.Len() {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(c.ComputeTypeName(typeArgs.At(i)))
	}
	builder.WriteByte(']')
}
