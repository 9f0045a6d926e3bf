package devirt

import (
	"go/types"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/cfitargets/pkg/intrinsics"
	"github.com/715d/cfitargets/pkg/ir"
)

var (
	ptr      = intrinsics.BytePtr
	i32      = types.Typ[types.Int32]
	virtSig  = ir.NewSignature([]types.Type{i32}, ptr)
	voidSig  = ir.NewSignature(nil, ptr)
	condSig  = ir.NewSignature(nil, ptr, types.Typ[types.Bool])
	nullPtr  = &ir.ConstNull{Typ: ptr}
	typeName = "_ZTS1A"
)

// builder wraps an ir.Program under construction for tests.
type builder struct {
	t    *testing.T
	prog *ir.Program
}

func newBuilder(t *testing.T) *builder {
	t.Helper()
	return &builder{t: t, prog: ir.NewProgram(nil)}
}

func (b *builder) intrinsic(name string) *ir.Function {
	b.t.Helper()
	fn, err := b.prog.DeclareIntrinsic(name)
	require.NoError(b.t, err)
	return fn
}

func (b *builder) function(name string, sig *types.Signature, params ...string) *ir.Function {
	b.t.Helper()
	fn, err := b.prog.NewFunction(name, sig, params...)
	require.NoError(b.t, err)
	return fn
}

// method defines a function of virtSig with a trivial body.
func (b *builder) method(name string) *ir.Function {
	b.t.Helper()
	fn := b.function(name, virtSig)
	fn.NewBlock("entry").Unreachable()
	return fn
}

// vtable defines an Itanium style vtable global { [n+2]*uint8 } holding
// offset-to-top, RTTI and then entries, with id attached at offset 16.
func (b *builder) vtable(name string, id *ir.TypeID, entries ...ir.Constant) *ir.Global {
	b.t.Helper()
	arr := types.NewArray(ptr, int64(len(entries)+2))
	st := types.NewStruct([]*types.Var{types.NewField(0, nil, "vt", arr, false)}, nil)
	elems := []ir.Constant{nullPtr, nullPtr}
	for _, e := range entries {
		elems = append(elems, &ir.ConstCast{X: e, Typ: ptr})
	}
	value := &ir.ConstStruct{Typ: st, Fields: []ir.Constant{&ir.ConstArray{Typ: arr, Elems: elems}}}
	g, err := b.prog.NewGlobal(name, st, value)
	require.NoError(b.t, err)
	g.Constant = true
	g.Types = []ir.TypeMetadata{{Offset: 16, ID: id}}
	return g
}

// guardedCall appends to entry the type test dispatch pattern calling the
// function at offset of obj's vtable, and returns the call.
func (b *builder) guardedCall(entry *ir.Block, obj ir.Value, id *ir.TypeID, offset int64) *ir.Call {
	b.t.Helper()
	vtable := entry.Load("vtable", obj, ptr)
	tt := entry.Call("tt", nil, b.intrinsic(intrinsics.TypeTest), vtable, &ir.MetadataValue{ID: id})
	entry.Call("", nil, b.intrinsic(intrinsics.Assume), tt)
	slot := entry.GEP("slot", vtable, offset, nil)
	fp := entry.Load("fp", slot, virtSig)
	return entry.Call("r", nil, fp, obj)
}

func (b *builder) seal() *ir.Program {
	b.t.Helper()
	require.NoError(b.t, b.prog.Seal())
	return b.prog
}

// typeTests returns the type test calls of prog in program order.
func typeTests(prog *ir.Program) []*ir.Call {
	var calls []*ir.Call
	for _, use := range prog.Uses(prog.Function(intrinsics.TypeTest)) {
		calls = append(calls, use.(*ir.Call))
	}
	return calls
}
