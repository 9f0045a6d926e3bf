package callsites

import (
	"go/types"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/cfitargets/pkg/intrinsics"
	"github.com/715d/cfitargets/pkg/ir"
	"github.com/715d/cfitargets/pkg/sentinel"
)

var (
	ptr     = intrinsics.BytePtr
	i32     = types.Typ[types.Int32]
	i64     = types.Typ[types.Int64]
	sigI32  = ir.NewSignature([]types.Type{i32}, ptr)
	sigI64  = ir.NewSignature([]types.Type{i64}, ptr)
	sigVoid = ir.NewSignature(nil, ptr)
	null    = &ir.ConstNull{Typ: ptr}
)

// hierarchy describes the test program: class A with methods f and g, and
// class B deriving from A and overriding f.
type hierarchy struct {
	// mutableB makes the vtable of B writable.
	mutableB bool

	// noMetadata strips the type metadata from both vtables.
	noMetadata bool

	// pureG makes A::g pure virtual and lets B implement it.
	pureG bool
}

type program struct {
	prog *ir.Program

	aF, aG, bF, bG *ir.Function
	vtA, vtB       *ir.Global

	// virtualCall dispatches A slot 0 with signature sigI32.
	virtualCall *ir.Call

	// virtualCallI64 dispatches A slot 0 with signature sigI64.
	virtualCallI64 *ir.Call

	// slotG dispatches A slot 8.
	slotG *ir.Call

	// plainCall calls a function pointer passed as argument.
	plainCall *ir.Call
}

func (h hierarchy) build(t *testing.T) *program {
	t.Helper()
	p := ir.NewProgram(nil)
	out := &program{prog: p}

	must := func(fn *ir.Function, err error) *ir.Function {
		t.Helper()
		require.NoError(t, err)
		return fn
	}
	method := func(name string) *ir.Function {
		fn := must(p.NewFunction(name, sigI32, "this"))
		fn.NewBlock("entry").Return(&ir.ConstInt{Typ: i32, Value: 0})
		return fn
	}

	out.aF = method("_ZN1A1fEv")
	out.bF = method("_ZN1B1fEv")
	var slotGA, slotGB ir.Constant
	if h.pureG {
		slotGA = must(p.NewFunction(sentinel.PureVirtual, sigVoid))
		out.bG = method("_ZN1B1gEv")
		slotGB = out.bG
	} else {
		out.aG = method("_ZN1A1gEv")
		slotGA, slotGB = out.aG, out.aG
	}

	typeA, typeB := ir.NewTypeID("_ZTS1A"), ir.NewTypeID("_ZTS1B")
	vtable := func(name string, entries ...ir.Constant) *ir.Global {
		arr := types.NewArray(ptr, int64(len(entries)+2))
		st := types.NewStruct([]*types.Var{types.NewField(0, nil, "vt", arr, false)}, nil)
		elems := []ir.Constant{null, null}
		for _, e := range entries {
			elems = append(elems, &ir.ConstCast{X: e, Typ: ptr})
		}
		g, err := p.NewGlobal(name, st, &ir.ConstStruct{Typ: st, Fields: []ir.Constant{&ir.ConstArray{Typ: arr, Elems: elems}}})
		require.NoError(t, err)
		g.Constant = true
		g.Linkage = ir.LinkOnceODR
		return g
	}
	out.vtA = vtable("_ZTV1A", out.aF, slotGA)
	out.vtB = vtable("_ZTV1B", out.bF, slotGB)
	if !h.noMetadata {
		out.vtA.Types = []ir.TypeMetadata{{Offset: 16, ID: typeA}}
		out.vtB.Types = []ir.TypeMetadata{{Offset: 16, ID: typeA}, {Offset: 16, ID: typeB}}
	}
	if h.mutableB {
		out.vtB.Constant = false
	}

	typeTest := must(p.DeclareIntrinsic(intrinsics.TypeTest))
	assume := must(p.DeclareIntrinsic(intrinsics.Assume))
	dispatch := func(b *ir.Block, obj ir.Value, offset int64, sig *types.Signature, line int) *ir.Call {
		vt := b.Load("vtable", obj, ptr)
		tt := b.Call("tt", nil, typeTest, vt, &ir.MetadataValue{ID: typeA})
		b.Call("", nil, assume, tt)
		slot := b.GEP("vfn", vt, offset, nil)
		fp := b.Load("fp", slot, sig)
		call := b.Call("r", nil, fp, obj)
		call.SetLoc(&ir.DebugLoc{File: "main.cpp", Line: line, Col: 5})
		return call
	}

	callA := must(p.NewFunction("callA", sigVoid, "obj"))
	entry := callA.NewBlock("entry")
	out.virtualCall = dispatch(entry, callA.Params[0], 0, sigI32, 10)
	out.slotG = dispatch(entry, callA.Params[0], 8, sigI32, 11)
	entry.Return()

	callWide := must(p.NewFunction("callWide", sigVoid, "obj"))
	entry = callWide.NewBlock("entry")
	out.virtualCallI64 = dispatch(entry, callWide.Params[0], 0, sigI64, 20)
	entry.Return()

	callPtr := must(p.NewFunction("callPtr", ir.NewSignature(nil, sigI32, ptr), "fp", "obj"))
	entry = callPtr.NewBlock("entry")
	out.plainCall = entry.Call("r", nil, callPtr.Params[0], callPtr.Params[1])
	out.plainCall.SetLoc(&ir.DebugLoc{File: "main.cpp", Line: 30, Col: 5})
	entry.Return()

	require.NoError(t, p.Seal())
	return out
}
