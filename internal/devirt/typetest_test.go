package devirt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/cfitargets/pkg/dominance"
	"github.com/715d/cfitargets/pkg/intrinsics"
	"github.com/715d/cfitargets/pkg/ir"
)

func TestFindDevirtualizableCalls(t *testing.T) {
	id := ir.NewTypeID(typeName)

	tests := []struct {
		name        string
		build       func(b *builder, fn *ir.Function) *ir.Call
		wantCalls   int
		wantOffset  uint64
		wantAssumes int
	}{
		{
			name: "guarded call",
			build: func(b *builder, fn *ir.Function) *ir.Call {
				entry := fn.NewBlock("entry")
				call := b.guardedCall(entry, fn.Params[0], id, 8)
				entry.Return()
				return call
			},
			wantCalls:   1,
			wantOffset:  8,
			wantAssumes: 1,
		},
		{
			name: "casts and chained offsets",
			build: func(b *builder, fn *ir.Function) *ir.Call {
				entry := fn.NewBlock("entry")
				obj := fn.Params[0]
				vtable := entry.Load("vtable", obj, ptr)
				cast := entry.Cast("vtable.cast", vtable, ptr)
				tt := entry.Call("tt", nil, b.intrinsic(intrinsics.TypeTest), cast, &ir.MetadataValue{ID: id})
				entry.Call("", nil, b.intrinsic(intrinsics.Assume), tt)
				g1 := entry.GEP("g1", cast, 8, nil)
				g2 := entry.GEP("g2", g1, 16, nil)
				raw := entry.Load("raw", g2, ptr)
				fp := entry.Cast("fp", raw, virtSig)
				call := entry.Call("r", nil, fp, obj)
				entry.Return()
				return call
			},
			wantCalls:   1,
			wantOffset:  24,
			wantAssumes: 1,
		},
		{
			name: "no assume",
			build: func(b *builder, fn *ir.Function) *ir.Call {
				entry := fn.NewBlock("entry")
				obj := fn.Params[0]
				vtable := entry.Load("vtable", obj, ptr)
				entry.Call("tt", nil, b.intrinsic(intrinsics.TypeTest), vtable, &ir.MetadataValue{ID: id})
				fp := entry.Load("fp", vtable, virtSig)
				call := entry.Call("r", nil, fp, obj)
				entry.Return()
				return call
			},
		},
		{
			name: "call not dominated by the type test",
			build: func(b *builder, fn *ir.Function) *ir.Call {
				entry := fn.NewBlock("entry")
				left := fn.NewBlock("left")
				right := fn.NewBlock("right")
				obj := fn.Params[0]
				vtable := entry.Load("vtable", obj, ptr)
				entry.If(fn.Params[1], left, right)
				tt := left.Call("tt", nil, b.intrinsic(intrinsics.TypeTest), vtable, &ir.MetadataValue{ID: id})
				left.Call("", nil, b.intrinsic(intrinsics.Assume), tt)
				left.Return()
				fp := right.Load("fp", vtable, virtSig)
				call := right.Call("r", nil, fp, obj)
				right.Return()
				return call
			},
			wantAssumes: 1,
		},
		{
			name: "assume does not dominate the call",
			build: func(b *builder, fn *ir.Function) *ir.Call {
				entry := fn.NewBlock("entry")
				checked := fn.NewBlock("checked")
				join := fn.NewBlock("join")
				obj := fn.Params[0]
				vtable := entry.Load("vtable", obj, ptr)
				tt := entry.Call("tt", nil, b.intrinsic(intrinsics.TypeTest), vtable, &ir.MetadataValue{ID: id})
				entry.If(fn.Params[1], checked, join)
				checked.Call("", nil, b.intrinsic(intrinsics.Assume), tt)
				checked.Jump(join)
				fp := join.Load("fp", vtable, virtSig)
				call := join.Call("r", nil, fp, obj)
				join.Return()
				return call
			},
			wantAssumes: 1,
		},
		{
			name: "function pointer passed as argument",
			build: func(b *builder, fn *ir.Function) *ir.Call {
				entry := fn.NewBlock("entry")
				obj := fn.Params[0]
				vtable := entry.Load("vtable", obj, ptr)
				tt := entry.Call("tt", nil, b.intrinsic(intrinsics.TypeTest), vtable, &ir.MetadataValue{ID: id})
				entry.Call("", nil, b.intrinsic(intrinsics.Assume), tt)
				fp := entry.Load("fp", vtable, ptr)
				sink := b.function("sink", voidSig)
				sink.NewBlock("entry").Return()
				call := entry.Call("", nil, sink, fp)
				entry.Return()
				return call
			},
			wantAssumes: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBuilder(t)
			fn := b.function("caller", condSig, "obj", "c")
			call := tt.build(b, fn)
			prog := b.seal()

			typeTest := typeTests(prog)[0]
			calls, assumes := FindDevirtualizableCalls(prog, typeTest, dominance.New(fn))
			require.Len(t, assumes, tt.wantAssumes)
			require.Len(t, calls, tt.wantCalls)
			if tt.wantCalls > 0 {
				require.Equal(t, DevirtCall{Offset: tt.wantOffset, Call: call}, calls[0])
			}
		})
	}
}

func TestIsProvenGuarded(t *testing.T) {
	b := newBuilder(t)
	fn := b.function("caller", condSig, "obj", "c")
	entry := fn.NewBlock("entry")
	call := b.guardedCall(entry, fn.Params[0], ir.NewTypeID(typeName), 0)
	entry.Return()
	prog := b.seal()

	tt := typeTests(prog)[0]
	rel := dominance.New(fn)
	var assumes []*ir.Call
	for _, use := range prog.Uses(tt) {
		assumes = append(assumes, use.(*ir.Call))
	}

	require.True(t, IsProvenGuarded(rel, tt, assumes, call))
	require.False(t, IsProvenGuarded(rel, tt, nil, call))
	require.False(t, IsProvenGuarded(rel, call, assumes, tt))
}

func TestFindCheckedLoadCalls(t *testing.T) {
	id := ir.NewTypeID(typeName)

	tests := []struct {
		name      string
		offset    ir.Value
		wantCalls int
	}{
		{"constant offset", &ir.ConstInt{Typ: i32, Value: 16}, 1},
		{"negative offset", &ir.ConstInt{Typ: i32, Value: -8}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBuilder(t)
			fn := b.function("caller", condSig, "obj", "c")
			entry := fn.NewBlock("entry")
			obj := fn.Params[0]
			vtable := entry.Load("vtable", obj, ptr)
			cl := entry.Call("cl", nil, b.intrinsic(intrinsics.TypeCheckedLoad), vtable, tt.offset, &ir.MetadataValue{ID: id})
			fp := entry.ExtractValue("fp", cl, 0)
			entry.ExtractValue("ok", cl, 1)
			call := entry.Call("r", virtSig, fp, obj)
			entry.Return()
			prog := b.seal()

			calls := FindCheckedLoadCalls(prog, cl, dominance.New(fn))
			require.Len(t, calls, tt.wantCalls)
			if tt.wantCalls > 0 {
				require.Equal(t, DevirtCall{Offset: 16, Call: call}, calls[0])
			}
		})
	}
}

func TestFindCheckedLoadCalls_NonConstantOffset(t *testing.T) {
	b := newBuilder(t)
	fn := b.function("caller", ir.NewSignature(nil, ptr, i32), "obj", "off")
	entry := fn.NewBlock("entry")
	obj := fn.Params[0]
	vtable := entry.Load("vtable", obj, ptr)
	cl := entry.Call("cl", nil, b.intrinsic(intrinsics.TypeCheckedLoad), vtable, fn.Params[1], &ir.MetadataValue{ID: ir.NewTypeID(typeName)})
	fp := entry.ExtractValue("fp", cl, 0)
	entry.Call("r", virtSig, fp, obj)
	entry.Return()
	prog := b.seal()

	require.Empty(t, FindCheckedLoadCalls(prog, cl, dominance.New(fn)))
}
