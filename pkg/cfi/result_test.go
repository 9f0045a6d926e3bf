package cfi

import (
	"bytes"
	"go/types"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/cfitargets/pkg/intrinsics"
	"github.com/715d/cfitargets/pkg/ir"
)

type fixture struct {
	sigA, sigB     *types.Signature
	f1, f2, g1     *ir.Function
	callA1, callA2 *ir.Call
	callB          *ir.Call
}

// newFixture builds f1, f2 : func(*uint8) int32, g1 : func(*uint8) and a
// caller making two indirect calls of the first signature and one of the
// second.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	i32 := types.Typ[types.Int32]
	ptr := intrinsics.BytePtr

	fx := &fixture{
		sigA: ir.NewSignature([]types.Type{i32}, ptr),
		sigB: ir.NewSignature(nil, ptr),
	}
	p := ir.NewProgram(nil)
	var err error
	for _, def := range []struct {
		fn  **ir.Function
		nm  string
		sig *types.Signature
	}{
		{&fx.f2, "f2", fx.sigA},
		{&fx.f1, "f1", fx.sigA},
		{&fx.g1, "g1", fx.sigB},
	} {
		*def.fn, err = p.NewFunction(def.nm, def.sig)
		require.NoError(t, err)
		(*def.fn).NewBlock("entry").Unreachable()
	}

	caller, err := p.NewFunction("caller", ir.NewSignature(nil, ptr), "obj")
	require.NoError(t, err)
	entry := caller.NewBlock("entry")
	obj := caller.Param("obj")
	fpA := entry.Load("fpa", obj, fx.sigA)
	fpB := entry.Load("fpb", obj, fx.sigB)
	fx.callA1 = entry.Call("a1", nil, fpA, obj)
	fx.callA1.SetLoc(&ir.DebugLoc{File: "main.cpp", Line: 10, Col: 3})
	fx.callB = entry.Call("b", nil, fpB, obj)
	fx.callA2 = entry.Call("a2", nil, fpA, obj)
	entry.Return()
	require.NoError(t, p.Seal())
	return fx
}

func TestResult_Targets(t *testing.T) {
	fx := newFixture(t)
	r := NewResult(nil)

	require.False(t, r.HasTargets(fx.sigA, Plain))
	_, err := r.Targets(fx.sigA, Plain)
	require.ErrorIs(t, err, ErrNoTargets)

	r.AddTarget(fx.sigA, fx.f2, Plain)
	r.AddTargets(fx.sigA, []*ir.Function{fx.f1, fx.f2}, Plain)

	require.True(t, r.HasTargets(fx.sigA, Plain))
	require.False(t, r.HasTargets(fx.sigA, Virtual))
	got, err := r.Targets(fx.sigA, Plain)
	require.NoError(t, err)
	require.Equal(t, []*ir.Function{fx.f1, fx.f2}, got)

	// A separately built but identical signature finds the same entry.
	i32 := types.Typ[types.Int32]
	same := ir.NewSignature([]types.Type{i32}, intrinsics.BytePtr)
	require.True(t, r.HasTargets(same, Plain))
	require.Len(t, r.Signatures(Plain), 1)
}

func TestResult_AddTargetsEmpty(t *testing.T) {
	fx := newFixture(t)
	r := NewResult(nil)

	r.AddTargets(fx.sigA, nil, Virtual)
	r.AddTargets(fx.sigA, []*ir.Function{}, Virtual)
	require.False(t, r.HasTargets(fx.sigA, Virtual))
	require.Empty(t, r.Signatures(Virtual))
	require.Empty(t, r.Report().Virtual.Targets)

	r.AddTargets(fx.sigA, []*ir.Function{fx.f1}, Virtual)
	require.True(t, r.HasTargets(fx.sigA, Virtual))
}

func TestResult_Branches(t *testing.T) {
	fx := newFixture(t)
	r := NewResult(nil)

	r.AddBranch(fx.sigA, fx.callA2, Plain)
	r.AddBranch(fx.sigA, fx.callA1, Plain)
	r.AddBranch(fx.sigA, fx.callA1, Plain)
	r.AddBranch(fx.sigB, fx.callB, Virtual)

	require.Equal(t, []*ir.Call{fx.callA1, fx.callA2}, r.Branches(fx.sigA, Plain))
	require.Empty(t, r.Branches(fx.sigA, Virtual))
	require.Equal(t, []*ir.Call{fx.callB}, r.Branches(fx.sigB, Virtual))
	require.True(t, r.IsVirtual(fx.callB))
	require.False(t, r.IsVirtual(fx.callA1))

	// Branches alone do not create targets.
	require.False(t, r.HasTargets(fx.sigA, Plain))
	require.Len(t, r.Signatures(Plain), 1)
}

func TestResult_Callees(t *testing.T) {
	fx := newFixture(t)
	r := NewResult(nil)
	r.AddTargets(fx.sigB, []*ir.Function{fx.g1}, Plain)
	r.AddTargets(fx.sigA, []*ir.Function{fx.f1, fx.f2}, Plain)
	r.AddTarget(fx.sigA, fx.f1, Virtual)
	r.AddBranch(fx.sigA, fx.callA1, Virtual)
	r.AddBranch(fx.sigA, fx.callA2, Plain)

	tests := []struct {
		name     string
		call     *ir.Call
		expected []*ir.Function
	}{
		{"virtual call uses virtual channel", fx.callA1, []*ir.Function{fx.f1}},
		{"plain call uses plain channel", fx.callA2, []*ir.Function{fx.f1, fx.f2}},
		{"unrecorded call falls back to plain", fx.callB, []*ir.Function{fx.g1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, r.HasCallees(tt.call))
			got, err := r.Callees(tt.call)
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}

	empty := NewResult(nil)
	require.False(t, empty.HasCallees(fx.callA1))
	_, err := empty.Callees(fx.callA1)
	require.ErrorIs(t, err, ErrNoTargets)
}

func TestResult_Dump(t *testing.T) {
	fx := newFixture(t)
	r := NewResult(nil)
	r.AddTargets(fx.sigA, []*ir.Function{fx.f2, fx.f1}, Plain)
	r.AddTarget(fx.sigB, fx.g1, Plain)
	r.AddBranch(fx.sigA, fx.callA2, Plain)
	r.AddBranch(fx.sigA, fx.callA1, Plain)
	r.AddTarget(fx.sigB, fx.g1, Virtual)
	r.AddBranch(fx.sigB, fx.callB, Virtual)

	var buf bytes.Buffer
	require.NoError(t, r.Dump(&buf))

	expected := strings.Join([]string{
		"Virtual Function CFG:",
		"Virtual Function Branches:",
		"Type: func(*uint8)",
		"<unknown>",
		"Virtual Function Targets:",
		"Type: func(*uint8)",
		"g1",
		"Function Pointer CFG:",
		"Function Pointer Branches:",
		"Type: func(*uint8) int32",
		"main.cpp:10:3",
		"<unknown>",
		"Function Pointer Targets:",
		"Type: func(*uint8)",
		"g1",
		"Type: func(*uint8) int32",
		"f1",
		"f2",
		"",
	}, "\n")
	require.Equal(t, expected, buf.String())
}

func TestResult_Report(t *testing.T) {
	fx := newFixture(t)
	r := NewResult(nil)
	r.AddTargets(fx.sigA, []*ir.Function{fx.f2, fx.f1}, Plain)
	r.AddBranch(fx.sigA, fx.callA1, Plain)
	r.AddBranch(fx.sigB, fx.callB, Plain)

	expected := &Report{
		Plain: ChannelReport{
			Branches: []SignatureBranches{
				{Signature: "func(*uint8)", Sites: []Branch{{Site: "caller/entry#3"}}},
				{Signature: "func(*uint8) int32", Sites: []Branch{{Site: "caller/entry#2", Location: "main.cpp:10:3"}}},
			},
			Targets: []SignatureTargets{
				{Signature: "func(*uint8) int32", Functions: []string{"f1", "f2"}},
			},
		},
	}
	require.Equal(t, expected, r.Report())
}

func TestResult_Graph(t *testing.T) {
	fx := newFixture(t)
	r := NewResult(nil)
	r.AddTargets(fx.sigA, []*ir.Function{fx.f1, fx.f2}, Plain)
	r.AddBranch(fx.sigA, fx.callA1, Plain)
	r.AddBranch(fx.sigB, fx.callB, Plain)

	g := r.Graph()
	require.ElementsMatch(t, []string{"caller/entry#2", "f1", "f2", "caller/entry#3"}, g.Nodes)
	require.Len(t, g.Edges, 2)
	for _, e := range g.Edges {
		require.Equal(t, "caller/entry#2", e.Caller)
	}
	require.NotEmpty(t, r.DOT("targets"))
}

func TestSet(t *testing.T) {
	s := NewSet(1, 2)
	require.True(t, s.Has(1))
	require.False(t, s.Add(2))
	require.True(t, s.Add(3))
	require.Len(t, s, 3)
}

func TestChannel_String(t *testing.T) {
	require.Equal(t, "plain", Plain.String())
	require.Equal(t, "virtual", Virtual.String())
}
