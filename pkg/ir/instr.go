package ir

import (
	"go/types"

	"github.com/715d/cfitargets/pkg/intrinsics"
)

// Instruction is a non-constant value computed inside a basic block.
type Instruction interface {
	Value

	// Block returns the basic block containing the instruction.
	Block() *Block

	// Parent returns the function containing the instruction.
	Parent() *Function

	// Index returns the position of the instruction within its block.
	Index() int

	// Loc returns the attached source location, or nil.
	Loc() *DebugLoc

	// Operands returns the values the instruction reads.
	Operands() []Value

	base() *anInstruction
}

// Terminator is an instruction that ends a basic block.
type Terminator interface {
	Instruction
	Successors() []*Block
}

var void = types.NewTuple()

type anInstruction struct {
	name  string
	block *Block
	index int
	loc   *DebugLoc
}

func (v *anInstruction) Name() string         { return v.name }
func (v *anInstruction) Block() *Block        { return v.block }
func (v *anInstruction) Parent() *Function    { return v.block.parent }
func (v *anInstruction) Index() int           { return v.index }
func (v *anInstruction) Loc() *DebugLoc       { return v.loc }
func (v *anInstruction) base() *anInstruction { return v }

// SetLoc attaches a source location.
func (v *anInstruction) SetLoc(loc *DebugLoc) {
	v.loc = loc
}

// Call calls Callee with Args. Sig is the apparent function type of the
// call, which for a virtual call may differ from the declared type of the
// function eventually invoked.
type Call struct {
	anInstruction
	Callee Value
	Args   []Value
	Sig    *types.Signature
}

func (c *Call) Type() types.Type {
	res := c.Sig.Results()
	if res.Len() == 1 {
		return res.At(0).Type()
	}
	return res
}

func (c *Call) Operands() []Value {
	ops := make([]Value, 0, len(c.Args)+1)
	ops = append(ops, c.Callee)
	return append(ops, c.Args...)
}

// IsIndirect reports whether the callee is a runtime value rather than a
// statically known function or constant.
func (c *Call) IsIndirect() bool {
	_, ok := c.Callee.(Constant)
	return !ok
}

// StaticCallee returns the function called by a direct call, or nil.
func (c *Call) StaticCallee() *Function {
	fn, _ := StripPointerCasts(c.Callee).(*Function)
	return fn
}

// Intrinsic returns the kind of intrinsic called, if any.
func (c *Call) Intrinsic() intrinsics.Kind {
	if fn := c.StaticCallee(); fn != nil {
		return intrinsics.Lookup(fn.name)
	}
	return intrinsics.KindNone
}

// Load reads a value of type Typ from Addr.
type Load struct {
	anInstruction
	Addr Value
	Typ  types.Type
}

func (l *Load) Type() types.Type  { return l.Typ }
func (l *Load) Operands() []Value { return []Value{l.Addr} }

// GEP computes Base plus a constant byte offset.
type GEP struct {
	anInstruction
	Base   Value
	Offset int64
	Typ    types.Type
}

func (g *GEP) Type() types.Type {
	if g.Typ == nil {
		return g.Base.Type()
	}
	return g.Typ
}

func (g *GEP) Operands() []Value { return []Value{g.Base} }

// Cast reinterprets X as type Typ without changing its bits.
type Cast struct {
	anInstruction
	X   Value
	Typ types.Type
}

func (c *Cast) Type() types.Type  { return c.Typ }
func (c *Cast) Operands() []Value { return []Value{c.X} }

// ExtractValue selects one component of a multi-valued result.
type ExtractValue struct {
	anInstruction
	Tuple Value
	Field int
}

func (e *ExtractValue) Type() types.Type {
	if t, ok := e.Tuple.Type().(*types.Tuple); ok && e.Field >= 0 && e.Field < t.Len() {
		return t.At(e.Field).Type()
	}
	return types.Typ[types.Invalid]
}

func (e *ExtractValue) Operands() []Value { return []Value{e.Tuple} }

// Jump transfers control to Target.
type Jump struct {
	anInstruction
	Target *Block
}

func (j *Jump) Type() types.Type     { return void }
func (j *Jump) Operands() []Value    { return nil }
func (j *Jump) Successors() []*Block { return []*Block{j.Target} }

// If transfers control to Then when Cond holds and to Else otherwise.
type If struct {
	anInstruction
	Cond Value
	Then *Block
	Else *Block
}

func (i *If) Type() types.Type     { return void }
func (i *If) Operands() []Value    { return []Value{i.Cond} }
func (i *If) Successors() []*Block { return []*Block{i.Then, i.Else} }

// Return leaves the function.
type Return struct {
	anInstruction
	Results []Value
}

func (r *Return) Type() types.Type     { return void }
func (r *Return) Operands() []Value    { return r.Results }
func (r *Return) Successors() []*Block { return nil }

// Unreachable marks a point control never reaches, such as the trap block
// after a failed type check.
type Unreachable struct {
	anInstruction
}

func (u *Unreachable) Type() types.Type     { return void }
func (u *Unreachable) Operands() []Value    { return nil }
func (u *Unreachable) Successors() []*Block { return nil }
