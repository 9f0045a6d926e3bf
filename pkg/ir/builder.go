package ir

import (
	"errors"
	"fmt"
	"go/token"
	"go/types"

	"github.com/715d/cfitargets/pkg/intrinsics"
)

// ErrSealed is returned when a sealed program is modified.
var ErrSealed = errors.New("program is sealed")

// NewFunction adds a function declaration with the given signature. Adding
// a block with NewBlock turns it into a definition. Parameters are named
// after paramNames; missing names are numbered.
func (p *Program) NewFunction(name string, sig *types.Signature, paramNames ...string) (*Function, error) {
	if p.sealed {
		return nil, ErrSealed
	}
	if sig == nil {
		return nil, fmt.Errorf("function %s: nil signature", name)
	}
	if _, exists := p.funcs[name]; exists {
		return nil, fmt.Errorf("function %s: already defined", name)
	}
	if _, exists := p.globals[name]; exists {
		return nil, fmt.Errorf("function %s: name used by a global", name)
	}

	fn := &Function{name: name, Sig: sig, prog: p}
	for i := range sig.Params().Len() {
		paramName := fmt.Sprint(i)
		if i < len(paramNames) && paramNames[i] != "" {
			paramName = paramNames[i]
		}
		fn.Params = append(fn.Params, &Parameter{
			name:   paramName,
			typ:    sig.Params().At(i).Type(),
			parent: fn,
		})
	}
	p.Functions = append(p.Functions, fn)
	p.funcs[name] = fn
	return fn, nil
}

// DeclareIntrinsic returns the declaration of a known intrinsic, adding it
// on first use.
func (p *Program) DeclareIntrinsic(name string) (*Function, error) {
	if fn := p.funcs[name]; fn != nil {
		return fn, nil
	}
	sig := intrinsics.Signature(name)
	if sig == nil {
		return nil, fmt.Errorf("unknown intrinsic %s", name)
	}
	return p.NewFunction(name, sig)
}

// NewGlobal adds a global object of type t. A nil init makes it a
// declaration.
func (p *Program) NewGlobal(name string, t types.Type, init Constant) (*Global, error) {
	if p.sealed {
		return nil, ErrSealed
	}
	if t == nil {
		return nil, fmt.Errorf("global %s: nil type", name)
	}
	if _, exists := p.globals[name]; exists {
		return nil, fmt.Errorf("global %s: already defined", name)
	}
	if _, exists := p.funcs[name]; exists {
		return nil, fmt.Errorf("global %s: name used by a function", name)
	}
	g := &Global{
		name:      name,
		ValueType: t,
		Init:      init,
		ptr:       types.NewPointer(t),
	}
	p.Globals = append(p.Globals, g)
	p.globals[name] = g
	return g, nil
}

// NewBlock appends an empty basic block to f.
func (f *Function) NewBlock(name string) *Block {
	b := &Block{name: name, Index: len(f.Blocks), parent: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Param returns the parameter with the given name, or nil.
func (f *Function) Param(name string) *Parameter {
	for _, p := range f.Params {
		if p.name == name {
			return p
		}
	}
	return nil
}

func emit[I Instruction](b *Block, name string, instr I) I {
	v := instr.base()
	v.name = name
	v.block = b
	v.index = len(b.Instrs)
	b.Instrs = append(b.Instrs, instr)
	return instr
}

// Call appends a call. A nil sig takes the signature from the callee type.
func (b *Block) Call(name string, sig *types.Signature, callee Value, args ...Value) *Call {
	if sig == nil && callee != nil {
		sig, _ = callee.Type().Underlying().(*types.Signature)
	}
	return emit(b, name, &Call{Callee: callee, Args: args, Sig: sig})
}

// Load appends a load of type t from addr.
func (b *Block) Load(name string, addr Value, t types.Type) *Load {
	return emit(b, name, &Load{Addr: addr, Typ: t})
}

// GEP appends base plus offset bytes. A nil t keeps the type of base.
func (b *Block) GEP(name string, base Value, offset int64, t types.Type) *GEP {
	return emit(b, name, &GEP{Base: base, Offset: offset, Typ: t})
}

// Cast appends a bit-preserving cast of x to t.
func (b *Block) Cast(name string, x Value, t types.Type) *Cast {
	return emit(b, name, &Cast{X: x, Typ: t})
}

// ExtractValue appends the selection of component field of tuple.
func (b *Block) ExtractValue(name string, tuple Value, field int) *ExtractValue {
	return emit(b, name, &ExtractValue{Tuple: tuple, Field: field})
}

// Jump terminates b with a jump to target.
func (b *Block) Jump(target *Block) *Jump {
	return emit(b, "", &Jump{Target: target})
}

// If terminates b with a conditional branch.
func (b *Block) If(cond Value, then, els *Block) *If {
	return emit(b, "", &If{Cond: cond, Then: then, Else: els})
}

// Return terminates b with a return.
func (b *Block) Return(results ...Value) *Return {
	return emit(b, "", &Return{Results: results})
}

// Unreachable terminates b with an unreachable marker.
func (b *Block) Unreachable() *Unreachable {
	return emit(b, "", &Unreachable{})
}

// Seal validates the program and computes use lists and CFG edges. After a
// successful Seal the program must not be modified.
func (p *Program) Seal() error {
	if p.sealed {
		return nil
	}

	uses := make(map[Value][]Instruction)
	for _, fn := range p.Functions {
		for i, b := range fn.Blocks {
			b.Index = i
			b.Preds = nil
			b.Succs = nil
		}
		for _, b := range fn.Blocks {
			if err := sealBlock(b, uses); err != nil {
				return fmt.Errorf("function %s: %w", fn.name, err)
			}
		}
	}

	for _, g := range p.Globals {
		for _, tm := range g.Types {
			if tm.ID == nil {
				return fmt.Errorf("global %s: type metadata without identifier", g.name)
			}
		}
	}

	p.uses = uses
	p.sealed = true
	return nil
}

func sealBlock(b *Block, uses map[Value][]Instruction) error {
	if len(b.Instrs) == 0 {
		return fmt.Errorf("block %s: empty", b.name)
	}
	for i, instr := range b.Instrs {
		instr.base().index = i
		_, isTerm := instr.(Terminator)
		if last := i == len(b.Instrs)-1; isTerm != last {
			return fmt.Errorf("block %s: instruction %d: terminator must end the block", b.name, i)
		}
		if c, ok := instr.(*Call); ok && c.Sig == nil {
			return fmt.Errorf("block %s: call %s: unknown signature", b.name, c.name)
		}
		for _, op := range instr.Operands() {
			if op == nil {
				return fmt.Errorf("block %s: instruction %d: nil operand", b.name, i)
			}
			uses[op] = append(uses[op], instr)
		}
	}

	term := b.Instrs[len(b.Instrs)-1].(Terminator)
	for _, succ := range term.Successors() {
		if succ == nil || succ.parent != b.parent {
			return fmt.Errorf("block %s: branch to a block of another function", b.name)
		}
		b.Succs = append(b.Succs, succ)
		succ.Preds = append(succ.Preds, b)
	}
	return nil
}

// NewSignature is a convenience for building function types.
func NewSignature(results []types.Type, params ...types.Type) *types.Signature {
	return types.NewSignatureType(nil, nil, nil, tuple(params), tuple(results), false)
}

func tuple(ts []types.Type) *types.Tuple {
	vars := make([]*types.Var, len(ts))
	for i, t := range ts {
		vars[i] = types.NewParam(token.NoPos, nil, "", t)
	}
	return types.NewTuple(vars...)
}
