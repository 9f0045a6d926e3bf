// Package ir defines the in-memory program representation read by the
// indirect call analysis.
//
// A Program is populated through its builder methods, sealed with Seal, and
// then treated as an immutable snapshot: use lists, block indices and
// predecessor edges are computed once at sealing time.
//
// The type system is go/types: a function type is a *types.Signature, object
// and vtable pointers are pointer types, and the data layout is a
// types.Sizes. Two signatures are the same key iff types.Identical holds.
package ir

import (
	"fmt"
	"go/types"

	"github.com/715d/cfitargets/pkg/intrinsics"
)

// Value is anything that can be an instruction operand.
type Value interface {
	// Name returns the symbol or register name of the value.
	Name() string

	// Type returns the type of the value.
	Type() types.Type
}

// TypeID is an opaque type identifier. Identity is pointer identity: two
// TypeIDs with the same name are still distinct identifiers.
type TypeID struct {
	name string
}

// NewTypeID returns a fresh type identifier.
func NewTypeID(name string) *TypeID {
	return &TypeID{name: name}
}

func (t *TypeID) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.name
}

// MetadataValue wraps a type identifier so that it can be passed to an
// intrinsic call.
type MetadataValue struct {
	ID *TypeID
}

func (m *MetadataValue) Name() string     { return "!" + m.ID.String() }
func (m *MetadataValue) Type() types.Type { return intrinsics.Metadata }

// Parameter is a formal parameter of a defined function.
type Parameter struct {
	name   string
	typ    types.Type
	parent *Function
}

func (p *Parameter) Name() string      { return p.name }
func (p *Parameter) Type() types.Type  { return p.typ }
func (p *Parameter) Parent() *Function { return p.parent }
func (p *Parameter) String() string    { return "%" + p.name }

// Function is a function of the program. A function without blocks is a
// declaration.
type Function struct {
	name   string
	Sig    *types.Signature
	Params []*Parameter
	Blocks []*Block
	prog   *Program
}

func (f *Function) Name() string      { return f.name }
func (f *Function) Type() types.Type  { return f.Sig }
func (f *Function) String() string    { return "@" + f.name }
func (f *Function) Program() *Program { return f.prog }
func (f *Function) isConstant()       {}

// IsDeclaration reports whether f has no body in this program.
func (f *Function) IsDeclaration() bool {
	return len(f.Blocks) == 0
}

// Block is a basic block. The last instruction is its only terminator.
type Block struct {
	name   string
	Index  int
	Instrs []Instruction
	Preds  []*Block
	Succs  []*Block
	parent *Function
}

func (b *Block) Name() string      { return b.name }
func (b *Block) Parent() *Function { return b.parent }
func (b *Block) String() string    { return b.parent.name + "." + b.name }

// Linkage describes how a global symbol binds at link time.
type Linkage int

const (
	External Linkage = iota
	Internal
	Private
	LinkOnce
	LinkOnceODR
	Weak
	WeakODR
	Common
	ExternWeak
)

var linkageNames = [...]string{
	External:    "external",
	Internal:    "internal",
	Private:     "private",
	LinkOnce:    "linkonce",
	LinkOnceODR: "linkonce_odr",
	Weak:        "weak",
	WeakODR:     "weak_odr",
	Common:      "common",
	ExternWeak:  "extern_weak",
}

func (l Linkage) String() string {
	if l < 0 || int(l) >= len(linkageNames) {
		return fmt.Sprintf("linkage(%d)", int(l))
	}
	return linkageNames[l]
}

// Interposable reports whether the definition may be replaced by another one
// at link or load time.
func (l Linkage) Interposable() bool {
	switch l {
	case LinkOnce, Weak, Common, ExternWeak:
		return true
	}
	return false
}

// ParseLinkage parses a linkage keyword. The empty string is External.
func ParseLinkage(s string) (Linkage, error) {
	if s == "" {
		return External, nil
	}
	for l, name := range linkageNames {
		if name == s {
			return Linkage(l), nil
		}
	}
	return External, fmt.Errorf("unknown linkage %q", s)
}

// TypeMetadata binds a type identifier to the byte offset inside a global
// where a subobject implementing that type begins.
type TypeMetadata struct {
	Offset uint64
	ID     *TypeID
}

// Global is a global object. As a value it is a pointer to its contents.
type Global struct {
	name      string
	ValueType types.Type
	Init      Constant
	Constant  bool
	Linkage   Linkage
	Types     []TypeMetadata
	ptr       types.Type
}

func (g *Global) Name() string     { return g.name }
func (g *Global) Type() types.Type { return g.ptr }
func (g *Global) String() string   { return "@" + g.name }
func (g *Global) isConstant()      {}

// IsDeclaration reports whether g has no initializer in this program.
func (g *Global) IsDeclaration() bool {
	return g.Init == nil
}

// Immutable reports whether the contents of g are a true compile-time
// constant: initialized here, marked constant and not interposable.
func (g *Global) Immutable() bool {
	return g.Init != nil && g.Constant && !g.Linkage.Interposable()
}

// Program is a whole program: functions and global objects.
type Program struct {
	Functions []*Function
	Globals   []*Global

	// Sizes is the data layout.
	Sizes types.Sizes

	funcs   map[string]*Function
	globals map[string]*Global
	uses    map[Value][]Instruction
	sealed  bool
}

// NewProgram returns an empty program with the given data layout.
// A nil layout means 64-bit gc sizes.
func NewProgram(sizes types.Sizes) *Program {
	if sizes == nil {
		sizes = types.SizesFor("gc", "amd64")
	}
	return &Program{
		Sizes:   sizes,
		funcs:   make(map[string]*Function),
		globals: make(map[string]*Global),
	}
}

// Function returns the function with the given name, or nil.
func (p *Program) Function(name string) *Function {
	return p.funcs[name]
}

// Global returns the global with the given name, or nil.
func (p *Program) Global(name string) *Global {
	return p.globals[name]
}

// AllocSize returns the number of bytes an object of type t occupies,
// including tail padding.
func (p *Program) AllocSize(t types.Type) int64 {
	return p.Sizes.Sizeof(t)
}

// Uses returns the instructions that have v as an operand, in program
// order. It is only meaningful after Seal.
func (p *Program) Uses(v Value) []Instruction {
	return p.uses[v]
}

// Sealed reports whether Seal has completed successfully.
func (p *Program) Sealed() bool {
	return p.sealed
}
