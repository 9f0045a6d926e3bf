package fixture

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/715d/cfitargets/pkg/intrinsics"
	"github.com/715d/cfitargets/pkg/ir"
)

// DefaultArch is the target architecture of fixtures that name none.
const DefaultArch = "amd64"

// LoaderOptions configures fixture loading.
type LoaderOptions struct {
	// Arch overrides the target architecture named by the fixture.
	Arch string
}

// Load reads the fixture at path and builds a sealed program from it.
func Load(path string, opts LoaderOptions) (*ir.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	prog, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

// Parse decodes a fixture document and builds a sealed program from it.
// Unknown fields are rejected.
func Parse(data []byte, opts LoaderOptions) (*ir.Program, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding fixture: %w", err)
	}
	return Build(&f, opts)
}

// Build builds a sealed program from a decoded fixture.
func Build(f *File, opts LoaderOptions) (*ir.Program, error) {
	arch := cmp.Or(opts.Arch, f.Target.Arch, DefaultArch)
	sizes := types.SizesFor("gc", arch)
	if sizes == nil {
		return nil, fmt.Errorf("unknown architecture %q", arch)
	}

	b := &builder{
		prog:    ir.NewProgram(sizes),
		fset:    token.NewFileSet(),
		typeIDs: make(map[string]*ir.TypeID),
	}
	if err := b.declareTypes(f.Types, sizes); err != nil {
		return nil, err
	}

	// Declare everything first so bodies and initializers can refer to any
	// function or global.
	for _, fn := range f.Functions {
		if err := b.declareFunction(fn); err != nil {
			return nil, err
		}
	}
	globals := make([]*ir.Global, len(f.Globals))
	for i, g := range f.Globals {
		global, err := b.declareGlobal(g)
		if err != nil {
			return nil, err
		}
		globals[i] = global
	}

	for i, g := range f.Globals {
		if g.Init == nil {
			continue
		}
		value, err := b.constant(*g.Init, globals[i].ValueType)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", g.Name, err)
		}
		globals[i].Init = value
	}
	for _, fn := range f.Functions {
		if err := b.defineFunction(fn); err != nil {
			return nil, fmt.Errorf("function %s: %w", fn.Name, err)
		}
	}

	if err := b.prog.Seal(); err != nil {
		return nil, err
	}
	return b.prog, nil
}

type builder struct {
	prog    *ir.Program
	fset    *token.FileSet
	pkg     *types.Package
	typeIDs map[string]*ir.TypeID
}

// declareTypes type-checks the type declarations of the fixture so that
// type expressions can refer to them.
func (b *builder) declareTypes(src string, sizes types.Sizes) error {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	file, err := parser.ParseFile(b.fset, "types.go", "package fixture\n"+src, parser.SkipObjectResolution)
	if err != nil {
		return fmt.Errorf("parsing types: %w", err)
	}
	conf := types.Config{Sizes: sizes}
	pkg, err := conf.Check("fixture", b.fset, []*ast.File{file}, nil)
	if err != nil {
		return fmt.Errorf("checking types: %w", err)
	}
	b.pkg = pkg
	return nil
}

func (b *builder) typ(expr string) (types.Type, error) {
	if expr == "" {
		return nil, errors.New("missing type")
	}
	tv, err := types.Eval(b.fset, b.pkg, token.NoPos, expr)
	if err != nil {
		return nil, fmt.Errorf("type %q: %w", expr, err)
	}
	if !tv.IsType() {
		return nil, fmt.Errorf("%q is not a type", expr)
	}
	return tv.Type, nil
}

func (b *builder) signature(expr string) (*types.Signature, error) {
	t, err := b.typ(expr)
	if err != nil {
		return nil, err
	}
	sig, ok := t.Underlying().(*types.Signature)
	if !ok {
		return nil, fmt.Errorf("%q is not a function type", expr)
	}
	return sig, nil
}

func (b *builder) typeID(name string) *ir.TypeID {
	id, ok := b.typeIDs[name]
	if !ok {
		id = ir.NewTypeID(name)
		b.typeIDs[name] = id
	}
	return id
}

func (b *builder) declareFunction(fn Function) error {
	if fn.Sig == "" && intrinsics.IsIntrinsic(fn.Name) {
		_, err := b.prog.DeclareIntrinsic(fn.Name)
		return err
	}
	sig, err := b.signature(fn.Sig)
	if err != nil {
		return fmt.Errorf("function %s: %w", fn.Name, err)
	}
	_, err = b.prog.NewFunction(fn.Name, sig, fn.Params...)
	return err
}

func (b *builder) declareGlobal(g Global) (*ir.Global, error) {
	t, err := b.typ(g.Type)
	if err != nil {
		return nil, fmt.Errorf("global %s: %w", g.Name, err)
	}
	linkage, err := ir.ParseLinkage(g.Linkage)
	if err != nil {
		return nil, fmt.Errorf("global %s: %w", g.Name, err)
	}
	global, err := b.prog.NewGlobal(g.Name, t, nil)
	if err != nil {
		return nil, err
	}
	global.Constant = g.Constant
	global.Linkage = linkage
	for _, md := range g.Metadata {
		if md.ID == "" {
			return nil, fmt.Errorf("global %s: type metadata without id", g.Name)
		}
		global.Types = append(global.Types, ir.TypeMetadata{Offset: md.Offset, ID: b.typeID(md.ID)})
	}
	return global, nil
}

// symbol resolves a function or global name, declaring intrinsics on first
// use.
func (b *builder) symbol(name string) (ir.Constant, error) {
	if fn := b.prog.Function(name); fn != nil {
		return fn, nil
	}
	if g := b.prog.Global(name); g != nil {
		return g, nil
	}
	if intrinsics.IsIntrinsic(name) {
		return b.prog.DeclareIntrinsic(name)
	}
	return nil, fmt.Errorf("undefined symbol @%s", name)
}

func (b *builder) constant(c Const, t types.Type) (ir.Constant, error) {
	switch {
	case c.Fields != nil:
		st, ok := t.Underlying().(*types.Struct)
		if !ok {
			return nil, fmt.Errorf("fields given for non-struct type %s", t)
		}
		if st.NumFields() != len(c.Fields) {
			return nil, fmt.Errorf("%d fields given for %s", len(c.Fields), t)
		}
		fields := make([]ir.Constant, len(c.Fields))
		for i, fc := range c.Fields {
			v, err := b.constant(fc, st.Field(i).Type())
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			fields[i] = v
		}
		return &ir.ConstStruct{Typ: t, Fields: fields}, nil

	case c.Elems != nil:
		at, ok := t.Underlying().(*types.Array)
		if !ok {
			return nil, fmt.Errorf("elems given for non-array type %s", t)
		}
		if at.Len() != int64(len(c.Elems)) {
			return nil, fmt.Errorf("%d elems given for %s", len(c.Elems), t)
		}
		elems := make([]ir.Constant, len(c.Elems))
		for i, ec := range c.Elems {
			v, err := b.constant(ec, at.Elem())
			if err != nil {
				return nil, fmt.Errorf("elem %d: %w", i, err)
			}
			elems[i] = v
		}
		return &ir.ConstArray{Typ: t, Elems: elems}, nil

	case c.Ref != "":
		v, err := b.symbol(c.Ref)
		if err != nil {
			return nil, err
		}
		if c.Offset != 0 {
			return &ir.ConstGEP{Base: v, Offset: c.Offset, Typ: t}, nil
		}
		if !types.Identical(v.Type(), t) {
			return &ir.ConstCast{X: v, Typ: t}, nil
		}
		return v, nil

	case c.Int != nil:
		return &ir.ConstInt{Typ: t, Value: *c.Int}, nil

	case c.Zero:
		return &ir.ConstNull{Typ: t}, nil
	}
	return nil, errors.New("empty constant")
}

// scope holds the named values of the function being defined.
type scope struct {
	values map[string]ir.Value
	blocks map[string]*ir.Block
}

func (b *builder) defineFunction(def Function) error {
	if len(def.Blocks) == 0 {
		return nil
	}
	fn := b.prog.Function(def.Name)
	sc := &scope{
		values: make(map[string]ir.Value),
		blocks: make(map[string]*ir.Block),
	}
	for _, p := range fn.Params {
		sc.values[p.Name()] = p
	}
	blocks := make([]*ir.Block, len(def.Blocks))
	for i, bs := range def.Blocks {
		if _, dup := sc.blocks[bs.Name]; dup {
			return fmt.Errorf("duplicate block %s", bs.Name)
		}
		blocks[i] = fn.NewBlock(bs.Name)
		sc.blocks[bs.Name] = blocks[i]
	}

	for i, bs := range def.Blocks {
		for j, in := range bs.Instrs {
			instr, err := b.instr(blocks[i], sc, in)
			if err != nil {
				return fmt.Errorf("block %s: instruction %d (%s): %w", bs.Name, j, in.Op, err)
			}
			if in.Loc != "" {
				loc, err := ir.ParseDebugLoc(in.Loc)
				if err != nil {
					return fmt.Errorf("block %s: instruction %d: %w", bs.Name, j, err)
				}
				instr.(interface{ SetLoc(*ir.DebugLoc) }).SetLoc(loc)
			}
			if in.Name == "" {
				continue
			}
			if _, dup := sc.values[in.Name]; dup {
				return fmt.Errorf("block %s: duplicate value %%%s", bs.Name, in.Name)
			}
			sc.values[in.Name] = instr
		}
	}
	return nil
}

func (b *builder) instr(blk *ir.Block, sc *scope, in Instr) (ir.Instruction, error) {
	switch in.Op {
	case "load":
		addr, t, err := b.valueAndType(sc, in)
		if err != nil {
			return nil, err
		}
		return blk.Load(in.Name, addr, t), nil

	case "gep":
		base, err := b.operand(sc, in.Value)
		if err != nil {
			return nil, err
		}
		var t types.Type
		if in.Type != "" {
			if t, err = b.typ(in.Type); err != nil {
				return nil, err
			}
		}
		return blk.GEP(in.Name, base, in.Offset, t), nil

	case "cast":
		x, t, err := b.valueAndType(sc, in)
		if err != nil {
			return nil, err
		}
		return blk.Cast(in.Name, x, t), nil

	case "extract":
		tuple, err := b.operand(sc, in.Value)
		if err != nil {
			return nil, err
		}
		return blk.ExtractValue(in.Name, tuple, in.Index), nil

	case "call":
		callee, err := b.operand(sc, in.Callee)
		if err != nil {
			return nil, err
		}
		args, err := b.operands(sc, in.Args)
		if err != nil {
			return nil, err
		}
		var sig *types.Signature
		if in.Sig != "" {
			if sig, err = b.signature(in.Sig); err != nil {
				return nil, err
			}
		}
		return blk.Call(in.Name, sig, callee, args...), nil

	case "jump":
		target, err := sc.block(in.Target)
		if err != nil {
			return nil, err
		}
		return blk.Jump(target), nil

	case "if":
		cond, err := b.operand(sc, in.Value)
		if err != nil {
			return nil, err
		}
		then, err := sc.block(in.Then)
		if err != nil {
			return nil, err
		}
		els, err := sc.block(in.Else)
		if err != nil {
			return nil, err
		}
		return blk.If(cond, then, els), nil

	case "ret":
		results, err := b.operands(sc, in.Args)
		if err != nil {
			return nil, err
		}
		return blk.Return(results...), nil

	case "unreachable":
		return blk.Unreachable(), nil
	}
	return nil, fmt.Errorf("unknown op %q", in.Op)
}

func (b *builder) valueAndType(sc *scope, in Instr) (ir.Value, types.Type, error) {
	v, err := b.operand(sc, in.Value)
	if err != nil {
		return nil, nil, err
	}
	t, err := b.typ(in.Type)
	if err != nil {
		return nil, nil, err
	}
	return v, t, nil
}

func (sc *scope) block(name string) (*ir.Block, error) {
	blk, ok := sc.blocks[name]
	if !ok {
		return nil, fmt.Errorf("undefined block %s", name)
	}
	return blk, nil
}

func (b *builder) operands(sc *scope, ss []string) ([]ir.Value, error) {
	vs := make([]ir.Value, len(ss))
	for i, s := range ss {
		v, err := b.operand(sc, s)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}

func (b *builder) operand(sc *scope, s string) (ir.Value, error) {
	switch {
	case s == "":
		return nil, errors.New("missing operand")
	case s == "null":
		return &ir.ConstNull{Typ: intrinsics.BytePtr}, nil
	case s[0] == '%':
		v, ok := sc.values[s[1:]]
		if !ok {
			return nil, fmt.Errorf("undefined value %s", s)
		}
		return v, nil
	case s[0] == '@':
		return b.symbol(s[1:])
	case s[0] == '!':
		return &ir.MetadataValue{ID: b.typeID(s[1:])}, nil
	}

	lit, typeName, hasType := strings.Cut(s, ":")
	n, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("bad operand %q", s)
	}
	var t types.Type = types.Typ[types.Int32]
	if hasType {
		if t, err = b.typ(typeName); err != nil {
			return nil, err
		}
	}
	return &ir.ConstInt{Typ: t, Value: n}, nil
}
