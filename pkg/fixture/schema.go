// Package fixture decodes textual program descriptions into ir programs.
//
// A fixture is a YAML document. Types are written in Go syntax and may
// refer to named types declared in the optional types section. Operands
// are strings:
//
//	%name   a parameter or an earlier instruction of the same function
//	@name   a function or global
//	!name   a type identifier
//	null    a null *byte
//	42      an int32 constant; 42:int64 picks another integer type
//
// Functions named llvm.* are declared on first use with their canonical
// signatures.
package fixture

// File is the top-level fixture document.
type File struct {
	Target    Target     `yaml:"target"`
	Types     string     `yaml:"types,omitempty"`
	Globals   []Global   `yaml:"globals"`
	Functions []Function `yaml:"functions"`
}

// Target selects the data layout.
type Target struct {
	// Arch is a GOARCH value; the layout is the gc compiler's. Defaults to
	// amd64.
	Arch string `yaml:"arch,omitempty"`
}

// Global describes a global object.
type Global struct {
	Name     string     `yaml:"name"`
	Type     string     `yaml:"type"`
	Constant bool       `yaml:"constant,omitempty"`
	Linkage  string     `yaml:"linkage,omitempty"`
	Init     *Const     `yaml:"init,omitempty"`
	Metadata []Metadata `yaml:"type_metadata,omitempty"`
}

// Metadata attaches a type identifier at a byte offset.
type Metadata struct {
	Offset uint64 `yaml:"offset"`
	ID     string `yaml:"id"`
}

// Const describes a constant initializer. Exactly one of Fields, Elems,
// Ref, Int and Zero is set; the type comes from the enclosing context.
// Zero is the null pointer or all-zero value. Its key is not "null", which
// YAML reads as a null key.
type Const struct {
	Fields []Const `yaml:"fields,omitempty"`
	Elems  []Const `yaml:"elems,omitempty"`
	Ref    string  `yaml:"ref,omitempty"`
	Offset int64   `yaml:"offset,omitempty"`
	Int    *int64  `yaml:"int,omitempty"`
	Zero   bool    `yaml:"zero,omitempty"`
}

// Function describes a function. A function without blocks is a
// declaration.
type Function struct {
	Name   string   `yaml:"name"`
	Sig    string   `yaml:"sig"`
	Params []string `yaml:"params,omitempty"`
	Blocks []Block  `yaml:"blocks,omitempty"`
}

// Block is a basic block.
type Block struct {
	Name   string  `yaml:"name"`
	Instrs []Instr `yaml:"instrs"`
}

// Instr is one instruction. Op selects the kind and the fields it uses:
//
//	load     name, value (address), type
//	gep      name, value (base), offset, type (optional)
//	cast     name, value, type
//	extract  name, value (tuple), index
//	call     name, callee, args, sig (optional for direct calls)
//	jump     target
//	if       value (condition), then, else
//	ret      args
//	unreachable
type Instr struct {
	Op     string   `yaml:"op"`
	Name   string   `yaml:"name,omitempty"`
	Value  string   `yaml:"value,omitempty"`
	Type   string   `yaml:"type,omitempty"`
	Offset int64    `yaml:"offset,omitempty"`
	Index  int      `yaml:"index,omitempty"`
	Callee string   `yaml:"callee,omitempty"`
	Args   []string `yaml:"args,omitempty"`
	Sig    string   `yaml:"sig,omitempty"`
	Target string   `yaml:"target,omitempty"`
	Then   string   `yaml:"then,omitempty"`
	Else   string   `yaml:"else,omitempty"`
	Loc    string   `yaml:"loc,omitempty"`
}
