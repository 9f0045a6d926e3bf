// Package devirt finds virtual calls guarded by type checks and resolves
// the functions they can reach by reading constant vtables.
//
// Collection follows the pattern emitted for whole-program devirtualization:
//
//	%vtable = load ptr, ptr %obj
//	%p      = call i1 @llvm.type.test(ptr %vtable, metadata !"_ZTS1A")
//	call void @llvm.assume(i1 %p)
//	%slot   = getelementptr i8, ptr %vtable, i64 8
//	%fptr   = load ptr, ptr %slot
//	call void %fptr(ptr %obj)
//
// and its fused form llvm.type.checked.load. A call found this way is keyed
// by its Slot, the pair of type identifier and byte offset into the vtable.
package devirt

import (
	"log/slog"

	"github.com/715d/cfitargets/pkg/dominance"
	"github.com/715d/cfitargets/pkg/intrinsics"
	"github.com/715d/cfitargets/pkg/ir"
)

// Slot identifies one dispatch slot across every vtable implementing a type.
type Slot struct {
	TypeID *ir.TypeID
	Offset uint64
}

// CallSite is a call dispatched through a slot.
type CallSite struct {
	// VTable is the vtable pointer operand of the type check.
	VTable ir.Value
	Call   *ir.Call
}

// DevirtCall is a call through a function pointer loaded at a constant
// offset from a checked vtable pointer.
type DevirtCall struct {
	Offset uint64
	Call   *ir.Call
}

// IsProvenGuarded reports whether use only executes after check succeeded:
// check dominates use, and so does at least one assume consuming it.
func IsProvenGuarded(rel dominance.Relation, check ir.Instruction, assumes []*ir.Call, use ir.Instruction) bool {
	if !rel.Dominates(check, use) {
		return false
	}
	for _, assume := range assumes {
		if rel.Dominates(assume, use) {
			return true
		}
	}
	return false
}

// FindDevirtualizableCalls returns the calls guarded by the type test call
// tt, and the assumes consuming its result. No assumes means the type was
// not proven and no calls are returned.
func FindDevirtualizableCalls(prog *ir.Program, tt *ir.Call, rel dominance.Relation) ([]DevirtCall, []*ir.Call) {
	var assumes []*ir.Call
	for _, use := range prog.Uses(tt) {
		if c, ok := use.(*ir.Call); ok && c.Intrinsic() == intrinsics.KindAssume {
			assumes = append(assumes, c)
		}
	}
	if len(assumes) == 0 || len(tt.Args) < 1 {
		return nil, assumes
	}

	w := &walker{
		prog:    prog,
		guarded: func(use ir.Instruction) bool { return IsProvenGuarded(rel, tt, assumes, use) },
		seen:    make(map[DevirtCall]struct{}),
	}
	w.findLoadCalls(ir.StripPointerCasts(tt.Args[0]), 0)
	return w.calls, assumes
}

// FindCheckedLoadCalls returns the calls through the function pointer
// produced by the checked load cl. The checked load guards its own result,
// so every call it dominates qualifies. A non-constant offset yields nothing.
func FindCheckedLoadCalls(prog *ir.Program, cl *ir.Call, rel dominance.Relation) []DevirtCall {
	if len(cl.Args) < 3 {
		return nil
	}
	off, ok := cl.Args[1].(*ir.ConstInt)
	if !ok || off.Value < 0 {
		slog.Debug("checked load with non-constant offset", "function", cl.Parent().Name(), "call", cl.Name())
		return nil
	}

	w := &walker{
		prog:    prog,
		guarded: func(use ir.Instruction) bool { return rel.Dominates(cl, use) },
		seen:    make(map[DevirtCall]struct{}),
	}
	for _, use := range prog.Uses(cl) {
		if ev, ok := use.(*ir.ExtractValue); ok && ev.Field == 0 {
			w.findCalls(ev, off.Value)
		}
	}
	return w.calls
}

// walker follows the uses of a vtable pointer to the calls made through it.
type walker struct {
	prog    *ir.Program
	guarded func(ir.Instruction) bool
	seen    map[DevirtCall]struct{}
	calls   []DevirtCall
}

// findLoadCalls looks for loads from vptr+offset, following casts and constant
// offsets applied to vptr itself.
func (w *walker) findLoadCalls(vptr ir.Value, offset int64) {
	for _, use := range w.prog.Uses(vptr) {
		switch u := use.(type) {
		case *ir.Cast:
			w.findLoadCalls(u, offset)
		case *ir.Load:
			if u.Addr == vptr {
				w.findCalls(u, offset)
			}
		case *ir.GEP:
			if u.Base == vptr {
				w.findLoadCalls(u, offset+u.Offset)
			}
		}
	}
}

// findCalls records the guarded calls made through the function pointer fptr.
func (w *walker) findCalls(fptr ir.Value, offset int64) {
	for _, use := range w.prog.Uses(fptr) {
		switch u := use.(type) {
		case *ir.Cast:
			w.findCalls(u, offset)
		case *ir.Call:
			if u.Callee != fptr || !w.guarded(u) {
				continue
			}
			if offset < 0 {
				slog.Debug("virtual call at negative offset", "function", u.Parent().Name(), "call", u.Name())
				continue
			}
			dc := DevirtCall{Offset: uint64(offset), Call: u}
			if _, dup := w.seen[dc]; dup {
				continue
			}
			w.seen[dc] = struct{}{}
			w.calls = append(w.calls, dc)
		}
	}
}
