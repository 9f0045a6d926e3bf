package devirt

import (
	"log/slog"

	"github.com/715d/cfitargets/pkg/dominance"
	"github.com/715d/cfitargets/pkg/intrinsics"
	"github.com/715d/cfitargets/pkg/ir"
)

// CallSlots groups virtual call sites by slot. It is working state of one
// resolution and is dropped once the slots are committed.
type CallSlots struct {
	order []Slot
	sites map[Slot][]CallSite
	seen  map[slotCall]struct{}
}

type slotCall struct {
	slot Slot
	call *ir.Call
}

func NewCallSlots() *CallSlots {
	return &CallSlots{
		sites: make(map[Slot][]CallSite),
		seen:  make(map[slotCall]struct{}),
	}
}

// Add groups site under slot. A call is recorded once per slot; Add reports
// whether site was new.
func (cs *CallSlots) Add(slot Slot, site CallSite) bool {
	key := slotCall{slot: slot, call: site.Call}
	if _, ok := cs.seen[key]; ok {
		return false
	}
	cs.seen[key] = struct{}{}
	if _, ok := cs.sites[slot]; !ok {
		cs.order = append(cs.order, slot)
	}
	cs.sites[slot] = append(cs.sites[slot], site)
	return true
}

// Slots returns the slots in the order they were first seen.
func (cs *CallSlots) Slots() []Slot {
	return cs.order
}

// Sites returns the call sites grouped under slot.
func (cs *CallSlots) Sites(slot Slot) []CallSite {
	return cs.sites[slot]
}

// Len returns the number of slots.
func (cs *CallSlots) Len() int {
	return len(cs.order)
}

// Options configures collection.
type Options struct {
	// ScanPastUnguarded keeps examining type tests after one without an
	// assume. By default collection stops at the first such type test.
	ScanPastUnguarded bool
}

// Stats counts what collection saw.
type Stats struct {
	TypeTests          int
	UnguardedTypeTests int
	CheckedLoads       int
	CallSites          int
}

// HasDispatchIntrinsics reports whether prog can contain guarded virtual
// calls at all: llvm.type.test and llvm.assume are both used, or
// llvm.type.checked.load is.
func HasDispatchIntrinsics(prog *ir.Program) bool {
	used := func(name string) bool {
		fn := prog.Function(name)
		return fn != nil && len(prog.Uses(fn)) > 0
	}
	return (used(intrinsics.TypeTest) && used(intrinsics.Assume)) || used(intrinsics.TypeCheckedLoad)
}

// Collect finds every guarded virtual call in prog and groups it by slot.
// The oracle is asked for a function's dominance relation only when a type
// check inside it is examined.
func Collect(prog *ir.Program, oracle dominance.Oracle, opts Options) (*CallSlots, Stats) {
	slots := NewCallSlots()
	var stats Stats

	if tt, assume := prog.Function(intrinsics.TypeTest), prog.Function(intrinsics.Assume); tt != nil && assume != nil {
		collectTypeTestUsers(prog, tt, oracle, opts, slots, &stats)
	}
	if cl := prog.Function(intrinsics.TypeCheckedLoad); cl != nil {
		collectCheckedLoadUsers(prog, cl, oracle, slots, &stats)
	}
	return slots, stats
}

func collectTypeTestUsers(prog *ir.Program, fn *ir.Function, oracle dominance.Oracle, opts Options, slots *CallSlots, stats *Stats) {
	for _, use := range prog.Uses(fn) {
		tt, ok := use.(*ir.Call)
		if !ok || tt.Callee != fn {
			continue
		}
		typeID, ok := typeIDOperand(tt, 1)
		if !ok {
			slog.Warn("type test without type identifier", "function", tt.Parent().Name(), "call", tt.Name())
			continue
		}
		stats.TypeTests++

		calls, assumes := FindDevirtualizableCalls(prog, tt, oracle(tt.Parent()))
		if len(assumes) == 0 {
			stats.UnguardedTypeTests++
			if !opts.ScanPastUnguarded {
				slog.Debug("type test without assume, stopping collection",
					"function", tt.Parent().Name(), "type_id", typeID)
				return
			}
			slog.Debug("type test without assume", "function", tt.Parent().Name(), "type_id", typeID)
			continue
		}

		for _, dc := range calls {
			slot := Slot{TypeID: typeID, Offset: dc.Offset}
			if slots.Add(slot, CallSite{VTable: tt.Args[0], Call: dc.Call}) {
				stats.CallSites++
			}
		}
		slog.Debug("collected type test", "function", tt.Parent().Name(), "type_id", typeID, "calls", len(calls))
	}
}

func collectCheckedLoadUsers(prog *ir.Program, fn *ir.Function, oracle dominance.Oracle, slots *CallSlots, stats *Stats) {
	for _, use := range prog.Uses(fn) {
		cl, ok := use.(*ir.Call)
		if !ok || cl.Callee != fn {
			continue
		}
		typeID, ok := typeIDOperand(cl, 2)
		if !ok {
			slog.Warn("checked load without type identifier", "function", cl.Parent().Name(), "call", cl.Name())
			continue
		}
		stats.CheckedLoads++

		for _, dc := range FindCheckedLoadCalls(prog, cl, oracle(cl.Parent())) {
			slot := Slot{TypeID: typeID, Offset: dc.Offset}
			if slots.Add(slot, CallSite{VTable: cl.Args[0], Call: dc.Call}) {
				stats.CallSites++
			}
		}
	}
}

func typeIDOperand(c *ir.Call, i int) (*ir.TypeID, bool) {
	if i >= len(c.Args) {
		return nil, false
	}
	md, ok := c.Args[i].(*ir.MetadataValue)
	if !ok || md.ID == nil {
		return nil, false
	}
	return md.ID, true
}
