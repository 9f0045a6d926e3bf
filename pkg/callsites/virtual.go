package callsites

import (
	"log/slog"

	"github.com/715d/cfitargets/internal/devirt"
	"github.com/715d/cfitargets/pkg/cfi"
	"github.com/715d/cfitargets/pkg/dominance"
	"github.com/715d/cfitargets/pkg/ir"
	"github.com/715d/cfitargets/pkg/sentinel"
)

// VirtualOptions configures ResolveVirtual.
type VirtualOptions struct {
	// Sentinels lists functions that never count as targets. Nil means
	// the default checker, which knows the pure virtual stub.
	Sentinels *sentinel.Checker

	// ScanPastUnguarded keeps collecting after a type test without an
	// assume.
	ScanPastUnguarded bool
}

// VirtualStats counts what the virtual resolver saw.
type VirtualStats struct {
	devirt.Stats

	TypeIDs       int
	Slots         int
	ResolvedSlots int
	Committed     int

	// FailedSlots counts failed slots by reason.
	FailedSlots map[string]int
}

// ResolveVirtual records guarded virtual calls whose slots resolve to a
// complete set of defined functions. Each call site is keyed by its own
// signature, which may differ between call sites sharing a slot. A slot that
// fails to resolve leaves its call sites untouched.
func ResolveVirtual(prog *ir.Program, oracle dominance.Oracle, result *cfi.Result, opts VirtualOptions) VirtualStats {
	stats := VirtualStats{FailedSlots: make(map[string]int)}
	if opts.Sentinels == nil {
		opts.Sentinels = sentinel.NewChecker()
	}
	if !devirt.HasDispatchIntrinsics(prog) {
		slog.Debug("no type checks in program, skipping virtual calls")
		return stats
	}

	slots, collected := devirt.Collect(prog, oracle, devirt.Options{ScanPastUnguarded: opts.ScanPastUnguarded})
	stats.Stats = collected

	_, typeIDs := devirt.BuildTypeIDMap(prog)
	stats.TypeIDs = len(typeIDs)
	if len(typeIDs) == 0 {
		slog.Debug("no type metadata in program, skipping virtual calls")
		return stats
	}

	for _, slot := range slots.Slots() {
		stats.Slots++
		targets, err := devirt.TryFindTargets(prog, typeIDs[slot.TypeID], slot.Offset, opts.Sentinels)
		if err != nil {
			stats.FailedSlots[devirt.Reason(err)]++
			slog.Debug("slot not resolved", "type_id", slot.TypeID, "offset", slot.Offset, "error", err)
			continue
		}
		stats.ResolvedSlots++
		stats.Committed += commit(result, slots.Sites(slot), targets)
	}
	return stats
}

// commit records sites as virtual branches and targets as their targets,
// both keyed by the signature of each call site.
func commit(result *cfi.Result, sites []devirt.CallSite, targets []*ir.Function) int {
	for _, site := range sites {
		sig := site.Call.Sig
		result.AddBranch(sig, site.Call, cfi.Virtual)
		result.AddTargets(sig, targets, cfi.Virtual)
	}
	return len(sites)
}
