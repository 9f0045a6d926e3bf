package devirt

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/715d/cfitargets/pkg/ir"
	"github.com/715d/cfitargets/pkg/sentinel"
)

// Resolution failures. A slot failing with any of them gets no targets.
var (
	ErrMutableVTable     = errors.New("vtable is not provably immutable")
	ErrNoPointerAtOffset = errors.New("no pointer at offset")
	ErrNotFunction       = errors.New("pointer does not refer to a function")
	ErrUndefinedTarget   = errors.New("target function is not defined")
	ErrNoTargets         = errors.New("no targets")
)

// Reason returns a short label for a resolution failure, for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMutableVTable):
		return "mutable_vtable"
	case errors.Is(err, ErrNoPointerAtOffset):
		return "no_pointer_at_offset"
	case errors.Is(err, ErrNotFunction):
		return "not_function"
	case errors.Is(err, ErrUndefinedTarget):
		return "undefined_target"
	case errors.Is(err, ErrNoTargets):
		return "no_targets"
	}
	return "other"
}

// TryFindTargets reads the function stored at offset bytes into the
// subobject of every member. Any member that does not yield a defined
// function fails the whole slot. Sentinel functions are skipped, and a slot
// left with no functions fails with ErrNoTargets. Targets are returned in
// member order without duplicates.
func TryFindTargets(prog *ir.Program, members []TypeMemberInfo, offset uint64, sentinels *sentinel.Checker) ([]*ir.Function, error) {
	var targets []*ir.Function
	seen := make(map[*ir.Function]struct{})
	for _, tm := range members {
		g := tm.Bits.Global
		if !g.Immutable() {
			return nil, fmt.Errorf("%s: %w", g, ErrMutableVTable)
		}
		ptr := PointerAtOffset(prog, g.Init, tm.Offset+offset)
		if ptr == nil {
			return nil, fmt.Errorf("%s+%d: %w", g, tm.Offset+offset, ErrNoPointerAtOffset)
		}
		fn, ok := ir.StripPointerCasts(ptr).(*ir.Function)
		if !ok {
			return nil, fmt.Errorf("%s+%d: %s: %w", g, tm.Offset+offset, ptr.Name(), ErrNotFunction)
		}
		if reason, ok := sentinels.Reason(fn.Name()); ok {
			slog.Debug("skipping sentinel target", "vtable", g.Name(), "function", fn.Name(), "reason", reason)
			continue
		}
		if fn.IsDeclaration() {
			return nil, fmt.Errorf("%s+%d: %s: %w", g, tm.Offset+offset, fn, ErrUndefinedTarget)
		}
		if _, dup := seen[fn]; dup {
			continue
		}
		seen[fn] = struct{}{}
		targets = append(targets, fn)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	return targets, nil
}
