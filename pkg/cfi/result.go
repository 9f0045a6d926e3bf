// Package cfi holds the result of the indirect call analysis: for every call
// signature, the indirect call sites (branches) that use it and the
// functions (targets) they may legitimately reach.
//
// The result has two independent channels. The plain channel covers
// function-pointer calls, the virtual channel covers calls dispatched
// through a vtable slot that was resolved statically. A Result is written by
// a single analysis run and is read-only afterwards; it is not safe for
// concurrent writers.
package cfi

import (
	"cmp"
	"errors"
	"fmt"
	"go/types"
	"slices"

	"golang.org/x/tools/go/types/typeutil"

	"github.com/715d/cfitargets/internal/analysis"
	"github.com/715d/cfitargets/pkg/ir"
)

// ErrNoTargets is returned by Targets for a signature without targets.
var ErrNoTargets = errors.New("no targets for signature")

// Channel selects the plain or the virtual half of a Result.
type Channel int

const (
	Plain Channel = iota
	Virtual
)

func (c Channel) String() string {
	if c == Virtual {
		return "virtual"
	}
	return "plain"
}

// channel maps signatures to branch and target sets. Keys are compared with
// types.Identical, so two separately built but identical signatures share
// one entry.
type channel struct {
	branches typeutil.Map // *types.Signature -> Set[*ir.Call]
	targets  typeutil.Map // *types.Signature -> Set[*ir.Function]
}

// Result is the per-signature CFG of allowed indirect call targets.
type Result struct {
	names    *analysis.NameCache
	channels [2]channel

	// virtualCalls holds every call site committed to the virtual channel.
	virtualCalls Set[*ir.Call]
}

// NewResult returns an empty result. A nil names cache gets a fresh one.
func NewResult(names *analysis.NameCache) *Result {
	if names == nil {
		names = analysis.NewNameCache()
	}
	return &Result{
		names:        names,
		virtualCalls: make(Set[*ir.Call]),
	}
}

func (r *Result) channel(ch Channel) *channel {
	return &r.channels[ch]
}

// AddTarget records fn as an allowed target of calls with signature sig.
func (r *Result) AddTarget(sig *types.Signature, fn *ir.Function, ch Channel) {
	r.targetSet(sig, ch).Add(fn)
}

// AddTargets records every function of fns as an allowed target of calls
// with signature sig. An empty fns records nothing, not even sig.
func (r *Result) AddTargets(sig *types.Signature, fns []*ir.Function, ch Channel) {
	if len(fns) == 0 {
		return
	}
	set := r.targetSet(sig, ch)
	for _, fn := range fns {
		set.Add(fn)
	}
}

// AddBranch records call as an indirect call site with signature sig.
func (r *Result) AddBranch(sig *types.Signature, call *ir.Call, ch Channel) {
	c := r.channel(ch)
	set, _ := c.branches.At(sig).(Set[*ir.Call])
	if set == nil {
		set = make(Set[*ir.Call])
		c.branches.Set(sig, set)
	}
	set.Add(call)
	if ch == Virtual {
		r.virtualCalls.Add(call)
	}
}

func (r *Result) targetSet(sig *types.Signature, ch Channel) Set[*ir.Function] {
	c := r.channel(ch)
	set, _ := c.targets.At(sig).(Set[*ir.Function])
	if set == nil {
		set = make(Set[*ir.Function])
		c.targets.Set(sig, set)
	}
	return set
}

// HasTargets reports whether at least one target is known for sig. Target
// sets are only created non-empty, so this is also whether sig is a key.
func (r *Result) HasTargets(sig *types.Signature, ch Channel) bool {
	set, _ := r.channel(ch).targets.At(sig).(Set[*ir.Function])
	return len(set) > 0
}

// Targets returns the targets of sig sorted by name. Asking for a signature
// without targets is an error; callers check HasTargets first.
func (r *Result) Targets(sig *types.Signature, ch Channel) ([]*ir.Function, error) {
	set, _ := r.channel(ch).targets.At(sig).(Set[*ir.Function])
	if len(set) == 0 {
		return nil, fmt.Errorf("%s %s: %w", ch, r.names.ComputeSignatureName(sig), ErrNoTargets)
	}
	return slices.SortedFunc(set.All(), compareFunctions), nil
}

// Branches returns the call sites recorded for sig in program order.
func (r *Result) Branches(sig *types.Signature, ch Channel) []*ir.Call {
	set, _ := r.channel(ch).branches.At(sig).(Set[*ir.Call])
	return slices.SortedFunc(set.All(), compareCalls)
}

// Signatures returns every signature with branches or targets in ch, sorted
// by canonical name.
func (r *Result) Signatures(ch Channel) []*types.Signature {
	c := r.channel(ch)
	var seen typeutil.Map
	var sigs []*types.Signature
	for _, m := range []*typeutil.Map{&c.branches, &c.targets} {
		for _, key := range m.Keys() {
			if seen.At(key) != nil {
				continue
			}
			seen.Set(key, true)
			sigs = append(sigs, key.(*types.Signature))
		}
	}
	slices.SortFunc(sigs, func(a, b *types.Signature) int {
		return cmp.Compare(r.names.ComputeSignatureName(a), r.names.ComputeSignatureName(b))
	})
	return sigs
}

// IsVirtual reports whether call was committed to the virtual channel.
func (r *Result) IsVirtual(call *ir.Call) bool {
	return r.virtualCalls.Has(call)
}

// HasCallees reports whether any target is known for call, looking in the
// virtual channel when the call was resolved as a virtual call and in the
// plain channel otherwise.
func (r *Result) HasCallees(call *ir.Call) bool {
	return r.HasTargets(call.Sig, r.channelOf(call))
}

// Callees returns the allowed targets of call. See HasCallees.
func (r *Result) Callees(call *ir.Call) ([]*ir.Function, error) {
	return r.Targets(call.Sig, r.channelOf(call))
}

func (r *Result) channelOf(call *ir.Call) Channel {
	if r.IsVirtual(call) {
		return Virtual
	}
	return Plain
}

// SignatureName returns the canonical name of sig.
func (r *Result) SignatureName(sig *types.Signature) string {
	return r.names.ComputeSignatureName(sig)
}

func compareFunctions(a, b *ir.Function) int {
	return cmp.Compare(a.Name(), b.Name())
}

func compareCalls(a, b *ir.Call) int {
	return cmp.Or(
		cmp.Compare(a.Parent().Name(), b.Parent().Name()),
		cmp.Compare(a.Block().Index, b.Block().Index),
		cmp.Compare(a.Index(), b.Index()),
	)
}

// SiteName identifies a call site as function/block#index.
func SiteName(call *ir.Call) string {
	return fmt.Sprintf("%s/%s#%d", call.Parent().Name(), call.Block().Name(), call.Index())
}
