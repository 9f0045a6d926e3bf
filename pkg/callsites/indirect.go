package callsites

import (
	"github.com/715d/cfitargets/pkg/cfi"
	"github.com/715d/cfitargets/pkg/ir"
)

// PlainStats counts what the plain resolver recorded.
type PlainStats struct {
	Functions int
	Branches  int
}

// ResolvePlain records every defined function as a plain target of its own
// signature, and every indirect call not already committed as a virtual
// call as a plain branch of the call's signature. Any function of matching
// signature is assumed reachable from any such call.
func ResolvePlain(prog *ir.Program, result *cfi.Result) PlainStats {
	var stats PlainStats
	for _, fn := range prog.Functions {
		if fn.IsDeclaration() {
			continue
		}
		result.AddTarget(fn.Sig, fn, cfi.Plain)
		stats.Functions++

		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				call, ok := instr.(*ir.Call)
				if !ok || !call.IsIndirect() || result.IsVirtual(call) {
					continue
				}
				result.AddBranch(call.Sig, call, cfi.Plain)
				stats.Branches++
			}
		}
	}
	return stats
}
