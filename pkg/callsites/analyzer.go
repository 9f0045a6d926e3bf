// Package callsites computes, for every call signature of a program, the
// functions its indirect and virtual call sites may legitimately reach.
package callsites

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"

	"github.com/715d/cfitargets/internal/analysis"
	"github.com/715d/cfitargets/pkg/cfi"
	"github.com/715d/cfitargets/pkg/dominance"
	"github.com/715d/cfitargets/pkg/ir"
	"github.com/715d/cfitargets/pkg/sentinel"
)

// AnalyzerOptions holds configuration options for the analyzer.
type AnalyzerOptions struct {
	Sentinels         []string  // Extra never-a-target function names.
	SentinelPatterns  []string  // Extra never-a-target name patterns.
	ScanPastUnguarded bool      // Keep collecting after an unguarded type test.
	Dump              io.Writer // Destination of the diagnostic dump, if any.
}

// Analyzer runs the virtual and plain resolvers over programs.
type Analyzer struct {
	sentinels *sentinel.Checker
	nameCache *analysis.NameCache
	metrics   *metrics.Set
	opts      AnalyzerOptions
}

// NewAnalyzer creates a new analyzer with the given options.
func NewAnalyzer(opts AnalyzerOptions) (*Analyzer, error) {
	sentinels := sentinel.NewChecker()
	for _, name := range opts.Sentinels {
		sentinels.Add(name, "configured")
	}
	for _, expr := range opts.SentinelPatterns {
		if err := sentinels.AddPattern(expr); err != nil {
			return nil, err
		}
	}
	return &Analyzer{
		sentinels: sentinels,
		nameCache: analysis.NewNameCache(),
		metrics:   metrics.NewSet(),
		opts:      opts,
	}, nil
}

// Analyze computes the allowed targets of the indirect calls of prog. The
// oracle is asked for a function's dominance relation only when a type
// check in that function is examined. Analyze does not modify prog.
func (a *Analyzer) Analyze(prog *ir.Program, oracle dominance.Oracle) (*cfi.Result, error) {
	// Validate input.
	if prog == nil {
		return nil, errors.New("no program provided")
	}
	if !prog.Sealed() {
		return nil, errors.New("program is not sealed")
	}
	if oracle == nil {
		return nil, errors.New("no dominance oracle provided")
	}

	result := cfi.NewResult(a.nameCache)

	// Step 1: Resolve virtual calls first so the plain pass can skip them.
	vstats := ResolveVirtual(prog, oracle, result, VirtualOptions{
		Sentinels:         a.sentinels,
		ScanPastUnguarded: a.opts.ScanPastUnguarded,
	})
	slog.Debug("resolved virtual calls",
		"type_tests", vstats.TypeTests,
		"slots", vstats.Slots,
		"resolved", vstats.ResolvedSlots,
		"call_sites", vstats.Committed)

	// Step 2: Resolve plain indirect calls.
	pstats := ResolvePlain(prog, result)
	slog.Debug("resolved plain calls", "functions", pstats.Functions, "branches", pstats.Branches)

	a.record(vstats, pstats)

	// Step 3: Dump.
	if a.opts.Dump != nil {
		if err := result.Dump(a.opts.Dump); err != nil {
			return nil, fmt.Errorf("write dump: %w", err)
		}
	}
	return result, nil
}

func (a *Analyzer) record(vstats VirtualStats, pstats PlainStats) {
	a.counter("cfitargets_functions_total").Add(pstats.Functions)
	a.counter("cfitargets_plain_branches_total").Add(pstats.Branches)
	a.counter("cfitargets_type_tests_total").Add(vstats.TypeTests)
	a.counter("cfitargets_type_tests_unguarded_total").Add(vstats.UnguardedTypeTests)
	a.counter("cfitargets_checked_loads_total").Add(vstats.CheckedLoads)
	a.counter("cfitargets_virtual_call_sites_total").Add(vstats.Committed)
	a.counter("cfitargets_vtable_slots_total").Add(vstats.Slots)
	a.counter("cfitargets_vtable_slots_resolved_total").Add(vstats.ResolvedSlots)
	for reason, n := range vstats.FailedSlots {
		a.counter(fmt.Sprintf(`cfitargets_vtable_slots_failed_total{reason=%q}`, reason)).Add(n)
	}
}

func (a *Analyzer) counter(name string) *metrics.Counter {
	return a.metrics.GetOrCreateCounter(name)
}

// WriteMetrics writes the analysis counters in Prometheus text format.
func (a *Analyzer) WriteMetrics(w io.Writer) {
	a.metrics.WritePrometheus(w)
}
