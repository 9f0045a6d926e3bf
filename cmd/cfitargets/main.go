// Package main implements the CLI driver for the cfitargets analyzer.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/715d/cfitargets/pkg/callsites"
	"github.com/715d/cfitargets/pkg/cfi"
	"github.com/715d/cfitargets/pkg/dominance"
	"github.com/715d/cfitargets/pkg/fixture"
)

// Config holds all command-line configuration options for the cfitargets analyzer.
type Config struct {
	Programs          []string // the program fixtures to analyze
	Verbose           bool     // enables detailed output and statistics
	JSON              bool     // enables JSON output format
	DOT               bool     // prints the target graph in Graphviz format
	Metrics           bool     // writes analysis counters to stderr
	Arch              string   // overrides the target architecture of every program
	Sentinels         []string // extra never-a-target function names
	SentinelPatterns  []string // extra never-a-target name patterns
	ScanPastUnguarded bool     // keep collecting after an unguarded type test
	Jobs              int      // programs analyzed concurrently
	Profile           bool     // enables CPU and memory profiling
}

const exitError = 2

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var cfg Config

func main() {
	var rootCmd = &cobra.Command{
		Use:   "cfitargets [programs...]",
		Short: "Compute the allowed targets of indirect calls",
		Long: `cfitargets computes, for every call signature of a program, the functions
its indirect call sites may reach.

Virtual calls guarded by a type test are resolved through the vtables of the
tested type and reported in the virtual channel. Every other indirect call
may reach any defined function of its signature and is reported in the
plain channel.`,
		Example: `  cfitargets program.yaml                  # Print the target listing
  cfitargets --json a.yaml b.yaml          # JSON report for several programs
  cfitargets --dot program.yaml | dot -Tsvg > targets.svg
  cfitargets --sentinel abort program.yaml # Never treat abort as a target`,
		Args:               cobra.MinimumNArgs(1),
		RunE:               runCommand,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}

	// Set custom version template to include build info.
	rootCmd.SetVersionTemplate(fmt.Sprintf("cfitargets version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	// Define flags.
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	flags.BoolVar(&cfg.JSON, "json", false, "Output in JSON format")
	flags.BoolVar(&cfg.DOT, "dot", false, "Output the target graph in Graphviz format")
	flags.BoolVar(&cfg.Metrics, "metrics", false, "Write analysis counters in Prometheus format to stderr")
	flags.StringVar(&cfg.Arch, "arch", "", "Target architecture overriding the one named by each program")
	flags.StringSliceVar(&cfg.Sentinels, "sentinel", nil, "Function that is never a virtual call target (repeatable)")
	flags.StringSliceVar(&cfg.SentinelPatterns, "sentinel-pattern", nil, "Regular expression of functions that are never virtual call targets (repeatable)")
	flags.BoolVar(&cfg.ScanPastUnguarded, "scan-past-unguarded", false, "Keep collecting virtual calls after a type test without an assume")
	flags.IntVarP(&cfg.Jobs, "jobs", "j", runtime.GOMAXPROCS(0), "Number of programs analyzed concurrently")
	flags.BoolVar(&cfg.Profile, "profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")
	rootCmd.MarkFlagsMutuallyExclusive("json", "dot")

	if err := rootCmd.Execute(); err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg.Programs = args
	slog.Info("starting indirect call analysis", "programs", cfg.Programs)

	analyzer, err := callsites.NewAnalyzer(callsites.AnalyzerOptions{
		Sentinels:         cfg.Sentinels,
		SentinelPatterns:  cfg.SentinelPatterns,
		ScanPastUnguarded: cfg.ScanPastUnguarded,
	})
	if err != nil {
		return errWithCode(fmt.Errorf("configure analyzer: %w", err), exitError)
	}

	results, err := runAnalysis(cmd.Context(), analyzer, &cfg)
	if err != nil {
		return errWithCode(fmt.Errorf("analyze: %w", err), exitError)
	}

	if err := writeResults(os.Stdout, results, &cfg); err != nil {
		return errWithCode(fmt.Errorf("format results: %w", err), exitError)
	}
	if cfg.Metrics {
		analyzer.WriteMetrics(os.Stderr)
	}
	return nil
}

// Result is the analysis output for a single program.
type Result struct {
	Program  string
	Result   *cfi.Result
	Duration time.Duration
}

// runAnalysis loads and analyzes every program, keeping the order of
// cfg.Programs in the output. The first failure cancels the rest.
func runAnalysis(ctx context.Context, analyzer *callsites.Analyzer, cfg *Config) ([]Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]Result, len(cfg.Programs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Jobs, 1))

	for i, path := range cfg.Programs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			prog, err := fixture.Load(path, fixture.LoaderOptions{Arch: cfg.Arch})
			if err != nil {
				return fmt.Errorf("loading program: %w", err)
			}
			slog.Info("loaded program", "program", path, "functions", len(prog.Functions), "globals", len(prog.Globals))

			// Dominator trees are built on demand and only for functions
			// containing a type check.
			cache := dominance.NewCache()
			result, err := analyzer.Analyze(prog, cache.Oracle())
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = Result{Program: path, Result: result, Duration: time.Since(start)}
			slog.Info("analysis completed", "program", path, "dominator_trees", cache.Len(), "dur", results[i].Duration)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func writeResults(w io.Writer, results []Result, cfg *Config) error {
	var output string
	var err error

	switch {
	case cfg.JSON:
		output, err = formatJSONOutput(results)
	case cfg.DOT:
		output = formatDOTOutput(results)
	default:
		output, err = formatTextOutput(results)
	}
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, output)
	return err
}

func formatJSONOutput(results []Result) (string, error) {
	programs := make([]jProgram, 0, len(results))
	for _, r := range results {
		programs = append(programs, jProgram{
			Program:  r.Program,
			Report:   r.Result.Report(),
			Duration: r.Duration.String(),
		})
	}

	data, err := json.MarshalIndent(jOutput{
		Programs:  programs,
		Version:   version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling json output: %w", err)
	}
	return string(data) + "\n", nil
}

func formatDOTOutput(results []Result) string {
	var output strings.Builder
	for _, r := range results {
		title := strings.TrimSuffix(filepath.Base(r.Program), filepath.Ext(r.Program))
		output.WriteString(r.Result.DOT(title))
	}
	return output.String()
}

func formatTextOutput(results []Result) (string, error) {
	var output bytes.Buffer
	for _, r := range results {
		// Header only when several programs share the output.
		if len(results) > 1 {
			fmt.Fprintf(&output, "== %s ==\n", r.Program)
		}
		if err := r.Result.Dump(&output); err != nil {
			return "", err
		}
	}
	return output.String(), nil
}

type jOutput struct {
	Programs  []jProgram `json:"programs"`
	Version   string     `json:"version"`
	Timestamp string     `json:"timestamp"`
}

type jProgram struct {
	Program  string      `json:"program"`
	Report   *cfi.Report `json:"report"`
	Duration string      `json:"duration"`
}

var cpuProfile *os.File

func setup(_ *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if cfg.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if cfg.JSON {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		logger := slog.New(handler)
		slog.SetDefault(logger)
	}

	if !cfg.Profile {
		return nil
	}

	// Start CPU profiling.
	var err error
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	slog.Info("cpu profiling started", "file", "cpu.prof")
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if !cfg.Profile || cpuProfile == nil {
		return nil
	}

	// Stop CPU profiling and close file.
	pprof.StopCPUProfile()
	defer cpuProfile.Close()
	cpuProfile = nil
	slog.Info("cpu profiling stopped", "file", "cpu.prof")

	// Write memory profile.
	memFile, err := os.Create("mem.prof")
	if err != nil {
		return fmt.Errorf("creating mem.prof: %w", err)
	}
	defer memFile.Close()
	runtime.GC() // Get up-to-date statistics
	if err := pprof.WriteHeapProfile(memFile); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	slog.Info("memory profiling completed", "file", "mem.prof")
	return nil
}

func errWithCode(err error, code int) error {
	return codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e codedError) Unwrap() error {
	return e.err
}
