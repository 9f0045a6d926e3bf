package harness

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/715d/cfitargets/pkg/callsites"
	"github.com/715d/cfitargets/pkg/cfi"
	"github.com/715d/cfitargets/pkg/dominance"
	"github.com/715d/cfitargets/pkg/fixture"
)

// DefaultProgram is the fixture file name used when a test case names none.
const DefaultProgram = "program.yaml"

// TestCase represents a single test scenario.
type TestCase struct {
	// Dir is the directory containing the test program.
	Dir string `yaml:"-"`

	// Program is the fixture file, relative to Dir.
	Program string `yaml:"program,omitempty"`

	// Description says what the case exercises.
	Description string `yaml:"description,omitempty"`

	// Configurations defines the analyzer setups to test.
	Configurations []Configuration `yaml:"configurations"`
}

// TestHarness manages test execution.
type TestHarness struct {
	// root is the root directory for test data
	root string
}

// NewHarness creates a new test harness.
func NewHarness(root string) *TestHarness {
	return &TestHarness{root: root}
}

// Run executes a test case with all its configurations.
func (h *TestHarness) Run(t *testing.T, tc *TestCase) *TestResult {
	t.Helper()
	require.NotEmpty(t, tc.Configurations, "test case has no configurations")

	var results []ConfigurationResult
	var allSuccess = true

	for _, cfg := range tc.Configurations {
		cfgResult := h.runConfiguration(t, tc, cfg)
		results = append(results, *cfgResult)
		if !cfgResult.Success {
			allSuccess = false
		}
	}

	var resultMsg string
	if allSuccess {
		resultMsg = fmt.Sprintf("All %d configurations passed", len(tc.Configurations))
	} else {
		failedCount := 0
		var msgs []string
		for _, cr := range results {
			if !cr.Success {
				failedCount++
				msgs = append(msgs, fmt.Sprintf("[%s] %s:\n  %s",
					cr.Configuration.Name, cr.Message, strings.Join(cr.Details, "\n")))
			}
		}
		resultMsg = fmt.Sprintf("%d/%d configurations failed:\n%s",
			failedCount, len(tc.Configurations), strings.Join(msgs, "\n"))
	}

	return &TestResult{
		TestCase:             tc,
		ConfigurationResults: results,
		Success:              allSuccess,
		Message:              resultMsg,
	}
}

// runConfiguration loads and analyzes the program under a single configuration.
func (h *TestHarness) runConfiguration(t *testing.T, tc *TestCase, cfg Configuration) *ConfigurationResult {
	t.Helper()

	result, err := h.analyze(tc, cfg)
	if err != nil {
		for _, expectedErr := range cfg.ExpectedErrors {
			if strings.Contains(err.Error(), expectedErr) {
				return &ConfigurationResult{
					Configuration: cfg,
					Success:       true,
					Message:       fmt.Sprintf("Got expected error: %v", err),
				}
			}
		}
		require.NoError(t, err)
	}
	if len(cfg.ExpectedErrors) > 0 {
		return &ConfigurationResult{
			Configuration: cfg,
			Result:        result,
			Success:       false,
			Message:       "Expected an error, analysis succeeded",
			Details:       cfg.ExpectedErrors,
		}
	}
	return validateConfigurationResults(cfg, result)
}

func (h *TestHarness) analyze(tc *TestCase, cfg Configuration) (*cfi.Result, error) {
	program := tc.Program
	if program == "" {
		program = DefaultProgram
	}
	prog, err := fixture.Load(filepath.Join(h.root, tc.Dir, program), fixture.LoaderOptions{Arch: cfg.Arch})
	if err != nil {
		return nil, err
	}
	analyzer, err := callsites.NewAnalyzer(callsites.AnalyzerOptions{
		Sentinels:         cfg.Sentinels,
		SentinelPatterns:  cfg.SentinelPatterns,
		ScanPastUnguarded: cfg.ScanPastUnguarded,
	})
	if err != nil {
		return nil, err
	}
	return analyzer.Analyze(prog, dominance.NewCache().Oracle())
}

// validateConfigurationResults compares the actual report with the expected one.
func validateConfigurationResults(cfg Configuration, result *cfi.Result) *ConfigurationResult {
	cfgResult := ConfigurationResult{
		Configuration: cfg,
		Result:        result,
	}

	if err := validateExpectedReport(&cfg.Expected); err != nil {
		cfgResult.Message = fmt.Sprintf("Invalid expected.yaml: %v", err)
		cfgResult.Details = []string{err.Error()}
		return &cfgResult
	}

	diff := cmp.Diff(&cfg.Expected, result.Report(), cmpopts.EquateEmpty())
	if diff != "" {
		cfgResult.Message = "Report mismatch (-expected +actual)"
		cfgResult.Details = strings.Split(strings.TrimRight(diff, "\n"), "\n")
		return &cfgResult
	}

	cfgResult.Success = true
	cfgResult.Message = fmt.Sprintf("All %d virtual and %d plain signatures matched",
		countSignatures(cfg.Expected.Virtual), countSignatures(cfg.Expected.Plain))
	return &cfgResult
}

// ConfigurationResult represents the result of running a single configuration.
type ConfigurationResult struct {
	// Configuration is the configuration that was run.
	Configuration Configuration

	// Result is the raw result from the analyzer.
	Result *cfi.Result

	// Success indicates if this configuration passed.
	Success bool

	// Message provides a summary of the result for this configuration.
	Message string

	// Details provides detailed information about failures for this configuration.
	Details []string
}

// TestResult represents the result of running a test case.
type TestResult struct {
	// TestCase is the test case that was run.
	TestCase *TestCase

	// ConfigurationResults contains results for each configuration.
	ConfigurationResults []ConfigurationResult

	// Success indicates if the test passed (all configurations passed)
	Success bool

	// Message provides a summary of the result.
	Message string
}

// validateExpectedReport checks that every listed signature has a name.
func validateExpectedReport(r *cfi.Report) error {
	for _, ch := range []struct {
		name   string
		report cfi.ChannelReport
	}{{"virtual", r.Virtual}, {"plain", r.Plain}} {
		for i, b := range ch.report.Branches {
			if strings.TrimSpace(b.Signature) == "" {
				return fmt.Errorf("%s branches at index %d has empty or missing 'signature' field", ch.name, i)
			}
		}
		for i, tg := range ch.report.Targets {
			if strings.TrimSpace(tg.Signature) == "" {
				return fmt.Errorf("%s targets at index %d has empty or missing 'signature' field", ch.name, i)
			}
		}
	}
	return nil
}

func countSignatures(r cfi.ChannelReport) int {
	seen := make(map[string]struct{})
	for _, b := range r.Branches {
		seen[b.Signature] = struct{}{}
	}
	for _, tg := range r.Targets {
		seen[tg.Signature] = struct{}{}
	}
	return len(seen)
}
