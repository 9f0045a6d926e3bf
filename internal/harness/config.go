// Package harness runs the analyzer over the fixture programs under testdata
// and compares its report with the expected one.
package harness

import "github.com/715d/cfitargets/pkg/cfi"

// Configuration is one analyzer setup to run a program under.
type Configuration struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name"`

	// Arch overrides the target architecture of the program.
	Arch string `yaml:"arch,omitempty"`

	// Sentinels are extra never-a-target function names.
	Sentinels []string `yaml:"sentinels,omitempty"`

	// SentinelPatterns are extra never-a-target name patterns.
	SentinelPatterns []string `yaml:"sentinel_patterns,omitempty"`

	// ScanPastUnguarded keeps collecting after an unguarded type test.
	ScanPastUnguarded bool `yaml:"scan_past_unguarded,omitempty"`

	// Expected is the report the analyzer must produce.
	Expected cfi.Report `yaml:"expected"`

	// ExpectedErrors lists any expected error messages for this configuration.
	ExpectedErrors []string `yaml:"expected_errors,omitempty"`
}
