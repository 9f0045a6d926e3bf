package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/cfitargets/pkg/callsites"
)

func analyzeTestdata(t *testing.T, c *Config, names ...string) ([]Result, *callsites.Analyzer) {
	t.Helper()
	for _, name := range names {
		c.Programs = append(c.Programs, filepath.Join("..", "..", "testdata", name, "program.yaml"))
	}
	analyzer, err := callsites.NewAnalyzer(callsites.AnalyzerOptions{})
	require.NoError(t, err)
	results, err := runAnalysis(t.Context(), analyzer, c)
	require.NoError(t, err)
	return results, analyzer
}

func TestRunAnalysis_KeepsOrder(t *testing.T) {
	results, analyzer := analyzeTestdata(t, &Config{Jobs: 4}, "pure-virtual", "basic-virtual", "checked-load")
	require.Len(t, results, 3)
	assert.Contains(t, results[0].Program, "pure-virtual")
	assert.Contains(t, results[1].Program, "basic-virtual")
	assert.Contains(t, results[2].Program, "checked-load")

	var metrics bytes.Buffer
	analyzer.WriteMetrics(&metrics)
	assert.Contains(t, metrics.String(), "cfitargets_vtable_slots_resolved_total 4")
}

func TestRunAnalysis_MissingProgram(t *testing.T) {
	analyzer, err := callsites.NewAnalyzer(callsites.AnalyzerOptions{})
	require.NoError(t, err)
	_, err = runAnalysis(t.Context(), analyzer, &Config{Programs: []string{"does-not-exist.yaml"}, Jobs: 1})
	assert.ErrorContains(t, err, "loading program")
}

func TestWriteResults(t *testing.T) {
	results, _ := analyzeTestdata(t, &Config{Jobs: 1}, "pure-virtual")

	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeResults(&out, results, &Config{}))
		assert.True(t, strings.HasPrefix(out.String(), "Virtual Function CFG:\n"))
		assert.Contains(t, out.String(), "shape.cpp:7:12")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeResults(&out, results, &Config{JSON: true}))

		var decoded jOutput
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		require.Len(t, decoded.Programs, 1)
		require.Len(t, decoded.Programs[0].Report.Virtual.Targets, 1)
		assert.Equal(t, []string{"_ZN1B1fEv"}, decoded.Programs[0].Report.Virtual.Targets[0].Functions)
	})

	t.Run("dot", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeResults(&out, results, &Config{DOT: true}))
		assert.NotEmpty(t, out.String())
	})
}

func TestCodedError(t *testing.T) {
	err := errWithCode(assert.AnError, 3)
	var cErr codedError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, 3, cErr.code)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, errWithCode(nil, exitError).Error())
}
