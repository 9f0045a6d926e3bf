package sentinel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecker_NewChecker(t *testing.T) {
	checker := NewChecker()

	require.NotNil(t, checker)
	require.True(t, checker.IsSentinel(PureVirtual))
	require.Equal(t, []string{PureVirtual}, checker.Names())
}

func TestChecker_IsSentinel(t *testing.T) {
	checker := NewChecker()
	checker.Add("__cxa_deleted_virtual", "")
	require.NoError(t, checker.AddPattern(`__trap_\d+`))

	tests := []struct {
		name       string
		function   string
		isSentinel bool
		reason     string
	}{
		{"pure virtual", "__cxa_pure_virtual", true, "pure virtual"},
		{"added name", "__cxa_deleted_virtual", true, "sentinel"},
		{"pattern", "__trap_12", true, `matches ^(?:__trap_\d+)$`},
		{"pattern is anchored", "x__trap_12", false, ""},
		{"regular function", "_ZN1A1fEv", false, ""},
		{"prefix of sentinel", "__cxa_pure", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.isSentinel, checker.IsSentinel(tt.function))
			reason, ok := checker.Reason(tt.function)
			require.Equal(t, tt.isSentinel, ok)
			require.Equal(t, tt.reason, reason)
		})
	}
}

func TestChecker_AddPatternInvalid(t *testing.T) {
	checker := NewChecker()
	require.Error(t, checker.AddPattern("("))
}

func TestChecker_Nil(t *testing.T) {
	var checker *Checker
	require.False(t, checker.IsSentinel(PureVirtual))
}
