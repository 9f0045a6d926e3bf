package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// DebugLoc is the source location attached to an instruction.
type DebugLoc struct {
	File string
	Line int
	Col  int
}

func (l *DebugLoc) String() string {
	if l == nil {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Col)
}

// ParseDebugLoc parses "file:line:col". The file part may itself contain
// colons.
func ParseDebugLoc(s string) (*DebugLoc, error) {
	colIdx := strings.LastIndexByte(s, ':')
	if colIdx <= 0 {
		return nil, fmt.Errorf("debug location %q: want file:line:col", s)
	}
	lineIdx := strings.LastIndexByte(s[:colIdx], ':')
	if lineIdx <= 0 {
		return nil, fmt.Errorf("debug location %q: want file:line:col", s)
	}
	line, err := strconv.Atoi(s[lineIdx+1 : colIdx])
	if err != nil {
		return nil, fmt.Errorf("debug location %q: line: %w", s, err)
	}
	col, err := strconv.Atoi(s[colIdx+1:])
	if err != nil {
		return nil, fmt.Errorf("debug location %q: column: %w", s, err)
	}
	return &DebugLoc{File: s[:lineIdx], Line: line, Col: col}, nil
}
