// Package sentinel recognizes functions that occupy vtable slots without
// being real call targets.
package sentinel

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
)

// PureVirtual is the Itanium C++ ABI handler placed in the vtable slots of
// pure virtual methods.
const PureVirtual = "__cxa_pure_virtual"

// Checker decides whether a function name is a sentinel.
type Checker struct {
	// names maps exact sentinel names to the reason they were added
	names map[string]string

	// patterns holds sentinels matched by regular expression
	patterns []*regexp.Regexp
}

// NewChecker returns a checker that knows PureVirtual.
func NewChecker() *Checker {
	c := &Checker{names: make(map[string]string)}
	c.Add(PureVirtual, "pure virtual")
	return c
}

// Add registers an exact sentinel name.
func (c *Checker) Add(name, reason string) {
	if reason == "" {
		reason = "sentinel"
	}
	c.names[name] = reason
}

// AddPattern registers every name fully matching expr as a sentinel.
func (c *Checker) AddPattern(expr string) error {
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return fmt.Errorf("invalid sentinel pattern %q: %w", expr, err)
	}
	c.patterns = append(c.patterns, re)
	return nil
}

// IsSentinel reports whether name is a sentinel.
func (c *Checker) IsSentinel(name string) bool {
	_, ok := c.Reason(name)
	return ok
}

// Reason returns why name is a sentinel.
func (c *Checker) Reason(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	if reason, ok := c.names[name]; ok {
		return reason, true
	}
	for _, re := range c.patterns {
		if re.MatchString(name) {
			return "matches " + re.String(), true
		}
	}
	return "", false
}

// Names returns the exact sentinel names in sorted order.
func (c *Checker) Names() []string {
	return slices.Sorted(maps.Keys(c.names))
}
