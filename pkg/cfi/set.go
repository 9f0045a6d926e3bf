package cfi

import (
	"iter"
	"maps"
)

// Set is an unordered set. Callers sort when they need a stable order.
type Set[T comparable] map[T]struct{}

// NewSet returns a set holding items.
func NewSet[T comparable](items ...T) Set[T] {
	s := make(Set[T], len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Add inserts item and reports whether it was absent.
func (s Set[T]) Add(item T) bool {
	if _, ok := s[item]; ok {
		return false
	}
	s[item] = struct{}{}
	return true
}

// Has reports whether item is in the set.
func (s Set[T]) Has(item T) bool {
	_, ok := s[item]
	return ok
}

// All iterates over the items in unspecified order.
func (s Set[T]) All() iter.Seq[T] {
	return maps.Keys(s)
}
