// Package dominance answers "does this instruction dominate that one" for
// the functions of a sealed ir.Program.
//
// The analysis only consumes the Relation interface through an Oracle. Tree
// is the default implementation, computed with the iterative algorithm of
// Cooper, Harvey and Kennedy ("A Simple, Fast Dominance Algorithm", 2001),
// and Cache memoizes one Tree per function.
package dominance

import (
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/tools/container/intsets"

	"github.com/715d/cfitargets/pkg/ir"
)

// Relation is the dominance relation of one function.
type Relation interface {
	// Dominates reports whether def dominates use: every path from the
	// function entry to use passes through def first. An instruction does
	// not dominate itself.
	Dominates(def, use ir.Instruction) bool
}

// Oracle returns the dominance relation of a defined function.
type Oracle func(fn *ir.Function) Relation

// Tree is the dominator tree of one function.
type Tree struct {
	fn   *ir.Function
	idom []int // block index -> immediate dominator index, -1 if unreachable
	po   []int // block index -> postorder number, -1 if unreachable
}

// New computes the dominator tree of fn. Blocks unreachable from the entry
// block are neither dominated by nor dominating any other block.
func New(fn *ir.Function) *Tree {
	n := len(fn.Blocks)
	t := &Tree{fn: fn, idom: make([]int, n), po: make([]int, n)}
	for i := range n {
		t.idom[i] = -1
		t.po[i] = -1
	}
	if n == 0 {
		return t
	}

	post := postorder(fn)
	for i, b := range post {
		t.po[b] = i
	}

	const entry = 0
	t.idom[entry] = entry
	for changed := true; changed; {
		changed = false
		for i := len(post) - 1; i >= 0; i-- {
			b := post[i]
			if b == entry {
				continue
			}
			newIdom := -1
			for _, pred := range fn.Blocks[b].Preds {
				p := pred.Index
				if t.idom[p] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = p
					continue
				}
				newIdom = t.intersect(p, newIdom)
			}
			if newIdom != -1 && t.idom[b] != newIdom {
				t.idom[b] = newIdom
				changed = true
			}
		}
	}
	return t
}

// postorder returns the indices of the blocks reachable from the entry
// block in DFS postorder.
func postorder(fn *ir.Function) []int {
	type frame struct {
		b    *ir.Block
		next int
	}

	var visited intsets.Sparse
	post := make([]int, 0, len(fn.Blocks))
	visited.Insert(0)
	stack := []frame{{b: fn.Blocks[0]}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.b.Succs) {
			succ := top.b.Succs[top.next]
			top.next++
			if visited.Insert(succ.Index) {
				stack = append(stack, frame{b: succ})
			}
			continue
		}
		post = append(post, top.b.Index)
		stack = stack[:len(stack)-1]
	}
	return post
}

func (t *Tree) intersect(a, b int) int {
	for a != b {
		for t.po[a] < t.po[b] {
			a = t.idom[a]
		}
		for t.po[b] < t.po[a] {
			b = t.idom[b]
		}
	}
	return a
}

// Function returns the function the tree was computed for.
func (t *Tree) Function() *ir.Function {
	return t.fn
}

// Reachable reports whether b is reachable from the entry block.
func (t *Tree) Reachable(b *ir.Block) bool {
	return b.Parent() == t.fn && t.idom[b.Index] != -1
}

// Idom returns the immediate dominator of b, or nil for the entry block and
// unreachable blocks.
func (t *Tree) Idom(b *ir.Block) *ir.Block {
	if !t.Reachable(b) || b.Index == 0 {
		return nil
	}
	return t.fn.Blocks[t.idom[b.Index]]
}

// BlockDominates reports whether block a dominates block b. A block
// dominates itself.
func (t *Tree) BlockDominates(a, b *ir.Block) bool {
	if !t.Reachable(a) || !t.Reachable(b) {
		return false
	}
	for x := b.Index; ; x = t.idom[x] {
		if x == a.Index {
			return true
		}
		if x == 0 {
			return false
		}
	}
}

// Dominates implements Relation.
func (t *Tree) Dominates(def, use ir.Instruction) bool {
	db, ub := def.Block(), use.Block()
	if db == nil || ub == nil {
		return false
	}
	if db == ub {
		return t.Reachable(db) && def.Index() < use.Index()
	}
	return t.BlockDominates(db, ub)
}

// Cache memoizes dominator trees per function. It is safe for concurrent
// use.
type Cache struct {
	trees *xsync.Map[*ir.Function, *Tree]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{trees: xsync.NewMap[*ir.Function, *Tree]()}
}

// Tree returns the dominator tree of fn, computing it on first request.
func (c *Cache) Tree(fn *ir.Function) *Tree {
	if t, ok := c.trees.Load(fn); ok {
		return t
	}
	t, _ := c.trees.LoadOrStore(fn, New(fn))
	return t
}

// Oracle returns an Oracle backed by the cache.
func (c *Cache) Oracle() Oracle {
	return func(fn *ir.Function) Relation {
		return c.Tree(fn)
	}
}

// Len returns the number of trees computed so far.
func (c *Cache) Len() int {
	return c.trees.Size()
}
