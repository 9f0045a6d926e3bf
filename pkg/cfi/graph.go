package cfi

import (
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"
)

// Graph returns the allowed-target graph: one node per indirect call site
// and per target function, and an edge from every call site to each target
// of its signature in its channel.
func (r *Result) Graph() *lattice.Graph {
	g := &lattice.Graph{}
	seen := make(Set[string])
	addNode := func(name string) {
		if seen.Add(name) {
			g.Nodes = append(g.Nodes, name)
		}
	}

	for _, ch := range []Channel{Virtual, Plain} {
		for _, sig := range r.Signatures(ch) {
			calls := r.Branches(sig, ch)
			if len(calls) == 0 {
				continue
			}
			// Call sites without targets stay visible as isolated nodes.
			targets, _ := r.Targets(sig, ch)
			for _, call := range calls {
				site := SiteName(call)
				addNode(site)
				for _, fn := range targets {
					addNode(fn.Name())
					g.Edges = append(g.Edges, lattice.Edge{Caller: site, Callee: fn.Name()})
				}
			}
		}
	}
	g.Dedup()
	return g
}

// DOT renders Graph in Graphviz format.
func (r *Result) DOT(title string) string {
	return render.DOT(r.Graph(), title)
}
