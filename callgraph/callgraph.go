// Package callgraph builds the function-level call graph of a linked module,
// including may-call edges for indirect calls, and computes the strongly
// connected components that the interprocedural solver analyzes as units.
package callgraph

import (
	"github.com/ffilint/ffilint/ir"
)

// A Graph is the call graph of one module. Direct edges come from call
// instructions; indirect call sites get one edge per address-taken function
// whose signature matches the site.
type Graph struct {
	Nodes []*Node

	byFunc       map[*ir.Function]*Node
	addressTaken []*ir.Function
}

// A Node wraps a function. Out edges lead to callees, In edges come from
// callers.
type Node struct {
	Func  *ir.Function
	Out   []*Edge
	In    []*Edge
	index int
}

func (n *Node) String() string { return n.Func.Name }

// An Edge is a call from a site in Caller to Callee. Indirect edges are part
// of a may-call set and carry reduced confidence through the whole analysis.
type Edge struct {
	Caller   *Node
	Callee   *Node
	Site     ir.CallInstruction
	Indirect bool
}

// Build constructs the call graph for m. Node order follows module function
// order, edge order follows instruction order; both are deterministic.
func Build(m *ir.Module) *Graph {
	g := &Graph{byFunc: map[*ir.Function]*Node{}}
	for _, fn := range m.Funcs {
		n := &Node{Func: fn, index: len(g.Nodes)}
		g.Nodes = append(g.Nodes, n)
		g.byFunc[fn] = n
		if fn.AddressTaken {
			g.addressTaken = append(g.addressTaken, fn)
		}
	}

	for _, fn := range m.Funcs {
		caller := g.byFunc[fn]
		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				switch call := instr.(type) {
				case *ir.Call:
					callee := m.Func(call.Callee)
					if callee == nil {
						continue // loader guarantees resolution; stay robust anyway
					}
					g.addEdge(&Edge{Caller: caller, Callee: g.byFunc[callee], Site: call})
				case *ir.IndirectCall:
					for _, target := range g.mayCallees(call.Sig) {
						g.addEdge(&Edge{Caller: caller, Callee: g.byFunc[target], Site: call, Indirect: true})
					}
				}
			}
		}
	}
	return g
}

func (g *Graph) addEdge(e *Edge) {
	e.Caller.Out = append(e.Caller.Out, e)
	e.Callee.In = append(e.Callee.In, e)
}

// Node returns the graph node for fn, or nil.
func (g *Graph) Node(fn *ir.Function) *Node { return g.byFunc[fn] }

// MayCallees returns the may-call set of an indirect call site: every
// address-taken function whose signature matches the site's. The set is
// conservative; an empty set means the target is entirely unknown and the
// site must be treated as opaque.
func (g *Graph) MayCallees(site *ir.IndirectCall) []*ir.Function {
	return g.mayCallees(site.Sig)
}

func (g *Graph) mayCallees(sig string) []*ir.Function {
	var targets []*ir.Function
	for _, fn := range g.addressTaken {
		if sig == "" || fn.Sig == "" || fn.Sig == sig {
			targets = append(targets, fn)
		}
	}
	return targets
}

// An SCC is a maximal set of mutually call-reachable functions. Singleton
// SCCs without a self edge are the common case; anything else is recursion.
type SCC struct {
	Nodes []*Node
}

// Recursive reports whether the SCC contains a cycle.
func (s *SCC) Recursive() bool {
	if len(s.Nodes) > 1 {
		return true
	}
	n := s.Nodes[0]
	for _, e := range n.Out {
		if e.Callee == n {
			return true
		}
	}
	return false
}

// SCCs computes the strongly connected components of g using Tarjan's
// algorithm. Components are returned in reverse topological order of the
// condensation: callees come before their callers, which is exactly the
// order the solver needs.
func (g *Graph) SCCs() []*SCC {
	t := &tarjan{
		g:       g,
		index:   make([]int, len(g.Nodes)),
		lowlink: make([]int, len(g.Nodes)),
		onStack: make([]bool, len(g.Nodes)),
	}
	for i := range t.index {
		t.index[i] = -1
	}
	for _, n := range g.Nodes {
		if t.index[n.index] == -1 {
			t.strongConnect(n)
		}
	}
	return t.sccs
}

type tarjan struct {
	g       *Graph
	counter int
	index   []int
	lowlink []int
	onStack []bool
	stack   []*Node
	sccs    []*SCC
}

func (t *tarjan) strongConnect(v *Node) {
	t.index[v.index] = t.counter
	t.lowlink[v.index] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v.index] = true

	for _, e := range v.Out {
		w := e.Callee
		if t.index[w.index] == -1 {
			t.strongConnect(w)
			if t.lowlink[w.index] < t.lowlink[v.index] {
				t.lowlink[v.index] = t.lowlink[w.index]
			}
		} else if t.onStack[w.index] {
			if t.index[w.index] < t.lowlink[v.index] {
				t.lowlink[v.index] = t.index[w.index]
			}
		}
	}

	if t.lowlink[v.index] == t.index[v.index] {
		scc := &SCC{}
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[w.index] = false
			scc.Nodes = append(scc.Nodes, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}

// Levels groups SCCs into dependency levels: an SCC at level i only calls
// into SCCs at levels below i. SCCs within one level are independent and may
// be solved concurrently.
func Levels(sccs []*SCC) [][]*SCC {
	sccOf := map[*Node]int{}
	for i, s := range sccs {
		for _, n := range s.Nodes {
			sccOf[n] = i
		}
	}
	level := make([]int, len(sccs))
	for i, s := range sccs {
		// sccs arrive callees-first, so callee levels are already final
		max := 0
		for _, n := range s.Nodes {
			for _, e := range n.Out {
				j := sccOf[e.Callee]
				if j == i {
					continue
				}
				if level[j]+1 > max {
					max = level[j] + 1
				}
			}
		}
		level[i] = max
	}
	depth := 0
	for _, l := range level {
		if l+1 > depth {
			depth = l + 1
		}
	}
	out := make([][]*SCC, depth)
	for i, s := range sccs {
		out[level[i]] = append(out[level[i]], s)
	}
	return out
}
