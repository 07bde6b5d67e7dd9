// Package lint provides the foundation of the ffilint analyzer: the Finding
// data model, the severity classifier and precision filter, and the Linter
// that wires the loader's module through the boundary identifier, the
// data-flow engine and the checkers.
package lint

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/ffilint/ffilint/boundary"
	"github.com/ffilint/ffilint/callgraph"
	"github.com/ffilint/ffilint/dfa"
	"github.com/ffilint/ffilint/ir"
)

// Kind enumerates the bug patterns ffilint reports.
type Kind uint8

const (
	DoubleFree Kind = iota
	UseAfterFree
	Leak
	ExceptionSafety
)

func (k Kind) String() string {
	switch k {
	case DoubleFree:
		return "double-free"
	case UseAfterFree:
		return "use-after-free"
	case Leak:
		return "leak"
	case ExceptionSafety:
		return "exception-safety"
	}
	return "invalid"
}

// Severity is the confidence tier of a finding. The filter keeps findings at
// or above a minimum tier; numeric order matches confidence order.
type Severity uint8

const (
	Low Severity = iota
	Mid
	High
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Mid:
		return "mid"
	case High:
		return "high"
	}
	return "invalid"
}

// ParseSeverity parses "high", "mid" or "low".
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "high":
		return High, nil
	case "mid":
		return Mid, nil
	case "low":
		return Low, nil
	}
	return Low, fmt.Errorf("invalid severity %q (want high, mid or low)", s)
}

// A Finding is one detected violation. Findings are immutable once emitted;
// the classifier assigns Severity from Prov before anything reads it.
type Finding struct {
	Kind     Kind
	Severity Severity
	// Obj identifies the memory object the finding is about; zero for
	// findings that are not about an object, such as unwind reports.
	Obj dfa.ObjectID
	// Pos is the witnessing program point.
	Pos ir.Pos
	// AllocPos is the allocation-site location the finding is about, best
	// effort from debug metadata.
	AllocPos ir.Pos
	Message  string
	// Prov is the witness path's provenance; it determines Severity.
	Prov dfa.Provenance
	// Witness describes the path, one step per line.
	Witness []string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s (%s, %s)", f.Pos, f.Message, f.Kind, f.Severity)
}

// A Pass is the read-only context handed to checkers.
type Pass struct {
	Module   *ir.Module
	Graph    *callgraph.Graph
	Info     *boundary.Info
	Analysis *dfa.Analysis

	reachable map[*ir.Function]bool
}

// Reachable reports whether fn is reachable from the configured entry
// points. With no entry points configured, every function is reachable.
func (p *Pass) Reachable(fn *ir.Function) bool {
	if p.reachable == nil {
		return true
	}
	return p.reachable[fn]
}

// A Checker observes program points and emits findings. The checker set is
// fixed and enumerable; Observe runs per instruction during replay, Finish
// runs once after all functions have been replayed.
type Checker interface {
	Name() string
	Observe(pass *Pass, before *dfa.State, instr ir.Instruction, after *dfa.State) []Finding
	Finish(pass *Pass) []Finding
}

// Classify assigns the confidence tier from the witness provenance:
// a definite single path is High; a control-flow join or a widened summary
// demotes to Mid; an indirect-call resolution or an opaque construct
// demotes to Low.
func Classify(prov dfa.Provenance) Severity {
	if prov&(dfa.ProvMayCall|dfa.ProvOpaque) != 0 {
		return Low
	}
	if prov&(dfa.ProvJoin|dfa.ProvWidened) != 0 {
		return Mid
	}
	return High
}

// Filter aggregates, orders and thresholds findings. Per (kind, allocation
// site) only the highest-severity witness survives; sites are identified by
// object ID, so allocations without debug positions stay distinct. The
// result is ordered by (allocation-site location, kind) and contains exactly
// the findings at or above min. Checkers never suppress anything themselves;
// this is the only place findings are dropped, and only by the explicit
// threshold.
func Filter(findings []Finding, min Severity) []Finding {
	type key struct {
		kind Kind
		obj  dfa.ObjectID
		pos  ir.Pos
	}
	best := map[key]Finding{}
	for _, f := range findings {
		k := key{kind: f.Kind, obj: f.Obj}
		if f.Obj == 0 {
			// Findings not about an object dedupe per reported site.
			k.pos = f.AllocPos
		}
		old, ok := best[k]
		if !ok || f.Severity > old.Severity ||
			(f.Severity == old.Severity && f.Pos.Before(old.Pos)) {
			best[k] = f
		}
	}

	out := make([]Finding, 0, len(best))
	for _, f := range best {
		if f.Severity >= min {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AllocPos != out[j].AllocPos {
			return out[i].AllocPos.Before(out[j].AllocPos)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Obj != out[j].Obj {
			return out[i].Obj < out[j].Obj
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// Stats summarizes one run for reporting and exit-code policy.
type Stats struct {
	Functions int
	Objects   int
	Raw       int // findings before aggregation and filtering
	Reported  int
	Caveats   []dfa.Caveat
}

func (s *Stats) String() string {
	return fmt.Sprintf("%d functions, %d objects, %d findings (%d raw), %d caveats",
		s.Functions, s.Objects, s.Reported, s.Raw, len(s.Caveats))
}

// Config is the immutable configuration of one run; it is threaded through
// explicitly, never ambient.
type Config struct {
	Semantics   *boundary.Semantics
	MinSeverity Severity
	// Entries restricts reporting to functions reachable from the named
	// entry points; empty means the whole module.
	Entries []string
	// Parallel bounds concurrent SCC solving; 0 means GOMAXPROCS.
	Parallel      int
	MaxBlockIters int
	MaxSCCIters   int
	// Diagnostics receives debug logging; nil silences it.
	Diagnostics io.Writer
}

// A Linter runs the checker set over linked modules.
type Linter struct {
	Checkers []Checker
	Config   Config
}

// Lint analyzes m and returns the ordered, filtered findings. The input
// module and semantics are read-only; two calls on the same inputs return
// identical finding lists.
func (l *Linter) Lint(m *ir.Module) ([]Finding, *Stats, error) {
	sem := l.Config.Semantics
	if sem == nil {
		sem = boundary.DefaultSemantics()
	}

	graph := callgraph.Build(m)
	info := boundary.Classify(m, graph, sem)
	analysis := dfa.New(m, graph, info, dfa.Config{
		MaxBlockIters: l.Config.MaxBlockIters,
		MaxSCCIters:   l.Config.MaxSCCIters,
		Parallel:      l.Config.Parallel,
		Diagnostics:   l.Config.Diagnostics,
	})
	if err := analysis.Run(context.Background()); err != nil {
		return nil, nil, err
	}

	pass := &Pass{Module: m, Graph: graph, Info: info, Analysis: analysis}
	if len(l.Config.Entries) > 0 {
		pass.reachable = reachableFrom(m, graph, l.Config.Entries)
	}

	// Finding production is append-only and unordered; ordering happens
	// exactly once, in Filter.
	var raw []Finding
	analyzed := 0
	for _, fn := range m.Funcs {
		if len(fn.Blocks) == 0 || !pass.Reachable(fn) {
			continue
		}
		analyzed++
		analysis.Replay(fn, func(before *dfa.State, instr ir.Instruction, after *dfa.State) {
			for _, c := range l.Checkers {
				raw = append(raw, c.Observe(pass, before, instr, after)...)
			}
		})
	}
	for _, c := range l.Checkers {
		raw = append(raw, c.Finish(pass)...)
	}

	for i := range raw {
		raw[i].Severity = Classify(raw[i].Prov)
	}
	out := Filter(raw, l.Config.MinSeverity)

	stats := &Stats{
		Functions: analyzed,
		Objects:   len(analysis.Objects()),
		Raw:       len(raw),
		Reported:  len(out),
		Caveats:   analysis.Caveats(),
	}
	return out, stats, nil
}

// reachableFrom computes the functions reachable from the named entry
// points over direct and indirect call edges.
func reachableFrom(m *ir.Module, g *callgraph.Graph, entries []string) map[*ir.Function]bool {
	seen := make(map[*ir.Function]bool)
	var work []*callgraph.Node
	for _, name := range entries {
		if fn := m.Func(name); fn != nil && !seen[fn] {
			seen[fn] = true
			work = append(work, g.Node(fn))
		}
	}
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if n == nil {
			continue
		}
		for _, e := range n.Out {
			if fn := e.Callee.Func; !seen[fn] {
				seen[fn] = true
				work = append(work, e.Callee)
			}
		}
	}
	return seen
}
