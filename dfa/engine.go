package dfa

import (
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ffilint/ffilint/boundary"
	"github.com/ffilint/ffilint/callgraph"
	"github.com/ffilint/ffilint/ir"
)

const (
	// defaultMaxBlockIters bounds the per-function worklist; past it the
	// function's states are widened to Unknown.
	defaultMaxBlockIters = 200
	// defaultMaxSCCIters bounds the per-SCC summary iteration.
	defaultMaxSCCIters = 20
)

// A Caveat records an internal, non-fatal degradation: an iteration bound
// forced a function or SCC to a widened, Unknown-grade summary. Caveats are
// coverage information, not findings.
type Caveat struct {
	Fn     *ir.Function
	Reason string
}

func (c Caveat) String() string { return fmt.Sprintf("%s: %s", c.Fn, c.Reason) }

// Config tunes the engine. The zero value uses the defaults.
type Config struct {
	MaxBlockIters int
	MaxSCCIters   int
	// Parallel bounds the number of SCCs solved concurrently within one
	// dependency level; 0 means GOMAXPROCS.
	Parallel int
	// Diagnostics receives debug logging; nil silences it.
	Diagnostics io.Writer
}

// Analysis is the interprocedural ownership analysis of one linked module.
// The module, call graph and boundary info are read-only; the analysis owns
// all mutable solver state.
type Analysis struct {
	Module *ir.Module
	Graph  *callgraph.Graph
	Info   *boundary.Info

	cfg  Config
	diag *log.Logger

	fnIndex     map[*ir.Function]int
	edgesBySite map[ir.CallInstruction][]*callgraph.Edge

	mu        sync.Mutex
	objects   map[ObjectID]*Object
	summaries map[*ir.Function]*Summary
	results   map[*ir.Function]*FuncResult
	caveats   []Caveat
}

// New prepares an analysis. Run must be called before results are read.
func New(m *ir.Module, g *callgraph.Graph, info *boundary.Info, cfg Config) *Analysis {
	if cfg.MaxBlockIters <= 0 {
		cfg.MaxBlockIters = defaultMaxBlockIters
	}
	if cfg.MaxSCCIters <= 0 {
		cfg.MaxSCCIters = defaultMaxSCCIters
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.GOMAXPROCS(0)
	}
	a := &Analysis{
		Module:      m,
		Graph:       g,
		Info:        info,
		cfg:         cfg,
		fnIndex:     map[*ir.Function]int{},
		edgesBySite: map[ir.CallInstruction][]*callgraph.Edge{},
		objects:     map[ObjectID]*Object{},
		summaries:   map[*ir.Function]*Summary{},
		results:     map[*ir.Function]*FuncResult{},
	}
	if cfg.Diagnostics != nil {
		a.diag = log.New(cfg.Diagnostics, "dfa: ", 0)
	}
	for i, fn := range m.Funcs {
		a.fnIndex[fn] = i
	}
	for _, n := range g.Nodes {
		for _, e := range n.Out {
			a.edgesBySite[e.Site] = append(a.edgesBySite[e.Site], e)
		}
	}
	return a
}

func (a *Analysis) debugf(format string, args ...interface{}) {
	if a.diag != nil {
		a.diag.Printf(format, args...)
	}
}

// Run computes summaries and per-point states for the whole module. SCCs are
// solved callees-first; SCCs within one dependency level are independent and
// solved concurrently. Run always terminates: every fixpoint is bounded and
// widens instead of diverging.
func (a *Analysis) Run(ctx context.Context) error {
	sccs := a.Graph.SCCs()
	for _, level := range callgraph.Levels(sccs) {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.Parallel)
		for _, scc := range level {
			scc := scc
			g.Go(func() error {
				a.solveSCC(scc)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// solveSCC iterates the member functions of one SCC until their summaries
// stabilize. Non-recursive SCCs converge in a single pass; recursive ones
// are bounded by MaxSCCIters and widened past the bound.
func (a *Analysis) solveSCC(scc *callgraph.SCC) {
	fns := make([]*ir.Function, 0, len(scc.Nodes))
	for _, n := range scc.Nodes {
		if len(n.Func.Blocks) > 0 {
			fns = append(fns, n.Func)
		}
	}
	if len(fns) == 0 {
		return
	}
	sort.Slice(fns, func(i, j int) bool { return a.fnIndex[fns[i]] < a.fnIndex[fns[j]] })

	iters := a.cfg.MaxSCCIters
	if !scc.Recursive() {
		iters = 1
	}

	converged := false
	for iter := 0; iter < iters && !converged; iter++ {
		converged = true
		for _, fn := range fns {
			res := a.analyzeFunc(fn)
			sum := a.summarize(fn, res)
			a.mu.Lock()
			prev := a.summaries[fn]
			a.summaries[fn] = sum
			a.results[fn] = res
			a.mu.Unlock()
			if !sum.equal(prev) {
				converged = false
			}
		}
	}

	if !converged && scc.Recursive() {
		// Recursion refused to settle within the bound. Soundness over
		// precision: widen every member.
		a.mu.Lock()
		for _, fn := range fns {
			a.summaries[fn] = widenedSummary(fn)
			if res := a.results[fn]; res != nil {
				res.Widened = true
				for _, st := range res.BlockIn {
					st.WidenAll()
				}
				for _, st := range res.blockOut {
					st.WidenAll()
				}
				res.Exit.WidenAll()
			}
			a.caveats = append(a.caveats, Caveat{Fn: fn, Reason: "recursive summary exceeded iteration bound, widened to unknown"})
		}
		a.mu.Unlock()
	}
}

// entryState builds the abstract state at fn's entry: each pointer parameter
// points to its placeholder object, assumed owned and live. Summaries read
// effects as deltas against this assumption.
func (a *Analysis) entryState(fn *ir.Function) *State {
	st := NewState()
	for i, p := range fn.Params {
		if !p.Pointer {
			continue
		}
		po := a.paramObject(fn, i)
		st.SetPoints(p.Name, []ObjectID{po.ID})
		st.SetValue(po.ID, Value{Own: UniqueOwned})
	}
	return st
}

// analyzeFunc runs the per-function forward fixpoint: blocks are visited in
// reverse postorder from a worklist, block entry states are joins over
// predecessors, and the whole loop is bounded with widening past the bound.
func (a *Analysis) analyzeFunc(fn *ir.Function) *FuncResult {
	a.debugf("analyzing %s", fn)
	res := &FuncResult{
		Fn:       fn,
		BlockIn:  map[*ir.BasicBlock]*State{},
		blockOut: map[*ir.BasicBlock]*State{},
	}

	rpo := ir.ReversePostorder(fn)
	pos := make(map[*ir.BasicBlock]int, len(rpo))
	for i, b := range rpo {
		pos[b] = i
	}

	inList := map[*ir.BasicBlock]bool{}
	var worklist []*ir.BasicBlock
	push := func(b *ir.BasicBlock) {
		if !inList[b] {
			inList[b] = true
			worklist = append(worklist, b)
		}
	}
	push(fn.Entry())

	iters := 0
	for len(worklist) > 0 {
		// pop the block earliest in reverse postorder for fast convergence
		best := 0
		for i, b := range worklist {
			if pos[b] < pos[worklist[best]] {
				best = i
			}
		}
		b := worklist[best]
		worklist = append(worklist[:best], worklist[best+1:]...)
		inList[b] = false

		var in *State
		if b == fn.Entry() {
			in = a.entryState(fn)
		} else {
			in = NewState()
			for _, pred := range b.Preds {
				if out := res.blockOut[pred]; out != nil {
					in.Join(out)
				}
			}
		}
		if old := res.BlockIn[b]; old != nil && old.Equal(in) && res.blockOut[b] != nil {
			continue
		}
		res.BlockIn[b] = in

		out := in.Clone()
		for _, instr := range b.Instrs {
			a.transfer(fn, out, instr, res)
		}
		if old := res.blockOut[b]; old == nil || !old.Equal(out) {
			res.blockOut[b] = out
			for _, succ := range b.Succs {
				push(succ)
			}
		}

		iters++
		if iters > a.cfg.MaxBlockIters {
			for _, st := range res.BlockIn {
				st.WidenAll()
			}
			for _, st := range res.blockOut {
				st.WidenAll()
			}
			res.Widened = true
			a.mu.Lock()
			a.caveats = append(a.caveats, Caveat{Fn: fn, Reason: "block fixpoint exceeded iteration bound, widened to unknown"})
			a.mu.Unlock()
			break
		}
	}

	res.Exit = NewState()
	for _, b := range rpo {
		if _, ok := b.Control().(*ir.Ret); ok {
			if out := res.blockOut[b]; out != nil {
				res.Exit.Join(out)
			}
		}
	}
	res.RetIDs = sortedSet(res.RetIDs)
	return res
}

// summarize derives fn's callable summary from its converged result.
func (a *Analysis) summarize(fn *ir.Function, res *FuncResult) *Summary {
	sum := &Summary{Fn: fn, RetIDs: res.RetIDs, Exit: res.Exit, Widened: res.Widened}
	for i, p := range fn.Params {
		var eff ParamEffect
		var prov Provenance
		if p.Pointer {
			po := a.paramObject(fn, i)
			v := res.Exit.Value(po.ID)
			prov = v.Prov
			switch v.Own {
			case Freed, ErrorDoubleFree:
				eff = EffFrees
			case PossiblyFreed:
				eff = EffMayFree
			case Escaped:
				eff = EffEscapes
				if po.EscapedBoundary() {
					eff |= EffEscapesBoundary
				}
			case Unknown:
				eff = EffUnknown
			}
		}
		if res.Widened {
			eff = EffUnknown
			prov |= ProvWidened
		}
		sum.Params = append(sum.Params, eff)
		sum.ParamProv = append(sum.ParamProv, prov)
	}
	for _, id := range res.RetIDs {
		if o := a.object(id); o != nil && o.Kind == HeapObject {
			o.MarkReturned()
		}
	}
	return sum
}

// Summary returns fn's computed summary, or nil for bodyless functions.
func (a *Analysis) Summary(fn *ir.Function) *Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaries[fn]
}

// Result returns fn's converged per-block states, or nil.
func (a *Analysis) Result(fn *ir.Function) *FuncResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results[fn]
}

// Caveats returns the coverage caveats recorded during Run, in a
// deterministic order.
func (a *Analysis) Caveats() []Caveat {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]Caveat(nil), a.caveats...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fn.Name != out[j].Fn.Name {
			return out[i].Fn.Name < out[j].Fn.Name
		}
		return out[i].Reason < out[j].Reason
	})
	dedup := out[:0]
	for i, c := range out {
		if i == 0 || c != out[i-1] {
			dedup = append(dedup, c)
		}
	}
	return dedup
}

// Replay steps through fn's instructions against the converged block states,
// invoking visit with the abstract state immediately before and after each
// instruction. This is how checkers observe program points without the
// engine knowing about checkers.
func (a *Analysis) Replay(fn *ir.Function, visit func(before *State, instr ir.Instruction, after *State)) {
	res := a.Result(fn)
	if res == nil {
		return
	}
	scratch := &FuncResult{Fn: fn}
	for _, b := range ir.ReversePostorder(fn) {
		in := res.BlockIn[b]
		if in == nil {
			continue
		}
		st := in.Clone()
		for _, instr := range b.Instrs {
			before := st.Clone()
			a.transfer(fn, st, instr, scratch)
			visit(before, instr, st)
		}
	}
}

// Objects returns every memory object created during the run, ordered by ID.
func (a *Analysis) Objects() []*Object {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Object, 0, len(a.objects))
	for _, o := range a.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Object returns the memory object with the given ID, or nil.
func (a *Analysis) Object(id ObjectID) *Object {
	return a.object(id)
}

// object IDs: allocation sites reuse their instruction's stable ID;
// parameters and globals use disjoint negative ranges.
const globalIDBase = -(1 << 24)

func (a *Analysis) object(id ObjectID) *Object {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.objects[id]
}

func (a *Analysis) siteObject(site ir.Instruction, kind ObjectKind, fn *ir.Function) *Object {
	id := ObjectID(site.ID())
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.objects[id]; ok {
		return o
	}
	o := &Object{ID: id, Kind: kind, Site: site, Fn: fn}
	a.objects[id] = o
	return o
}

func (a *Analysis) paramObject(fn *ir.Function, i int) *Object {
	id := ObjectID(-(a.fnIndex[fn]*64 + i) - 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.objects[id]; ok {
		return o
	}
	o := &Object{ID: id, Kind: ParamObject, Fn: fn, Name: fn.Params[i].Name, ParamIdx: i}
	a.objects[id] = o
	return o
}

func (a *Analysis) globalObject(g *ir.Global, index int) *Object {
	id := ObjectID(globalIDBase - index)
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.objects[id]; ok {
		return o
	}
	o := &Object{ID: id, Kind: GlobalObject, Name: g.Name}
	a.objects[id] = o
	return o
}
