package checkers

import (
	"fmt"

	"github.com/ffilint/ffilint/boundary"
	"github.com/ffilint/ffilint/callgraph"
	"github.com/ffilint/ffilint/dfa"
	"github.com/ffilint/ffilint/ir"
	"github.com/ffilint/ffilint/lint"
)

// UnwindSafety reports boundary calls whose callee may unwind. Unwinding
// across an FFI frame is undefined behavior; the checker computes the set
// of functions that can transitively reach an unwind entry point and flags
// every boundary-crossing edge into that set, unless the edge or the callee
// is declared unwind-safe.
type UnwindSafety struct{}

func (*UnwindSafety) Name() string { return "exception-safety" }

func (*UnwindSafety) Observe(pass *lint.Pass, before *dfa.State, instr ir.Instruction, after *dfa.State) []lint.Finding {
	return nil
}

func (*UnwindSafety) Finish(pass *lint.Pass) []lint.Finding {
	may := mayUnwind(pass)

	var out []lint.Finding
	for _, n := range pass.Graph.Nodes {
		if !pass.Reachable(n.Func) {
			continue
		}
		for _, e := range n.Out {
			ei := pass.Info.Edge(e)
			if ei.Kind == boundary.Intra || ei.UnwindSafe {
				continue
			}
			if !may[e.Callee.Func] {
				continue
			}
			var prov dfa.Provenance
			if e.Indirect {
				prov = dfa.ProvMayCall
			}
			pos := e.Site.Pos()
			out = append(out, lint.Finding{
				Kind:     lint.ExceptionSafety,
				Pos:      pos,
				AllocPos: pos,
				Message: fmt.Sprintf("call to %s may unwind across the %s boundary",
					e.Callee.Func.Name, ei.Kind),
				Prov: prov,
				Witness: []string{
					fmt.Sprintf("%s boundary crossed at %s", ei.Kind, pos),
					fmt.Sprintf("%s can reach an unwind entry point", e.Callee.Func.Name),
				},
			})
		}
	}
	return out
}

// mayUnwind computes the functions that can transitively invoke an unwind
// entry point. Propagation goes callee to caller over the call graph and
// stops at functions annotated nounwind.
func mayUnwind(pass *lint.Pass) map[*ir.Function]bool {
	may := make(map[*ir.Function]bool)
	var work []*callgraph.Node
	for _, n := range pass.Graph.Nodes {
		if pass.Info.RoleOfName(n.Func.Name) == boundary.RoleUnwind {
			may[n.Func] = true
			work = append(work, n)
		}
	}
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		for _, e := range n.In {
			caller := e.Caller.Func
			if caller.NoUnwind || may[caller] {
				continue
			}
			may[caller] = true
			work = append(work, e.Caller)
		}
	}
	return may
}
