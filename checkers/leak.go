package checkers

import (
	"fmt"

	"github.com/ffilint/ffilint/dfa"
	"github.com/ffilint/ffilint/ir"
	"github.com/ffilint/ffilint/lint"
)

// Leak reports heap objects that are still exclusively owned at a function's
// exit without having been freed, passed up through the return value,
// deliberately forgotten, or handed across a boundary whose contract
// transfers ownership. The exit state holding the object may belong to the
// allocating function or to a caller that imported the object through a
// callee's return value and then dropped it; the filter keeps at most one
// finding per allocation site either way.
type Leak struct{}

func (*Leak) Name() string { return "leak" }

func (*Leak) Observe(pass *lint.Pass, before *dfa.State, instr ir.Instruction, after *dfa.State) []lint.Finding {
	return nil
}

func (*Leak) Finish(pass *lint.Pass) []lint.Finding {
	var out []lint.Finding
	for _, fn := range pass.Module.Funcs {
		if !pass.Reachable(fn) {
			continue
		}
		res := pass.Analysis.Result(fn)
		if res == nil || res.Exit == nil {
			continue
		}
		returned := make(map[dfa.ObjectID]bool, len(res.RetIDs))
		for _, id := range res.RetIDs {
			returned[id] = true
		}
		for _, id := range res.Exit.Objects() {
			v := res.Exit.Value(id)
			if v.Own != dfa.UniqueOwned {
				continue
			}
			obj := pass.Analysis.Object(id)
			if obj == nil || obj.Kind != dfa.HeapObject {
				continue
			}
			if returned[id] || obj.EscapedBoundary() || obj.Forgotten() {
				continue
			}
			out = append(out, lint.Finding{
				Kind:     lint.Leak,
				Obj:      id,
				Pos:      fnExitPos(fn, obj),
				AllocPos: obj.Pos(),
				Message:  fmt.Sprintf("%s is never freed", obj),
				Prov:     v.Prov,
				Witness: []string{
					fmt.Sprintf("%s allocated at %s", obj, obj.Pos()),
					fmt.Sprintf("still owned when %s returns", fn.Name),
				},
			})
		}
	}
	return out
}

// fnExitPos picks a location for a leak report: the allocation site if it
// has one, otherwise the function's own location.
func fnExitPos(fn *ir.Function, obj *dfa.Object) ir.Pos {
	if p := obj.Pos(); p.IsValid() {
		return p
	}
	return fn.Pos
}
