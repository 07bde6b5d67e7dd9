package checkers

import (
	"fmt"

	"github.com/ffilint/ffilint/dfa"
	"github.com/ffilint/ffilint/ir"
	"github.com/ffilint/ffilint/lint"
)

// DoubleFree reports deallocations of objects that are already freed on some
// path. The transfer function folds a second free into ErrorDoubleFree, so
// the checker only has to watch for objects entering that state.
type DoubleFree struct{}

func (*DoubleFree) Name() string { return "double-free" }

func (*DoubleFree) Observe(pass *lint.Pass, before *dfa.State, instr ir.Instruction, after *dfa.State) []lint.Finding {
	var out []lint.Finding
	for _, id := range after.Objects() {
		av := after.Value(id)
		if av.Own != dfa.ErrorDoubleFree {
			continue
		}
		if before.Value(id).Own == dfa.ErrorDoubleFree {
			// Already reported at the instruction that caused it.
			continue
		}
		obj := pass.Analysis.Object(id)
		if obj == nil {
			continue
		}
		out = append(out, lint.Finding{
			Kind:     lint.DoubleFree,
			Obj:      id,
			Pos:      instr.Pos(),
			AllocPos: obj.Pos(),
			Message:  fmt.Sprintf("%s is freed more than once", obj),
			Prov:     av.Prov,
			Witness: []string{
				fmt.Sprintf("%s allocated at %s", obj, obj.Pos()),
				fmt.Sprintf("freed again at %s", instr.Pos()),
			},
		})
	}
	return out
}

func (*DoubleFree) Finish(pass *lint.Pass) []lint.Finding { return nil }
