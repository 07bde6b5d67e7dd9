package checkers

import (
	"fmt"

	"github.com/ffilint/ffilint/boundary"
	"github.com/ffilint/ffilint/dfa"
	"github.com/ffilint/ffilint/ir"
	"github.com/ffilint/ffilint/lint"
)

// UseAfterFree reports dereferences of objects that may already be freed at
// the point of access. Passing a freed pointer around is not an access by
// itself; only loads, stores, field projections and memcpy-style intrinsics
// count.
type UseAfterFree struct{}

func (*UseAfterFree) Name() string { return "use-after-free" }

func (*UseAfterFree) Observe(pass *lint.Pass, before *dfa.State, instr ir.Instruction, after *dfa.State) []lint.Finding {
	var regs []string
	switch instr := instr.(type) {
	case *ir.Load:
		regs = []string{instr.Addr}
	case *ir.Store:
		regs = []string{instr.Addr}
	case *ir.FieldAddr:
		regs = []string{instr.Base}
	case *ir.Call:
		if pass.Info.Role(instr) != boundary.RoleMemcpy {
			return nil
		}
		_, args := instr.Operands()
		regs = args
	default:
		return nil
	}

	var out []lint.Finding
	for _, reg := range regs {
		for _, id := range before.Points(reg) {
			v := before.Value(id)
			if !v.Own.MayBeFreed() {
				continue
			}
			obj := pass.Analysis.Object(id)
			if obj == nil || obj.Kind == dfa.StackObject || obj.Kind == dfa.GlobalObject {
				continue
			}
			verb := "may be"
			if v.Own.DefinitelyFreed() {
				verb = "is"
			}
			out = append(out, lint.Finding{
				Kind:     lint.UseAfterFree,
				Obj:      id,
				Pos:      instr.Pos(),
				AllocPos: obj.Pos(),
				Message:  fmt.Sprintf("%s %s freed when accessed", obj, verb),
				Prov:     v.Prov,
				Witness: []string{
					fmt.Sprintf("%s allocated at %s", obj, obj.Pos()),
					fmt.Sprintf("accessed at %s while %s", instr.Pos(), v.Own),
				},
			})
		}
	}
	return out
}

func (*UseAfterFree) Finish(pass *lint.Pass) []lint.Finding { return nil }
