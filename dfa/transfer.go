package dfa

import (
	"strings"

	"github.com/ffilint/ffilint/boundary"
	"github.com/ffilint/ffilint/callgraph"
	"github.com/ffilint/ffilint/ir"
)

// transfer applies one instruction to st in place. It is the single transfer
// function of the analysis; both the fixpoint and checker replay go through
// it, so it must be deterministic and idempotent with respect to object
// creation.
func (a *Analysis) transfer(fn *ir.Function, st *State, instr ir.Instruction, res *FuncResult) {
	switch instr := instr.(type) {
	case *ir.Alloc:
		o := a.siteObject(instr, StackObject, fn)
		st.SetPoints(instr.Dest, []ObjectID{o.ID})

	case *ir.Load:
		var ids []ObjectID
		for _, ao := range a.resolve(st, instr.Addr) {
			ids = unionSets(ids, st.Contents(ao))
		}
		st.SetPoints(instr.Dest, ids)

	case *ir.Store:
		vals := a.resolve(st, instr.Val)
		for _, ao := range a.resolve(st, instr.Addr) {
			obj := a.object(ao)
			if obj == nil {
				continue
			}
			switch obj.Kind {
			case StackObject:
				st.AddContents(ao, vals)
			default:
				// Global or long-lived structure: the stored address
				// outlives this function.
				a.escape(st, vals, 0, false)
			}
		}

	case *ir.FieldAddr:
		// A field address aliases the whole object; field-sensitive
		// tracking is deliberately out of scope.
		st.SetPoints(instr.Dest, a.resolve(st, instr.Base))

	case *ir.BitCast:
		st.SetPoints(instr.Dest, a.resolve(st, instr.Src))

	case *ir.Phi:
		var ids []ObjectID
		for _, edge := range instr.Edges {
			ids = unionSets(ids, a.resolve(st, edge))
		}
		st.SetPoints(instr.Dest, ids)

	case *ir.Call:
		a.directCall(fn, st, instr, res)

	case *ir.IndirectCall:
		a.indirectCall(fn, st, instr, res)

	case *ir.Ret:
		if instr.Val != "" {
			res.RetIDs = unionSets(res.RetIDs, a.resolve(st, instr.Val))
		}

	case *ir.Opaque:
		a.opaque(st, instr.Args, instr.Dest, ProvOpaque)

	case *ir.Jump, *ir.If, *ir.Unreachable:
		// control only
	}
}

// resolve returns the objects reg may point to. Registers of the form
// "@name" denote global addresses.
func (a *Analysis) resolve(st *State, reg string) []ObjectID {
	if reg == "" {
		return nil
	}
	if strings.HasPrefix(reg, "@") {
		name := reg[1:]
		for i, g := range a.Module.Globals {
			if g.Name == name {
				return []ObjectID{a.globalObject(g, i).ID}
			}
		}
		return nil
	}
	return st.Points(reg)
}

func (a *Analysis) directCall(fn *ir.Function, st *State, call *ir.Call, res *FuncResult) {
	switch a.Info.RoleOfName(call.Callee) {
	case boundary.RoleIgnore, boundary.RoleUnwind:
		// Unwind propagation is a call-graph property; the exception-safety
		// checker handles it without data-flow state.
		return

	case boundary.RoleAlloc:
		o := a.siteObject(call, HeapObject, fn)
		// An allocation re-initializes its site: along a loop path the
		// abstract object stands for the most recent allocation.
		st.SetValue(o.ID, Value{Own: UniqueOwned})
		st.SetPoints(call.Dest, []ObjectID{o.ID})

	case boundary.RoleDealloc:
		for _, arg := range call.Args {
			for _, id := range a.resolve(st, arg) {
				a.free(st, id, 0)
			}
		}
		st.SetPoints(call.Dest, nil)

	case boundary.RoleForget:
		for _, arg := range call.Args {
			for _, id := range a.resolve(st, arg) {
				if o := a.object(id); o != nil && trackable(o) {
					o.MarkForgotten()
					a.escape(st, []ObjectID{id}, 0, false)
				}
			}
		}

	case boundary.RoleIntoRaw:
		// Ownership is handed out as a raw pointer; the result aliases the
		// same allocation, now managed manually.
		var ids []ObjectID
		for _, arg := range call.Args {
			ids = unionSets(ids, a.resolve(st, arg))
		}
		a.escape(st, ids, 0, false)
		st.SetPoints(call.Dest, ids)

	case boundary.RoleFromRaw:
		var ids []ObjectID
		for _, arg := range call.Args {
			ids = unionSets(ids, a.resolve(st, arg))
		}
		if len(ids) == 0 {
			// Acquiring an allocation we did not see created: model it as
			// a fresh object owned from here on.
			o := a.siteObject(call, HeapObject, fn)
			st.SetValue(o.ID, Value{Own: UniqueOwned})
			st.SetPoints(call.Dest, []ObjectID{o.ID})
			return
		}
		for _, id := range ids {
			if o := a.object(id); o != nil && trackable(o) {
				if v := st.Value(id); !v.Own.MayBeFreed() {
					st.SetValue(id, Value{Own: UniqueOwned, Prov: v.Prov})
				}
			}
		}
		st.SetPoints(call.Dest, ids)

	case boundary.RoleMemcpy:
		if len(call.Args) >= 2 {
			for _, do := range a.resolve(st, call.Args[0]) {
				for _, so := range a.resolve(st, call.Args[1]) {
					st.AddContents(do, st.Contents(so))
				}
			}
		}

	case boundary.RoleOpaque:
		a.opaque(st, call.Args, call.Dest, ProvOpaque)

	default:
		callee := a.Module.Func(call.Callee)
		if callee == nil {
			a.opaque(st, call.Args, call.Dest, ProvOpaque)
			return
		}
		if len(callee.Blocks) > 0 {
			// Body available (managed, or foreign IR linked in): the
			// summary is more precise than any contract.
			a.applySummary(st, call, a.Summary(callee), 0)
			return
		}
		// Bodyless callee: the boundary contract decides. A direct site
		// has exactly one edge.
		var edge *callgraph.Edge
		if edges := a.edgesBySite[call]; len(edges) > 0 {
			edge = edges[0]
		}
		a.contractCall(st, call, edge, 0)
	}
}

// contractCall applies the ownership-transfer contract of one call edge whose
// callee body is unavailable. Move and Unknown hand the argument objects to
// the far side; Borrow leaves ownership with the caller.
func (a *Analysis) contractCall(st *State, call ir.CallInstruction, e *callgraph.Edge, prov Provenance) {
	dest, args := call.Operands()
	if e == nil {
		a.opaque(st, args, dest, prov|ProvOpaque)
		return
	}
	ei := a.Info.Edge(e)
	if ei.Kind == boundary.Intra {
		// Managed declaration without a body: nothing to reason with.
		a.opaque(st, args, dest, prov|ProvOpaque)
		return
	}
	switch ei.Contract {
	case boundary.Borrow:
		// The far side does not keep the pointer; ownership is unchanged.
	default: // Move, Unknown
		var ids []ObjectID
		for _, arg := range args {
			ids = unionSets(ids, a.resolve(st, arg))
		}
		a.escape(st, ids, prov, true)
	}
	st.SetPoints(dest, nil)
}

// indirectCall joins the effects of every function in the site's may-call
// set, per the explicit multi-target model: the result is the least upper
// bound over all targets, marked ProvMayCall throughout.
func (a *Analysis) indirectCall(fn *ir.Function, st *State, call *ir.IndirectCall, res *FuncResult) {
	edges := a.edgesBySite[call]
	if len(edges) == 0 {
		// Empty may-call set: entirely unknown target, treated as opaque.
		a.opaque(st, call.Args, call.Dest, ProvMayCall|ProvOpaque)
		return
	}
	base := st.Clone()
	var acc *State
	for _, e := range edges {
		tmp := base.Clone()
		callee := e.Callee.Func
		if len(callee.Blocks) > 0 {
			a.applySummary(tmp, call, a.Summary(callee), ProvMayCall)
		} else {
			a.contractCall(tmp, call, e, ProvMayCall)
		}
		if acc == nil {
			acc = tmp
		} else {
			acc.Join(tmp)
		}
	}
	st.replaceWith(acc)
}

// applySummary applies a callee summary at a call site: parameter effects on
// the argument objects, then the return value's points-to set.
func (a *Analysis) applySummary(st *State, call ir.CallInstruction, sum *Summary, extra Provenance) {
	dest, args := call.Operands()
	if sum == nil {
		// First pass over a recursive SCC: no summary yet. Starting from
		// "no effect" is the optimistic seed of the fixpoint iteration.
		st.SetPoints(dest, nil)
		return
	}
	prov := extra
	if sum.Widened {
		prov |= ProvWidened
	}

	for i := range sum.Params {
		if i >= len(args) {
			break
		}
		eff := sum.Params[i]
		if eff == 0 {
			continue
		}
		eprov := Union(prov, sum.ParamProv[i])
		for _, id := range a.resolve(st, args[i]) {
			o := a.object(id)
			if o == nil || !trackable(o) {
				continue
			}
			switch {
			case eff&EffFrees != 0:
				a.free(st, id, eprov)
			case eff&EffMayFree != 0:
				v := st.Value(id)
				st.Mark(id, Join(v.Own, Freed), eprov|ProvJoin)
			case eff&EffEscapes != 0:
				a.escape(st, []ObjectID{id}, eprov, eff&EffEscapesBoundary != 0)
			case eff&EffUnknown != 0:
				v := st.Value(id)
				st.Mark(id, Join(v.Own, Unknown), eprov)
			}
		}
	}

	var retIDs []ObjectID
	for _, rid := range sum.RetIDs {
		ro := a.object(rid)
		if ro == nil {
			continue
		}
		switch {
		case ro.Kind == ParamObject && ro.Fn == sum.Fn:
			// The callee returns one of its arguments.
			if ro.ParamIdx < len(args) {
				retIDs = unionSets(retIDs, a.resolve(st, args[ro.ParamIdx]))
			}
		case ro.Kind == HeapObject:
			// A callee allocation flows to the caller; import its exit
			// ownership.
			retIDs = unionSets(retIDs, []ObjectID{rid})
			ev := sum.Exit.Value(rid)
			cur := st.Value(rid)
			st.SetValue(rid, Value{Own: Join(cur.Own, ev.Own), Prov: Union(cur.Prov, ev.Prov, prov)})
		}
	}
	st.SetPoints(dest, retIDs)
}

// free applies a deallocation to one object. Freeing an already-freed
// object is the one transition into the absorbing error state.
func (a *Analysis) free(st *State, id ObjectID, prov Provenance) {
	o := a.object(id)
	if o == nil || !trackable(o) {
		return
	}
	v := st.Value(id)
	switch v.Own {
	case Freed, ErrorDoubleFree:
		st.Mark(id, ErrorDoubleFree, prov)
	case PossiblyFreed:
		st.Mark(id, ErrorDoubleFree, prov)
	case Unknown:
		st.Mark(id, Unknown, prov)
	default:
		st.Mark(id, Freed, prov)
	}
}

// escape moves objects to Escaped where that is monotone. viaBoundary
// additionally records the run-long leak exemption.
func (a *Analysis) escape(st *State, ids []ObjectID, prov Provenance, viaBoundary bool) {
	for _, id := range ids {
		o := a.object(id)
		if o == nil || !trackable(o) {
			continue
		}
		if viaBoundary {
			o.MarkEscapedBoundary()
		}
		v := st.Value(id)
		switch v.Own {
		case Bottom, UniqueOwned, SharedBorrowed:
			st.Mark(id, Escaped, prov)
		}
	}
}

// opaque is the conservative treatment of unmodelable operations: operand
// objects join to Unknown, the result points at nothing we track.
func (a *Analysis) opaque(st *State, args []string, dest string, prov Provenance) {
	for _, arg := range args {
		for _, id := range a.resolve(st, arg) {
			o := a.object(id)
			if o == nil || !trackable(o) {
				continue
			}
			v := st.Value(id)
			st.Mark(id, Join(v.Own, Unknown), prov)
		}
	}
	st.SetPoints(dest, nil)
}

// trackable reports whether ownership transitions apply to o. Stack slots
// and globals carry contents and reachability, not ownership.
func trackable(o *Object) bool {
	return o.Kind == HeapObject || o.Kind == ParamObject
}

// replaceWith makes st identical to other.
func (st *State) replaceWith(other *State) {
	st.regs = other.regs
	st.mem = other.mem
	st.objs = other.objs
}
