package dfa

import (
	"github.com/ffilint/ffilint/ir"
)

// ParamEffect is what a callee does to the object one of its pointer
// parameters points to, as observed at the callee's exit points. Effects are
// a bitmask; callers apply them to the argument objects at the call site.
type ParamEffect uint8

const (
	// EffFrees: every exit path deallocates the pointee.
	EffFrees ParamEffect = 1 << iota
	// EffMayFree: some but not all exit paths deallocate the pointee.
	EffMayFree
	// EffEscapes: the pointee's address outlives the call (stored to a
	// global, a long-lived structure, or handed across a boundary).
	EffEscapes
	// EffEscapesBoundary: the escape crossed an FFI boundary edge, which
	// exempts the object from leak reporting.
	EffEscapesBoundary
	// EffUnknown: the callee's effect could not be determined.
	EffUnknown
)

// A Summary is the memoized result of analyzing one function: the effect on
// each parameter, the objects a caller may receive through the return value,
// and the exit state the effects were read from. Summaries are what make the
// interprocedural computation compositional; recursion is resolved by
// iterating the containing SCC until its summaries stop changing.
type Summary struct {
	Fn     *ir.Function
	Params []ParamEffect
	// ParamProv carries the provenance of each parameter's exit state so
	// that effects applied at call sites inherit the callee's confidence.
	ParamProv []Provenance
	// RetIDs are the objects the return value may point to. Heap objects
	// are imported into the caller; ParamObject entries mean "returns its
	// i-th argument" and are translated at the call site.
	RetIDs []ObjectID
	Exit   *State
	// Widened summaries hit an iteration bound; everything they say is
	// Unknown-grade.
	Widened bool
}

func (s *Summary) equal(other *Summary) bool {
	if other == nil {
		return false
	}
	if s.Widened != other.Widened || len(s.Params) != len(other.Params) || len(s.RetIDs) != len(other.RetIDs) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != other.Params[i] || s.ParamProv[i] != other.ParamProv[i] {
			return false
		}
	}
	for i := range s.RetIDs {
		if s.RetIDs[i] != other.RetIDs[i] {
			return false
		}
	}
	return true
}

// widenedSummary pessimizes every parameter to Unknown. It stands in for
// functions whose analysis exceeded its bounds.
func widenedSummary(fn *ir.Function) *Summary {
	s := &Summary{Fn: fn, Exit: NewState(), Widened: true}
	for range fn.Params {
		s.Params = append(s.Params, EffUnknown)
		s.ParamProv = append(s.ParamProv, ProvWidened)
	}
	return s
}

// A FuncResult holds the converged per-block entry states of one function,
// for the entry context the solver used. Checkers replay instructions
// against these states to observe each program point.
type FuncResult struct {
	Fn       *ir.Function
	BlockIn  map[*ir.BasicBlock]*State
	blockOut map[*ir.BasicBlock]*State
	Exit     *State
	RetIDs   []ObjectID
	Widened  bool
}
