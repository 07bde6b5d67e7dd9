package boundary

import (
	"strings"

	"github.com/ffilint/ffilint/callgraph"
	"github.com/ffilint/ffilint/ir"
)

// Role is the memory-management meaning of a call instruction.
type Role uint8

const (
	RoleNone Role = iota
	RoleAlloc
	RoleDealloc
	RoleUnwind
	RoleIgnore
	RoleForget  // ownership deliberately leaked to the far side
	RoleIntoRaw // managed wrapper hands out a raw pointer, caller owns it
	RoleFromRaw // raw pointer re-acquired into managed ownership
	RoleMemcpy  // byte copy, propagates aliasing between operands
	RoleOpaque  // recognized as unmodelable; treated as an unknown no-op
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleAlloc:
		return "alloc"
	case RoleDealloc:
		return "dealloc"
	case RoleUnwind:
		return "unwind"
	case RoleIgnore:
		return "ignore"
	case RoleForget:
		return "forget"
	case RoleIntoRaw:
		return "into_raw"
	case RoleFromRaw:
		return "from_raw"
	case RoleMemcpy:
		return "memcpy"
	case RoleOpaque:
		return "opaque"
	}
	return "invalid"
}

// Kind classifies a call edge relative to the language boundary.
type Kind uint8

const (
	Intra Kind = iota // both sides in the managed language
	FFICall          // managed code calling the foreign side
	FFICallback      // foreign code calling back into managed code
)

func (k Kind) String() string {
	switch k {
	case Intra:
		return "intra"
	case FFICall:
		return "ffi-call"
	case FFICallback:
		return "ffi-callback"
	}
	return "invalid"
}

// Contract is the ownership-transfer annotation on a boundary edge: who owns
// the pointed-to object after the call.
type Contract uint8

const (
	Unknown Contract = iota
	Move
	Borrow
)

func (c Contract) String() string {
	switch c {
	case Move:
		return "move"
	case Borrow:
		return "borrow"
	}
	return "unknown"
}

// EdgeInfo is the boundary annotation attached to one call edge.
type EdgeInfo struct {
	Kind       Kind
	Contract   Contract
	UnwindSafe bool
}

// Info is the output of classification: per-instruction roles and per-edge
// boundary annotations, read-only once built.
type Info struct {
	sem   *Semantics
	roles map[string]Role // callee name → role
	edges map[*callgraph.Edge]EdgeInfo
}

// Classify computes boundary information for every call instruction and
// call edge of the module. Unclassifiable constructs degrade to RoleOpaque;
// classification itself never fails.
func Classify(m *ir.Module, g *callgraph.Graph, sem *Semantics) *Info {
	info := &Info{
		sem:   sem,
		roles: map[string]Role{},
		edges: map[*callgraph.Edge]EdgeInfo{},
	}

	for _, fn := range m.Funcs {
		info.roles[fn.Name] = info.classifyName(fn)
	}

	for _, n := range g.Nodes {
		for _, e := range n.Out {
			info.edges[e] = info.classifyEdge(e)
		}
	}
	return info
}

func (info *Info) classifyName(fn *ir.Function) Role {
	name := fn.Name
	if contains(info.sem.Alloc, name) {
		return RoleAlloc
	}
	if contains(info.sem.Dealloc, name) {
		return RoleDealloc
	}
	if contains(info.sem.Unwind, name) {
		return RoleUnwind
	}
	if contains(info.sem.Forget, name) {
		return RoleForget
	}
	if contains(info.sem.IntoRaw, name) {
		return RoleIntoRaw
	}
	if contains(info.sem.FromRaw, name) {
		return RoleFromRaw
	}
	if contains(info.sem.Memcpy, name) {
		return RoleMemcpy
	}
	for _, prefix := range info.sem.IgnorePrefixes {
		if strings.HasPrefix(name, prefix) {
			return RoleIgnore
		}
	}
	// Intrinsics we know nothing about must not fail the run; they become
	// opaque operations with Unknown results.
	if strings.HasPrefix(name, "llvm.") && fn.External {
		return RoleOpaque
	}
	return RoleNone
}

// Role returns the classification of a direct call. Indirect calls have no
// single callee and always report RoleNone.
func (info *Info) Role(instr ir.CallInstruction) Role {
	call, ok := instr.(*ir.Call)
	if !ok {
		return RoleNone
	}
	return info.roles[call.Callee]
}

// RoleOfName returns the classification for a callee symbol.
func (info *Info) RoleOfName(name string) Role { return info.roles[name] }

// Edge returns the boundary annotation for e.
func (info *Info) Edge(e *callgraph.Edge) EdgeInfo { return info.edges[e] }

func (info *Info) classifyEdge(e *callgraph.Edge) EdgeInfo {
	caller := e.Caller.Func
	callee := e.Callee.Func

	var kind Kind
	switch {
	case !caller.Foreign && callee.Foreign:
		kind = FFICall
	case caller.Foreign && !callee.Foreign:
		kind = FFICallback
	default:
		kind = Intra
	}

	ei := EdgeInfo{Kind: kind}
	if kind == Intra {
		return ei
	}

	ei.UnwindSafe = contains(info.sem.UnwindSafe, callee.Name)
	ei.Contract = info.inferContract(callee)
	return ei
}

// inferContract implements the default contract rules: an explicit
// configuration entry wins; otherwise Move if the callee consumes a pointer
// parameter by value, Borrow if it takes pointers by reference and its body
// (when known) frees nothing, Unknown in every other case.
func (info *Info) inferContract(callee *ir.Function) Contract {
	if c, ok := info.sem.Contracts[callee.Name]; ok {
		switch c {
		case "move":
			return Move
		case "borrow":
			return Borrow
		}
		return Unknown
	}

	byValue, byRef := false, false
	for _, p := range callee.Params {
		if !p.Pointer {
			continue
		}
		if p.ByValue {
			byValue = true
		} else {
			byRef = true
		}
	}
	if byValue {
		return Move
	}
	if !byRef {
		return Unknown
	}

	if len(callee.Blocks) == 0 {
		// Body unknown; a by-reference pointer alone is not enough to
		// promise a borrow.
		return Unknown
	}
	if info.frees(callee) {
		return Unknown
	}
	return Borrow
}

// frees reports whether fn's body reaches a dealloc call, directly or
// through one level of direct callees. Deeper knowledge comes from function
// summaries during the data-flow analysis; this is only the contract
// inference heuristic.
func (info *Info) frees(fn *ir.Function) bool {
	for _, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			call, ok := instr.(*ir.Call)
			if !ok {
				continue
			}
			if info.roles[call.Callee] == RoleDealloc {
				return true
			}
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, el := range list {
		if el == s {
			return true
		}
	}
	return false
}
