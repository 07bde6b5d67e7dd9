// Package dfa implements the ownership/points-to abstract domain and the
// interprocedural data-flow engine that computes, for every program point,
// the abstract ownership state of every memory object.
package dfa

import (
	"golang.org/x/exp/constraints"
)

// Ownership is the per-(program point, memory object) lattice element.
//
// Operationally Bottom means "no information yet" and Unknown is the
// absorbing top of the non-error states. The mid layer {UniqueOwned,
// SharedBorrowed, Escaped} is mutually incomparable; joining two distinct
// mid-layer states yields Unknown, while joining any of them with Freed
// yields the dedicated PossiblyFreed state rather than silently picking a
// side. ErrorDoubleFree is absorbing: once an object has been freed twice on
// some path, no join recovers it.
type Ownership uint8

const (
	Bottom Ownership = iota
	UniqueOwned
	SharedBorrowed
	Escaped
	Freed
	PossiblyFreed
	Unknown
	ErrorDoubleFree
)

func (o Ownership) String() string {
	switch o {
	case Bottom:
		return "⊥"
	case UniqueOwned:
		return "unique-owned"
	case SharedBorrowed:
		return "shared-borrowed"
	case Escaped:
		return "escaped"
	case Freed:
		return "freed"
	case PossiblyFreed:
		return "possibly-freed"
	case Unknown:
		return "unknown"
	case ErrorDoubleFree:
		return "error(double-free)"
	}
	return "invalid"
}

// joinTable returns a join function built from a table of state pairs,
// falling back to top for pairs the table does not name.
func joinTable[S comparable](top S, m map[[2]S]S) func(S, S) S {
	return func(a, b S) S {
		if d, ok := m[[2]S{a, b}]; ok {
			return d
		}
		if d, ok := m[[2]S{b, a}]; ok {
			return d
		}
		return top
	}
}

var joinOwnership = joinTable(Unknown, map[[2]Ownership]Ownership{
	{UniqueOwned, Freed}:            PossiblyFreed,
	{SharedBorrowed, Freed}:         PossiblyFreed,
	{Escaped, Freed}:                PossiblyFreed,
	{PossiblyFreed, Freed}:          PossiblyFreed,
	{PossiblyFreed, UniqueOwned}:    PossiblyFreed,
	{PossiblyFreed, SharedBorrowed}: PossiblyFreed,
	{PossiblyFreed, Escaped}:        PossiblyFreed,
})

// Join returns the least upper bound of two ownership states.
func Join(a, b Ownership) Ownership {
	switch {
	case a == b:
		return a
	case a == ErrorDoubleFree || b == ErrorDoubleFree:
		return ErrorDoubleFree
	case a == Bottom:
		return b
	case b == Bottom:
		return a
	case a == Unknown || b == Unknown:
		return Unknown
	default:
		return joinOwnership(a, b)
	}
}

// MayBeFreed reports whether an access through an object in state o may
// touch freed memory.
func (o Ownership) MayBeFreed() bool {
	return o == Freed || o == PossiblyFreed || o == ErrorDoubleFree
}

// DefinitelyFreed reports whether every path reaching this point has freed
// the object.
func (o Ownership) DefinitelyFreed() bool {
	return o == Freed || o == ErrorDoubleFree
}

// rank orders states along execution paths: transfer functions may only move
// an object to an equal or higher rank, which is what makes single-path
// state evolution monotone.
func (o Ownership) rank() int {
	switch o {
	case Bottom:
		return 0
	case UniqueOwned, SharedBorrowed, Escaped:
		return 1
	case Freed, PossiblyFreed:
		return 2
	case Unknown:
		return 3
	case ErrorDoubleFree:
		return 4
	}
	return -1
}

// Monotone reports whether a transition from a to b is allowed along a
// single execution path. Re-acquiring ownership from the raw side is the one
// sanctioned rank-1 re-entry and is handled explicitly by the transfer
// function before this check.
func Monotone(a, b Ownership) bool {
	return b.rank() >= a.rank() || (a.rank() == 1 && b.rank() == 1)
}

// Provenance records how an abstract state came to be. It is a bitmask; the
// severity classifier maps it to confidence tiers.
type Provenance uint8

const (
	// ProvJoin: the state required a control-flow join of distinct states.
	ProvJoin Provenance = 1 << iota
	// ProvWidened: the state was forced to Unknown by an iteration bound.
	ProvWidened
	// ProvMayCall: the state depends on an indirect-call resolution.
	ProvMayCall
	// ProvOpaque: the state passed through an unsupported construct.
	ProvOpaque
)

// Union merges provenance masks (or any other flag sets).
func Union[P constraints.Integer](ps ...P) P {
	var out P
	for _, p := range ps {
		out |= p
	}
	return out
}

func (p Provenance) String() string {
	if p == 0 {
		return "definite"
	}
	var parts []byte
	add := func(s string) {
		if len(parts) > 0 {
			parts = append(parts, '|')
		}
		parts = append(parts, s...)
	}
	if p&ProvJoin != 0 {
		add("join")
	}
	if p&ProvWidened != 0 {
		add("widened")
	}
	if p&ProvMayCall != 0 {
		add("may-call")
	}
	if p&ProvOpaque != 0 {
		add("opaque")
	}
	return string(parts)
}
