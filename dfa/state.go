package dfa

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/ffilint/ffilint/ir"
)

// ObjectID identifies a memory object. IDs are derived from stable
// instruction IDs and function/parameter indices, so they are identical
// across runs on the same module.
type ObjectID int32

// ObjectKind separates the abstract objects the analysis tracks.
type ObjectKind uint8

const (
	// HeapObject is an abstract heap allocation site; ownership checking
	// applies only to these.
	HeapObject ObjectKind = iota
	// StackObject is an addressable stack slot; it carries contents but no
	// ownership of its own.
	StackObject
	// GlobalObject stands for a module-level variable; storing a heap
	// address into one makes the address reachable program-wide.
	GlobalObject
	// ParamObject is the placeholder pointee of a pointer parameter, used
	// to compute function summaries.
	ParamObject
)

// An Object is an abstract memory object. Exactly one Object exists per
// static allocation site for the whole run; the run-long flags below are
// written with atomics because sibling functions may be solved concurrently.
type Object struct {
	ID   ObjectID
	Kind ObjectKind
	Site ir.Instruction // allocation site; nil for params and globals
	Fn   *ir.Function   // allocating function, or owner of the parameter
	Name string         // diagnostic name for params and globals
	// ParamIdx is the parameter position for ParamObjects; call sites use
	// it to translate "returns its i-th argument" summaries.
	ParamIdx int

	// escapedBoundary: the object crossed an FFI boundary edge with a Move
	// or Unknown contract somewhere in its reachable use set. Such objects
	// are presumed owned by the far side and exempt from leak reporting.
	escapedBoundary atomic.Bool
	// forgotten: ownership was deliberately leaked (mem::forget and kin).
	forgotten atomic.Bool
	// returned: the object is handed to some caller at a return point.
	returned atomic.Bool
}

func (o *Object) MarkEscapedBoundary()  { o.escapedBoundary.Store(true) }
func (o *Object) EscapedBoundary() bool { return o.escapedBoundary.Load() }
func (o *Object) MarkForgotten()        { o.forgotten.Store(true) }
func (o *Object) Forgotten() bool       { return o.forgotten.Load() }
func (o *Object) MarkReturned()         { o.returned.Store(true) }
func (o *Object) Returned() bool        { return o.returned.Load() }

// Pos returns the allocation-site position, best effort.
func (o *Object) Pos() ir.Pos {
	if o.Site != nil {
		return o.Site.Pos()
	}
	if o.Fn != nil {
		return o.Fn.Pos
	}
	return ir.Pos{}
}

func (o *Object) String() string {
	switch o.Kind {
	case StackObject:
		return fmt.Sprintf("stack#%d", o.ID)
	case GlobalObject:
		return "@" + o.Name
	case ParamObject:
		return fmt.Sprintf("%s(param %s)", o.Fn, o.Name)
	}
	return fmt.Sprintf("alloc#%d@%s", o.ID, o.Pos())
}

// Value is the abstract value of one object at one program point.
type Value struct {
	Own  Ownership
	Prov Provenance
}

// State is the abstract state at a program point: which objects each
// register may point to, what stack slots contain, and the ownership of
// every tracked object.
type State struct {
	regs map[string][]ObjectID
	mem  map[ObjectID][]ObjectID
	objs map[ObjectID]Value
}

func NewState() *State {
	return &State{
		regs: map[string][]ObjectID{},
		mem:  map[ObjectID][]ObjectID{},
		objs: map[ObjectID]Value{},
	}
}

func (st *State) Clone() *State {
	out := &State{
		regs: make(map[string][]ObjectID, len(st.regs)),
		mem:  make(map[ObjectID][]ObjectID, len(st.mem)),
		objs: make(map[ObjectID]Value, len(st.objs)),
	}
	for k, v := range st.regs {
		out.regs[k] = append([]ObjectID(nil), v...)
	}
	for k, v := range st.mem {
		out.mem[k] = append([]ObjectID(nil), v...)
	}
	for k, v := range st.objs {
		out.objs[k] = v
	}
	return out
}

// Points returns the set of objects reg may point to.
func (st *State) Points(reg string) []ObjectID { return st.regs[reg] }

// SetPoints replaces reg's points-to set.
func (st *State) SetPoints(reg string, ids []ObjectID) {
	if reg == "" {
		return
	}
	st.regs[reg] = sortedSet(ids)
}

// AddPoints unions ids into reg's points-to set.
func (st *State) AddPoints(reg string, ids []ObjectID) {
	if reg == "" || len(ids) == 0 {
		return
	}
	st.regs[reg] = unionSets(st.regs[reg], ids)
}

// Contents returns the objects that may be stored in slot.
func (st *State) Contents(slot ObjectID) []ObjectID { return st.mem[slot] }

// AddContents records that slot may hold ids. Updates are weak: old
// contents stay possible.
func (st *State) AddContents(slot ObjectID, ids []ObjectID) {
	if len(ids) == 0 {
		return
	}
	st.mem[slot] = unionSets(st.mem[slot], ids)
}

// Value returns the abstract value of id, Bottom if untracked.
func (st *State) Value(id ObjectID) Value { return st.objs[id] }

// SetValue sets the abstract value of id.
func (st *State) SetValue(id ObjectID, v Value) { st.objs[id] = v }

// Mark transitions id to own, merging prov into its provenance.
func (st *State) Mark(id ObjectID, own Ownership, prov Provenance) {
	old := st.objs[id]
	st.objs[id] = Value{Own: own, Prov: Union(old.Prov, prov)}
}

// Objects returns the tracked object IDs in ascending order.
func (st *State) Objects() []ObjectID {
	ids := make([]ObjectID, 0, len(st.objs))
	for id := range st.objs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Join merges other into st, marking ProvJoin on objects whose ownership
// actually differed between the two states. It returns true if st changed.
func (st *State) Join(other *State) bool {
	changed := false
	for reg, ids := range other.regs {
		merged := unionSets(st.regs[reg], ids)
		if len(merged) != len(st.regs[reg]) {
			st.regs[reg] = merged
			changed = true
		}
	}
	for slot, ids := range other.mem {
		merged := unionSets(st.mem[slot], ids)
		if len(merged) != len(st.mem[slot]) {
			st.mem[slot] = merged
			changed = true
		}
	}
	for id, ov := range other.objs {
		sv, tracked := st.objs[id]
		if !tracked {
			st.objs[id] = ov
			changed = true
			continue
		}
		nv := Value{Own: Join(sv.Own, ov.Own), Prov: Union(sv.Prov, ov.Prov)}
		if sv.Own != ov.Own && sv.Own != Bottom && ov.Own != Bottom {
			nv.Prov |= ProvJoin
		}
		if nv != sv {
			st.objs[id] = nv
			changed = true
		}
	}
	return changed
}

// Equal reports whether two states are identical.
func (st *State) Equal(other *State) bool {
	if len(st.regs) != len(other.regs) || len(st.mem) != len(other.mem) || len(st.objs) != len(other.objs) {
		return false
	}
	for reg, ids := range st.regs {
		if !equalSets(ids, other.regs[reg]) {
			return false
		}
	}
	for slot, ids := range st.mem {
		if !equalSets(ids, other.mem[slot]) {
			return false
		}
	}
	for id, v := range st.objs {
		if other.objs[id] != v {
			return false
		}
	}
	return true
}

// WidenAll forces every tracked object to Unknown with ProvWidened. Used
// when an iteration bound is exceeded: soundness is kept, precision is not.
func (st *State) WidenAll() {
	for id, v := range st.objs {
		if v.Own == ErrorDoubleFree {
			continue // errors are absorbing, widening must not erase them
		}
		st.objs[id] = Value{Own: Unknown, Prov: v.Prov | ProvWidened}
	}
}

func (st *State) String() string {
	var parts []string
	for _, id := range st.Objects() {
		v := st.objs[id]
		parts = append(parts, fmt.Sprintf("#%d=%s[%s]", id, v.Own, v.Prov))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func sortedSet(ids []ObjectID) []ObjectID {
	if len(ids) < 2 {
		return append([]ObjectID(nil), ids...)
	}
	out := append([]ObjectID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for _, id := range out[1:] {
		if id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}

func unionSets(a, b []ObjectID) []ObjectID {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return sortedSet(b)
	}
	return sortedSet(append(append([]ObjectID(nil), a...), b...))
}

func equalSets(a, b []ObjectID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
