package ir

import (
	"fmt"
	"strings"
)

// Pos is a best-effort source position recovered from debug metadata.
type Pos struct {
	File string
	Line int
	Col  int
}

func (p Pos) IsValid() bool { return p.File != "" && p.Line > 0 }

func (p Pos) String() string {
	if !p.IsValid() {
		return "-"
	}
	if p.Col > 0 {
		return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// Before reports whether p orders before q in (file, line, col) order.
func (p Pos) Before(q Pos) bool {
	if p.File != q.File {
		return p.File < q.File
	}
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Col < q.Col
}

// An Instruction is a member of a basic block. Instructions have identities
// that are stable for the whole run; IDs are assigned by Module.Finish in
// declaration order, which makes them usable as deterministic map keys.
type Instruction interface {
	Parent() *BasicBlock
	ID() int
	Pos() Pos
	String() string

	setBlock(*BasicBlock)
	setID(int)
}

type anInstruction struct {
	block *BasicBlock
	id    int
	pos   Pos
}

func (i *anInstruction) Parent() *BasicBlock    { return i.block }
func (i *anInstruction) ID() int                { return i.id }
func (i *anInstruction) Pos() Pos               { return i.pos }
func (i *anInstruction) setBlock(b *BasicBlock) { i.block = b }
func (i *anInstruction) setID(id int)           { i.id = id }

// SetPos attaches a source position; it is exported for use by the loader
// and by tests that build IR directly.
func (i *anInstruction) SetPos(p Pos) { i.pos = p }

// Alloc reserves an addressable stack slot. Heap allocations are not
// represented by Alloc; they are calls to functions the boundary identifier
// classifies as allocator entry points.
type Alloc struct {
	anInstruction
	Dest string
}

func (i *Alloc) String() string { return fmt.Sprintf("%s = alloca", i.Dest) }

// Load reads the value stored at Addr.
type Load struct {
	anInstruction
	Dest string
	Addr string
}

func (i *Load) String() string { return fmt.Sprintf("%s = load %s", i.Dest, i.Addr) }

// Store writes Val to the location Addr. The addressed location may be a
// stack slot, a global, or a field of a heap object; the distinction decides
// whether the stored pointer escapes.
type Store struct {
	anInstruction
	Addr string
	Val  string
}

func (i *Store) String() string { return fmt.Sprintf("store %s, %s", i.Val, i.Addr) }

// FieldAddr computes the address of a field of the object Base points to.
type FieldAddr struct {
	anInstruction
	Dest  string
	Base  string
	Field int
}

func (i *FieldAddr) String() string {
	return fmt.Sprintf("%s = &%s.#%d", i.Dest, i.Base, i.Field)
}

// BitCast covers the pointer-preserving conversions (bitcast, addrspacecast,
// ptr/int round trips the toolchain proved lossless). It propagates aliasing
// and nothing else.
type BitCast struct {
	anInstruction
	Dest string
	Src  string
}

func (i *BitCast) String() string { return fmt.Sprintf("%s = bitcast %s", i.Dest, i.Src) }

// Phi merges values at a control-flow join. Edges are ordered like the
// block's predecessor list.
type Phi struct {
	anInstruction
	Dest  string
	Edges []string
}

func (i *Phi) String() string {
	return fmt.Sprintf("%s = phi [%s]", i.Dest, strings.Join(i.Edges, ", "))
}

// Call invokes a named function. Whether the call allocates, deallocates,
// raises an unwind, or crosses the FFI boundary is decided by the boundary
// identifier, not by the instruction itself.
type Call struct {
	anInstruction
	Dest   string // "" if the result is unused
	Callee string
	Args   []string
}

func (i *Call) String() string {
	call := fmt.Sprintf("call %s(%s)", i.Callee, strings.Join(i.Args, ", "))
	if i.Dest == "" {
		return call
	}
	return i.Dest + " = " + call
}

// IndirectCall invokes a function through a pointer value. Its possible
// targets form a may-call set resolved by signature matching over
// address-taken functions.
type IndirectCall struct {
	anInstruction
	Dest string
	Func string // register holding the function pointer
	Sig  string // signature of the call site
	Args []string
}

func (i *IndirectCall) String() string {
	call := fmt.Sprintf("call *%s(%s)", i.Func, strings.Join(i.Args, ", "))
	if i.Dest == "" {
		return call
	}
	return i.Dest + " = " + call
}

// Ret returns from the enclosing function.
type Ret struct {
	anInstruction
	Val string // "" for void returns
}

func (i *Ret) String() string {
	if i.Val == "" {
		return "ret"
	}
	return "ret " + i.Val
}

// Jump transfers control to the block's single successor.
type Jump struct {
	anInstruction
}

func (i *Jump) String() string { return "jump" }

// If branches on Cond; the block has exactly two successors, then and else
// in that order.
type If struct {
	anInstruction
	Cond string
}

func (i *If) String() string { return "if " + i.Cond }

// Unreachable terminates a block the toolchain proved cannot be reached,
// typically after a diverging call.
type Unreachable struct {
	anInstruction
}

func (i *Unreachable) String() string { return "unreachable" }

// Opaque stands in for a construct the ingestor recognized but cannot model:
// inline assembly, exotic intrinsics, and the like. Analyses treat it as a
// no-op that joins its operands to Unknown.
type Opaque struct {
	anInstruction
	Dest string
	Text string // original mnemonic, kept for diagnostics
	Args []string
}

func (i *Opaque) String() string {
	s := fmt.Sprintf("opaque %q(%s)", i.Text, strings.Join(i.Args, ", "))
	if i.Dest == "" {
		return s
	}
	return i.Dest + " = " + s
}

// CallInstruction is implemented by Call and IndirectCall; it gives call
// graph construction and the boundary identifier a uniform view of calls.
type CallInstruction interface {
	Instruction
	Operands() (dest string, args []string)
}

func (i *Call) Operands() (string, []string)         { return i.Dest, i.Args }
func (i *IndirectCall) Operands() (string, []string) { return i.Dest, i.Args }
