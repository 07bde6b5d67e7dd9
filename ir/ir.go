// Package ir defines the linked low-level intermediate representation that
// ffilint analyzes. A Module is produced by the loader from one or more
// compilation units and is immutable once linked.
package ir

import (
	"fmt"
	"strings"
)

// A Module is the unit of analysis: all functions and globals of a program,
// after linking. It owns all Functions; lookups by symbol name go through
// Func and Global.
type Module struct {
	Funcs   []*Function
	Globals []*Global

	funcs   map[string]*Function
	globals map[string]*Global
	sealed  bool
}

func NewModule() *Module {
	return &Module{
		funcs:   map[string]*Function{},
		globals: map[string]*Global{},
	}
}

// Func returns the function with the given symbol name, or nil.
func (m *Module) Func(name string) *Function { return m.funcs[name] }

// Global returns the global with the given symbol name, or nil.
func (m *Module) Global(name string) *Global { return m.globals[name] }

// AddFunc registers fn with the module. It reports whether a function of the
// same name was already present; callers decide whether that is a linking
// conflict or a resolvable declaration.
func (m *Module) AddFunc(fn *Function) (prev *Function) {
	if m.sealed {
		panic("ir: AddFunc on sealed module")
	}
	prev = m.funcs[fn.Name]
	if prev == nil {
		m.funcs[fn.Name] = fn
		m.Funcs = append(m.Funcs, fn)
	}
	return prev
}

// ReplaceFunc swaps a declaration for its definition during linking.
func (m *Module) ReplaceFunc(fn *Function) {
	if m.sealed {
		panic("ir: ReplaceFunc on sealed module")
	}
	for i, old := range m.Funcs {
		if old.Name == fn.Name {
			m.Funcs[i] = fn
			m.funcs[fn.Name] = fn
			return
		}
	}
	m.AddFunc(fn)
}

func (m *Module) AddGlobal(g *Global) {
	if m.sealed {
		panic("ir: AddGlobal on sealed module")
	}
	if m.globals[g.Name] == nil {
		m.globals[g.Name] = g
		m.Globals = append(m.Globals, g)
	}
}

// Finish seals the module: it assigns stable instruction IDs in declaration
// order and wires block back-references. After Finish the module must not be
// mutated; all analyses rely on ID stability for determinism.
func (m *Module) Finish() {
	id := 1
	for _, fn := range m.Funcs {
		fn.module = m
		for _, b := range fn.Blocks {
			b.parent = fn
			for _, instr := range b.Instrs {
				instr.setBlock(b)
				instr.setID(id)
				id++
			}
		}
	}
	m.sealed = true
}

// A Global is a module-level variable. Storing a heap address into a global
// makes the pointed-to object reachable for the rest of the program.
type Global struct {
	Name string
	Pos  Pos
}

func (g *Global) String() string { return "@" + g.Name }

// A Function is an ordered sequence of basic blocks, or a bodyless
// declaration of an external symbol.
type Function struct {
	Name   string
	Sig    string // canonical signature, used for may-call matching
	Params []*Param
	Blocks []*BasicBlock
	Pos    Pos

	// External marks a declaration whose body lives outside the analyzed
	// module, e.g. on the foreign side of the FFI boundary.
	External bool
	// Foreign marks a symbol belonging to the C-ABI side.
	Foreign bool
	// AddressTaken functions are candidate targets of indirect calls.
	AddressTaken bool
	// NoUnwind marks frames that a panic-like unwind must not cross
	// (extern "C" functions and anything the toolchain marked nounwind).
	NoUnwind bool

	module *Module
}

func (fn *Function) Module() *Module { return fn.module }

func (fn *Function) String() string { return fn.Name }

// Entry returns the entry block, or nil for declarations.
func (fn *Function) Entry() *BasicBlock {
	if len(fn.Blocks) == 0 {
		return nil
	}
	return fn.Blocks[0]
}

// NewBlock appends a new, empty basic block to fn.
func (fn *Function) NewBlock(name string) *BasicBlock {
	b := &BasicBlock{
		Index:  len(fn.Blocks),
		Name:   name,
		parent: fn,
	}
	fn.Blocks = append(fn.Blocks, b)
	return b
}

// Block returns the block with the given name, or nil.
func (fn *Function) Block(name string) *BasicBlock {
	for _, b := range fn.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// A Param is a formal parameter. ByValue parameters consume their argument;
// for pointer-typed parameters this distinction drives ownership-transfer
// contract inference at the FFI boundary.
type Param struct {
	Name    string
	Pointer bool
	ByValue bool
}

func (p *Param) String() string { return p.Name }

// A BasicBlock is a maximal sequence of instructions with a single entry and
// a terminator. Preds and Succs encode the control-flow graph.
type BasicBlock struct {
	Index  int
	Name   string
	Instrs []Instruction
	Preds  []*BasicBlock
	Succs  []*BasicBlock

	parent *Function
}

// Parent returns the function that contains block b.
func (b *BasicBlock) Parent() *Function { return b.parent }

// Control returns the last instruction in the block.
func (b *BasicBlock) Control() Instruction {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

func (b *BasicBlock) String() string { return fmt.Sprintf("b%d", b.Index) }

// Append adds an instruction to the block.
func (b *BasicBlock) Append(instr Instruction) {
	instr.setBlock(b)
	b.Instrs = append(b.Instrs, instr)
}

// AddEdge adds a control-flow edge from b to succ.
func (b *BasicBlock) AddEdge(succ *BasicBlock) {
	b.Succs = append(b.Succs, succ)
	succ.Preds = append(succ.Preds, b)
}

// Postorder returns the blocks of fn in postorder of a depth-first walk from
// the entry block. Unreachable blocks are omitted.
func Postorder(fn *Function) []*BasicBlock {
	var order []*BasicBlock
	seen := make([]bool, len(fn.Blocks))
	var walk func(b *BasicBlock)
	walk = func(b *BasicBlock) {
		seen[b.Index] = true
		for _, succ := range b.Succs {
			if !seen[succ.Index] {
				walk(succ)
			}
		}
		order = append(order, b)
	}
	if entry := fn.Entry(); entry != nil {
		walk(entry)
	}
	return order
}

// ReversePostorder returns the blocks of fn in reverse postorder, the
// canonical iteration order for forward data-flow analyses.
func ReversePostorder(fn *Function) []*BasicBlock {
	order := Postorder(fn)
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// FuncString renders a function and its blocks for debugging.
func FuncString(fn *Function) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s%s:\n", fn.Name, fn.Sig)
	for _, b := range fn.Blocks {
		fmt.Fprintf(&sb, "%s: ; preds=%v\n", b, b.Preds)
		for _, instr := range b.Instrs {
			fmt.Fprintf(&sb, "\t%s\n", instr)
		}
	}
	return sb.String()
}
