// Package loader ingests IR unit documents emitted by the external toolchain
// and links them into a single ir.Module with a consistent symbol table.
package loader

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ffilint/ffilint/ir"
)

// IngestionError is fatal: the input is malformed or cannot be linked, and
// the analysis never starts.
type IngestionError struct {
	Unit string
	Err  error
}

func (e *IngestionError) Error() string {
	if e.Unit == "" {
		return "ingestion: " + e.Err.Error()
	}
	return fmt.Sprintf("ingestion: unit %q: %s", e.Unit, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

func ingestErrf(unit, format string, args ...interface{}) error {
	return &IngestionError{Unit: unit, Err: fmt.Errorf(format, args...)}
}

// unitDoc mirrors the JSON document the toolchain emits per compiled unit.
type unitDoc struct {
	Unit      string      `json:"unit"`
	Globals   []globalDoc `json:"globals"`
	Functions []funcDoc   `json:"functions"`
}

type globalDoc struct {
	Name string `json:"name"`
	Pos  string `json:"pos"`
}

type funcDoc struct {
	Name         string     `json:"name"`
	Sig          string     `json:"sig"`
	Pos          string     `json:"pos"`
	External     bool       `json:"external"`
	Foreign      bool       `json:"foreign"`
	AddressTaken bool       `json:"addressTaken"`
	NoUnwind     bool       `json:"noUnwind"`
	Params       []paramDoc `json:"params"`
	Blocks       []blockDoc `json:"blocks"`
}

type paramDoc struct {
	Name    string `json:"name"`
	Pointer bool   `json:"pointer"`
	ByValue bool   `json:"byValue"`
}

type blockDoc struct {
	Name   string     `json:"name"`
	Instrs []instrDoc `json:"instrs"`
	Succs  []string   `json:"succs"`
}

type instrDoc struct {
	Op     string   `json:"op"`
	Dest   string   `json:"dest"`
	Addr   string   `json:"addr"`
	Val    string   `json:"val"`
	Src    string   `json:"src"`
	Base   string   `json:"base"`
	Field  int      `json:"field"`
	Callee string   `json:"callee"`
	Func   string   `json:"func"`
	Sig    string   `json:"sig"`
	Cond   string   `json:"cond"`
	Text   string   `json:"text"`
	Edges  []string `json:"edges"`
	Args   []string `json:"args"`
	Pos    string   `json:"pos"`
}

// LoadFiles reads and links the named unit documents. Any failure is an
// *IngestionError.
func LoadFiles(paths []string) (*ir.Module, error) {
	var units []unitDoc
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, &IngestionError{Err: err}
		}
		u, err := decode(f, path)
		f.Close()
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return link(units)
}

// Load reads and links unit documents from readers; names identify the units
// in error messages.
func Load(readers []io.Reader, names []string) (*ir.Module, error) {
	var units []unitDoc
	for i, r := range readers {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		u, err := decode(r, name)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return link(units)
}

func decode(r io.Reader, name string) (unitDoc, error) {
	var u unitDoc
	dec := json.NewDecoder(r)
	if err := dec.Decode(&u); err != nil {
		return u, ingestErrf(name, "malformed unit document: %s", err)
	}
	if u.Unit == "" {
		u.Unit = name
	}
	return u, nil
}

// link merges units into one module. Duplicate strong definitions conflict;
// declarations resolve against definitions across units; calls to symbols
// that are neither defined nor declared are unresolved and fatal.
func link(units []unitDoc) (*ir.Module, error) {
	m := ir.NewModule()

	for _, u := range units {
		for _, gd := range u.Globals {
			m.AddGlobal(&ir.Global{Name: gd.Name, Pos: parsePos(gd.Pos)})
		}
		for _, fd := range u.Functions {
			fn, err := buildFunc(u.Unit, fd)
			if err != nil {
				return nil, err
			}
			prev := m.AddFunc(fn)
			switch {
			case prev == nil:
				// first sighting
			case prev.External && !fn.External:
				// definition resolves an earlier declaration
				fn.AddressTaken = fn.AddressTaken || prev.AddressTaken
				m.ReplaceFunc(fn)
			case !prev.External && fn.External:
				prev.AddressTaken = prev.AddressTaken || fn.AddressTaken
			case prev.External && fn.External:
				prev.AddressTaken = prev.AddressTaken || fn.AddressTaken
				prev.Foreign = prev.Foreign || fn.Foreign
			default:
				return nil, ingestErrf(u.Unit, "duplicate definition of %q", fn.Name)
			}
		}
	}

	// Every called symbol must resolve to a definition or an explicit
	// external declaration.
	for _, fn := range m.Funcs {
		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				call, ok := instr.(*ir.Call)
				if !ok {
					continue
				}
				if m.Func(call.Callee) == nil {
					return nil, ingestErrf("", "unresolved symbol %q called from %q", call.Callee, fn.Name)
				}
			}
		}
	}

	m.Finish()
	return m, nil
}

func buildFunc(unit string, fd funcDoc) (*ir.Function, error) {
	fn := &ir.Function{
		Name:         fd.Name,
		Sig:          fd.Sig,
		Pos:          parsePos(fd.Pos),
		External:     fd.External,
		Foreign:      fd.Foreign,
		AddressTaken: fd.AddressTaken,
		NoUnwind:     fd.NoUnwind,
	}
	if fn.Name == "" {
		return nil, ingestErrf(unit, "function with empty name")
	}
	for _, pd := range fd.Params {
		fn.Params = append(fn.Params, &ir.Param{Name: pd.Name, Pointer: pd.Pointer, ByValue: pd.ByValue})
	}
	if fd.External {
		if len(fd.Blocks) != 0 {
			return nil, ingestErrf(unit, "external function %q has a body", fd.Name)
		}
		return fn, nil
	}
	if len(fd.Blocks) == 0 {
		return nil, ingestErrf(unit, "function %q has no blocks and is not external", fd.Name)
	}

	for _, bd := range fd.Blocks {
		b := fn.NewBlock(bd.Name)
		for _, id := range bd.Instrs {
			instr, err := buildInstr(unit, fd.Name, id)
			if err != nil {
				return nil, err
			}
			b.Append(instr)
		}
	}
	// Wire control-flow edges after all blocks exist.
	for i, bd := range fd.Blocks {
		b := fn.Blocks[i]
		for _, succ := range bd.Succs {
			sb := fn.Block(succ)
			if sb == nil {
				return nil, ingestErrf(unit, "function %q: block %q has unknown successor %q", fd.Name, bd.Name, succ)
			}
			b.AddEdge(sb)
		}
	}
	return fn, nil
}

func buildInstr(unit, fn string, d instrDoc) (ir.Instruction, error) {
	var instr ir.Instruction
	switch d.Op {
	case "alloca":
		instr = &ir.Alloc{Dest: d.Dest}
	case "load":
		instr = &ir.Load{Dest: d.Dest, Addr: d.Addr}
	case "store":
		instr = &ir.Store{Addr: d.Addr, Val: d.Val}
	case "fieldaddr":
		instr = &ir.FieldAddr{Dest: d.Dest, Base: d.Base, Field: d.Field}
	case "bitcast":
		instr = &ir.BitCast{Dest: d.Dest, Src: d.Src}
	case "phi":
		instr = &ir.Phi{Dest: d.Dest, Edges: d.Edges}
	case "call":
		if d.Callee == "" {
			return nil, ingestErrf(unit, "function %q: call without callee", fn)
		}
		instr = &ir.Call{Dest: d.Dest, Callee: d.Callee, Args: d.Args}
	case "icall":
		if d.Func == "" {
			return nil, ingestErrf(unit, "function %q: indirect call without function operand", fn)
		}
		instr = &ir.IndirectCall{Dest: d.Dest, Func: d.Func, Sig: d.Sig, Args: d.Args}
	case "ret":
		instr = &ir.Ret{Val: d.Val}
	case "jump":
		instr = &ir.Jump{}
	case "if":
		instr = &ir.If{Cond: d.Cond}
	case "unreachable":
		instr = &ir.Unreachable{}
	case "":
		return nil, ingestErrf(unit, "function %q: instruction without op", fn)
	default:
		// Unrecognized constructs are not fatal; they degrade to opaque
		// operations the analysis treats conservatively.
		instr = &ir.Opaque{Dest: d.Dest, Text: d.Op, Args: d.Args}
	}
	setPos(instr, parsePos(d.Pos))
	return instr, nil
}

type posSetter interface{ SetPos(ir.Pos) }

func setPos(instr ir.Instruction, p ir.Pos) {
	if s, ok := instr.(posSetter); ok {
		s.SetPos(p)
	}
}

// parsePos parses "file:line" or "file:line:col"; malformed positions
// degrade to the zero Pos rather than failing ingestion.
func parsePos(s string) ir.Pos {
	if s == "" {
		return ir.Pos{}
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return ir.Pos{File: s}
	}
	line, err := strconv.Atoi(parts[1])
	if err != nil {
		return ir.Pos{File: parts[0]}
	}
	pos := ir.Pos{File: parts[0], Line: line}
	if len(parts) > 2 {
		if col, err := strconv.Atoi(parts[2]); err == nil {
			pos.Col = col
		}
	}
	return pos
}
