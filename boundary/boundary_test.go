package boundary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffilint/ffilint/callgraph"
	"github.com/ffilint/ffilint/ir"
)

func TestClassifyName(t *testing.T) {
	tests := []struct {
		name string
		want Role
	}{
		{"malloc", RoleAlloc},
		{"__rust_alloc", RoleAlloc},
		{"free", RoleDealloc},
		{"__rust_dealloc", RoleDealloc},
		{"core::panicking::panic", RoleUnwind},
		{"llvm.dbg.declare", RoleIgnore},
		{"llvm.lifetime.start.p0", RoleIgnore},
		{"core::mem::forget", RoleForget},
		{"alloc::boxed::Box<T,A>::into_raw", RoleIntoRaw},
		{"std::ffi::c_str::CString::from_raw", RoleFromRaw},
		{"llvm.memcpy.p0.p0.i64", RoleMemcpy},
		{"my_project::do_work", RoleNone},
	}

	m := ir.NewModule()
	for _, tt := range tests {
		m.AddFunc(&ir.Function{Name: tt.name, External: true})
	}
	m.Finish()
	info := Classify(m, callgraph.Build(m), DefaultSemantics())

	for _, tt := range tests {
		assert.Equal(t, tt.want, info.RoleOfName(tt.name), "role of %s", tt.name)
	}
}

func TestUnclassifiedIntrinsicIsOpaque(t *testing.T) {
	m := ir.NewModule()
	m.AddFunc(&ir.Function{Name: "llvm.ptrmask.p0.i64", External: true})
	m.Finish()
	info := Classify(m, callgraph.Build(m), DefaultSemantics())
	assert.Equal(t, RoleOpaque, info.RoleOfName("llvm.ptrmask.p0.i64"))
}

func TestMergeListsInherit(t *testing.T) {
	base := DefaultSemantics()
	merged := Merge(base, &Semantics{
		Dealloc: []string{"inherit", "my_free"},
	})
	assert.Contains(t, merged.Dealloc, "free")
	assert.Contains(t, merged.Dealloc, "__rust_dealloc")
	assert.Contains(t, merged.Dealloc, "my_free")
	// Untouched categories keep the defaults.
	assert.Equal(t, normalizeList(append([]string(nil), base.Alloc...)), merged.Alloc)
}

func TestMergeListsReplace(t *testing.T) {
	merged := Merge(DefaultSemantics(), &Semantics{
		Alloc: []string{"my_alloc"},
	})
	assert.Equal(t, []string{"my_alloc"}, merged.Alloc)
}

func TestMergeContracts(t *testing.T) {
	merged := Merge(DefaultSemantics(), &Semantics{
		Contracts: map[string]string{"c_store": "move"},
	})
	assert.Equal(t, "move", merged.Contracts["c_store"])
}

func TestLoadSemantics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boundary.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
dealloc = ["inherit", "my_free"]
unwind_safe = ["careful_cb"]

[contracts]
c_keep = "borrow"
`), 0o600))

	sem, err := LoadSemantics(path)
	require.NoError(t, err)
	assert.Contains(t, sem.Dealloc, "my_free")
	assert.Contains(t, sem.Dealloc, "free")
	assert.Equal(t, []string{"careful_cb"}, sem.UnwindSafe)
	assert.Equal(t, "borrow", sem.Contracts["c_keep"])

	_, err = LoadSemantics(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func callEdge(t *testing.T, caller, callee *ir.Function) (*Info, EdgeInfo) {
	t.Helper()
	m := ir.NewModule()
	m.AddFunc(callee)
	m.AddFunc(caller)
	m.Finish()
	g := callgraph.Build(m)
	info := Classify(m, g, DefaultSemantics())
	n := g.Node(caller)
	require.Len(t, n.Out, 1)
	return info, info.Edge(n.Out[0])
}

func caller(name string, foreign bool, callee string) *ir.Function {
	fn := &ir.Function{Name: name, Foreign: foreign}
	b := fn.NewBlock("entry")
	b.Append(&ir.Call{Callee: callee})
	b.Append(&ir.Ret{})
	return fn
}

func TestEdgeKinds(t *testing.T) {
	_, ei := callEdge(t,
		caller("rustside", false, "cside"),
		&ir.Function{Name: "cside", External: true, Foreign: true})
	assert.Equal(t, FFICall, ei.Kind)

	_, ei = callEdge(t,
		caller("cside", true, "rust_cb"),
		caller("rust_cb", false, "rust_cb"))
	assert.Equal(t, FFICallback, ei.Kind)

	_, ei = callEdge(t,
		caller("f", false, "g"),
		caller("g", false, "g"))
	assert.Equal(t, Intra, ei.Kind)
}

func TestContractInference(t *testing.T) {
	tests := []struct {
		name   string
		callee *ir.Function
		want   Contract
	}{
		{
			"pointer by value is a move",
			&ir.Function{Name: "sink", External: true, Foreign: true,
				Params: []*ir.Param{{Name: "p", Pointer: true, ByValue: true}}},
			Move,
		},
		{
			"no pointer parameters is unknown",
			&ir.Function{Name: "sink", External: true, Foreign: true,
				Params: []*ir.Param{{Name: "n"}}},
			Unknown,
		},
		{
			"bodyless by-reference is unknown",
			&ir.Function{Name: "sink", External: true, Foreign: true,
				Params: []*ir.Param{{Name: "p", Pointer: true}}},
			Unknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ei := callEdge(t, caller("rustside", false, "sink"), tt.callee)
			assert.Equal(t, tt.want, ei.Contract)
		})
	}
}

func TestBorrowInference(t *testing.T) {
	// A foreign function whose body is available and frees nothing borrows
	// its by-reference pointer.
	callee := &ir.Function{Name: "peek", Foreign: true,
		Params: []*ir.Param{{Name: "p", Pointer: true}}}
	b := callee.NewBlock("entry")
	b.Append(&ir.Load{Dest: "x", Addr: "p"})
	b.Append(&ir.Ret{})

	_, ei := callEdge(t, caller("rustside", false, "peek"), callee)
	assert.Equal(t, Borrow, ei.Contract)
}

func TestFreeingCalleeIsNotABorrow(t *testing.T) {
	callee := &ir.Function{Name: "maybe_take", Foreign: true,
		Params: []*ir.Param{{Name: "p", Pointer: true}}}
	b := callee.NewBlock("entry")
	b.Append(&ir.Call{Callee: "free", Args: []string{"p"}})
	b.Append(&ir.Ret{})

	m := ir.NewModule()
	m.AddFunc(&ir.Function{Name: "free", External: true, Foreign: true,
		Params: []*ir.Param{{Name: "p", Pointer: true}}})
	m.AddFunc(callee)
	rust := caller("rustside", false, "maybe_take")
	m.AddFunc(rust)
	m.Finish()
	g := callgraph.Build(m)
	info := Classify(m, g, DefaultSemantics())

	var edge EdgeInfo
	for _, e := range g.Node(rust).Out {
		if e.Callee.Func.Name == "maybe_take" {
			edge = info.Edge(e)
		}
	}
	assert.Equal(t, Unknown, edge.Contract)
}
