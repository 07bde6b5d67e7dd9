package checkers

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffilint/ffilint/boundary"
	"github.com/ffilint/ffilint/lint"
	"github.com/ffilint/ffilint/loader"
)

func runLint(t *testing.T, cfg lint.Config, unit string) []lint.Finding {
	t.Helper()
	m, err := loader.Load([]io.Reader{strings.NewReader(unit)}, []string{"test"})
	require.NoError(t, err)
	l := &lint.Linter{Checkers: All(), Config: cfg}
	findings, _, err := l.Lint(m)
	require.NoError(t, err)
	return findings
}

const externAllocators = `
		{"name": "malloc", "sig": "(i64)->ptr", "external": true, "foreign": true,
		 "params": [{"name": "size"}]},
		{"name": "free", "sig": "(ptr)->void", "external": true, "foreign": true,
		 "params": [{"name": "p", "pointer": true}]}`

func TestDoubleFreeFinding(t *testing.T) {
	unit := `{
	"unit": "double_free",
	"functions": [` + externAllocators + `,
		{"name": "victim", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "victim.rs:3"},
				{"op": "call", "callee": "free", "args": ["p"], "pos": "victim.rs:4"},
				{"op": "call", "callee": "free", "args": ["p"], "pos": "victim.rs:5"},
				{"op": "ret"}
			]}
		]}
	]}`
	findings := runLint(t, lint.Config{}, unit)

	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, lint.DoubleFree, f.Kind)
	assert.Equal(t, lint.High, f.Severity)
	assert.Equal(t, 5, f.Pos.Line)
	assert.Equal(t, 3, f.AllocPos.Line)
}

func TestUseAfterFreeAcrossJoin(t *testing.T) {
	unit := `{
	"unit": "uaf",
	"functions": [` + externAllocators + `,
		{"name": "reader", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "reader.rs:3"},
				{"op": "if", "cond": "c"}
			], "succs": ["then", "done"]},
			{"name": "then", "instrs": [
				{"op": "call", "callee": "free", "args": ["p"], "pos": "reader.rs:5"},
				{"op": "jump"}
			], "succs": ["done"]},
			{"name": "done", "instrs": [
				{"op": "load", "dest": "x", "addr": "p", "pos": "reader.rs:8"},
				{"op": "ret"}
			]}
		]}
	]}`
	findings := runLint(t, lint.Config{}, unit)

	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, lint.UseAfterFree, f.Kind)
	assert.Equal(t, lint.Mid, f.Severity, "a freed/owned merge is only a may witness")
	assert.Equal(t, 8, f.Pos.Line)

	// The high tier must not contain it.
	assert.Empty(t, runLint(t, lint.Config{MinSeverity: lint.High}, unit))
}

func TestLeakFinding(t *testing.T) {
	unit := `{
	"unit": "leak",
	"functions": [` + externAllocators + `,
		{"name": "leaky", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "leaky.rs:2"},
				{"op": "ret"}
			]}
		]}
	]}`
	findings := runLint(t, lint.Config{}, unit)

	require.Len(t, findings, 1)
	assert.Equal(t, lint.Leak, findings[0].Kind)
	assert.Equal(t, lint.High, findings[0].Severity)
	assert.Equal(t, 2, findings[0].AllocPos.Line)
}

func TestLeakOfDiscardedCalleeAllocation(t *testing.T) {
	unit := `{
	"unit": "wrapper",
	"functions": [` + externAllocators + `,
		{"name": "make_buf", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "m.rs:2"},
				{"op": "ret", "val": "p"}
			]}
		]},
		{"name": "forgetter", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "q", "callee": "make_buf", "pos": "m.rs:7"},
				{"op": "ret"}
			]}
		]}
	]}`
	findings := runLint(t, lint.Config{}, unit)

	// The wrapper hands the allocation up; the caller drops it. The loss
	// happens in the caller and is reported there, against the original
	// allocation site.
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, lint.Leak, f.Kind)
	assert.Equal(t, lint.High, f.Severity)
	assert.Equal(t, 2, f.AllocPos.Line)
}

func TestMayCallMoveTargetSuppressesLeak(t *testing.T) {
	unit := `{
	"unit": "dispatch",
	"functions": [` + externAllocators + `,
		{"name": "peek_buf", "sig": "(ptr)->void", "external": true, "foreign": true,
		 "addressTaken": true, "params": [{"name": "p", "pointer": true}]},
		{"name": "consume_buf", "sig": "(ptr)->void", "external": true, "foreign": true,
		 "addressTaken": true, "params": [{"name": "p", "pointer": true, "byValue": true}]},
		{"name": "dispatch", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "d.rs:2"},
				{"op": "icall", "func": "fp", "sig": "(ptr)->void", "args": ["p"], "pos": "d.rs:3"},
				{"op": "ret"}
			]}
		]}
	]}`
	sem := boundary.Merge(boundary.DefaultSemantics(), &boundary.Semantics{
		Contracts: map[string]string{"peek_buf": "borrow"},
	})
	// One may-call target consumes the pointer; ownership may have moved to
	// the far side, so no leak is reported at any confidence.
	assert.Empty(t, runLint(t, lint.Config{Semantics: sem}, unit))
}

func TestMoveContractSuppressesLeak(t *testing.T) {
	unit := `{
	"unit": "handoff",
	"functions": [` + externAllocators + `,
		{"name": "c_consume", "sig": "(ptr)->void", "external": true, "foreign": true,
		 "params": [{"name": "p", "pointer": true, "byValue": true}]},
		{"name": "handoff", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"]},
				{"op": "call", "callee": "c_consume", "args": ["p"]},
				{"op": "ret"}
			]}
		]}
	]}`
	assert.Empty(t, runLint(t, lint.Config{}, unit))
}

func TestForgetSuppressesLeak(t *testing.T) {
	unit := `{
	"unit": "forget",
	"functions": [` + externAllocators + `,
		{"name": "core::mem::forget", "external": true,
		 "params": [{"name": "v", "pointer": true, "byValue": true}]},
		{"name": "deliberate", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"]},
				{"op": "call", "callee": "core::mem::forget", "args": ["p"]},
				{"op": "ret"}
			]}
		]}
	]}`
	assert.Empty(t, runLint(t, lint.Config{}, unit))
}

func TestReturnedAllocationIsNotALeak(t *testing.T) {
	unit := `{
	"unit": "ret",
	"functions": [` + externAllocators + `,
		{"name": "make_buf", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"]},
				{"op": "ret", "val": "p"}
			]}
		]}
	]}`
	assert.Empty(t, runLint(t, lint.Config{}, unit))
}

const unwindUnit = `{
	"unit": "unwind",
	"functions": [
		{"name": "core::panicking::panic", "external": true},
		{"name": "rust_cb", "sig": "()->void", "addressTaken": true%s, "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "callee": "core::panicking::panic", "pos": "cb.rs:9"},
				{"op": "unreachable"}
			]}
		]},
		{"name": "c_driver", "foreign": true, "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "callee": "rust_cb", "pos": "driver.c:5"},
				{"op": "ret"}
			]}
		]}
	]}`

func TestUnwindAcrossCallback(t *testing.T) {
	unit := strings.Replace(unwindUnit, "%s", "", 1)
	findings := runLint(t, lint.Config{}, unit)

	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, lint.ExceptionSafety, f.Kind)
	assert.Equal(t, lint.High, f.Severity)
	assert.Equal(t, "driver.c", f.Pos.File)
	assert.Equal(t, 5, f.Pos.Line)
}

func TestNoUnwindStopsPropagation(t *testing.T) {
	unit := strings.Replace(unwindUnit, "%s", `, "noUnwind": true`, 1)
	assert.Empty(t, runLint(t, lint.Config{}, unit))
}

func TestUnwindSafeListSuppresses(t *testing.T) {
	unit := strings.Replace(unwindUnit, "%s", "", 1)
	sem := boundary.Merge(boundary.DefaultSemantics(), &boundary.Semantics{
		UnwindSafe: []string{"rust_cb"},
	})
	assert.Empty(t, runLint(t, lint.Config{Semantics: sem}, unit))
}

func TestEntryRestriction(t *testing.T) {
	unit := `{
	"unit": "entries",
	"functions": [` + externAllocators + `,
		{"name": "reached", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "a.rs:1"},
				{"op": "ret"}
			]}
		]},
		{"name": "unreached", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "q", "callee": "malloc", "args": ["n"], "pos": "b.rs:1"},
				{"op": "ret"}
			]}
		]}
	]}`
	all := runLint(t, lint.Config{}, unit)
	assert.Len(t, all, 2)

	scoped := runLint(t, lint.Config{Entries: []string{"reached"}}, unit)
	require.Len(t, scoped, 1)
	assert.Equal(t, "a.rs", scoped[0].AllocPos.File)
}

func TestDeterministicFindings(t *testing.T) {
	unit := `{
	"unit": "det",
	"functions": [` + externAllocators + `,
		{"name": "f1", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "d.rs:1"},
				{"op": "ret"}
			]}
		]},
		{"name": "f2", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "d.rs:10"},
				{"op": "call", "callee": "free", "args": ["p"], "pos": "d.rs:11"},
				{"op": "call", "callee": "free", "args": ["p"], "pos": "d.rs:12"},
				{"op": "ret"}
			]}
		]}
	]}`
	first := runLint(t, lint.Config{Parallel: 4}, unit)
	require.Len(t, first, 2)
	for i := 0; i < 4; i++ {
		assert.Equal(t, first, runLint(t, lint.Config{Parallel: 4}, unit))
	}
}
