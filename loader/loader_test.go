package loader

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffilint/ffilint/ir"
)

func load(t *testing.T, units ...string) (*ir.Module, error) {
	t.Helper()
	readers := make([]io.Reader, len(units))
	names := make([]string, len(units))
	for i, u := range units {
		readers[i] = strings.NewReader(u)
		names[i] = "unit" + string(rune('a'+i))
	}
	return Load(readers, names)
}

func TestLoadSingleUnit(t *testing.T) {
	m, err := load(t, `{
		"unit": "lib",
		"globals": [{"name": "TABLE", "pos": "lib.rs:1"}],
		"functions": [
			{"name": "free", "external": true, "foreign": true,
			 "params": [{"name": "p", "pointer": true}]},
			{"name": "run", "pos": "lib.rs:10", "blocks": [
				{"name": "entry", "instrs": [
					{"op": "alloca", "dest": "x", "pos": "lib.rs:11"},
					{"op": "store", "addr": "x", "val": "v"},
					{"op": "call", "callee": "free", "args": ["p"]},
					{"op": "ret"}
				]}
			]}
		]
	}`)
	require.NoError(t, err)

	require.NotNil(t, m.Global("TABLE"))
	fn := m.Func("run")
	require.NotNil(t, fn)
	assert.Equal(t, ir.Pos{File: "lib.rs", Line: 10}, fn.Pos)
	require.Len(t, fn.Blocks, 1)
	assert.Len(t, fn.Blocks[0].Instrs, 4)

	ext := m.Func("free")
	require.NotNil(t, ext)
	assert.True(t, ext.External)
	assert.True(t, ext.Foreign)
}

func TestLinkDeclarationAgainstDefinition(t *testing.T) {
	decl := `{"functions": [
		{"name": "helper", "external": true, "addressTaken": true},
		{"name": "user", "blocks": [{"name": "entry", "instrs": [
			{"op": "call", "callee": "helper"},
			{"op": "ret"}
		]}]}
	]}`
	def := `{"functions": [
		{"name": "helper", "blocks": [{"name": "entry", "instrs": [{"op": "ret"}]}]}
	]}`

	m, err := load(t, decl, def)
	require.NoError(t, err)

	fn := m.Func("helper")
	require.NotNil(t, fn)
	assert.False(t, fn.External, "the definition must win over the declaration")
	assert.True(t, fn.AddressTaken, "address-taken-ness must survive linking")

	// Order must not matter.
	m, err = load(t, def, decl)
	require.NoError(t, err)
	fn = m.Func("helper")
	assert.False(t, fn.External)
	assert.True(t, fn.AddressTaken)
}

func TestDuplicateDefinition(t *testing.T) {
	unit := `{"functions": [
		{"name": "f", "blocks": [{"name": "entry", "instrs": [{"op": "ret"}]}]}
	]}`
	_, err := load(t, unit, unit)
	require.Error(t, err)
	var ierr *IngestionError
	require.True(t, errors.As(err, &ierr))
	assert.Contains(t, ierr.Error(), "duplicate definition")
}

func TestUnresolvedCallee(t *testing.T) {
	_, err := load(t, `{"functions": [
		{"name": "f", "blocks": [{"name": "entry", "instrs": [
			{"op": "call", "callee": "missing"},
			{"op": "ret"}
		]}]}
	]}`)
	require.Error(t, err)
	var ierr *IngestionError
	require.True(t, errors.As(err, &ierr))
	assert.Contains(t, ierr.Error(), "unresolved symbol")
}

func TestMalformedDocument(t *testing.T) {
	_, err := load(t, `{"functions": [`)
	require.Error(t, err)
	var ierr *IngestionError
	require.True(t, errors.As(err, &ierr))
}

func TestUnknownOpDegradesToOpaque(t *testing.T) {
	m, err := load(t, `{"functions": [
		{"name": "f", "blocks": [{"name": "entry", "instrs": [
			{"op": "ptrtoint", "dest": "x", "args": ["p"]},
			{"op": "ret"}
		]}]}
	]}`)
	require.NoError(t, err)
	fn := m.Func("f")
	op, ok := fn.Blocks[0].Instrs[0].(*ir.Opaque)
	require.True(t, ok)
	assert.Equal(t, "ptrtoint", op.Text)
}

func TestBadSuccessor(t *testing.T) {
	_, err := load(t, `{"functions": [
		{"name": "f", "blocks": [
			{"name": "entry", "instrs": [{"op": "jump"}], "succs": ["nope"]}
		]}
	]}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown successor")
}

func TestParsePos(t *testing.T) {
	tests := []struct {
		in   string
		want ir.Pos
	}{
		{"", ir.Pos{}},
		{"a.rs:12", ir.Pos{File: "a.rs", Line: 12}},
		{"a.rs:12:7", ir.Pos{File: "a.rs", Line: 12, Col: 7}},
		{"a.rs", ir.Pos{File: "a.rs"}},
		{"a.rs:x", ir.Pos{File: "a.rs"}},
		{"a.rs:12:x", ir.Pos{File: "a.rs", Line: 12}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parsePos(tt.in), "parsePos(%q)", tt.in)
	}
}
