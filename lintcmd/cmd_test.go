package lintcmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffilint/ffilint/ir"
)

func writeUnit(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unit.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

const doubleFreeUnit = `{
	"unit": "double_free",
	"functions": [
		{"name": "malloc", "external": true, "foreign": true, "params": [{"name": "size"}]},
		{"name": "free", "external": true, "foreign": true, "params": [{"name": "p", "pointer": true}]},
		{"name": "victim", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"], "pos": "victim.rs:3"},
				{"op": "call", "callee": "free", "args": ["p"], "pos": "victim.rs:4"},
				{"op": "call", "callee": "free", "args": ["p"], "pos": "victim.rs:5"},
				{"op": "ret"}
			]}
		]}
	]}`

const cleanUnit = `{
	"unit": "clean",
	"functions": [
		{"name": "noop", "blocks": [
			{"name": "entry", "instrs": [{"op": "ret"}]}
		]}
	]}`

func run(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	cmd := NewCommand("ffilint")
	cmd.ParseFlags(args)
	var out, errw bytes.Buffer
	code = cmd.run(&out, &errw)
	return code, out.String(), errw.String()
}

func TestRunReportsFindings(t *testing.T) {
	path := writeUnit(t, doubleFreeUnit)
	code, stdout, _ := run(t, path)
	assert.Equal(t, exitFindings, code)
	assert.Contains(t, stdout, "victim.rs:5")
	assert.Contains(t, stdout, "freed more than once")
	assert.Contains(t, stdout, "(double-free, high)")
}

func TestRunCleanModule(t *testing.T) {
	path := writeUnit(t, cleanUnit)
	code, stdout, _ := run(t, path)
	assert.Equal(t, exitOK, code)
	assert.Empty(t, stdout)
}

func TestRunBadInput(t *testing.T) {
	path := writeUnit(t, `{"functions": [`)
	code, _, stderr := run(t, path)
	assert.Equal(t, exitBadInput, code)
	assert.Contains(t, stderr, "ingestion")
}

func TestRunMissingFile(t *testing.T) {
	code, _, _ := run(t, filepath.Join(t.TempDir(), "nope.json"))
	assert.Equal(t, exitBadInput, code)
}

func TestRunNoArguments(t *testing.T) {
	code, _, stderr := run(t)
	assert.Equal(t, exitBadInput, code)
	assert.Contains(t, stderr, "no unit files")
}

func TestRunBadPrecision(t *testing.T) {
	path := writeUnit(t, cleanUnit)
	code, _, stderr := run(t, "-precision", "medium", path)
	assert.Equal(t, exitBadInput, code)
	assert.Contains(t, stderr, "invalid severity")
}

func TestJSONFormat(t *testing.T) {
	path := writeUnit(t, doubleFreeUnit)
	code, stdout, _ := run(t, "-f", "json", path)
	assert.Equal(t, exitFindings, code)

	var doc struct {
		Kind     string `json:"kind"`
		Severity string `json:"severity"`
		Location struct {
			File string `json:"file"`
			Line int    `json:"line"`
		} `json:"location"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "double-free", doc.Kind)
	assert.Equal(t, "high", doc.Severity)
	assert.Equal(t, "victim.rs", doc.Location.File)
	assert.Equal(t, 5, doc.Location.Line)
}

func TestPrecisionThreshold(t *testing.T) {
	// A branchy free produces only a mid-tier finding; -precision high
	// must silence it and exit clean.
	unit := `{
	"unit": "uaf",
	"functions": [
		{"name": "malloc", "external": true, "foreign": true, "params": [{"name": "size"}]},
		{"name": "free", "external": true, "foreign": true, "params": [{"name": "p", "pointer": true}]},
		{"name": "reader", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "malloc", "args": ["n"]},
				{"op": "if", "cond": "c"}
			], "succs": ["then", "done"]},
			{"name": "then", "instrs": [
				{"op": "call", "callee": "free", "args": ["p"]},
				{"op": "jump"}
			], "succs": ["done"]},
			{"name": "done", "instrs": [
				{"op": "load", "dest": "x", "addr": "p"},
				{"op": "ret"}
			]}
		]}
	]}`
	path := writeUnit(t, unit)

	code, _, _ := run(t, path)
	assert.Equal(t, exitFindings, code)

	code, stdout, _ := run(t, "-precision", "high", path)
	assert.Equal(t, exitOK, code)
	assert.Empty(t, stdout)
}

func TestSemanticsFlag(t *testing.T) {
	unit := `{
	"unit": "custom",
	"functions": [
		{"name": "my_alloc", "external": true, "foreign": true, "params": [{"name": "size"}]},
		{"name": "leaky", "blocks": [
			{"name": "entry", "instrs": [
				{"op": "call", "dest": "p", "callee": "my_alloc", "args": ["n"], "pos": "l.rs:2"},
				{"op": "ret"}
			]}
		]}
	]}`
	path := writeUnit(t, unit)

	// Without the custom table my_alloc is an unknown foreign call.
	code, stdout, _ := run(t, path)
	assert.Equal(t, exitOK, code)
	assert.Empty(t, stdout)

	sem := filepath.Join(t.TempDir(), "boundary.toml")
	require.NoError(t, os.WriteFile(sem, []byte("alloc = [\"inherit\", \"my_alloc\"]\n"), 0o600))
	code, stdout, _ = run(t, "-semantics", sem, path)
	assert.Equal(t, exitFindings, code)
	assert.Contains(t, stdout, "never freed")
}

func TestListChecks(t *testing.T) {
	code, stdout, _ := run(t, "-list-checks")
	assert.Equal(t, exitOK, code)
	for _, name := range []string{"double-free", "use-after-free", "leak", "exception-safety"} {
		assert.Contains(t, stdout, name)
	}
}

func TestVersionFlag(t *testing.T) {
	code, stdout, _ := run(t, "-version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "ffilint")
}

func TestRelativePositionString(t *testing.T) {
	assert.Equal(t, "-", relativePositionString(ir.Pos{}))
	assert.Equal(t, "a.rs:3", relativePositionString(ir.Pos{File: "a.rs", Line: 3}))
	assert.Equal(t, "a.rs:3:7", relativePositionString(ir.Pos{File: "a.rs", Line: 3, Col: 7}))
}
