package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: ok
ranks: 1
matrices:
  - {name: A, rows: 2, cols: 2, block_rows: 1, block_cols: 1}
steps:
  - {op: fill, target: A, value: 1}
outputs: [A]
`

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(validScenario))
	require.NoError(t, err)
	assert.Equal(t, "ok", s.Name)
	assert.Equal(t, []Step{{Op: OpFill, Target: "A", Value: 1}}, s.Steps)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", validScenario + "assertions: []\n", "field assertions not found"},
		{"no name", `ranks: 1
matrices: [{name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}]
outputs: [A]`, "name is required"},
		{"no ranks", `name: x
matrices: [{name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}]
outputs: [A]`, "ranks must be at least 1"},
		{"duplicate matrix", `name: x
ranks: 1
matrices:
  - {name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}
  - {name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}
outputs: [A]`, "duplicate name"},
		{"zero block", `name: x
ranks: 1
matrices: [{name: A, rows: 1, cols: 1, block_rows: 0, block_cols: 1}]
outputs: [A]`, "bad shape"},
		{"unknown op", `name: x
ranks: 1
matrices: [{name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}]
steps: [{op: invert, target: A}]
outputs: [A]`, `unknown op "invert"`},
		{"undeclared target", `name: x
ranks: 1
matrices: [{name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}]
steps: [{op: scale, target: Z, value: 2}]
outputs: [A]`, `target "Z" is not declared`},
		{"wrong arity", `name: x
ranks: 1
matrices: [{name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}]
steps: [{op: add, target: A, args: [A]}]
outputs: [A]`, "add takes 2 args, got 1"},
		{"undeclared output", `name: x
ranks: 1
matrices: [{name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}]
outputs: [B]`, `"B" is not declared`},
		{"empty expectation", `name: x
ranks: 1
matrices: [{name: A, rows: 1, cols: 1, block_rows: 1, block_cols: 1}]
outputs: [A]
expect: [{matrix: A}]`, "one of all, sum or cells"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
