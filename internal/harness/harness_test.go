package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tilegrid/internal/ledger"
	"github.com/roach88/tilegrid/internal/testutil"
)

func TestRunWithGolden_Basic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/basic.yaml")
	require.NoError(t, err)

	res, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Stats, 2)
	assert.Positive(t, res.Stats[0].Tasks+res.Stats[1].Tasks)
}

func TestRun_SameOutputsOnMoreRanks(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/basic.yaml")
	require.NoError(t, err)

	one := *s
	one.Ranks = 1
	four := *s
	four.Ranks = 4

	r1, err := Run(context.Background(), &one)
	require.NoError(t, err)
	r4, err := Run(context.Background(), &four)
	require.NoError(t, err)
	assert.True(t, r4.Pass, "errors: %v", r4.Errors)
	assert.Equal(t, r1.Outputs, r4.Outputs)
	assert.Zero(t, r1.Stats[0].Fetches)
}

func TestRun_FailedExpectation(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong
ranks: 2
matrices:
  - {name: M, rows: 2, cols: 3, block_rows: 2, block_cols: 2}
steps:
  - {op: fill, target: M, value: 3}
outputs: [M]
expect:
  - matrix: M
    all: 4
    sum: 18
    cells:
      - {row: 1, col: 2, value: 3}
      - {row: 5, col: 0, value: 3}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "every cell = 4")
	assert.Contains(t, res.Errors[1], "matrix is 2x3")
}

func TestRun_StepErrorFailsRun(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: mismatch
ranks: 2
matrices:
  - {name: A, rows: 4, cols: 4, block_rows: 2, block_cols: 2}
  - {name: B, rows: 4, cols: 4, block_rows: 4, block_cols: 4}
steps:
  - {op: copy, target: A, args: [B]}
outputs: [A]
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0 (copy)")
}

func TestRun_WithLedger(t *testing.T) {
	led, err := ledger.Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	defer led.Close()

	s, err := LoadScenario("testdata/scenarios/basic.yaml")
	require.NoError(t, err)
	res, err := Run(context.Background(), s,
		WithLedger(led),
		WithRunIDGenerator(testutil.NewStaticRunID("harness-run")))
	require.NoError(t, err)
	assert.Equal(t, "harness-run", res.RunID)

	runs, err := led.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.Run{ID: "harness-run", Ranks: 2, Label: "basic"}, runs[0])

	events, err := led.Events(context.Background(), "harness-run")
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
