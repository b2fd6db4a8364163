package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tilegrid/internal/harness"
)

const basicScenario = "../harness/testdata/scenarios/basic.yaml"

func TestRun_Text(t *testing.T) {
	out, err := execute(t, nil, "run", basicScenario)
	require.NoError(t, err)
	assert.Contains(t, out, "scenario basic\nranks 2\n")
	assert.Contains(t, out, "F 4x4\n24 24 24 24\n")
	assert.Contains(t, out, "rank 0: ")
	assert.Contains(t, out, "rank 1: ")
	assert.NotContains(t, out, "FAIL")
}

func TestRun_JSONWithRanksOverride(t *testing.T) {
	out, err := execute(t, nil, "run", basicScenario, "--ranks", "3", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		RunID  string         `json:"run_id"`
		Data   harness.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data.Ranks)
	assert.True(t, resp.Data.Pass)
	assert.Equal(t, resp.RunID, resp.Data.RunID)
	assert.Len(t, resp.Data.Stats, 3)
}

func TestRun_FailedExpectationExitsWithFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrong.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: wrong
ranks: 1
matrices: [{name: A, rows: 2, cols: 2, block_rows: 2, block_cols: 2}]
steps: [{op: fill, target: A, value: 1}]
outputs: [A]
expect: [{matrix: A, all: 2}]
`), 0o644))

	out, err := execute(t, nil, "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL expectation failed: A")
}

func TestRun_CommandErrors(t *testing.T) {
	_, err := execute(t, nil, "run", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, map[string]string{"TILEGRID_KERNEL_THREADS": "lots"}, "run", basicScenario)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")

	_, err = execute(t, nil, "run", basicScenario, "--ranks", "-2")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, nil, "run")
	require.Error(t, err)
}

func TestRun_TraceThenInspect(t *testing.T) {
	db := filepath.Join(t.TempDir(), "trace.db")
	out, err := execute(t, nil, "run", basicScenario, "--trace", db, "--format", "json")
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.RunID)

	out, err = execute(t, nil, "trace", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, resp.RunID)
	assert.Contains(t, out, "basic")

	out, err = execute(t, nil, "trace", "--db", db, "--run", resp.RunID, "--rank", "1", "--kind", "complete", "--format", "json")
	require.NoError(t, err)
	var trace struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &trace))
	assert.Equal(t, "basic", trace.Data.Label)
	require.NotEmpty(t, trace.Data.Timeline)
	for _, ev := range trace.Data.Timeline {
		assert.Equal(t, 1, ev.Rank)
		assert.Equal(t, "complete", ev.Kind)
	}
	assert.Equal(t, map[string]int{"complete": len(trace.Data.Timeline)}, trace.Data.Stats.Kinds)

	out, err = execute(t, nil, "trace", "--db", db, "--run", resp.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "RANK")
	assert.Contains(t, out, "broadcast")
}

func TestRun_TraceFromEnvironment(t *testing.T) {
	db := filepath.Join(t.TempDir(), "env.db")
	_, err := execute(t, map[string]string{"TILEGRID_TRACE": db}, "run", basicScenario)
	require.NoError(t, err)
	_, err = os.Stat(db)
	assert.NoError(t, err)
}
