package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tilegrid/internal/fault"
)

func mapEnv(m map[string]string) Env {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_NoFileNoEnv(t *testing.T) {
	cfg, err := Load("", mapEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tilegrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kernel_threads: 4\nbulk_chunk: 65536\ntrace: run.db\n"), 0o644))

	cfg, err := Load(path, mapEnv(map[string]string{
		"TILEGRID_KERNEL_THREADS": "8",
		"TILEGRID_VERBOSE":        "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.KernelThreads, "environment overrides the file")
	assert.Equal(t, 65536, cfg.BulkChunk)
	assert.Equal(t, "run.db", cfg.Trace)
	assert.True(t, cfg.Verbose)
}

func TestLoad_MalformedEnvReportedOnce(t *testing.T) {
	_, err := Load("", mapEnv(map[string]string{
		"TILEGRID_KERNEL_THREADS": "many",
		"TILEGRID_BULK_GC":        "perhaps",
	}))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.ErrCodeConfig))
	assert.Contains(t, err.Error(), "TILEGRID_KERNEL_THREADS")
	assert.Contains(t, err.Error(), "TILEGRID_BULK_GC")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), mapEnv(nil))
	assert.True(t, fault.IsCode(err, fault.ErrCodeConfig))
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("kernel_thread: 2\n"))
	assert.True(t, fault.IsCode(err, fault.ErrCodeConfig))
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"zero threads", func(c *Config) { c.KernelThreads = 0 }},
		{"tiny chunk", func(c *Config) { c.BulkChunk = 64 }},
		{"limit above 100", func(c *Config) { c.BulkLimit = 150 }},
		{"limit without budget", func(c *Config) { c.BulkLimit = 50 }},
		{"zero max tag", func(c *Config) { c.MaxTag = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, fault.IsCode(err, fault.ErrCodeConfig))
		})
	}
}

func TestPoolOptions(t *testing.T) {
	cfg := Default()
	cfg.BulkLimit = 25
	cfg.MemoryBudget = 1 << 20
	cfg.BulkGC = true

	opts := cfg.PoolOptions()
	assert.Equal(t, int64(1<<18), opts.Ceiling)
	assert.True(t, opts.GC)
	assert.Equal(t, cfg.BulkChunk, opts.ChunkSize)

	assert.Zero(t, Default().PoolOptions().Ceiling)
}

func TestYAML_RoundTripsThroughParse(t *testing.T) {
	cfg := Default()
	cfg.KernelThreads = 3
	data, err := cfg.YAML()
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestEnvNames(t *testing.T) {
	assert.Contains(t, EnvNames(), "TILEGRID_MAX_TAG")
	assert.Len(t, EnvNames(), 9)
}
