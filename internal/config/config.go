// Package config loads the runtime configuration.
//
// Values are layered: defaults, then an optional YAML file, then TILEGRID_*
// environment variables. The result is validated once against an embedded
// CUE schema; every problem is reported as an INVALID_CONFIG error.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/pool"
	"github.com/roach88/tilegrid/internal/transport"
)

//go:embed schema.cue
var schemaSource []byte

// Config is the effective runtime configuration.
type Config struct {
	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose" json:"verbose"`

	// KernelThreads bounds concurrently running kernel bodies per rank.
	KernelThreads int `yaml:"kernel_threads" json:"kernel_threads"`

	// BulkChunk is the chunk size of the memory pool in bytes.
	BulkChunk int `yaml:"bulk_chunk" json:"bulk_chunk"`

	// BulkLimit caps pool reservations at a percentage of MemoryBudget.
	// Zero disables the cap.
	BulkLimit int `yaml:"bulk_limit" json:"bulk_limit"`

	// MemoryBudget is the per-rank memory budget in bytes.
	MemoryBudget int64 `yaml:"memory_budget" json:"memory_budget"`

	BulkGC        bool `yaml:"bulk_gc" json:"bulk_gc"`
	BulkForceFree bool `yaml:"bulk_force_free" json:"bulk_force_free"`

	// MaxTag bounds broadcast tags; session ids wrap at this value.
	MaxTag int `yaml:"max_tag" json:"max_tag"`

	// Trace is the path of the SQLite trace ledger. Empty disables it.
	Trace string `yaml:"trace" json:"trace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		KernelThreads: 1,
		BulkChunk:     pool.DefaultChunkSize,
		MaxTag:        transport.DefaultMaxTag,
	}
}

// Env looks up an environment variable.
type Env func(key string) (string, bool)

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and env. A nil env reads the process environment.
func Load(path string, env Env) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fault.Wrap(fault.ErrCodeConfig, err, "open config file")
		}
		defer f.Close()
		if err := decodeYAML(f, &cfg); err != nil {
			return Config{}, err
		}
	}
	if env == nil {
		env = os.LookupEnv
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. No
// environment is consulted.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decodeYAML(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fault.Wrap(fault.ErrCodeConfig, err, "decode config")
	}
	return nil
}

// Validate checks cfg against the schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fault.Wrap(fault.ErrCodeConfig, err, "compile config schema")
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fault.Wrap(fault.ErrCodeConfig, err, "invalid configuration")
	}
	return nil
}

// PoolOptions derives the memory pool settings.
func (c Config) PoolOptions() pool.Options {
	opts := pool.Options{
		ChunkSize: c.BulkChunk,
		GC:        c.BulkGC,
		ForceFree: c.BulkForceFree,
	}
	if c.BulkLimit > 0 {
		opts.Ceiling = c.MemoryBudget * int64(c.BulkLimit) / 100
	}
	return opts
}

// YAML renders the configuration as a YAML document.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

type envVar struct {
	name string
	set  func(cfg *Config, raw string) error
}

var envVars = []envVar{
	{"TILEGRID_VERBOSE", boolVar(func(c *Config) *bool { return &c.Verbose })},
	{"TILEGRID_KERNEL_THREADS", intVar(func(c *Config) *int { return &c.KernelThreads })},
	{"TILEGRID_BULK_CHUNK", intVar(func(c *Config) *int { return &c.BulkChunk })},
	{"TILEGRID_BULK_LIMIT", intVar(func(c *Config) *int { return &c.BulkLimit })},
	{"TILEGRID_MEMORY_BUDGET", func(c *Config, raw string) error {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		c.MemoryBudget = n
		return nil
	}},
	{"TILEGRID_BULK_GC", boolVar(func(c *Config) *bool { return &c.BulkGC })},
	{"TILEGRID_BULK_FORCE_FREE", boolVar(func(c *Config) *bool { return &c.BulkForceFree })},
	{"TILEGRID_MAX_TAG", intVar(func(c *Config) *int { return &c.MaxTag })},
	{"TILEGRID_TRACE", func(c *Config, raw string) error {
		c.Trace = raw
		return nil
	}},
}

// EnvNames lists the recognized environment variables.
func EnvNames() []string {
	names := make([]string, len(envVars))
	for i, v := range envVars {
		names[i] = v.name
	}
	return names
}

func applyEnv(cfg *Config, env Env) error {
	var bad []string
	for _, v := range envVars {
		raw, ok := env(v.name)
		if !ok {
			continue
		}
		if err := v.set(cfg, strings.TrimSpace(raw)); err != nil {
			bad = append(bad, fmt.Sprintf("%s=%q", v.name, raw))
		}
	}
	if len(bad) > 0 {
		return fault.New(fault.ErrCodeConfig, "malformed environment: %s", strings.Join(bad, ", "))
	}
	return nil
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, raw string) error {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}
