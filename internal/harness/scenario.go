package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a deterministic SPMD matrix program. Every rank declares the
// same matrices, runs the same steps and gathers the same outputs.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario exercises.
	Description string `yaml:"description"`

	// Ranks is the number of ranks sharing the fabric.
	Ranks int `yaml:"ranks"`

	// Matrices are created in declaration order on every rank.
	Matrices []MatrixDecl `yaml:"matrices"`

	// Steps run in order on every rank.
	Steps []Step `yaml:"steps"`

	// Outputs names the matrices gathered after the last step.
	Outputs []string `yaml:"outputs"`

	// Expect checks gathered outputs.
	Expect []Expectation `yaml:"expect,omitempty"`
}

// MatrixDecl declares one distributed matrix.
type MatrixDecl struct {
	Name      string `yaml:"name"`
	Rows      int    `yaml:"rows"`
	Cols      int    `yaml:"cols"`
	BlockRows int    `yaml:"block_rows"`
	BlockCols int    `yaml:"block_cols"`
}

// Step is one matrix operation.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Target is the matrix written by the step.
	Target string `yaml:"target,omitempty"`

	// Args are the matrices read by add, gemm and copy.
	Args []string `yaml:"args,omitempty"`

	// Value is the fill value or scale factor.
	Value float64 `yaml:"value,omitempty"`

	// Rows and Cols are the new dimensions for resize.
	Rows int `yaml:"rows,omitempty"`
	Cols int `yaml:"cols,omitempty"`
}

// Step operations.
const (
	OpFill           = "fill"
	OpFillReplicated = "fill_replicated"
	OpAdd            = "add"
	OpScale          = "scale"
	OpGemm           = "gemm"
	OpCopy           = "copy"
	OpResize         = "resize"
	OpSync           = "sync"
)

// arity is the number of Args each operation reads.
var arity = map[string]int{
	OpFill:           0,
	OpFillReplicated: 0,
	OpAdd:            2,
	OpScale:          0,
	OpGemm:           2,
	OpCopy:           1,
	OpResize:         0,
	OpSync:           0,
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected so typos
// do not silently drop steps.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks required fields and that every step and output refers to
// a declared matrix.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Ranks < 1 {
		return fmt.Errorf("ranks must be at least 1, got %d", s.Ranks)
	}
	if len(s.Matrices) == 0 {
		return fmt.Errorf("matrices list is required and must be non-empty")
	}
	if len(s.Outputs) == 0 {
		return fmt.Errorf("outputs list is required and must be non-empty")
	}

	declared := make(map[string]bool, len(s.Matrices))
	for i, m := range s.Matrices {
		if m.Name == "" {
			return fmt.Errorf("matrices[%d]: name is required", i)
		}
		if declared[m.Name] {
			return fmt.Errorf("matrices[%d]: duplicate name %q", i, m.Name)
		}
		if m.Rows < 0 || m.Cols < 0 || m.BlockRows < 1 || m.BlockCols < 1 {
			return fmt.Errorf("matrices[%d]: bad shape %dx%d with %dx%d blocks", i, m.Rows, m.Cols, m.BlockRows, m.BlockCols)
		}
		declared[m.Name] = true
	}

	for i, st := range s.Steps {
		n, ok := arity[st.Op]
		if !ok {
			return fmt.Errorf("steps[%d]: unknown op %q", i, st.Op)
		}
		if st.Op == OpSync {
			continue
		}
		if !declared[st.Target] {
			return fmt.Errorf("steps[%d]: %s target %q is not declared", i, st.Op, st.Target)
		}
		if len(st.Args) != n {
			return fmt.Errorf("steps[%d]: %s takes %d args, got %d", i, st.Op, n, len(st.Args))
		}
		for _, a := range st.Args {
			if !declared[a] {
				return fmt.Errorf("steps[%d]: %s arg %q is not declared", i, st.Op, a)
			}
		}
		if st.Op == OpResize && (st.Rows < 0 || st.Cols < 0) {
			return fmt.Errorf("steps[%d]: resize to %dx%d", i, st.Rows, st.Cols)
		}
	}

	outputs := make(map[string]bool, len(s.Outputs))
	for i, o := range s.Outputs {
		if !declared[o] {
			return fmt.Errorf("outputs[%d]: %q is not declared", i, o)
		}
		outputs[o] = true
	}
	for i, e := range s.Expect {
		if err := e.validate(outputs); err != nil {
			return fmt.Errorf("expect[%d]: %w", i, err)
		}
	}
	return nil
}
