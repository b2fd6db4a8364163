package harness

import (
	"fmt"
	"math"
	"strings"
)

// Expectation checks one gathered output.
type Expectation struct {
	// Matrix names the output.
	Matrix string `yaml:"matrix"`

	// All requires every cell to equal the value.
	All *float64 `yaml:"all,omitempty"`

	// Sum requires the cells to add up to the value.
	Sum *float64 `yaml:"sum,omitempty"`

	// Cells lists individual cells.
	Cells []CellExpect `yaml:"cells,omitempty"`
}

// CellExpect is the expected value of one cell.
type CellExpect struct {
	Row   int     `yaml:"row"`
	Col   int     `yaml:"col"`
	Value float64 `yaml:"value"`
}

// tolerance absorbs summation order differences.
const tolerance = 1e-9

func (e Expectation) validate(outputs map[string]bool) error {
	if !outputs[e.Matrix] {
		return fmt.Errorf("matrix %q is not an output", e.Matrix)
	}
	if e.All == nil && e.Sum == nil && len(e.Cells) == 0 {
		return fmt.Errorf("matrix %q: one of all, sum or cells is required", e.Matrix)
	}
	return nil
}

// ExpectationError describes a failed expectation.
type ExpectationError struct {
	Matrix   string
	Expected string
	Actual   string
}

func (e *ExpectationError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "expectation failed: %s\n", e.Matrix)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= tolerance*math.Max(1, math.Abs(b))
}

// evaluate returns every failed expectation against out.
func (e Expectation) evaluate(out Output) []error {
	var errs []error
	if e.All != nil {
		for i, v := range out.Values {
			if !near(v, *e.All) {
				errs = append(errs, &ExpectationError{
					Matrix:   e.Matrix,
					Expected: fmt.Sprintf("every cell = %g", *e.All),
					Actual:   fmt.Sprintf("cell (%d,%d) = %g", i/out.Cols, i%out.Cols, v),
				})
				break
			}
		}
	}
	if e.Sum != nil {
		var sum float64
		for _, v := range out.Values {
			sum += v
		}
		if !near(sum, *e.Sum) {
			errs = append(errs, &ExpectationError{
				Matrix:   e.Matrix,
				Expected: fmt.Sprintf("sum = %g", *e.Sum),
				Actual:   fmt.Sprintf("sum = %g", sum),
			})
		}
	}
	for _, c := range e.Cells {
		if c.Row < 0 || c.Col < 0 || c.Row >= out.Rows || c.Col >= out.Cols {
			errs = append(errs, &ExpectationError{
				Matrix:   e.Matrix,
				Expected: fmt.Sprintf("cell (%d,%d) = %g", c.Row, c.Col, c.Value),
				Actual:   fmt.Sprintf("matrix is %dx%d", out.Rows, out.Cols),
			})
			continue
		}
		if v := out.Values[c.Row*out.Cols+c.Col]; !near(v, c.Value) {
			errs = append(errs, &ExpectationError{
				Matrix:   e.Matrix,
				Expected: fmt.Sprintf("cell (%d,%d) = %g", c.Row, c.Col, c.Value),
				Actual:   fmt.Sprintf("cell (%d,%d) = %g", c.Row, c.Col, v),
			})
		}
	}
	return errs
}
