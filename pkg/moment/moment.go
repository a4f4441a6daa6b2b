// Package moment holds moment matrices and recovers finitely atomic measures
// from them by flat extension.
package moment

import (
	"errors"
	"fmt"
	"math"

	"polycert/pkg/poly"
)

var ErrNumericalIllConditioning = errors.New("moment: atom extraction is numerically ill-conditioned")

// ErrInvalidMomentMatrix reports a matrix that no measure can produce, such
// as one with a negative diagonal. Duals with the wrong sign convention
// surface here.
var ErrInvalidMomentMatrix = errors.New("moment: invalid moment matrix")

// Matrix is a symmetric matrix of moments indexed by Basis: Values[i][j] is
// the moment of Basis[i]*Basis[j].
type Matrix struct {
	Basis  poly.MonomialVector `json:"basis"`
	Values [][]float64         `json:"values"`
}

// Atom is a weighted point of an atomic measure.
type Atom struct {
	Weight float64            `json:"weight"`
	Point  map[string]float64 `json:"point"`
}

// AtomResult is the outcome of Extract. Found is false when the matrix has
// no flat extension within tolerance; that is not an error.
type AtomResult struct {
	Found bool     `json:"found"`
	Rank  int      `json:"rank"`
	Vars  []string `json:"vars,omitempty"`
	Atoms []Atom   `json:"atoms,omitempty"`
}

// FromMeasure returns the moment matrix of Σ w_k δ_{z_k} on x.
func FromMeasure(x poly.MonomialVector, atoms []Atom) Matrix {
	n := len(x)
	vals := make([][]float64, n)
	for i := range vals {
		vals[i] = make([]float64, n)
	}
	for _, a := range atoms {
		b := x.Eval(a.Point)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				vals[i][j] += a.Weight * b[i] * b[j]
			}
		}
	}
	return Matrix{Basis: x, Values: vals}
}

func (m Matrix) checkShape() error {
	n := len(m.Basis)
	if len(m.Values) != n {
		return fmt.Errorf("moment: %d rows for a basis of %d", len(m.Values), n)
	}
	for i, row := range m.Values {
		if len(row) != n {
			return fmt.Errorf("moment: row %d has %d entries, want %d", i, len(row), n)
		}
	}
	return nil
}

// Validate checks shape, symmetry and nonnegative diagonal within tol.
func (m Matrix) Validate(tol float64) error {
	if err := m.checkShape(); err != nil {
		return err
	}
	for i, row := range m.Values {
		if row[i] < -tol {
			return fmt.Errorf("%w: negative diagonal entry %g at %s", ErrInvalidMomentMatrix, row[i], m.Basis[i])
		}
		for j := 0; j < i; j++ {
			if math.Abs(row[j]-m.Values[j][i]) > tol {
				return fmt.Errorf("%w: entries (%d,%d) and (%d,%d) differ", ErrInvalidMomentMatrix, i, j, j, i)
			}
		}
	}
	return nil
}

// Moment returns the value of the moment of mono, if some product of two
// basis monomials equals it.
func (m Matrix) Moment(mono poly.Monomial) (float64, bool) {
	for i, a := range m.Basis {
		if !a.Divides(mono) {
			continue
		}
		if j := m.Basis.Index(a.Div(mono)); j >= 0 {
			return m.Values[i][j], true
		}
	}
	return 0, false
}
