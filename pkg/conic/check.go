package conic

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Check verifies that primal satisfies every equality and cone constraint of
// p within tol. It returns an error wrapping ErrInfeasiblePoint describing the
// first violation.
func Check(p *Problem, primal []float64, tol float64) error {
	if len(primal) != p.NumVars {
		return fmt.Errorf("%w: %d values for %d variables", ErrInfeasiblePoint, len(primal), p.NumVars)
	}
	for _, eq := range p.Equalities {
		lhs := 0.0
		for _, t := range eq.Terms {
			lhs += t.Coef * primal[t.Var]
		}
		if math.Abs(lhs-eq.RHS) > tol {
			return fmt.Errorf("%w: equality %d residual %g", ErrInfeasiblePoint, eq.ID, lhs-eq.RHS)
		}
	}
	for _, cc := range p.ConeConstraints {
		vals := make([]float64, len(cc.Vars))
		for i, v := range cc.Vars {
			vals[i] = primal[v]
		}
		set, err := cc.Set.Set()
		if err != nil {
			return err
		}
		if err := checkMembership(set, vals, tol); err != nil {
			return fmt.Errorf("%w: cone %d: %v", ErrInfeasiblePoint, cc.ID, err)
		}
	}
	return nil
}

func checkMembership(set Set, vals []float64, tol float64) error {
	switch s := set.(type) {
	case Nonnegatives:
		for i, v := range vals {
			if v < -tol {
				return fmt.Errorf("entry %d is %g", i, v)
			}
		}
	case RotatedSecondOrder:
		u, v := vals[0], vals[1]
		rest := 0.0
		for _, w := range vals[2:] {
			rest += w * w
		}
		if u < -tol || v < -tol || 2*u*v-rest < -tol {
			return fmt.Errorf("2uv - |w|^2 = %g", 2*u*v-rest)
		}
	case PSDTriangle:
		if min := MinEigenvalue(TriangleToDense(s.Side, vals)); min < -tol {
			return fmt.Errorf("minimum eigenvalue %g", min)
		}
	default:
		return fmt.Errorf("unsupported set %T", set)
	}
	return nil
}

// TriangleToDense expands a PSDTriangle vectorization into a dense matrix.
func TriangleToDense(side int, vals []float64) [][]float64 {
	out := make([][]float64, side)
	for i := range out {
		out[i] = make([]float64, side)
	}
	for j := 0; j < side; j++ {
		for i := 0; i <= j; i++ {
			v := vals[TriangleIndex(i, j)]
			out[i][j] = v
			out[j][i] = v
		}
	}
	return out
}

// MinEigenvalue returns the smallest eigenvalue of a symmetric matrix, or
// +Inf for an empty one.
func MinEigenvalue(q [][]float64) float64 {
	n := len(q)
	if n == 0 {
		return math.Inf(1)
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, q[i][j])
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return math.Inf(-1)
	}
	vals := eig.Values(nil)
	min := math.Inf(1)
	for _, v := range vals {
		if v < min {
			min = v
		}
	}
	return min
}
