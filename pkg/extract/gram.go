package extract

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"polycert/pkg/conic"
	"polycert/pkg/poly"
)

// GramMatrix is a numeric Gram matrix Q on a basis X, representing XᵀQX.
type GramMatrix struct {
	Basis poly.MonomialVector `json:"basis"`
	Q     [][]float64         `json:"q"`
}

// Polynomial expands XᵀQX.
func (g *GramMatrix) Polynomial() poly.Polynomial {
	return g.Basis.QuadraticForm(g.Q)
}

func (g *GramMatrix) MinEigenvalue() float64 {
	return conic.MinEigenvalue(g.Q)
}

// SOSDecomposition writes XᵀQX as a sum of squares of linear forms in X. It
// uses a Cholesky factorization and falls back to an eigendecomposition for
// semidefinite Q, dropping eigenvalues at or below tol times the largest.
// It fails when Q has an eigenvalue below -tol times the largest.
func (g *GramMatrix) SOSDecomposition(tol float64) ([]poly.Polynomial, error) {
	n := len(g.Q)
	if n == 0 {
		return nil, nil
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, g.Q[i][j])
		}
	}
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		var l mat.TriDense
		chol.LTo(&l)
		out := make([]poly.Polynomial, 0, n)
		for k := 0; k < n; k++ {
			coefs := make([]float64, n)
			for i := k; i < n; i++ {
				coefs[i] = l.At(i, k)
			}
			if s := g.Basis.Dot(coefs); !s.IsZero() {
				out = append(out, s)
			}
		}
		return out, nil
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, fmt.Errorf("extract: eigendecomposition of Gram matrix failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	top := 0.0
	for _, v := range vals {
		top = math.Max(top, math.Abs(v))
	}
	var out []poly.Polynomial
	for k, lambda := range vals {
		if lambda < -tol*top {
			return nil, fmt.Errorf("extract: Gram matrix has eigenvalue %g", lambda)
		}
		if lambda <= tol*top {
			continue
		}
		coefs := make([]float64, n)
		s := math.Sqrt(lambda)
		for i := range coefs {
			coefs[i] = s * vecs.At(i, k)
		}
		out = append(out, g.Basis.Dot(coefs))
	}
	return out, nil
}
