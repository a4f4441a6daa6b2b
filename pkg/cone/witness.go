package cone

import (
	"fmt"
	"math"

	"polycert/pkg/conic"
)

// Witness completes every variable of the layout for a numeric Q. It returns
// ErrNotInCone when no completion is found. The scaled diagonally dominant
// completion is built from a diagonally dominant split, so SDD matrices that
// are not DD are reported as not in the cone.
func (l *Layout) Witness(q [][]float64, tol float64) (map[conic.VarID]float64, error) {
	if len(q) != l.Q.N {
		return nil, fmt.Errorf("cone: witness for %d x %d matrix on a layout of side %d", len(q), len(q), l.Q.N)
	}
	out := map[conic.VarID]float64{}
	if err := l.witness(q, tol, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Assign writes a witness into a primal vector indexed by variable id.
func Assign(primal []float64, w map[conic.VarID]float64) {
	for v, x := range w {
		primal[v] = x
	}
}

func (l *Layout) witness(q [][]float64, tol float64, out map[conic.VarID]float64) error {
	n := l.Q.N
	for j := 0; j < n; j++ {
		for i := 0; i <= j; i++ {
			out[l.Q.At(i, j)] = q[i][j]
		}
	}
	switch l.Kind.(type) {
	case FullPSD:
		if min := conic.MinEigenvalue(q); min < -tol {
			return fmt.Errorf("%w: minimum eigenvalue %g", ErrNotInCone, min)
		}
	case DiagonallyDominant:
		for _, pr := range l.pairs {
			out[pr.p] = math.Max(q[pr.i][pr.j], 0)
			out[pr.m] = math.Max(-q[pr.i][pr.j], 0)
		}
		for i, s := range l.slack {
			slack := ddSlack(q, i)
			if slack < -tol {
				return fmt.Errorf("%w: row %d is not diagonally dominant", ErrNotInCone, i)
			}
			out[s] = math.Max(slack, 0)
		}
	case ScaledDiagonallyDominant:
		if n == 1 {
			if q[0][0] < -tol {
				return fmt.Errorf("%w: negative diagonal %g", ErrNotInCone, q[0][0])
			}
			return nil
		}
		slack := make([]float64, n)
		for i := 0; i < n; i++ {
			slack[i] = ddSlack(q, i)
			if slack[i] < -tol {
				return fmt.Errorf("%w: row %d has no diagonally dominant split", ErrNotInCone, i)
			}
			slack[i] = math.Max(slack[i], 0)
		}
		for _, b := range l.blocks {
			a := math.Abs(q[b.i][b.j])
			u, v := a, a/2
			// Each row's slack goes to the first block touching it.
			if slack[b.i] > 0 {
				u += slack[b.i]
				slack[b.i] = 0
			}
			if slack[b.j] > 0 {
				v += slack[b.j] / 2
				slack[b.j] = 0
			}
			out[b.u], out[b.v], out[b.w] = u, v, q[b.i][b.j]
		}
	case CopositiveInner:
		return l.copositiveWitness(q, tol, out)
	}
	return nil
}

func (l *Layout) copositiveWitness(q [][]float64, tol float64, out map[conic.VarID]float64) error {
	n := l.Q.N
	// Try Λ = 0 first, then Λ equal to the positive off-diagonal part of Q.
	for _, stripPositive := range []bool{false, true} {
		p := make([][]float64, n)
		for i := range p {
			p[i] = append([]float64(nil), q[i]...)
		}
		lam := make([]float64, len(l.lambda))
		if stripPositive {
			for k, e := range l.lambda {
				if v := q[e.i][e.j]; v > 0 {
					lam[k] = v
					p[e.i][e.j] = 0
					p[e.j][e.i] = 0
				}
			}
		}
		inner := map[conic.VarID]float64{}
		if err := l.inner.witness(p, tol, inner); err != nil {
			continue
		}
		for v, x := range inner {
			out[v] = x
		}
		for k, e := range l.lambda {
			out[e.l] = lam[k]
		}
		return nil
	}
	return fmt.Errorf("%w: no copositive split with %s inner part", ErrNotInCone, l.inner.Kind)
}

func ddSlack(q [][]float64, i int) float64 {
	s := q[i][i]
	for j := range q {
		if j != i {
			s -= math.Abs(q[i][j])
		}
	}
	return s
}
