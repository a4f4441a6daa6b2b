package cone

import (
	"fmt"

	"polycert/pkg/conic"
)

// SymMatrix is a symmetric matrix of solver variables stored as the upper
// triangle in conic.TriangleIndex order.
type SymMatrix struct {
	N    int
	Vars []conic.VarID
}

// NewSymMatrix allocates n(n+1)/2 free variables.
func NewSymMatrix(opt conic.Optimizer, n int) SymMatrix {
	vars := make([]conic.VarID, n*(n+1)/2)
	for i := range vars {
		vars[i] = opt.AllocateVariable()
	}
	return SymMatrix{N: n, Vars: vars}
}

func (s SymMatrix) At(i, j int) conic.VarID { return s.Vars[conic.TriangleIndex(i, j)] }

// Values reads the matrix from a variable lookup.
func (s SymMatrix) Values(value func(conic.VarID) (float64, error)) ([][]float64, error) {
	out := make([][]float64, s.N)
	for i := range out {
		out[i] = make([]float64, s.N)
	}
	for j := 0; j < s.N; j++ {
		for i := 0; i <= j; i++ {
			v, err := value(s.At(i, j))
			if err != nil {
				return nil, err
			}
			out[i][j] = v
			out[j][i] = v
		}
	}
	return out, nil
}

type ddPair struct {
	i, j int
	p, m conic.VarID
}

type sddBlock struct {
	i, j    int
	u, v, w conic.VarID
}

type offDiag struct {
	i, j int
	l    conic.VarID
}

// Layout is the result of mapping a cone kind onto a free matrix Q.
type Layout struct {
	Kind Kind
	// Q is the matrix whose entries enter coefficient-matching rows.
	Q SymMatrix
	// Constraints lists every row and cone constraint added for the layout.
	Constraints []conic.ConstraintID

	pairs  []ddPair
	slack  []conic.VarID
	blocks []sddBlock
	inner  *Layout
	lambda []offDiag
}

// Gram is the matrix reported as the Gram matrix: Q itself, or the inner
// matrix P of a copositive split Q = P + Λ.
func (l *Layout) Gram() SymMatrix {
	if l.inner != nil {
		return l.inner.Gram()
	}
	return l.Q
}

// Inner returns the inner layout of a copositive split.
func (l *Layout) Inner() *Layout { return l.inner }

// NumVariables counts the variables the layout allocated.
func (l *Layout) NumVariables() int {
	n := len(l.Q.Vars) + 2*len(l.pairs) + len(l.slack) + 3*len(l.blocks) + len(l.lambda)
	if l.inner != nil {
		n += l.inner.NumVariables()
	}
	return n
}

// Map allocates an n x n symmetric matrix Q on opt and constrains it to the
// cone of kind.
func Map(opt conic.Optimizer, kind Kind, n int) (*Layout, error) {
	if n < 1 {
		return nil, fmt.Errorf("cone: matrix side must be positive, got %d", n)
	}
	switch k := kind.(type) {
	case FullPSD:
		return mapPSD(opt, n)
	case DiagonallyDominant:
		return mapDD(opt, n)
	case ScaledDiagonallyDominant:
		return mapSDD(opt, n)
	case CopositiveInner:
		if k.Inner == nil {
			return nil, fmt.Errorf("%w: copositive cone without inner kind", ErrUnknownKind)
		}
		if IsCopositive(k.Inner) {
			return nil, fmt.Errorf("%w: nested copositive cone %s", ErrInvalidConeForDomain, k)
		}
		return mapCopositive(opt, k, n)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, kind)
	}
}

func mapPSD(opt conic.Optimizer, n int) (*Layout, error) {
	q := NewSymMatrix(opt, n)
	c, err := opt.AddConeConstraint(q.Vars, conic.PSDTriangle{Side: n})
	if err != nil {
		return nil, err
	}
	return &Layout{Kind: FullPSD{}, Q: q, Constraints: []conic.ConstraintID{c}}, nil
}

func mapDD(opt conic.Optimizer, n int) (*Layout, error) {
	l := &Layout{Kind: DiagonallyDominant{}, Q: NewSymMatrix(opt, n)}
	var nonneg []conic.VarID
	for j := 0; j < n; j++ {
		for i := 0; i < j; i++ {
			pr := ddPair{i: i, j: j, p: opt.AllocateVariable(), m: opt.AllocateVariable()}
			l.pairs = append(l.pairs, pr)
			nonneg = append(nonneg, pr.p, pr.m)
		}
	}
	for i := 0; i < n; i++ {
		s := opt.AllocateVariable()
		l.slack = append(l.slack, s)
		nonneg = append(nonneg, s)
	}
	c, err := opt.AddConeConstraint(nonneg, conic.Nonnegatives{})
	if err != nil {
		return nil, err
	}
	l.Constraints = append(l.Constraints, c)
	diag := make([][]conic.Term, n)
	for i := 0; i < n; i++ {
		diag[i] = []conic.Term{{Var: l.Q.At(i, i), Coef: 1}, {Var: l.slack[i], Coef: -1}}
	}
	for _, pr := range l.pairs {
		row, err := opt.AddLinearEquality([]conic.Term{
			{Var: l.Q.At(pr.i, pr.j), Coef: 1},
			{Var: pr.p, Coef: -1},
			{Var: pr.m, Coef: 1},
		}, 0)
		if err != nil {
			return nil, err
		}
		l.Constraints = append(l.Constraints, row)
		for _, k := range []int{pr.i, pr.j} {
			diag[k] = append(diag[k], conic.Term{Var: pr.p, Coef: -1}, conic.Term{Var: pr.m, Coef: -1})
		}
	}
	for i := 0; i < n; i++ {
		row, err := opt.AddLinearEquality(diag[i], 0)
		if err != nil {
			return nil, err
		}
		l.Constraints = append(l.Constraints, row)
	}
	return l, nil
}

func mapSDD(opt conic.Optimizer, n int) (*Layout, error) {
	l := &Layout{Kind: ScaledDiagonallyDominant{}, Q: NewSymMatrix(opt, n)}
	if n == 1 {
		c, err := opt.AddConeConstraint([]conic.VarID{l.Q.At(0, 0)}, conic.Nonnegatives{})
		if err != nil {
			return nil, err
		}
		l.Constraints = append(l.Constraints, c)
		return l, nil
	}
	diag := make([][]conic.Term, n)
	for i := 0; i < n; i++ {
		diag[i] = []conic.Term{{Var: l.Q.At(i, i), Coef: 1}}
	}
	for j := 0; j < n; j++ {
		for i := 0; i < j; i++ {
			b := sddBlock{i: i, j: j, u: opt.AllocateVariable(), v: opt.AllocateVariable(), w: opt.AllocateVariable()}
			l.blocks = append(l.blocks, b)
			c, err := opt.AddConeConstraint([]conic.VarID{b.u, b.v, b.w}, conic.RotatedSecondOrder{})
			if err != nil {
				return nil, err
			}
			l.Constraints = append(l.Constraints, c)
			row, err := opt.AddLinearEquality([]conic.Term{
				{Var: l.Q.At(i, j), Coef: 1},
				{Var: b.w, Coef: -1},
			}, 0)
			if err != nil {
				return nil, err
			}
			l.Constraints = append(l.Constraints, row)
			// The block [[u, w], [w, 2v]] adds u to Q_ii and 2v to Q_jj.
			diag[i] = append(diag[i], conic.Term{Var: b.u, Coef: -1})
			diag[j] = append(diag[j], conic.Term{Var: b.v, Coef: -2})
		}
	}
	for i := 0; i < n; i++ {
		row, err := opt.AddLinearEquality(diag[i], 0)
		if err != nil {
			return nil, err
		}
		l.Constraints = append(l.Constraints, row)
	}
	return l, nil
}

func mapCopositive(opt conic.Optimizer, kind CopositiveInner, n int) (*Layout, error) {
	inner, err := Map(opt, kind.Inner, n)
	if err != nil {
		return nil, err
	}
	l := &Layout{Kind: kind, Q: NewSymMatrix(opt, n), inner: inner}
	var nonneg []conic.VarID
	for j := 0; j < n; j++ {
		for i := 0; i < j; i++ {
			e := offDiag{i: i, j: j, l: opt.AllocateVariable()}
			l.lambda = append(l.lambda, e)
			nonneg = append(nonneg, e.l)
		}
	}
	if len(nonneg) > 0 {
		c, err := opt.AddConeConstraint(nonneg, conic.Nonnegatives{})
		if err != nil {
			return nil, err
		}
		l.Constraints = append(l.Constraints, c)
	}
	p := inner.Q
	for i := 0; i < n; i++ {
		row, err := opt.AddLinearEquality([]conic.Term{
			{Var: l.Q.At(i, i), Coef: 1},
			{Var: p.At(i, i), Coef: -1},
		}, 0)
		if err != nil {
			return nil, err
		}
		l.Constraints = append(l.Constraints, row)
	}
	for _, e := range l.lambda {
		row, err := opt.AddLinearEquality([]conic.Term{
			{Var: l.Q.At(e.i, e.j), Coef: 1},
			{Var: p.At(e.i, e.j), Coef: -1},
			{Var: e.l, Coef: -1},
		}, 0)
		if err != nil {
			return nil, err
		}
		l.Constraints = append(l.Constraints, row)
	}
	return l, nil
}
