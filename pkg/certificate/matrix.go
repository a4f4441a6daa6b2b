package certificate

import (
	"context"
	"fmt"

	"polycert/pkg/basis"
	"polycert/pkg/cone"
	"polycert/pkg/domain"
	"polycert/pkg/poly"
)

// MatrixConstraint asks for a symmetric polynomial matrix P(x) to be an SOS
// matrix, i.e. yᵀP(x)y to be SOS in (x, y) with y fresh variables.
type MatrixConstraint struct {
	Name   string
	Matrix [][]poly.Polynomial
	Domain domain.Set
	Cone   cone.Kind
	// AuxPrefix names the y variables: <prefix>1, <prefix>2, ... Defaults
	// to "y".
	AuxPrefix     string
	DomainOptions domain.Options
}

// BuildMatrix reformulates an SOS matrix constraint. The basis is y ⊗ X,
// X derived from the union of the entries' supports.
func (b *Builder) BuildMatrix(ctx context.Context, mc MatrixConstraint) (Handle, error) {
	c, err := matrixToScalar(mc)
	if err != nil {
		return 0, err
	}
	return b.Build(ctx, c)
}

func matrixToScalar(mc MatrixConstraint) (Constraint, error) {
	n := len(mc.Matrix)
	if n == 0 {
		return Constraint{}, fmt.Errorf("certificate: empty polynomial matrix for %q", mc.Name)
	}
	for i, row := range mc.Matrix {
		if len(row) != n {
			return Constraint{}, fmt.Errorf("%w: row %d has %d entries, want %d", ErrNotSymmetric, i, len(row), n)
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			if !mc.Matrix[i][j].Equal(mc.Matrix[j][i], 0) {
				return Constraint{}, fmt.Errorf("%w: entry (%d,%d) differs from (%d,%d)", ErrNotSymmetric, i, j, j, i)
			}
		}
	}
	prefix := mc.AuxPrefix
	if prefix == "" {
		prefix = "y"
	}
	used := map[string]bool{}
	var support poly.MonomialVector
	for _, row := range mc.Matrix {
		for _, p := range row {
			for _, v := range p.Vars() {
				used[v] = true
			}
			support = support.Union(p.Support())
		}
	}
	aux := make([]poly.Monomial, n)
	for i := range aux {
		name := fmt.Sprintf("%s%d", prefix, i+1)
		if used[name] {
			return Constraint{}, fmt.Errorf("certificate: auxiliary variable %s collides with a matrix variable", name)
		}
		aux[i] = poly.VarMonomial(name)
	}
	target := poly.Polynomial{}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			target = target.Add(mc.Matrix[i][j].MulMono(1, aux[i].Mul(aux[j])))
		}
	}
	x := basis.FromMonomials(support)
	kron := make([]poly.Monomial, 0, n*len(x))
	for _, y := range aux {
		for _, m := range x {
			kron = append(kron, y.Mul(m))
		}
	}
	return Constraint{
		Name:          mc.Name,
		Target:        Target{Poly: target},
		Domain:        mc.Domain,
		Cone:          mc.Cone,
		Basis:         poly.NewMonomialVector(kron...),
		DomainOptions: mc.DomainOptions,
	}, nil
}

// Hessian returns the matrix of second derivatives of p over its variables.
func Hessian(p poly.Polynomial) [][]poly.Polynomial {
	vars := p.Vars()
	h := make([][]poly.Polynomial, len(vars))
	for i, vi := range vars {
		h[i] = make([]poly.Polynomial, len(vars))
		di := p.Derivative(vi)
		for j, vj := range vars {
			h[i][j] = di.Derivative(vj)
		}
	}
	return h
}

// BuildConvex certifies that p is SOS-convex: its Hessian is an SOS matrix.
func (b *Builder) BuildConvex(ctx context.Context, name string, p poly.Polynomial, kind cone.Kind) (Handle, error) {
	if len(p.Vars()) == 0 {
		return 0, fmt.Errorf("certificate: %q has no variables", name)
	}
	return b.BuildMatrix(ctx, MatrixConstraint{Name: name, Matrix: Hessian(p), Cone: kind, AuxPrefix: "h"})
}
