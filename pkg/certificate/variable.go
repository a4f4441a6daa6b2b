package certificate

import (
	"fmt"

	"polycert/pkg/cone"
	"polycert/pkg/conic"
	"polycert/pkg/poly"
)

// PolyVariable is a polynomial Σ c_k X_k whose coefficients are free solver
// variables.
type PolyVariable struct {
	Basis poly.MonomialVector
	Vars  []conic.VarID
}

// NewPolyVariable allocates one coefficient per monomial of x.
func NewPolyVariable(opt conic.Optimizer, x poly.MonomialVector) PolyVariable {
	vars := make([]conic.VarID, len(x))
	for i := range vars {
		vars[i] = opt.AllocateVariable()
	}
	return PolyVariable{Basis: x, Vars: vars}
}

// Terms returns the variable scaled by coef as decision terms.
func (p PolyVariable) Terms(coef float64) []DecisionTerm {
	out := make([]DecisionTerm, len(p.Vars))
	for i, v := range p.Vars {
		out[i] = DecisionTerm{Var: v, Mono: p.Basis[i], Coef: coef}
	}
	return out
}

// Value substitutes solver values.
func (p PolyVariable) Value(value func(conic.VarID) (float64, error)) (poly.Polynomial, error) {
	coefs := make([]float64, len(p.Vars))
	for i, v := range p.Vars {
		x, err := value(v)
		if err != nil {
			return poly.Polynomial{}, err
		}
		coefs[i] = x
	}
	return p.Basis.Dot(coefs), nil
}

// SOSPolyVariable is a polynomial XᵀQX with Q constrained to a cone.
type SOSPolyVariable struct {
	Basis  poly.MonomialVector
	Layout *cone.Layout
}

// NewSOSPolyVariable allocates Q on x and constrains it with kind.
func NewSOSPolyVariable(opt conic.Optimizer, x poly.MonomialVector, kind cone.Kind) (SOSPolyVariable, error) {
	if len(x) == 0 {
		return SOSPolyVariable{}, fmt.Errorf("certificate: SOS polynomial variable needs a non-empty basis")
	}
	if kind == nil {
		kind = cone.FullPSD{}
	}
	l, err := cone.Map(opt, kind, len(x))
	if err != nil {
		return SOSPolyVariable{}, err
	}
	return SOSPolyVariable{Basis: x, Layout: l}, nil
}

// Terms expands coef * XᵀQX into decision terms.
func (s SOSPolyVariable) Terms(coef float64) []DecisionTerm {
	var out []DecisionTerm
	for j := range s.Basis {
		for i := 0; i <= j; i++ {
			factor := 2.0
			if i == j {
				factor = 1
			}
			out = append(out, DecisionTerm{Var: s.Layout.Q.At(i, j), Mono: s.Basis[i].Mul(s.Basis[j]), Coef: factor * coef})
		}
	}
	return out
}

// Value substitutes solver values.
func (s SOSPolyVariable) Value(value func(conic.VarID) (float64, error)) (poly.Polynomial, error) {
	q, err := s.Layout.Q.Values(value)
	if err != nil {
		return poly.Polynomial{}, err
	}
	return s.Basis.QuadraticForm(q), nil
}
