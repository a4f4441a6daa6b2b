package polydsl

import (
	"fmt"

	"polycert/pkg/certificate"
	"polycert/pkg/cone"
	"polycert/pkg/conic"
	"polycert/pkg/domain"
	"polycert/pkg/poly"
	"polycert/pkg/problemir"
)

// Compiled is a problem whose decision variables live on an optimizer and
// whose constraints are ready for certificate.Builder.
type Compiled struct {
	Problem     *problemir.Problem
	Constraints []certificate.Constraint
	// Decision maps bound names to their solver variables.
	Decision map[string]conic.VarID
}

type objectiveSetter interface {
	SetObjective(sense conic.Sense, terms []conic.Term, constant float64)
}

// ParsePolynomial parses a polynomial expression as written in the DSL.
func ParsePolynomial(expr string) (poly.Polynomial, error) {
	return poly.Parse(expr)
}

// Compile parses every expression of p, allocates one scalar variable per
// bound name and, when p has an objective, sets it on opt. opts is copied into
// each constraint; a constraint's maxdegree overrides opts.MaxDegree.
func Compile(p *problemir.Problem, opt conic.Optimizer, opts domain.Options) (*Compiled, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	declared := map[string]bool{}
	for _, v := range p.Vars {
		declared[v] = true
	}
	out := &Compiled{Problem: p, Decision: map[string]conic.VarID{}}
	for _, name := range p.DecisionVars() {
		out.Decision[name] = opt.AllocateVariable()
	}
	for _, ic := range p.Constraints {
		c, err := compileConstraint(ic, declared, out.Decision, opts)
		if err != nil {
			return nil, fmt.Errorf("constraint %s: %w", ic.Name, err)
		}
		out.Constraints = append(out.Constraints, c)
	}
	if p.Objective != nil {
		setter, ok := opt.(objectiveSetter)
		if !ok {
			return nil, fmt.Errorf("optimizer %T cannot take an objective", opt)
		}
		sense := conic.SenseMaximize
		if p.Objective.Sense == "minimize" {
			sense = conic.SenseMinimize
		}
		setter.SetObjective(sense, []conic.Term{{Var: out.Decision[p.Objective.Var], Coef: 1}}, 0)
	}
	return out, nil
}

func compileConstraint(ic problemir.Constraint, declared map[string]bool, decision map[string]conic.VarID, opts domain.Options) (certificate.Constraint, error) {
	target, err := parseChecked(ic.Nonneg, declared)
	if err != nil {
		return certificate.Constraint{}, err
	}
	c := certificate.Constraint{
		Name:          ic.Name,
		Target:        certificate.Target{Poly: target},
		Cone:          cone.FullPSD{},
		DomainOptions: opts,
	}
	if ic.Cone != "" {
		kind, err := cone.Parse(ic.Cone)
		if err != nil {
			return certificate.Constraint{}, err
		}
		c.Cone = kind
	}
	if ic.MaxDegree > 0 {
		c.DomainOptions.MaxDegree = ic.MaxDegree
	}
	if ic.Bound != "" {
		c.Target.Decision = []certificate.DecisionTerm{certificate.Scalar(decision[ic.Bound], -1)}
	}
	for _, rel := range ic.Where {
		lhsText, op, rhsText, err := splitRelation(rel)
		if err != nil {
			return certificate.Constraint{}, err
		}
		lhs, err := parseChecked(lhsText, declared)
		if err != nil {
			return certificate.Constraint{}, err
		}
		rhs, err := parseChecked(rhsText, declared)
		if err != nil {
			return certificate.Constraint{}, err
		}
		switch op {
		case "==":
			c.Domain.Equalities = append(c.Domain.Equalities, lhs.Sub(rhs))
		case ">=":
			c.Domain.Inequalities = append(c.Domain.Inequalities, lhs.Sub(rhs))
		case "<=":
			c.Domain.Inequalities = append(c.Domain.Inequalities, rhs.Sub(lhs))
		}
	}
	for _, text := range ic.Basis {
		m, err := parseMonomial(text, declared)
		if err != nil {
			return certificate.Constraint{}, err
		}
		c.Basis = append(c.Basis, m)
	}
	if len(c.Basis) > 0 {
		c.Basis = poly.NewMonomialVector(c.Basis...)
	}
	return c, nil
}

// parseChecked parses expr and, when vars were declared, rejects any other
// variable.
func parseChecked(expr string, declared map[string]bool) (poly.Polynomial, error) {
	p, err := ParsePolynomial(expr)
	if err != nil {
		return poly.Polynomial{}, err
	}
	if len(declared) == 0 {
		return p, nil
	}
	for _, v := range p.Vars() {
		if !declared[v] {
			return poly.Polynomial{}, fmt.Errorf("undeclared variable %q in %q", v, expr)
		}
	}
	return p, nil
}

func parseMonomial(text string, declared map[string]bool) (poly.Monomial, error) {
	p, err := parseChecked(text, declared)
	if err != nil {
		return nil, err
	}
	terms := p.Terms()
	if len(terms) != 1 || terms[0].Coef != 1 {
		return nil, fmt.Errorf("basis entry %q is not a monomial", text)
	}
	return terms[0].Mono, nil
}
