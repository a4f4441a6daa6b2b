package domain

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"polycert/pkg/poly"
)

type ratTerm struct {
	coef *big.Rat
	mono poly.Monomial
}

// ratPoly is a polynomial with exact coefficients, terms sorted in
// descending monomial order with no zero coefficients.
type ratPoly []ratTerm

func toRat(p poly.Polynomial) (ratPoly, error) {
	terms := p.Terms()
	out := make(ratPoly, 0, len(terms))
	for _, t := range terms {
		if math.IsNaN(t.Coef) || math.IsInf(t.Coef, 0) {
			return nil, fmt.Errorf("%w: non-finite coefficient on %s", ErrIdealReductionUnsupported, t.Mono)
		}
		out = append(out, ratTerm{coef: new(big.Rat).SetFloat64(t.Coef), mono: t.Mono})
	}
	return out, nil
}

func (p ratPoly) toPoly() poly.Polynomial {
	terms := make([]poly.Term, 0, len(p))
	for _, t := range p {
		f, _ := t.coef.Float64()
		terms = append(terms, poly.Term{Coef: f, Mono: t.mono})
	}
	return poly.FromTerms(terms...)
}

func (p ratPoly) isZero() bool { return len(p) == 0 }

func (p ratPoly) degree() int {
	d := -1
	for _, t := range p {
		if td := t.mono.Degree(); td > d {
			d = td
		}
	}
	return d
}

// addScaled returns a + c*m*b.
func addScaled(a ratPoly, c *big.Rat, m poly.Monomial, b ratPoly) ratPoly {
	out := make(ratPoly, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var bt ratTerm
		if j < len(b) {
			bt = ratTerm{coef: new(big.Rat).Mul(c, b[j].coef), mono: m.Mul(b[j].mono)}
		}
		switch {
		case j >= len(b):
			out = append(out, a[i])
			i++
		case i >= len(a):
			out = append(out, bt)
			j++
		default:
			switch cmp := poly.Compare(a[i].mono, bt.mono); {
			case cmp > 0:
				out = append(out, a[i])
				i++
			case cmp < 0:
				out = append(out, bt)
				j++
			default:
				sum := new(big.Rat).Add(a[i].coef, bt.coef)
				if sum.Sign() != 0 {
					out = append(out, ratTerm{coef: sum, mono: a[i].mono})
				}
				i++
				j++
			}
		}
	}
	return out
}

func (p ratPoly) monic() ratPoly {
	if p.isZero() {
		return p
	}
	inv := new(big.Rat).Inv(p[0].coef)
	out := make(ratPoly, len(p))
	for i, t := range p {
		out[i] = ratTerm{coef: new(big.Rat).Mul(t.coef, inv), mono: t.mono}
	}
	return out
}

func (p ratPoly) equal(q ratPoly) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if !p[i].mono.Equal(q[i].mono) || p[i].coef.Cmp(q[i].coef) != 0 {
			return false
		}
	}
	return true
}

// normalForm fully reduces p by g. The remainder has no term divisible by a
// leading monomial of g.
func normalForm(p ratPoly, g []ratPoly) ratPoly {
	var rem ratPoly
	for !p.isZero() {
		lt := p[0]
		reduced := false
		for _, h := range g {
			if h.isZero() || !h[0].mono.Divides(lt.mono) {
				continue
			}
			c := new(big.Rat).Quo(lt.coef, h[0].coef)
			c.Neg(c)
			p = addScaled(p, c, h[0].mono.Div(lt.mono), h)
			reduced = true
			break
		}
		if !reduced {
			rem = append(rem, lt)
			p = p[1:]
		}
	}
	return rem
}

func sPolynomial(f, g ratPoly) ratPoly {
	l := f[0].mono.LCM(g[0].mono)
	cf := new(big.Rat).Inv(f[0].coef)
	cg := new(big.Rat).Inv(g[0].coef)
	cg.Neg(cg)
	out := addScaled(nil, cf, f[0].mono.Div(l), f)
	return addScaled(out, cg, g[0].mono.Div(l), g)
}

func coprime(a, b poly.Monomial) bool {
	for _, p := range a {
		if b.Exp(p.Var) > 0 {
			return false
		}
	}
	return true
}

func sortBasis(g []ratPoly) {
	sort.SliceStable(g, func(i, j int) bool { return poly.Compare(g[i][0].mono, g[j][0].mono) < 0 })
}
