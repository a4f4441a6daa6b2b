// Package basis chooses and validates the monomial vectors that index Gram
// matrices.
package basis

import (
	"errors"
	"fmt"
	"sort"

	"polycert/pkg/poly"
)

var ErrBasisTooSmall = errors.New("basis: monomial basis cannot reach the target degree")

// Validate checks that the squares of X can reach every degree of p.
func Validate(p poly.Polynomial, x poly.MonomialVector) error {
	if p.IsZero() {
		return nil
	}
	if len(x) == 0 {
		return fmt.Errorf("%w: empty basis for degree %d", ErrBasisTooSmall, p.Degree())
	}
	if 2*x.MaxDegree() < p.Degree() {
		return fmt.Errorf("%w: 2*%d < %d", ErrBasisTooSmall, x.MaxDegree(), p.Degree())
	}
	return nil
}

// FromSupport derives a basis from the support of p. See FromMonomials.
func FromSupport(p poly.Polynomial) poly.MonomialVector {
	return FromMonomials(p.Support())
}

// FromMonomials returns every monomial m whose total degree lies in
// [ceil(dmin/2), floor(dmax/2)] and whose exponent of each variable v lies in
// [ceil(emin_v/2), floor(emax_v/2)], the bounds taken over the support. Any
// product m1*m2 that can appear in a representation of the support with
// nonnegative diagonal lies inside this box. An empty support yields {1}.
func FromMonomials(support poly.MonomialVector) poly.MonomialVector {
	if len(support) == 0 {
		return poly.NewMonomialVector(poly.One())
	}
	vars := support.Vars()
	lo := make(map[string]int, len(vars))
	hi := make(map[string]int, len(vars))
	for _, v := range vars {
		for j, m := range support {
			e := m.Exp(v)
			if j == 0 || e < lo[v] {
				lo[v] = e
			}
			if j == 0 || e > hi[v] {
				hi[v] = e
			}
		}
	}
	minDeg := (support.MinDegree() + 1) / 2
	maxDeg := support.MaxDegree() / 2

	var out []poly.Monomial
	exps := make(map[string]int, len(vars))
	var rec func(i, deg int)
	rec = func(i, deg int) {
		if deg > maxDeg {
			return
		}
		if i == len(vars) {
			if deg >= minDeg {
				out = append(out, poly.NewMonomial(exps))
			}
			return
		}
		v := vars[i]
		for e := (lo[v] + 1) / 2; e <= hi[v]/2; e++ {
			exps[v] = e
			rec(i+1, deg+e)
		}
		exps[v] = 0
	}
	rec(0, 0)
	if len(out) == 0 {
		return poly.NewMonomialVector(poly.One())
	}
	return poly.NewMonomialVector(out...)
}

// Prune repeatedly removes a monomial m from x when m*m is not in support and
// cannot be written as a product of two distinct remaining monomials. For a
// Gram matrix with nonnegative diagonal such an m has a zero diagonal entry,
// so its whole row vanishes. The result is only valid when nothing but the
// Gram matrix contributes to the support, i.e. without domain multipliers.
func Prune(support, x poly.MonomialVector) poly.MonomialVector {
	keep := append(poly.MonomialVector(nil), x...)
	for {
		removed := false
		next := keep[:0:0]
		for i, m := range keep {
			sq := m.Mul(m)
			if support.Contains(sq) || hasCrossProduct(keep, i, sq) {
				next = append(next, m)
				continue
			}
			removed = true
		}
		keep = next
		if !removed {
			return keep
		}
	}
}

func hasCrossProduct(x poly.MonomialVector, skip int, target poly.Monomial) bool {
	for i, a := range x {
		if i == skip || !a.Divides(target) {
			continue
		}
		b := a.Div(target)
		if j := x.Index(b); j >= 0 && j != i {
			return true
		}
	}
	return false
}

// Monomials returns every monomial in vars with total degree in
// [minDeg, maxDeg], ascending.
func Monomials(vars []string, minDeg, maxDeg int) poly.MonomialVector {
	if maxDeg < 0 || minDeg > maxDeg {
		return nil
	}
	if minDeg < 0 {
		minDeg = 0
	}
	vs := append([]string(nil), vars...)
	sort.Strings(vs)
	var out []poly.Monomial
	exps := make(map[string]int, len(vs))
	var rec func(i, remaining int)
	rec = func(i, remaining int) {
		if i == len(vs) {
			if deg := maxDeg - remaining; deg >= minDeg {
				out = append(out, poly.NewMonomial(exps))
			}
			return
		}
		for e := 0; e <= remaining; e++ {
			exps[vs[i]] = e
			rec(i+1, remaining-e)
		}
		exps[vs[i]] = 0
	}
	rec(0, maxDeg)
	return poly.NewMonomialVector(out...)
}

// Options control how Choose derives a basis.
type Options struct {
	// Extra monomials that also appear on the target side, such as the
	// monomials of affine decision terms.
	Extra poly.MonomialVector
	// Prune applies Prune to the derived basis.
	Prune bool
}

// Choose validates and returns explicit when it is non-empty, and derives a
// basis from the support of p otherwise. An explicit basis is a set: it is
// returned sorted and without duplicates whatever order the caller used.
func Choose(p poly.Polynomial, explicit poly.MonomialVector, opts Options) (poly.MonomialVector, error) {
	if len(explicit) > 0 {
		x := poly.NewMonomialVector(explicit...)
		if err := Validate(p, x); err != nil {
			return nil, err
		}
		return x, nil
	}
	return Derive(p.Support().Union(opts.Extra), opts.Prune), nil
}

// Derive is FromMonomials followed by Prune when prune is set.
func Derive(support poly.MonomialVector, prune bool) poly.MonomialVector {
	x := FromMonomials(support)
	if prune {
		x = Prune(support, x)
		if len(x) == 0 {
			x = poly.NewMonomialVector(poly.One())
		}
	}
	return x
}
