package domain

import (
	"errors"
	"fmt"
	"sync"

	"polycert/pkg/poly"
)

var ErrIdealReductionUnsupported = errors.New("domain: equality constraints cannot be reduced within bounds")

const (
	DefaultMaxPairs           = 1000
	DefaultMaxReductionDegree = 12
)

// Ideal is the ideal generated by the equality constraints of a set, held as
// a reduced Gröbner basis under graded lexicographic order. It is immutable
// after construction; ReduceMonomial results are memoized.
type Ideal struct {
	basis []ratPoly

	mu    sync.RWMutex
	cache map[string]poly.Polynomial
}

// NewIdeal runs Buchberger's algorithm on eqs. It fails with
// ErrIdealReductionUnsupported when more than maxPairs critical pairs would
// be processed or an intermediate polynomial exceeds maxDegree. Zero limits
// take the package defaults.
func NewIdeal(eqs []poly.Polynomial, maxPairs, maxDegree int) (*Ideal, error) {
	if maxPairs <= 0 {
		maxPairs = DefaultMaxPairs
	}
	if maxDegree <= 0 {
		maxDegree = DefaultMaxReductionDegree
	}
	var g []ratPoly
	for _, e := range eqs {
		r, err := toRat(e)
		if err != nil {
			return nil, err
		}
		if r.isZero() {
			continue
		}
		if d := r.degree(); d > maxDegree {
			return nil, fmt.Errorf("%w: generator degree %d exceeds %d", ErrIdealReductionUnsupported, d, maxDegree)
		}
		g = append(g, r)
	}
	g, err := buchberger(g, maxPairs, maxDegree)
	if err != nil {
		return nil, err
	}
	return &Ideal{basis: reduceBasis(g), cache: map[string]poly.Polynomial{}}, nil
}

func buchberger(g []ratPoly, maxPairs, maxDegree int) ([]ratPoly, error) {
	type pair struct{ i, j int }
	var pairs []pair
	for j := range g {
		for i := 0; i < j; i++ {
			pairs = append(pairs, pair{i, j})
		}
	}
	processed := 0
	for len(pairs) > 0 {
		pr := pairs[0]
		pairs = pairs[1:]
		f, h := g[pr.i], g[pr.j]
		if coprime(f[0].mono, h[0].mono) {
			continue
		}
		processed++
		if processed > maxPairs {
			return nil, fmt.Errorf("%w: more than %d critical pairs", ErrIdealReductionUnsupported, maxPairs)
		}
		r := normalForm(sPolynomial(f, h), g)
		if r.isZero() {
			continue
		}
		if d := r.degree(); d > maxDegree {
			return nil, fmt.Errorf("%w: intermediate degree %d exceeds %d", ErrIdealReductionUnsupported, d, maxDegree)
		}
		g = append(g, r)
		n := len(g) - 1
		for i := 0; i < n; i++ {
			pairs = append(pairs, pair{i, n})
		}
	}
	return g, nil
}

// reduceBasis turns a Gröbner basis into the unique reduced one.
func reduceBasis(g []ratPoly) []ratPoly {
	var minimal []ratPoly
	for i, f := range g {
		redundant := false
		for j, h := range g {
			if i == j || !h[0].mono.Divides(f[0].mono) {
				continue
			}
			// Equal leading monomials keep the first occurrence only.
			if !f[0].mono.Equal(h[0].mono) || j < i {
				redundant = true
				break
			}
		}
		if !redundant {
			minimal = append(minimal, f.monic())
		}
	}
	out := make([]ratPoly, len(minimal))
	for i, f := range minimal {
		others := make([]ratPoly, 0, len(minimal)-1)
		others = append(others, minimal[:i]...)
		others = append(others, minimal[i+1:]...)
		tail := normalForm(f[1:], others)
		out[i] = append(ratPoly{f[0]}, tail...)
	}
	sortBasis(out)
	return out
}

// Basis returns the reduced Gröbner basis, leading monomials ascending.
func (I *Ideal) Basis() []poly.Polynomial {
	if I == nil {
		return nil
	}
	out := make([]poly.Polynomial, len(I.basis))
	for i, g := range I.basis {
		out[i] = g.toPoly()
	}
	return out
}

// IsTrivial reports whether the ideal is the zero ideal, in which case
// reduction is the identity.
func (I *Ideal) IsTrivial() bool { return I == nil || len(I.basis) == 0 }

// IsUnit reports whether the ideal contains 1, i.e. the equalities have no
// common real or complex solution.
func (I *Ideal) IsUnit() bool {
	return I != nil && len(I.basis) == 1 && I.basis[0][0].mono.IsConstant()
}

// ReduceMonomial returns the normal form of m.
func (I *Ideal) ReduceMonomial(m poly.Monomial) poly.Polynomial {
	if I.IsTrivial() {
		return poly.Mono(1, m)
	}
	key := m.Key()
	I.mu.RLock()
	nf, ok := I.cache[key]
	I.mu.RUnlock()
	if ok {
		return nf
	}
	r, _ := toRat(poly.Mono(1, m))
	nf = normalForm(r, I.basis).toPoly()
	I.mu.Lock()
	I.cache[key] = nf
	I.mu.Unlock()
	return nf
}

// Reduce returns the normal form of p modulo the ideal. Polynomials that are
// congruent modulo the ideal reduce to the same result.
func (I *Ideal) Reduce(p poly.Polynomial) poly.Polynomial {
	if I.IsTrivial() {
		return p
	}
	out := poly.Polynomial{}
	for _, t := range p.Terms() {
		out = out.Add(I.ReduceMonomial(t.Mono).Scale(t.Coef))
	}
	return out
}

// ReduceExact is Reduce carried out in exact arithmetic on the binary values
// of p's coefficients.
func (I *Ideal) ReduceExact(p poly.Polynomial) (poly.Polynomial, error) {
	if I.IsTrivial() {
		return p, nil
	}
	r, err := toRat(p)
	if err != nil {
		return poly.Polynomial{}, err
	}
	return normalForm(r, I.basis).toPoly(), nil
}
