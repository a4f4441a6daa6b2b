package poly

import (
	"sort"
	"strings"
)

// MonomialVector is an ascending, duplicate-free sequence of monomials. The
// position of a monomial is its row/column in Gram and moment matrices.
type MonomialVector []Monomial

// NewMonomialVector sorts and deduplicates ms.
func NewMonomialVector(ms ...Monomial) MonomialVector {
	out := make(MonomialVector, len(ms))
	copy(out, ms)
	sort.Slice(out, func(i, j int) bool { return Compare(out[i], out[j]) < 0 })
	n := 0
	for i := range out {
		if n > 0 && Compare(out[n-1], out[i]) == 0 {
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}

// Index returns the position of m, or -1.
func (v MonomialVector) Index(m Monomial) int {
	i := sort.Search(len(v), func(i int) bool { return Compare(v[i], m) >= 0 })
	if i < len(v) && Compare(v[i], m) == 0 {
		return i
	}
	return -1
}

// Contains reports whether m is in v.
func (v MonomialVector) Contains(m Monomial) bool { return v.Index(m) >= 0 }

// MaxDegree is the largest degree in v, or -1 when v is empty.
func (v MonomialVector) MaxDegree() int {
	if len(v) == 0 {
		return -1
	}
	return v[len(v)-1].Degree()
}

// MinDegree is the smallest degree in v, or -1 when v is empty.
func (v MonomialVector) MinDegree() int {
	if len(v) == 0 {
		return -1
	}
	return v[0].Degree()
}

// Vars returns the sorted set of variables appearing in v.
func (v MonomialVector) Vars() []string {
	seen := map[string]struct{}{}
	for _, m := range v {
		for _, p := range m {
			seen[p.Var] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Union merges two vectors.
func (v MonomialVector) Union(o MonomialVector) MonomialVector {
	all := make([]Monomial, 0, len(v)+len(o))
	all = append(all, v...)
	all = append(all, o...)
	return NewMonomialVector(all...)
}

// Keys returns the canonical keys of the monomials in order.
func (v MonomialVector) Keys() []string {
	out := make([]string, len(v))
	for i, m := range v {
		out[i] = m.Key()
	}
	return out
}

// Eval evaluates every monomial at a point.
func (v MonomialVector) Eval(point map[string]float64) []float64 {
	out := make([]float64, len(v))
	for i, m := range v {
		out[i] = Mono(1, m).Eval(point)
	}
	return out
}

// Dot returns Σ c_i v_i as a polynomial.
func (v MonomialVector) Dot(c []float64) Polynomial {
	terms := make([]Term, 0, len(v))
	for i, m := range v {
		if i < len(c) {
			terms = append(terms, Term{Coef: c[i], Mono: m})
		}
	}
	return FromTerms(terms...)
}

// QuadraticForm returns vᵀQv for a dense symmetric Q.
func (v MonomialVector) QuadraticForm(q [][]float64) Polynomial {
	terms := make([]Term, 0, len(v)*len(v))
	for i := range v {
		for j := range v {
			terms = append(terms, Term{Coef: q[i][j], Mono: v[i].Mul(v[j])})
		}
	}
	return FromTerms(terms...)
}

func (v MonomialVector) String() string {
	return "[" + strings.Join(v.Keys(), ", ") + "]"
}
