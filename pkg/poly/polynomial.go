package poly

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Term is a coefficient attached to a monomial.
type Term struct {
	Coef float64
	Mono Monomial
}

// Polynomial is an immutable real polynomial. The zero value is the zero
// polynomial.
type Polynomial struct {
	terms map[string]Term
}

// Const returns the constant polynomial c.
func Const(c float64) Polynomial {
	return FromTerms(Term{Coef: c, Mono: One()})
}

// Var returns the polynomial consisting of a single variable.
func Var(name string) Polynomial {
	return FromTerms(Term{Coef: 1, Mono: VarMonomial(name)})
}

// Mono returns c*m.
func Mono(c float64, m Monomial) Polynomial {
	return FromTerms(Term{Coef: c, Mono: m})
}

// FromTerms sums the given terms.
func FromTerms(terms ...Term) Polynomial {
	out := map[string]Term{}
	for _, t := range terms {
		addTerm(out, t.Coef, t.Mono)
	}
	return Polynomial{terms: out}
}

func addTerm(dst map[string]Term, c float64, m Monomial) {
	if c == 0 {
		return
	}
	key := m.Key()
	cur, ok := dst[key]
	if !ok {
		dst[key] = Term{Coef: c, Mono: m}
		return
	}
	cur.Coef += c
	if cur.Coef == 0 {
		delete(dst, key)
		return
	}
	dst[key] = cur
}

// Len is the number of nonzero terms.
func (p Polynomial) Len() int { return len(p.terms) }

// IsZero reports whether p has no terms.
func (p Polynomial) IsZero() bool { return len(p.terms) == 0 }

// Coef returns the coefficient of m in p.
func (p Polynomial) Coef(m Monomial) float64 {
	return p.terms[m.Key()].Coef
}

// Terms returns the terms in descending monomial order.
func (p Polynomial) Terms() []Term {
	out := make([]Term, 0, len(p.terms))
	for _, t := range p.terms {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return Compare(out[i].Mono, out[j].Mono) > 0 })
	return out
}

// Support returns the monomials with nonzero coefficient, ascending.
func (p Polynomial) Support() MonomialVector {
	ms := make([]Monomial, 0, len(p.terms))
	for _, t := range p.terms {
		ms = append(ms, t.Mono)
	}
	return NewMonomialVector(ms...)
}

// Leading returns the largest term. ok is false for the zero polynomial.
func (p Polynomial) Leading() (Term, bool) {
	var best Term
	found := false
	for _, t := range p.terms {
		if !found || Compare(t.Mono, best.Mono) > 0 {
			best = t
			found = true
		}
	}
	return best, found
}

// Degree is the maximum total degree, or -1 for the zero polynomial.
func (p Polynomial) Degree() int {
	d := -1
	for _, t := range p.terms {
		if td := t.Mono.Degree(); td > d {
			d = td
		}
	}
	return d
}

// MinDegree is the minimum total degree, or -1 for the zero polynomial.
func (p Polynomial) MinDegree() int {
	d := -1
	for _, t := range p.terms {
		if td := t.Mono.Degree(); d < 0 || td < d {
			d = td
		}
	}
	return d
}

// Vars returns the sorted set of variables appearing in p.
func (p Polynomial) Vars() []string {
	seen := map[string]struct{}{}
	for _, t := range p.terms {
		for _, pw := range t.Mono {
			seen[pw.Var] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Add returns p+q.
func (p Polynomial) Add(q Polynomial) Polynomial {
	out := make(map[string]Term, len(p.terms)+len(q.terms))
	for k, t := range p.terms {
		out[k] = t
	}
	for _, t := range q.terms {
		addTerm(out, t.Coef, t.Mono)
	}
	return Polynomial{terms: out}
}

// Sub returns p-q.
func (p Polynomial) Sub(q Polynomial) Polynomial {
	return p.Add(q.Scale(-1))
}

// Scale returns c*p.
func (p Polynomial) Scale(c float64) Polynomial {
	out := make(map[string]Term, len(p.terms))
	if c == 0 {
		return Polynomial{terms: out}
	}
	for k, t := range p.terms {
		out[k] = Term{Coef: c * t.Coef, Mono: t.Mono}
	}
	return Polynomial{terms: out}
}

// Mul returns p*q.
func (p Polynomial) Mul(q Polynomial) Polynomial {
	out := map[string]Term{}
	for _, a := range p.terms {
		for _, b := range q.terms {
			addTerm(out, a.Coef*b.Coef, a.Mono.Mul(b.Mono))
		}
	}
	return Polynomial{terms: out}
}

// MulMono returns c*m*p.
func (p Polynomial) MulMono(c float64, m Monomial) Polynomial {
	out := make(map[string]Term, len(p.terms))
	for _, t := range p.terms {
		addTerm(out, c*t.Coef, t.Mono.Mul(m))
	}
	return Polynomial{terms: out}
}

// Pow returns p^n for n >= 0.
func (p Polynomial) Pow(n int) Polynomial {
	out := Const(1)
	for i := 0; i < n; i++ {
		out = out.Mul(p)
	}
	return out
}

// Derivative differentiates p with respect to v.
func (p Polynomial) Derivative(v string) Polynomial {
	out := map[string]Term{}
	for _, t := range p.terms {
		e := t.Mono.Exp(v)
		if e == 0 {
			continue
		}
		exps := t.Mono.Exponents()
		exps[v] = e - 1
		addTerm(out, t.Coef*float64(e), NewMonomial(exps))
	}
	return Polynomial{terms: out}
}

// Eval evaluates p at a point. Missing variables evaluate to zero.
func (p Polynomial) Eval(point map[string]float64) float64 {
	sum := 0.0
	for _, t := range p.terms {
		v := t.Coef
		for _, pw := range t.Mono {
			v *= math.Pow(point[pw.Var], float64(pw.Exp))
		}
		sum += v
	}
	return sum
}

// Clean drops terms whose coefficient magnitude is at most tol.
func (p Polynomial) Clean(tol float64) Polynomial {
	out := make(map[string]Term, len(p.terms))
	for k, t := range p.terms {
		if math.Abs(t.Coef) > tol {
			out[k] = t
		}
	}
	return Polynomial{terms: out}
}

// MaxAbsCoef returns the largest coefficient magnitude.
func (p Polynomial) MaxAbsCoef() float64 {
	m := 0.0
	for _, t := range p.terms {
		if a := math.Abs(t.Coef); a > m {
			m = a
		}
	}
	return m
}

// Equal reports whether every coefficient of p-q is at most tol in magnitude.
func (p Polynomial) Equal(q Polynomial, tol float64) bool {
	return p.Sub(q).MaxAbsCoef() <= tol
}

func (p Polynomial) String() string {
	terms := p.Terms()
	if len(terms) == 0 {
		return "0"
	}
	var b strings.Builder
	for i, t := range terms {
		c := t.Coef
		if i > 0 {
			if c < 0 {
				b.WriteString(" - ")
				c = -c
			} else {
				b.WriteString(" + ")
			}
		} else if c < 0 {
			b.WriteString("-")
			c = -c
		}
		switch {
		case t.Mono.IsConstant():
			b.WriteString(formatCoef(c))
		case c == 1:
			b.WriteString(t.Mono.Key())
		default:
			b.WriteString(formatCoef(c))
			b.WriteByte('*')
			b.WriteString(t.Mono.Key())
		}
	}
	return b.String()
}

func formatCoef(c float64) string {
	return strconv.FormatFloat(c, 'g', -1, 64)
}
