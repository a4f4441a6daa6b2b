// Package poly is the small polynomial-algebra surface the certificate engine
// consumes: monomials as exponent vectors, real-coefficient polynomials and
// ordered monomial vectors. It deliberately stops at what the engine needs.
package poly

import (
	"sort"
	"strconv"
	"strings"
)

// Power is a single variable raised to a positive exponent.
type Power struct {
	Var string
	Exp int
}

// Monomial is a canonical product of powers, sorted by variable name with
// zero exponents removed. The empty monomial is the constant 1.
type Monomial []Power

// One returns the constant monomial.
func One() Monomial { return Monomial{} }

// VarMonomial returns the monomial consisting of a single variable.
func VarMonomial(name string) Monomial {
	return Monomial{{Var: name, Exp: 1}}
}

// NewMonomial builds a canonical monomial from variable exponents.
func NewMonomial(exps map[string]int) Monomial {
	out := make(Monomial, 0, len(exps))
	for v, e := range exps {
		if e > 0 {
			out = append(out, Power{Var: v, Exp: e})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Var < out[j].Var })
	return out
}

// Exponents returns the monomial as a variable -> exponent map.
func (m Monomial) Exponents() map[string]int {
	out := make(map[string]int, len(m))
	for _, p := range m {
		out[p.Var] = p.Exp
	}
	return out
}

// Exp returns the exponent of v in m.
func (m Monomial) Exp(v string) int {
	for _, p := range m {
		if p.Var == v {
			return p.Exp
		}
	}
	return 0
}

// Degree is the total degree.
func (m Monomial) Degree() int {
	d := 0
	for _, p := range m {
		d += p.Exp
	}
	return d
}

// IsConstant reports whether m is the constant monomial.
func (m Monomial) IsConstant() bool { return len(m) == 0 }

// Vars returns the variables of m in canonical order.
func (m Monomial) Vars() []string {
	out := make([]string, len(m))
	for i, p := range m {
		out[i] = p.Var
	}
	return out
}

// Mul multiplies two monomials.
func (m Monomial) Mul(o Monomial) Monomial {
	out := make(Monomial, 0, len(m)+len(o))
	i, j := 0, 0
	for i < len(m) || j < len(o) {
		switch {
		case j >= len(o) || (i < len(m) && m[i].Var < o[j].Var):
			out = append(out, m[i])
			i++
		case i >= len(m) || o[j].Var < m[i].Var:
			out = append(out, o[j])
			j++
		default:
			out = append(out, Power{Var: m[i].Var, Exp: m[i].Exp + o[j].Exp})
			i++
			j++
		}
	}
	return out
}

// Divides reports whether m divides o.
func (m Monomial) Divides(o Monomial) bool {
	for _, p := range m {
		if o.Exp(p.Var) < p.Exp {
			return false
		}
	}
	return true
}

// Div returns o/m. The caller must ensure m divides o.
func (m Monomial) Div(o Monomial) Monomial {
	exps := o.Exponents()
	for _, p := range m {
		exps[p.Var] -= p.Exp
	}
	return NewMonomial(exps)
}

// LCM returns the least common multiple of m and o.
func (m Monomial) LCM(o Monomial) Monomial {
	exps := m.Exponents()
	for _, p := range o {
		if p.Exp > exps[p.Var] {
			exps[p.Var] = p.Exp
		}
	}
	return NewMonomial(exps)
}

// Halves splits m into floor(m/2) and ceil(m/2) coordinate-wise. The two
// halves multiply back to m.
func (m Monomial) Halves() (Monomial, Monomial) {
	lo := make(map[string]int, len(m))
	hi := make(map[string]int, len(m))
	for _, p := range m {
		lo[p.Var] = p.Exp / 2
		hi[p.Var] = p.Exp - p.Exp/2
	}
	return NewMonomial(lo), NewMonomial(hi)
}

// Equal reports structural equality.
func (m Monomial) Equal(o Monomial) bool {
	return Compare(m, o) == 0
}

// Key is a canonical string usable as a map key.
func (m Monomial) Key() string {
	if len(m) == 0 {
		return "1"
	}
	var b strings.Builder
	for i, p := range m {
		if i > 0 {
			b.WriteByte('*')
		}
		b.WriteString(p.Var)
		if p.Exp != 1 {
			b.WriteByte('^')
			b.WriteString(strconv.Itoa(p.Exp))
		}
	}
	return b.String()
}

func (m Monomial) String() string { return m.Key() }

// Compare orders monomials graded-lexicographically: total degree first, then
// exponents variable by variable in ascending name order, a larger exponent
// on an earlier variable being larger. It returns -1, 0 or 1.
func Compare(a, b Monomial) int {
	da, db := a.Degree(), b.Degree()
	if da != db {
		if da < db {
			return -1
		}
		return 1
	}
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i].Var < b[j].Var):
			return 1
		case i >= len(a) || b[j].Var < a[i].Var:
			return -1
		}
		if a[i].Exp != b[j].Exp {
			if a[i].Exp < b[j].Exp {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	return 0
}
