// Package certificate reformulates polynomial nonnegativity constraints into
// conic problem data and keeps the resulting certificates in an arena for
// extraction after the solve.
package certificate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"polycert/pkg/cone"
	"polycert/pkg/conic"
	"polycert/pkg/domain"
	"polycert/pkg/poly"
)

var (
	ErrDuplicateName = errors.New("certificate: duplicate constraint name")
	ErrUnknownHandle = errors.New("certificate: unknown handle")
	ErrNotSymmetric  = errors.New("certificate: polynomial matrix is not symmetric")
)

// DecisionTerm is Coef * Var * Mono, a target coefficient that depends on a
// solver variable.
type DecisionTerm struct {
	Var  conic.VarID
	Mono poly.Monomial
	Coef float64
}

// Scalar is the decision term coef*v on the constant monomial.
func Scalar(v conic.VarID, coef float64) DecisionTerm {
	return DecisionTerm{Var: v, Mono: poly.One(), Coef: coef}
}

// Target is Poly + Σ Decision, the polynomial required to be nonnegative.
type Target struct {
	Poly     poly.Polynomial
	Decision []DecisionTerm
}

// Support is the union of the fixed support and the decision monomials.
func (t Target) Support() poly.MonomialVector {
	return t.Poly.Support().Union(t.decisionMonomials())
}

func (t Target) decisionMonomials() poly.MonomialVector {
	ms := make([]poly.Monomial, len(t.Decision))
	for i, d := range t.Decision {
		ms[i] = d.Mono
	}
	return poly.NewMonomialVector(ms...)
}

// Shape is a polynomial with the support of the target and unit
// coefficients. Its degree and variables are those of the target.
func (t Target) Shape() poly.Polynomial {
	support := t.Support()
	terms := make([]poly.Term, len(support))
	for i, m := range support {
		terms[i] = poly.Term{Coef: 1, Mono: m}
	}
	return poly.FromTerms(terms...)
}

// Evaluate substitutes decision values into the target.
func (t Target) Evaluate(value func(conic.VarID) (float64, error)) (poly.Polynomial, error) {
	out := t.Poly
	for _, d := range t.Decision {
		v, err := value(d.Var)
		if err != nil {
			return poly.Polynomial{}, err
		}
		out = out.Add(poly.Mono(d.Coef*v, d.Mono))
	}
	return out, nil
}

// Constraint asks for Target >= 0 on Domain, certified with Cone.
type Constraint struct {
	Name   string
	Target Target
	Domain domain.Set
	// Cone defaults to cone.FullPSD.
	Cone cone.Kind
	// Basis, when non-empty, replaces the support-derived basis.
	Basis         poly.MonomialVector
	DomainOptions domain.Options
}

// Multiplier is the certificate part for one domain generator: λ = YᵀQY
// with Y = Basis and λ·Generator added to the Gram part.
type Multiplier struct {
	Index     int
	Generator poly.Polynomial
	Basis     poly.MonomialVector
	Layout    *cone.Layout
}

// Row is the coefficient-matching equality of one reduced monomial.
type Row struct {
	Mono poly.Monomial
	ID   conic.ConstraintID
}

type Handle int

// Certificate is the reformulation of one constraint. It is read-only once
// registered.
type Certificate struct {
	Handle      Handle
	Name        string
	Cone        cone.Kind
	Target      Target
	Domain      domain.Set
	Basis       poly.MonomialVector
	Gram        *cone.Layout
	Multipliers []Multiplier
	Reduction   *domain.Reduction
	Rows        []Row
	Warnings    []domain.Warning
}

// Row returns the equality whose dual is the moment of m.
func (c *Certificate) Row(m poly.Monomial) (conic.ConstraintID, bool) {
	i := sort.Search(len(c.Rows), func(i int) bool { return poly.Compare(c.Rows[i].Mono, m) >= 0 })
	if i < len(c.Rows) && c.Rows[i].Mono.Equal(m) {
		return c.Rows[i].ID, true
	}
	return 0, false
}

// Reduce is the normal form of p modulo the certificate's equality ideal.
func (c *Certificate) Reduce(p poly.Polynomial) poly.Polynomial {
	return c.Reduction.Reduce(p)
}

// Arena owns certificates by handle.
type Arena struct {
	mu       sync.RWMutex
	certs    []*Certificate
	byName   map[string]Handle
	reserved map[string]struct{}
}

func NewArena() *Arena {
	return &Arena{byName: map[string]Handle{}, reserved: map[string]struct{}{}}
}

// Reserve claims name for a build in progress. It fails with
// ErrDuplicateName when the name is registered or already reserved.
func (a *Arena) Reserve(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, taken := a.byName[name]
	_, pending := a.reserved[name]
	if taken || pending {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	a.reserved[name] = struct{}{}
	return nil
}

// Release drops a reservation that will not be registered.
func (a *Arena) Release(name string) {
	a.mu.Lock()
	delete(a.reserved, name)
	a.mu.Unlock()
}

// Register stores c, assigning its handle and a name when it has none.
func (a *Arena) Register(c *Certificate) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := Handle(len(a.certs))
	if c.Name == "" {
		c.Name = fmt.Sprintf("c%d", h)
		if _, pending := a.reserved[c.Name]; pending {
			return 0, fmt.Errorf("%w: %q", ErrDuplicateName, c.Name)
		}
	}
	if _, ok := a.byName[c.Name]; ok {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateName, c.Name)
	}
	delete(a.reserved, c.Name)
	c.Handle = h
	a.certs = append(a.certs, c)
	a.byName[c.Name] = h
	return h, nil
}

func (a *Arena) Get(h Handle) (*Certificate, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(h) < 0 || int(h) >= len(a.certs) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return a.certs[h], nil
}

// Lookup finds a certificate by constraint name.
func (a *Arena) Lookup(name string) (*Certificate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.byName[name]
	if !ok {
		return nil, false
	}
	return a.certs[h], true
}

// All returns every certificate in handle order.
func (a *Arena) All() []*Certificate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Certificate(nil), a.certs...)
}

func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.certs)
}
