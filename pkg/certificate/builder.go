package certificate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"polycert/pkg/basis"
	"polycert/pkg/cone"
	"polycert/pkg/conic"
	"polycert/pkg/domain"
	"polycert/pkg/poly"
)

var tracer = otel.Tracer("polycert/certificate")

// Builder reformulates constraints onto a shared optimizer. It is safe for
// concurrent use when the optimizer is.
type Builder struct {
	opt     conic.Optimizer
	arena   *Arena
	bases   *basis.Cache
	domains *domain.Cache
	log     *slog.Logger
	// Parallelism bounds BuildAll; zero or less means unbounded.
	Parallelism int
}

func NewBuilder(opt conic.Optimizer, arena *Arena, log *slog.Logger) *Builder {
	if arena == nil {
		arena = NewArena()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Builder{opt: opt, arena: arena, bases: basis.NewCache(), domains: domain.NewCache(), log: log}
}

func (b *Builder) Arena() *Arena { return b.arena }

func (b *Builder) Optimizer() conic.Optimizer { return b.opt }

// Build reformulates c and registers the certificate. Every fatal error is
// returned before the optimizer is touched.
func (b *Builder) Build(ctx context.Context, c Constraint) (Handle, error) {
	kind := c.Cone
	if kind == nil {
		kind = cone.FullPSD{}
	}
	_, span := tracer.Start(ctx, "certificate.Build",
		trace.WithAttributes(
			attribute.String("certificate.name", c.Name),
			attribute.String("certificate.cone", kind.String()),
		),
	)
	defer span.End()

	h, err := b.build(c, kind, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetStatus(codes.Ok, "")
	return h, nil
}

func (b *Builder) build(c Constraint, kind cone.Kind, span trace.Span) (Handle, error) {
	if inner, ok := kind.(cone.CopositiveInner); ok && cone.IsCopositive(inner.Inner) {
		return 0, fmt.Errorf("%w: nested copositive cone %s", cone.ErrInvalidConeForDomain, kind)
	}
	if c.Name != "" {
		if err := b.arena.Reserve(c.Name); err != nil {
			return 0, err
		}
		h, err := b.assemble(c, kind, span)
		if err != nil {
			b.arena.Release(c.Name)
		}
		return h, err
	}
	return b.assemble(c, kind, span)
}

func (b *Builder) assemble(c Constraint, kind cone.Kind, span trace.Span) (Handle, error) {
	copositive := cone.IsCopositive(kind)
	x, err := b.bases.Choose(c.Target.Poly, c.Basis, basis.Options{
		Extra: c.Target.decisionMonomials(),
		Prune: c.Domain.IsEmpty() && !copositive,
	})
	if err != nil {
		return 0, fmt.Errorf("constraint %q: %w", c.Name, err)
	}
	if copositive && !c.Domain.IsEmpty() {
		if err := checkCopositiveDomain(c.Domain, x); err != nil {
			return 0, fmt.Errorf("constraint %q: %w", c.Name, err)
		}
	}
	var red *domain.Reduction
	if !c.Domain.IsEmpty() {
		opts := c.DomainOptions
		if opts.Logger == nil {
			opts.Logger = b.log
		}
		red, err = b.domains.Preprocess(c.Domain, c.Target.Shape(), opts)
		if err != nil {
			return 0, fmt.Errorf("constraint %q: %w", c.Name, err)
		}
	}
	span.SetAttributes(attribute.Int("certificate.basis_size", len(x)))

	gram, err := cone.Map(b.opt, kind, len(x))
	if err != nil {
		return 0, fmt.Errorf("constraint %q: %w", c.Name, err)
	}
	cert := &Certificate{
		Name:      c.Name,
		Cone:      kind,
		Target:    c.Target,
		Domain:    c.Domain,
		Basis:     x,
		Gram:      gram,
		Reduction: red,
	}
	rows := newRowSet(red)
	rows.addQuadratic(x, gram.Q, poly.Const(1))
	if red != nil {
		cert.Warnings = red.Warnings
		mk := cone.MultiplierKind(kind)
		for _, m := range red.Multipliers {
			l, err := cone.Map(b.opt, mk, len(m.Basis))
			if err != nil {
				return 0, fmt.Errorf("constraint %q: multiplier %d: %w", c.Name, m.Index, err)
			}
			cert.Multipliers = append(cert.Multipliers, Multiplier{Index: m.Index, Generator: m.Generator, Basis: m.Basis, Layout: l})
			rows.addQuadratic(m.Basis, l.Q, m.Generator)
		}
	}
	for _, d := range c.Target.Decision {
		rows.add(d.Mono, d.Var, -d.Coef)
	}
	rows.setRHS(c.Target.Poly)
	cert.Rows, err = rows.emit(b.opt)
	if err != nil {
		return 0, fmt.Errorf("constraint %q: %w", c.Name, err)
	}
	h, err := b.arena.Register(cert)
	if err != nil {
		return 0, err
	}
	b.log.Debug("certificate built",
		"name", cert.Name,
		"cone", kind.String(),
		"basis", len(x),
		"multipliers", len(cert.Multipliers),
		"rows", len(cert.Rows),
	)
	for _, w := range cert.Warnings {
		b.log.Warn("certificate weakened", "name", cert.Name, "code", string(w.Code), "generator", w.Generator)
	}
	return h, nil
}

// checkCopositiveDomain requires every variable with an odd exponent in the
// basis to be declared nonnegative, so that every product X_i X_j is
// nonnegative on the domain.
func checkCopositiveDomain(set domain.Set, x poly.MonomialVector) error {
	nonneg := set.NonnegativeVars()
	for _, m := range x {
		for _, p := range m {
			if p.Exp%2 == 1 && !nonneg[p.Var] {
				return fmt.Errorf("%w: copositive cone needs %s >= 0 in the domain", cone.ErrInvalidConeForDomain, p.Var)
			}
		}
	}
	return nil
}

// BuildAll builds constraints concurrently and returns their handles in
// input order. The first error cancels the remaining builds.
func (b *Builder) BuildAll(ctx context.Context, cs []Constraint) ([]Handle, error) {
	handles := make([]Handle, len(cs))
	g, ctx := errgroup.WithContext(ctx)
	if b.Parallelism > 0 {
		g.SetLimit(b.Parallelism)
	}
	for i := range cs {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := b.Build(ctx, cs[i])
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return handles, nil
}

// rowSet accumulates coefficient-matching rows keyed by reduced monomial.
type rowSet struct {
	red  *domain.Reduction
	rows map[string]*rowAcc
}

type rowAcc struct {
	mono  poly.Monomial
	terms map[conic.VarID]float64
	rhs   float64
}

func newRowSet(red *domain.Reduction) *rowSet {
	return &rowSet{red: red, rows: map[string]*rowAcc{}}
}

func (r *rowSet) row(m poly.Monomial) *rowAcc {
	key := m.Key()
	acc, ok := r.rows[key]
	if !ok {
		acc = &rowAcc{mono: m, terms: map[conic.VarID]float64{}}
		r.rows[key] = acc
	}
	return acc
}

func (r *rowSet) normalForm(m poly.Monomial) poly.Polynomial {
	if r.red == nil || r.red.Ideal.IsTrivial() {
		return poly.Mono(1, m)
	}
	return r.red.Ideal.ReduceMonomial(m)
}

// add puts coef*v*NF(m) on the left-hand side.
func (r *rowSet) add(m poly.Monomial, v conic.VarID, coef float64) {
	for _, t := range r.normalForm(m).Terms() {
		r.row(t.Mono).terms[v] += coef * t.Coef
	}
}

// addQuadratic adds g * xᵀQx.
func (r *rowSet) addQuadratic(x poly.MonomialVector, q cone.SymMatrix, g poly.Polynomial) {
	gt := g.Terms()
	for j := range x {
		for i := 0; i <= j; i++ {
			factor := 2.0
			if i == j {
				factor = 1
			}
			prod := x[i].Mul(x[j])
			for _, t := range gt {
				r.add(prod.Mul(t.Mono), q.At(i, j), factor*t.Coef)
			}
		}
	}
}

func (r *rowSet) setRHS(p poly.Polynomial) {
	for _, t := range p.Terms() {
		for _, nt := range r.normalForm(t.Mono).Terms() {
			r.row(nt.Mono).rhs += t.Coef * nt.Coef
		}
	}
}

// emit adds one equality per monomial in ascending order. Monomials with no
// variables and a zero right-hand side need no row.
func (r *rowSet) emit(opt conic.Optimizer) ([]Row, error) {
	accs := make([]*rowAcc, 0, len(r.rows))
	for _, acc := range r.rows {
		accs = append(accs, acc)
	}
	sort.Slice(accs, func(i, j int) bool { return poly.Compare(accs[i].mono, accs[j].mono) < 0 })
	out := make([]Row, 0, len(accs))
	for _, acc := range accs {
		terms := make([]conic.Term, 0, len(acc.terms))
		for v, c := range acc.terms {
			if c != 0 {
				terms = append(terms, conic.Term{Var: v, Coef: c})
			}
		}
		if len(terms) == 0 && acc.rhs == 0 {
			continue
		}
		sort.Slice(terms, func(i, j int) bool { return terms[i].Var < terms[j].Var })
		id, err := opt.AddLinearEquality(terms, acc.rhs)
		if err != nil {
			return nil, err
		}
		out = append(out, Row{Mono: acc.mono, ID: id})
	}
	return out, nil
}
