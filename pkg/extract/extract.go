// Package extract reads certificates back after a solve: Gram matrices from
// primal values, moment matrices from the duals of the coefficient rows, and
// atoms from the moment matrices.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"polycert/pkg/certificate"
	"polycert/pkg/conic"
	"polycert/pkg/moment"
	"polycert/pkg/poly"
)

var tracer = otel.Tracer("polycert/extract")

// LagrangianMultiplier is the solved SOS multiplier λ of one generator g.
type LagrangianMultiplier struct {
	Index      int             `json:"index"`
	Generator  poly.Polynomial `json:"-"`
	Gram       *GramMatrix     `json:"gram"`
	Polynomial poly.Polynomial `json:"-"`
}

// Extractor answers attribute queries for the certificates of an arena. It
// only exists for an optimal solve; results are computed on first request
// and cached per handle.
type Extractor struct {
	opt   conic.Optimizer
	arena *certificate.Arena
	log   *slog.Logger

	mu    sync.Mutex
	cache map[certificate.Handle]*entry
}

type entry struct {
	gram     *GramMatrix
	full     *GramMatrix
	moments  *moment.Matrix
	mults    []LagrangianMultiplier
	residual *poly.Polynomial
	atoms    map[float64]moment.AtomResult
}

// New wraps a finished solve. Any status other than optimal is returned as a
// *conic.StatusError, which matches conic.ErrSolverFailure.
func New(opt conic.Optimizer, arena *certificate.Arena, status conic.Status, log *slog.Logger) (*Extractor, error) {
	if status != conic.StatusOptimal {
		return nil, &conic.StatusError{Status: status}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{opt: opt, arena: arena, log: log, cache: map[certificate.Handle]*entry{}}, nil
}

// Solve runs the optimizer and wraps the result.
func Solve(ctx context.Context, opt conic.Optimizer, arena *certificate.Arena, log *slog.Logger) (*Extractor, error) {
	ctx, span := tracer.Start(ctx, "extract.Solve",
		trace.WithAttributes(attribute.Int("certificate.count", arena.Len())),
	)
	defer span.End()
	status, err := opt.Solve(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("solve: %w", err)
	}
	span.SetAttributes(attribute.String("solver.status", string(status)))
	ex, err := New(opt, arena, status, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return ex, nil
}

func (e *Extractor) entry(h certificate.Handle) (*certificate.Certificate, *entry, error) {
	cert, err := e.arena.Get(h)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.cache[h]
	if !ok {
		en = &entry{atoms: map[float64]moment.AtomResult{}}
		e.cache[h] = en
	}
	return cert, en, nil
}

// GramMatrix returns the Gram matrix of h: Q, or P for a copositive split.
func (e *Extractor) GramMatrix(h certificate.Handle) (*GramMatrix, error) {
	cert, en, err := e.entry(h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	cached := en.gram
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	q, err := cert.Gram.Gram().Values(e.opt.PrimalValue)
	if err != nil {
		return nil, fmt.Errorf("gram matrix of %q: %w", cert.Name, err)
	}
	g := &GramMatrix{Basis: cert.Basis, Q: q}
	e.mu.Lock()
	en.gram = g
	e.mu.Unlock()
	return g, nil
}

// fullGram is the matrix entering the coefficient rows, Q = P + Λ for a
// copositive split.
func (e *Extractor) fullGram(h certificate.Handle) (*GramMatrix, error) {
	cert, en, err := e.entry(h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	cached := en.full
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	q, err := cert.Gram.Q.Values(e.opt.PrimalValue)
	if err != nil {
		return nil, fmt.Errorf("gram matrix of %q: %w", cert.Name, err)
	}
	g := &GramMatrix{Basis: cert.Basis, Q: q}
	e.mu.Lock()
	en.full = g
	e.mu.Unlock()
	return g, nil
}

// CertificateMonomials returns the basis X of h.
func (e *Extractor) CertificateMonomials(h certificate.Handle) (poly.MonomialVector, error) {
	cert, err := e.arena.Get(h)
	if err != nil {
		return nil, err
	}
	return cert.Basis, nil
}

// MomentMatrix returns M with M_ij = Σ_k c_k y_{m_k}, where
// NF(X_i X_j) = Σ_k c_k m_k and y_m is the dual of the row of m.
func (e *Extractor) MomentMatrix(h certificate.Handle) (*moment.Matrix, error) {
	cert, en, err := e.entry(h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	cached := en.moments
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	duals := map[string]float64{}
	dual := func(m poly.Monomial) (float64, error) {
		key := m.Key()
		if v, ok := duals[key]; ok {
			return v, nil
		}
		id, ok := cert.Row(m)
		if !ok {
			duals[key] = 0
			return 0, nil
		}
		v, err := e.opt.DualValue(id)
		if err != nil {
			return 0, fmt.Errorf("moment matrix of %q: %w", cert.Name, err)
		}
		duals[key] = v
		return v, nil
	}
	n := len(cert.Basis)
	vals := make([][]float64, n)
	for i := range vals {
		vals[i] = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		for i := 0; i <= j; i++ {
			nf := cert.Reduce(poly.Mono(1, cert.Basis[i].Mul(cert.Basis[j])))
			s := 0.0
			for _, t := range nf.Terms() {
				y, err := dual(t.Mono)
				if err != nil {
					return nil, err
				}
				s += t.Coef * y
			}
			vals[i][j] = s
			vals[j][i] = s
		}
	}
	m := &moment.Matrix{Basis: cert.Basis, Values: vals}
	e.mu.Lock()
	en.moments = m
	e.mu.Unlock()
	return m, nil
}

// LagrangianMultipliers returns the solved multipliers λ_i paired with their
// generators g_i, in generator order.
func (e *Extractor) LagrangianMultipliers(h certificate.Handle) ([]LagrangianMultiplier, error) {
	cert, en, err := e.entry(h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	cached := en.mults
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	out := make([]LagrangianMultiplier, 0, len(cert.Multipliers))
	for _, m := range cert.Multipliers {
		q, err := m.Layout.Gram().Values(e.opt.PrimalValue)
		if err != nil {
			return nil, fmt.Errorf("multiplier %d of %q: %w", m.Index, cert.Name, err)
		}
		g := &GramMatrix{Basis: m.Basis, Q: q}
		out = append(out, LagrangianMultiplier{Index: m.Index, Generator: m.Generator, Gram: g, Polynomial: g.Polynomial()})
	}
	e.mu.Lock()
	en.mults = out
	e.mu.Unlock()
	return out, nil
}

// Atoms runs flat-extension atom extraction on the moment matrix of h.
func (e *Extractor) Atoms(ctx context.Context, h certificate.Handle, tol float64) (moment.AtomResult, error) {
	_, span := tracer.Start(ctx, "extract.Atoms", trace.WithAttributes(attribute.Int("certificate.handle", int(h))))
	defer span.End()
	cert, en, err := e.entry(h)
	if err != nil {
		return moment.AtomResult{}, err
	}
	e.mu.Lock()
	cached, ok := en.atoms[tol]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}
	m, err := e.MomentMatrix(h)
	if err != nil {
		return moment.AtomResult{}, err
	}
	res, err := moment.Extract(*m, tol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Warn("atom extraction failed", "name", cert.Name, "err", err)
		return moment.AtomResult{}, err
	}
	span.SetAttributes(attribute.Bool("atoms.found", res.Found), attribute.Int("atoms.rank", res.Rank))
	e.log.Debug("atom extraction", "name", cert.Name, "found", res.Found, "rank", res.Rank)
	e.mu.Lock()
	en.atoms[tol] = res
	e.mu.Unlock()
	return res, nil
}

// Residual is target − Σ λ_i g_i − XᵀQX reduced modulo the equality ideal,
// with decision values substituted. It is zero up to solver accuracy for a
// valid certificate.
func (e *Extractor) Residual(h certificate.Handle) (poly.Polynomial, error) {
	cert, en, err := e.entry(h)
	if err != nil {
		return poly.Polynomial{}, err
	}
	e.mu.Lock()
	cached := en.residual
	e.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	target, err := cert.Target.Evaluate(e.opt.PrimalValue)
	if err != nil {
		return poly.Polynomial{}, err
	}
	full, err := e.fullGram(h)
	if err != nil {
		return poly.Polynomial{}, err
	}
	rest := target.Sub(full.Polynomial())
	mults, err := e.LagrangianMultipliers(h)
	if err != nil {
		return poly.Polynomial{}, err
	}
	for _, m := range mults {
		rest = rest.Sub(m.Polynomial.Mul(m.Generator))
	}
	rest = cert.Reduce(rest)
	e.mu.Lock()
	en.residual = &rest
	e.mu.Unlock()
	return rest, nil
}
