// Package session runs one problem source through compilation, certificate
// construction, solving and extraction. certd and sosctl share it so that a
// problem rebuilt from its source numbers its solver variables identically.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"polycert/pkg/certificate"
	"polycert/pkg/conic"
	"polycert/pkg/domain"
	"polycert/pkg/extract"
	"polycert/pkg/polydsl"
	"polycert/pkg/problemir"
)

var ErrUnknownConstraint = errors.New("session: unknown constraint")

type Options struct {
	Domain domain.Options
	Logger *slog.Logger
}

// Session holds one compiled problem. Open builds constraints one at a time
// so variable and row ids depend only on the source.
type Session struct {
	IR       *problemir.Problem
	model    *conic.Model
	arena    *certificate.Arena
	handles  []certificate.Handle
	decision map[string]conic.VarID
	log      *slog.Logger
}

// Open parses source (DSL or YAML) and reformulates every constraint.
func Open(ctx context.Context, source string, opts Options) (*Session, error) {
	ir, err := polydsl.Load(source)
	if err != nil {
		return nil, err
	}
	return FromIR(ctx, ir, opts)
}

func FromIR(ctx context.Context, ir *problemir.Problem, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Domain.Logger == nil {
		opts.Domain.Logger = log
	}
	model := conic.NewModel(nil)
	compiled, err := polydsl.Compile(ir, model, opts.Domain)
	if err != nil {
		return nil, err
	}
	arena := certificate.NewArena()
	builder := certificate.NewBuilder(model, arena, log)
	builder.Parallelism = 1
	handles, err := builder.BuildAll(ctx, compiled.Constraints)
	if err != nil {
		return nil, err
	}
	log.Debug("problem reformulated", "problem", ir.ID, "certificates", len(handles))
	return &Session{
		IR:       ir,
		model:    model,
		arena:    arena,
		handles:  handles,
		decision: compiled.Decision,
		log:      log,
	}, nil
}

// Problem is the conic problem data to hand to a solver.
func (s *Session) Problem() *conic.Problem { return s.model.Problem() }

// Certificates returns the certificates in source order.
func (s *Session) Certificates() []*certificate.Certificate {
	out := make([]*certificate.Certificate, 0, len(s.handles))
	for _, h := range s.handles {
		c, err := s.arena.Get(h)
		if err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Check verifies a primal point against the problem data.
func (s *Session) Check(sol *conic.Solution, tol float64) error {
	if sol == nil {
		return conic.ErrNoSolution
	}
	return conic.Check(s.Problem(), sol.Primal, tol)
}

// Result is a finished optimal solve.
type Result struct {
	Status    conic.Status
	Extractor *extract.Extractor
	// Decision holds the values of bound variables by name.
	Decision map[string]float64
}

// Solve runs backend on the problem. Non-optimal statuses come back as a
// *conic.StatusError.
func (s *Session) Solve(ctx context.Context, backend conic.Backend) (*Result, error) {
	s.model.SetBackend(backend)
	ex, err := extract.Solve(ctx, s.model, s.arena, s.log)
	if err != nil {
		return nil, err
	}
	res := &Result{Status: conic.StatusOptimal, Extractor: ex, Decision: map[string]float64{}}
	for name, id := range s.decision {
		v, err := s.model.PrimalValue(id)
		if err != nil {
			return nil, fmt.Errorf("decision %s: %w", name, err)
		}
		res.Decision[name] = v
	}
	return res, nil
}

// Apply is Solve with a solution computed elsewhere.
func (s *Session) Apply(ctx context.Context, sol *conic.Solution) (*Result, error) {
	return s.Solve(ctx, conic.StaticBackend{Solution: sol})
}

// Report extracts all attributes of the named constraint.
func (s *Session) Report(ctx context.Context, r *Result, name string, tol float64) (*extract.Report, error) {
	c, ok := s.arena.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConstraint, name)
	}
	return r.Extractor.Report(ctx, c.Handle, tol)
}

// Reports extracts every constraint in source order.
func (s *Session) Reports(ctx context.Context, r *Result, tol float64) ([]*extract.Report, error) {
	out := make([]*extract.Report, 0, len(s.handles))
	for _, h := range s.handles {
		rep, err := r.Extractor.Report(ctx, h, tol)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}
