package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"polycert/pkg/auth"
	"polycert/pkg/basis"
	"polycert/pkg/cone"
	"polycert/pkg/conic"
	"polycert/pkg/domain"
	"polycert/pkg/extract"
	"polycert/pkg/httpx"
	"polycert/pkg/metrics"
	"polycert/pkg/problemir"
	"polycert/pkg/ratelimit"
	"polycert/pkg/session"
	"polycert/pkg/solvebus"
	"polycert/pkg/store"
	"polycert/pkg/stream"
)

type archive interface {
	SaveProblem(ctx context.Context, rec store.Record) error
	SaveSolution(ctx context.Context, id string, sol *conic.Solution) error
	SaveReport(ctx context.Context, id, constraint string, report any) error
	LoadProblem(ctx context.Context, id string) (*store.Record, error)
}

type Server struct {
	Problems *store.Problems
	// Archive is optional; without it records live only as long as the cache
	// keeps them.
	Archive      archive
	Events       *stream.Hub
	Metrics      *metrics.Registry
	Solver       conic.Backend
	SolverName   string
	Session      session.Options
	Tolerance    float64
	MaxBodyBytes int64
	Limiter      ratelimit.Limiter
	RateLimit    int
	CORSOrigins  []string
	Auth         auth.Config

	newID func() string
}

var (
	errNoSolution      = errors.New("problem has no solution yet")
	errInvalidSolution = errors.New("solution does not fit the problem")
)

type certificateSummary struct {
	Name     string           `json:"name"`
	Cone     string           `json:"cone"`
	Basis    []string         `json:"certificate_monomials"`
	Rows     int              `json:"rows"`
	Warnings []domain.Warning `json:"warnings,omitempty"`
}

type problemResponse struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	CreatedAt    time.Time            `json:"created_at"`
	Certificates []certificateSummary `json:"certificates,omitempty"`
	Problem      *conic.Problem       `json:"problem"`
	Solution     *conic.Solution      `json:"solution,omitempty"`
}

type solutionResponse struct {
	ProblemID string             `json:"problem_id"`
	Status    conic.Status       `json:"status"`
	Solver    string             `json:"solver,omitempty"`
	Decision  map[string]float64 `json:"decision,omitempty"`
	// CheckError is set when the primal point misses a constraint by more
	// than the tolerance.
	CheckError string `json:"check_error,omitempty"`
}

// buildErrorClass names the failure for the build_errors counter.
func buildErrorClass(err error) string {
	switch {
	case errors.Is(err, basis.ErrBasisTooSmall):
		return "basis_too_small"
	case errors.Is(err, domain.ErrIdealReductionUnsupported):
		return "ideal_reduction_unsupported"
	case errors.Is(err, domain.ErrMultiplierDegreeInfeasible):
		return "multiplier_degree_infeasible"
	case errors.Is(err, cone.ErrInvalidConeForDomain):
		return "invalid_cone_for_domain"
	case errors.Is(err, problemir.ErrInvalidProblem):
		return "invalid_problem"
	default:
		return "parse"
	}
}

func (s *Server) createProblem(w http.ResponseWriter, r *http.Request) {
	body, err := httpx.ReadBody(w, r, s.MaxBodyBytes)
	if err != nil {
		httpx.Error(w, httpx.StatusFor(err), "invalid request body")
		return
	}
	sess, err := session.Open(r.Context(), string(body), s.Session)
	if err != nil {
		s.Metrics.IncBuildError(buildErrorClass(err))
		httpx.ErrorDetail(w, http.StatusUnprocessableEntity, "problem rejected", err)
		return
	}
	rec := store.Record{
		ID:        s.newID(),
		Name:      sess.IR.ID,
		Version:   sess.IR.Version,
		Source:    string(body),
		CreatedAt: time.Now().UTC(),
		Problem:   sess.Problem(),
	}
	if err := s.Problems.Create(r.Context(), rec); err != nil {
		httpx.ErrorDetail(w, http.StatusInternalServerError, "store problem failed", err)
		return
	}
	if s.Archive != nil {
		if err := s.Archive.SaveProblem(r.Context(), rec); err != nil {
			log.Printf("archive problem %s: %v", rec.ID, err)
		}
	}
	summaries := summarize(sess)
	for _, c := range summaries {
		s.Metrics.IncCertificate(c.Cone)
		for _, warn := range c.Warnings {
			s.Metrics.IncWarning(string(warn.Code))
		}
	}
	s.Events.Publish(stream.NewEvent(stream.EventProblemCreated, rec.ID, map[string]any{
		"name": rec.Name, "version": rec.Version, "certificates": len(summaries),
	}))
	httpx.WriteJSON(w, http.StatusCreated, problemResponse{
		ID:           rec.ID,
		Name:         rec.Name,
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt,
		Certificates: summaries,
		Problem:      rec.Problem,
	})
}

func summarize(sess *session.Session) []certificateSummary {
	certs := sess.Certificates()
	out := make([]certificateSummary, 0, len(certs))
	for _, c := range certs {
		out = append(out, certificateSummary{
			Name:     c.Name,
			Cone:     c.Cone.String(),
			Basis:    c.Basis.Keys(),
			Rows:     len(c.Rows),
			Warnings: c.Warnings,
		})
	}
	return out
}

// loadRecord reads the cache first and refills it from the archive.
func (s *Server) loadRecord(ctx context.Context, id string) (*store.Record, error) {
	rec, err := s.Problems.Get(ctx, id)
	if err == nil || !errors.Is(err, store.ErrNotFound) || s.Archive == nil {
		return rec, err
	}
	rec, err = s.Archive.LoadProblem(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Problems.Create(ctx, *rec); err != nil && !errors.Is(err, store.ErrExists) {
		log.Printf("recache problem %s: %v", id, err)
	}
	return rec, nil
}

func (s *Server) writeLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "problem not found")
		return
	}
	httpx.ErrorDetail(w, http.StatusInternalServerError, "load problem failed", err)
}

func (s *Server) getProblem(w http.ResponseWriter, r *http.Request) {
	rec, err := s.loadRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, problemResponse{
		ID:        rec.ID,
		Name:      rec.Name,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		Problem:   rec.Problem,
		Solution:  rec.Solution,
	})
}

func (s *Server) postSolution(w http.ResponseWriter, r *http.Request) {
	var sol conic.Solution
	if err := httpx.DecodeJSON(w, r, s.MaxBodyBytes, &sol); err != nil {
		httpx.ErrorDetail(w, httpx.StatusFor(err), "invalid solution", err)
		return
	}
	if sol.Status == "" {
		httpx.Error(w, http.StatusBadRequest, "solution status required")
		return
	}
	s.respondAccept(r.Context(), w, chi.URLParam(r, "id"), &sol, r.URL.Query().Get("solver"))
}

func (s *Server) solveProblem(w http.ResponseWriter, r *http.Request) {
	if s.Solver == nil {
		httpx.Error(w, http.StatusNotImplemented, "no solver configured")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.loadRecord(r.Context(), id)
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	start := time.Now()
	sol, err := s.Solver.Solve(r.Context(), rec.Problem)
	s.Metrics.ObserveSolve(time.Since(start))
	if err != nil {
		httpx.ErrorDetail(w, http.StatusBadGateway, "solver failed", err)
		return
	}
	s.respondAccept(r.Context(), w, id, sol, s.SolverName)
}

func (s *Server) respondAccept(ctx context.Context, w http.ResponseWriter, id string, sol *conic.Solution, solver string) {
	out, err := s.acceptSolution(ctx, id, sol, solver)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, out)
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "problem not found")
	case errors.Is(err, errInvalidSolution):
		httpx.ErrorDetail(w, http.StatusUnprocessableEntity, "invalid solution", err)
	default:
		httpx.ErrorDetail(w, http.StatusInternalServerError, "accept solution failed", err)
	}
}

// acceptSolution validates sol against the stored problem and attaches it.
// Non-optimal statuses are stored too; extraction later reports them.
func (s *Server) acceptSolution(ctx context.Context, id string, sol *conic.Solution, solver string) (*solutionResponse, error) {
	rec, err := s.loadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	sess, err := session.Open(ctx, rec.Source, s.Session)
	if err != nil {
		return nil, fmt.Errorf("reopen problem %s: %w", id, err)
	}
	s.Metrics.IncSolverStatus(string(sol.Status))
	out := &solutionResponse{ProblemID: id, Status: sol.Status, Solver: solver}
	res, err := sess.Apply(ctx, sol)
	switch {
	case err == nil:
		out.Decision = res.Decision
		if err := sess.Check(sol, s.Tolerance); err != nil {
			out.CheckError = err.Error()
		}
	case errors.Is(err, conic.ErrSolverFailure):
		s.Events.Publish(stream.NewEvent(stream.EventExtractionFailed, id, map[string]string{"status": string(sol.Status)}))
	default:
		return nil, fmt.Errorf("%w: %v", errInvalidSolution, err)
	}
	if _, err := s.Problems.AttachSolution(ctx, id, sol); err != nil {
		return nil, err
	}
	if s.Archive != nil {
		if err := s.Archive.SaveSolution(ctx, id, sol); err != nil {
			log.Printf("archive solution %s: %v", id, err)
		}
	}
	s.Events.Publish(stream.NewEvent(stream.EventSolutionReceived, id, out))
	return out, nil
}

func (s *Server) handleSolutionEvent(ctx context.Context, evt solvebus.SolutionEvent) error {
	if evt.ElapsedMS > 0 {
		s.Metrics.ObserveSolve(time.Duration(evt.ElapsedMS) * time.Millisecond)
	}
	sol := evt.Solution
	_, err := s.acceptSolution(ctx, evt.ProblemID, &sol, evt.Solver)
	return err
}

func (s *Server) getConstraint(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	tol := s.Tolerance
	if raw := r.URL.Query().Get("tol"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(v > 0 && v < 1) {
			httpx.Error(w, http.StatusBadRequest, "tol must be a number in (0, 1)")
			return
		}
		tol = v
	}
	rep, err := s.extractConstraint(r.Context(), id, name, tol)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, rep)
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "problem not found")
	case errors.Is(err, session.ErrUnknownConstraint):
		httpx.Error(w, http.StatusNotFound, "constraint not found")
	case errors.Is(err, errNoSolution), errors.Is(err, conic.ErrSolverFailure):
		httpx.ErrorDetail(w, http.StatusConflict, "no optimal solution", err)
	default:
		httpx.ErrorDetail(w, http.StatusInternalServerError, "extraction failed", err)
	}
}

func (s *Server) extractConstraint(ctx context.Context, id, name string, tol float64) (*extract.Report, error) {
	rec, err := s.loadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Solution == nil {
		return nil, errNoSolution
	}
	sess, err := session.Open(ctx, rec.Source, s.Session)
	if err != nil {
		return nil, fmt.Errorf("reopen problem %s: %w", id, err)
	}
	res, err := sess.Apply(ctx, rec.Solution)
	if err != nil {
		return nil, err
	}
	rep, err := sess.Report(ctx, res, name, tol)
	if err != nil {
		if !errors.Is(err, session.ErrUnknownConstraint) {
			s.Events.Publish(stream.NewEvent(stream.EventExtractionFailed, id, map[string]string{"constraint": name, "error": err.Error()}))
		}
		return nil, err
	}
	s.Metrics.IncExtraction(extractionOutcome(rep))
	if s.Archive != nil {
		if err := s.Archive.SaveReport(ctx, id, name, rep); err != nil {
			log.Printf("archive report %s/%s: %v", id, name, err)
		}
	}
	s.Events.Publish(stream.NewEvent(stream.EventCertificateExtracted, id, map[string]any{
		"constraint": name, "atoms_found": rep.Atoms != nil && rep.Atoms.Found,
	}))
	return rep, nil
}

func extractionOutcome(rep *extract.Report) string {
	switch {
	case rep.MomentsError != "":
		return "no_duals"
	case rep.AtomsError != "":
		return "ill_conditioned"
	case rep.Atoms != nil && rep.Atoms.Found:
		return "atoms"
	default:
		return "no_flat_extension"
	}
}
