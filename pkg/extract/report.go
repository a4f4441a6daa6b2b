package extract

import (
	"context"
	"errors"

	"polycert/pkg/certificate"
	"polycert/pkg/conic"
	"polycert/pkg/domain"
	"polycert/pkg/moment"
)

// MultiplierReport is the printable form of a LagrangianMultiplier.
type MultiplierReport struct {
	Index      int         `json:"index"`
	Generator  string      `json:"generator"`
	Polynomial string      `json:"polynomial"`
	Gram       [][]float64 `json:"gram"`
	Basis      []string    `json:"basis"`
}

// Report collects every attribute of one certificate.
type Report struct {
	Name          string             `json:"name"`
	Cone          string             `json:"cone"`
	Basis         []string           `json:"certificate_monomials"`
	Gram          [][]float64        `json:"gram_matrix"`
	MinEigenvalue float64            `json:"min_eigenvalue"`
	Squares       []string           `json:"squares,omitempty"`
	Moments       [][]float64        `json:"moment_matrix"`
	MomentsError  string             `json:"moments_error,omitempty"`
	Multipliers   []MultiplierReport `json:"lagrangian_multipliers,omitempty"`
	Atoms         *moment.AtomResult `json:"atoms,omitempty"`
	AtomsError    string             `json:"atoms_error,omitempty"`
	Residual      string             `json:"residual"`
	Warnings      []domain.Warning   `json:"warnings,omitempty"`
}

// Report gathers all attributes of h. A solution without duals leaves the
// moment matrix and atoms out with MomentsError set. Atom extraction
// failures caused by ill-conditioning or an invalid moment matrix are
// recorded in the report rather than returned.
func (e *Extractor) Report(ctx context.Context, h certificate.Handle, tol float64) (*Report, error) {
	cert, err := e.arena.Get(h)
	if err != nil {
		return nil, err
	}
	gram, err := e.GramMatrix(h)
	if err != nil {
		return nil, err
	}
	moments, err := e.MomentMatrix(h)
	switch {
	case err == nil:
	case errors.Is(err, conic.ErrNoSolution):
		moments = nil
	default:
		return nil, err
	}
	momentsErr := err
	mults, err := e.LagrangianMultipliers(h)
	if err != nil {
		return nil, err
	}
	residual, err := e.Residual(h)
	if err != nil {
		return nil, err
	}
	r := &Report{
		Name:          cert.Name,
		Cone:          cert.Cone.String(),
		Basis:         cert.Basis.Keys(),
		Gram:          gram.Q,
		MinEigenvalue: gram.MinEigenvalue(),
		Residual:      residual.Clean(tol).String(),
		Warnings:      cert.Warnings,
	}
	if squares, err := gram.SOSDecomposition(tol); err == nil {
		for _, s := range squares {
			r.Squares = append(r.Squares, s.Clean(tol).String())
		}
	}
	for _, m := range mults {
		r.Multipliers = append(r.Multipliers, MultiplierReport{
			Index:      m.Index,
			Generator:  m.Generator.String(),
			Polynomial: m.Polynomial.Clean(tol).String(),
			Gram:       m.Gram.Q,
			Basis:      m.Gram.Basis.Keys(),
		})
	}
	if moments == nil {
		r.MomentsError = "dual values unavailable: " + momentsErr.Error()
		return r, nil
	}
	r.Moments = moments.Values
	atoms, err := e.Atoms(ctx, h, tol)
	switch {
	case err == nil:
		r.Atoms = &atoms
	case errors.Is(err, moment.ErrNumericalIllConditioning), errors.Is(err, moment.ErrInvalidMomentMatrix):
		r.AtomsError = err.Error()
	default:
		return nil, err
	}
	return r, nil
}
