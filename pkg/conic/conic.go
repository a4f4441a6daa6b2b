// Package conic is the boundary between the certificate engine and an
// external conic solver. The engine only allocates variables, adds linear
// equalities and cone memberships, asks for a solve and reads primal and dual
// values back; everything else about the solver stays on the other side.
package conic

import (
	"context"
	"errors"
	"fmt"
)

type VarID int

type ConstraintID int

// Term is Coef*Var inside a linear expression.
type Term struct {
	Var  VarID   `json:"var"`
	Coef float64 `json:"coef"`
}

type Status string

const (
	StatusNotSolved      Status = "NOT_SOLVED"
	StatusOptimal        Status = "OPTIMAL"
	StatusInfeasible     Status = "INFEASIBLE"
	StatusDualInfeasible Status = "DUAL_INFEASIBLE"
	StatusUnknown        Status = "UNKNOWN"
)

var (
	ErrSolverFailure     = errors.New("conic: solver did not reach an optimal solution")
	ErrNoSolution        = errors.New("conic: no solution available")
	ErrUnknownVariable   = errors.New("conic: unknown variable")
	ErrUnknownConstraint = errors.New("conic: unknown constraint")
	ErrInvalidSet        = errors.New("conic: invalid cone set")
	ErrInfeasiblePoint   = errors.New("conic: point violates a constraint")
)

// StatusError carries a non-optimal solver status unchanged.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("conic: solver finished with status %s", e.Status)
}

func (e *StatusError) Unwrap() error { return ErrSolverFailure }

// Optimizer is the solver surface consumed by the engine.
type Optimizer interface {
	AllocateVariable() VarID
	AddLinearEquality(terms []Term, rhs float64) (ConstraintID, error)
	AddConeConstraint(vars []VarID, set Set) (ConstraintID, error)
	Solve(ctx context.Context) (Status, error)
	PrimalValue(v VarID) (float64, error)
	DualValue(c ConstraintID) (float64, error)
}

// Set is a closed family of cones understood by solvers.
type Set interface {
	Spec() SetSpec
	// Dim is the number of variables a constraint over this set takes, or -1
	// when any positive length is accepted.
	Dim() int
}

// PSDTriangle is the positive semidefinite cone of Side x Side symmetric
// matrices, vectorized as the upper triangle column by column:
// (0,0), (0,1), (1,1), (0,2), (1,2), (2,2), ...
type PSDTriangle struct {
	Side int
}

// Nonnegatives is the nonnegative orthant.
type Nonnegatives struct{}

// RotatedSecondOrder is {(u, v, w...) : 2uv >= |w|^2, u >= 0, v >= 0}.
type RotatedSecondOrder struct{}

func (s PSDTriangle) Spec() SetSpec      { return SetSpec{Type: "psd_triangle", Side: s.Side} }
func (s PSDTriangle) Dim() int           { return s.Side * (s.Side + 1) / 2 }
func (Nonnegatives) Spec() SetSpec       { return SetSpec{Type: "nonnegatives"} }
func (Nonnegatives) Dim() int            { return -1 }
func (RotatedSecondOrder) Spec() SetSpec { return SetSpec{Type: "rotated_second_order"} }
func (RotatedSecondOrder) Dim() int      { return -1 }

// SetSpec is the serialized form of a Set.
type SetSpec struct {
	Type string `json:"type"`
	Side int    `json:"side,omitempty"`
}

// Set converts the serialized form back into a Set.
func (s SetSpec) Set() (Set, error) {
	switch s.Type {
	case "psd_triangle":
		if s.Side <= 0 {
			return nil, fmt.Errorf("%w: psd side %d", ErrInvalidSet, s.Side)
		}
		return PSDTriangle{Side: s.Side}, nil
	case "nonnegatives":
		return Nonnegatives{}, nil
	case "rotated_second_order":
		return RotatedSecondOrder{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSet, s.Type)
	}
}

// TriangleIndex is the position of (i, j) in the PSDTriangle vectorization.
func TriangleIndex(i, j int) int {
	if i > j {
		i, j = j, i
	}
	return j*(j+1)/2 + i
}
