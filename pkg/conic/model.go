package conic

import (
	"context"
	"fmt"
	"sync"
)

type Sense string

const (
	SenseFeasibility Sense = "feasibility"
	SenseMinimize    Sense = "minimize"
	SenseMaximize    Sense = "maximize"
)

// Equality is Σ terms = RHS.
type Equality struct {
	ID    ConstraintID `json:"id"`
	Terms []Term       `json:"terms"`
	RHS   float64      `json:"rhs"`
}

// ConeConstraint states that the listed variables, in order, lie in Set.
type ConeConstraint struct {
	ID   ConstraintID `json:"id"`
	Vars []VarID      `json:"vars"`
	Set  SetSpec      `json:"set"`
}

type Objective struct {
	Sense    Sense   `json:"sense"`
	Terms    []Term  `json:"terms,omitempty"`
	Constant float64 `json:"constant,omitempty"`
}

// Problem is the solver-facing data of a model. Constraint ids are shared
// between equalities and cone constraints and are dense from zero.
type Problem struct {
	NumVars         int              `json:"num_vars"`
	NumConstraints  int              `json:"num_constraints"`
	Equalities      []Equality       `json:"equalities"`
	ConeConstraints []ConeConstraint `json:"cones"`
	Objective       Objective        `json:"objective"`
}

// Solution is what a backend returns. Dual is indexed by ConstraintID; only
// entries of equality constraints are read by the engine.
//
// Duals follow the convention where, for minimize cᵀx subject to Ax = b and
// x in K, the reported y satisfies c + Aᵀy in K*. With a zero objective the
// moment matrix assembled from the rows of a Gram block is then positive
// semidefinite at optimality. Solvers that report the c - Aᵀy in K* form
// must negate their duals; ExecBackend.NegateDuals does this.
type Solution struct {
	Status         Status    `json:"status"`
	Primal         []float64 `json:"primal,omitempty"`
	Dual           []float64 `json:"dual,omitempty"`
	ObjectiveValue float64   `json:"objective_value,omitempty"`
}

// Backend solves problem data produced by a Model.
type Backend interface {
	Solve(ctx context.Context, p *Problem) (*Solution, error)
}

// Model is an in-memory Optimizer that records problem data and delegates the
// solve to a Backend. Allocation and constraint insertion are safe for
// concurrent use.
type Model struct {
	mu        sync.Mutex
	numVars   int
	numCons   int
	eqs       []Equality
	cones     []ConeConstraint
	objective Objective
	backend   Backend
	solution  *Solution
}

func NewModel(backend Backend) *Model {
	return &Model{backend: backend, objective: Objective{Sense: SenseFeasibility}}
}

// SetBackend replaces the backend used by Solve.
func (m *Model) SetBackend(b Backend) {
	m.mu.Lock()
	m.backend = b
	m.mu.Unlock()
}

func (m *Model) AllocateVariable() VarID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := VarID(m.numVars)
	m.numVars++
	return id
}

func (m *Model) AddLinearEquality(terms []Term, rhs float64) (ConstraintID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range terms {
		if int(t.Var) < 0 || int(t.Var) >= m.numVars {
			return 0, fmt.Errorf("%w: %d", ErrUnknownVariable, t.Var)
		}
	}
	id := ConstraintID(m.numCons)
	m.numCons++
	cp := make([]Term, len(terms))
	copy(cp, terms)
	m.eqs = append(m.eqs, Equality{ID: id, Terms: cp, RHS: rhs})
	return id, nil
}

func (m *Model) AddConeConstraint(vars []VarID, set Set) (ConstraintID, error) {
	if set == nil {
		return 0, fmt.Errorf("%w: nil set", ErrInvalidSet)
	}
	if d := set.Dim(); (d >= 0 && len(vars) != d) || len(vars) == 0 {
		return 0, fmt.Errorf("%w: %s takes %d variables, got %d", ErrInvalidSet, set.Spec().Type, d, len(vars))
	}
	if _, ok := set.(RotatedSecondOrder); ok && len(vars) < 2 {
		return 0, fmt.Errorf("%w: rotated second order cone needs at least 2 variables", ErrInvalidSet)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vars {
		if int(v) < 0 || int(v) >= m.numVars {
			return 0, fmt.Errorf("%w: %d", ErrUnknownVariable, v)
		}
	}
	id := ConstraintID(m.numCons)
	m.numCons++
	cp := make([]VarID, len(vars))
	copy(cp, vars)
	m.cones = append(m.cones, ConeConstraint{ID: id, Vars: cp, Set: set.Spec()})
	return id, nil
}

// SetObjective sets the objective; the engine itself only builds
// feasibility problems, callers add objectives such as maximizing a bound.
func (m *Model) SetObjective(sense Sense, terms []Term, constant float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Term, len(terms))
	copy(cp, terms)
	m.objective = Objective{Sense: sense, Terms: cp, Constant: constant}
}

// Problem returns a snapshot of the recorded problem data.
func (m *Model) Problem() *Problem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.problemLocked()
}

func (m *Model) problemLocked() *Problem {
	p := &Problem{
		NumVars:         m.numVars,
		NumConstraints:  m.numCons,
		Equalities:      make([]Equality, len(m.eqs)),
		ConeConstraints: make([]ConeConstraint, len(m.cones)),
		Objective:       m.objective,
	}
	copy(p.Equalities, m.eqs)
	copy(p.ConeConstraints, m.cones)
	return p
}

func (m *Model) Solve(ctx context.Context) (Status, error) {
	m.mu.Lock()
	backend := m.backend
	problem := m.problemLocked()
	m.mu.Unlock()
	if backend == nil {
		return StatusNotSolved, fmt.Errorf("conic: no backend configured")
	}
	sol, err := backend.Solve(ctx, problem)
	if err != nil {
		return StatusNotSolved, err
	}
	if sol == nil {
		return StatusNotSolved, ErrNoSolution
	}
	if sol.Status == StatusOptimal && len(sol.Primal) != problem.NumVars {
		return StatusNotSolved, fmt.Errorf("conic: backend returned %d primal values for %d variables", len(sol.Primal), problem.NumVars)
	}
	m.mu.Lock()
	m.solution = sol
	m.mu.Unlock()
	return sol.Status, nil
}

func (m *Model) PrimalValue(v VarID) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.solution == nil || m.solution.Primal == nil {
		return 0, ErrNoSolution
	}
	if int(v) < 0 || int(v) >= len(m.solution.Primal) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownVariable, v)
	}
	return m.solution.Primal[v], nil
}

func (m *Model) DualValue(c ConstraintID) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.solution == nil || m.solution.Dual == nil {
		return 0, ErrNoSolution
	}
	if int(c) < 0 || int(c) >= len(m.solution.Dual) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownConstraint, c)
	}
	return m.solution.Dual[c], nil
}

// Solution returns the last solution, if any.
func (m *Model) Solution() *Solution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.solution
}

// StaticBackend returns a solution computed elsewhere, for instance one read
// back from a solver run on exported problem data.
type StaticBackend struct {
	Solution *Solution
}

func (b StaticBackend) Solve(_ context.Context, p *Problem) (*Solution, error) {
	if b.Solution == nil {
		return nil, ErrNoSolution
	}
	if b.Solution.Dual != nil && len(b.Solution.Dual) != p.NumConstraints {
		return nil, fmt.Errorf("conic: solution has %d dual values for %d constraints", len(b.Solution.Dual), p.NumConstraints)
	}
	out := *b.Solution
	return &out, nil
}
