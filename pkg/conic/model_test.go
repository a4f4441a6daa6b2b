package conic

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelRecordsProblem(t *testing.T) {
	m := NewModel(nil)
	a := m.AllocateVariable()
	b := m.AllocateVariable()
	c := m.AllocateVariable()
	row, err := m.AddLinearEquality([]Term{{Var: a, Coef: 1}, {Var: b, Coef: -1}}, 2)
	require.NoError(t, err)
	cone, err := m.AddConeConstraint([]VarID{a, b, c}, PSDTriangle{Side: 2})
	require.NoError(t, err)
	m.SetObjective(SenseMaximize, []Term{{Var: c, Coef: 1}}, 0)

	p := m.Problem()
	assert.Equal(t, 3, p.NumVars)
	assert.Equal(t, 2, p.NumConstraints)
	assert.Equal(t, row, p.Equalities[0].ID)
	assert.Equal(t, cone, p.ConeConstraints[0].ID)
	assert.Equal(t, SetSpec{Type: "psd_triangle", Side: 2}, p.ConeConstraints[0].Set)
	assert.Equal(t, SenseMaximize, p.Objective.Sense)
}

func TestModelRejectsBadInput(t *testing.T) {
	m := NewModel(nil)
	v := m.AllocateVariable()
	_, err := m.AddLinearEquality([]Term{{Var: 7, Coef: 1}}, 0)
	assert.ErrorIs(t, err, ErrUnknownVariable)
	_, err = m.AddConeConstraint([]VarID{v}, PSDTriangle{Side: 2})
	assert.ErrorIs(t, err, ErrInvalidSet)
	_, err = m.AddConeConstraint([]VarID{v}, RotatedSecondOrder{})
	assert.ErrorIs(t, err, ErrInvalidSet)
	_, err = m.AddConeConstraint(nil, Nonnegatives{})
	assert.ErrorIs(t, err, ErrInvalidSet)
	_, err = m.Solve(context.Background())
	assert.Error(t, err)
	_, err = m.PrimalValue(v)
	assert.ErrorIs(t, err, ErrNoSolution)
}

func TestModelConcurrentAllocation(t *testing.T) {
	m := NewModel(nil)
	var wg sync.WaitGroup
	seen := make(chan VarID, 400)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				seen <- m.AllocateVariable()
			}
		}()
	}
	wg.Wait()
	close(seen)
	ids := map[VarID]bool{}
	for id := range seen {
		require.False(t, ids[id], "duplicate id %d", id)
		ids[id] = true
	}
	assert.Len(t, ids, 400)
}

func TestStaticBackend(t *testing.T) {
	m := NewModel(StaticBackend{Solution: &Solution{Status: StatusInfeasible}})
	m.AllocateVariable()
	status, err := m.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusInfeasible, status)

	m.SetBackend(StaticBackend{Solution: &Solution{Status: StatusOptimal, Primal: []float64{1, 2}}})
	_, err = m.Solve(context.Background())
	assert.Error(t, err, "primal length mismatch must be rejected")

	m.SetBackend(StaticBackend{Solution: &Solution{Status: StatusOptimal, Primal: []float64{1}, Dual: []float64{1, 2}}})
	_, err = m.Solve(context.Background())
	assert.Error(t, err, "dual length mismatch must be rejected")
}

func TestStatusErrorUnwraps(t *testing.T) {
	var err error = &StatusError{Status: StatusInfeasible}
	assert.True(t, errors.Is(err, ErrSolverFailure))
	assert.Contains(t, err.Error(), "INFEASIBLE")
}

func TestCheck(t *testing.T) {
	m := NewModel(nil)
	vars := []VarID{m.AllocateVariable(), m.AllocateVariable(), m.AllocateVariable()}
	_, err := m.AddConeConstraint(vars, PSDTriangle{Side: 2})
	require.NoError(t, err)
	_, err = m.AddLinearEquality([]Term{{Var: vars[1], Coef: 1}}, 1)
	require.NoError(t, err)
	p := m.Problem()

	require.NoError(t, Check(p, []float64{1, 1, 5}, 1e-9))
	assert.ErrorIs(t, Check(p, []float64{1, 1, 0.5}, 1e-9), ErrInfeasiblePoint)
	assert.ErrorIs(t, Check(p, []float64{1, 2, 5}, 1e-9), ErrInfeasiblePoint)
	assert.ErrorIs(t, Check(p, []float64{1}, 1e-9), ErrInfeasiblePoint)
}

func TestCheckRotatedAndNonnegatives(t *testing.T) {
	assert.NoError(t, checkMembership(RotatedSecondOrder{}, []float64{1, 2, 2}, 1e-9))
	assert.Error(t, checkMembership(RotatedSecondOrder{}, []float64{1, 1, 2}, 1e-9))
	assert.Error(t, checkMembership(RotatedSecondOrder{}, []float64{-1, -1, 0}, 1e-9))
	assert.NoError(t, checkMembership(Nonnegatives{}, []float64{0, 3}, 1e-9))
	assert.Error(t, checkMembership(Nonnegatives{}, []float64{0, -3}, 1e-9))
}

func TestTriangleIndex(t *testing.T) {
	assert.Equal(t, 0, TriangleIndex(0, 0))
	assert.Equal(t, 1, TriangleIndex(0, 1))
	assert.Equal(t, 1, TriangleIndex(1, 0))
	assert.Equal(t, 2, TriangleIndex(1, 1))
	assert.Equal(t, 3, TriangleIndex(0, 2))
	assert.Equal(t, 5, TriangleIndex(2, 2))
}
