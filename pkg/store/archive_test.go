package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycert/pkg/conic"
)

type execCall struct {
	sql  string
	args []any
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	execs   []execCall
	execErr error
	row     fakeRow
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

func TestArchiveSaves(t *testing.T) {
	db := &fakeDB{}
	a := NewArchive(db)
	ctx := context.Background()
	rec := sampleRecord()

	require.NoError(t, a.SaveProblem(ctx, rec))
	require.NoError(t, a.SaveSolution(ctx, rec.ID, &conic.Solution{Status: conic.StatusInfeasible}))
	require.NoError(t, a.SaveReport(ctx, rec.ID, "c", map[string]any{"min_eigenvalue": 1.0}))
	require.Len(t, db.execs, 3)

	assert.True(t, strings.Contains(db.execs[0].sql, "INSERT INTO problems"))
	assert.Equal(t, rec.ID, db.execs[0].args[0])
	var problem conic.Problem
	require.NoError(t, json.Unmarshal(db.execs[0].args[4].([]byte), &problem))
	assert.Equal(t, rec.Problem.NumVars, problem.NumVars)

	assert.True(t, strings.Contains(db.execs[1].sql, "INSERT INTO solutions"))
	assert.Equal(t, "INFEASIBLE", db.execs[1].args[1])
	assert.True(t, strings.Contains(db.execs[2].sql, "extraction_reports"))
	assert.Equal(t, "c", db.execs[2].args[1])
}

func TestArchiveSaveErrors(t *testing.T) {
	db := &fakeDB{execErr: errors.New("conn reset")}
	a := NewArchive(db)
	ctx := context.Background()
	assert.ErrorContains(t, a.SaveProblem(ctx, sampleRecord()), "conn reset")
	assert.ErrorContains(t, a.SaveSolution(ctx, "id", nil), "nil solution")
	assert.ErrorContains(t, a.SaveReport(ctx, "id", "c", func() {}), "encode report")
}

func TestArchiveLoadProblem(t *testing.T) {
	rec := sampleRecord()
	problemJSON, err := json.Marshal(rec.Problem)
	require.NoError(t, err)
	solJSON, err := json.Marshal(conic.Solution{Status: conic.StatusOptimal, Primal: []float64{2}})
	require.NoError(t, err)

	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*dest[0].(*string) = rec.ID
		*dest[1].(*string) = rec.Name
		*dest[2].(*string) = rec.Version
		*dest[3].(*string) = rec.Source
		*dest[4].(*[]byte) = problemJSON
		*dest[5].(*time.Time) = rec.CreatedAt
		*dest[6].(*[]byte) = solJSON
		return nil
	}}}
	got, err := NewArchive(db).LoadProblem(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Problem.Equalities, got.Problem.Equalities)
	require.NotNil(t, got.Solution)
	assert.Equal(t, []float64{2}, got.Solution.Primal)

	db.row = fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	_, err = NewArchive(db).LoadProblem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
