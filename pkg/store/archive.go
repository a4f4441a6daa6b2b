package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"polycert/pkg/conic"
)

// DB is the subset of *pgxpool.Pool the archive uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Archive is the durable copy of problems, solutions and extraction
// reports. The cache may expire; the archive does not.
type Archive struct {
	db DB
}

func NewArchive(db DB) *Archive {
	return &Archive{db: db}
}

func (a *Archive) SaveProblem(ctx context.Context, rec Record) error {
	problem, err := json.Marshal(rec.Problem)
	if err != nil {
		return fmt.Errorf("encode problem %s: %w", rec.ID, err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = a.db.Exec(ctx, `
		INSERT INTO problems (id, name, version, source, problem, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Name, rec.Version, rec.Source, problem, created)
	if err != nil {
		return fmt.Errorf("archive problem %s: %w", rec.ID, err)
	}
	return nil
}

func (a *Archive) SaveSolution(ctx context.Context, id string, sol *conic.Solution) error {
	if sol == nil {
		return fmt.Errorf("archive solution %s: nil solution", id)
	}
	raw, err := json.Marshal(sol)
	if err != nil {
		return fmt.Errorf("encode solution %s: %w", id, err)
	}
	_, err = a.db.Exec(ctx, `
		INSERT INTO solutions (problem_id, status, solution)
		VALUES ($1, $2, $3)
		ON CONFLICT (problem_id) DO UPDATE
		SET status = EXCLUDED.status, solution = EXCLUDED.solution, solved_at = now()`,
		id, string(sol.Status), raw)
	if err != nil {
		return fmt.Errorf("archive solution %s: %w", id, err)
	}
	return nil
}

// SaveReport stores any JSON-encodable extraction report for one constraint.
func (a *Archive) SaveReport(ctx context.Context, id, constraint string, report any) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report %s/%s: %w", id, constraint, err)
	}
	_, err = a.db.Exec(ctx, `
		INSERT INTO extraction_reports (problem_id, constraint_name, report)
		VALUES ($1, $2, $3)
		ON CONFLICT (problem_id, constraint_name) DO UPDATE
		SET report = EXCLUDED.report, created_at = now()`,
		id, constraint, raw)
	if err != nil {
		return fmt.Errorf("archive report %s/%s: %w", id, constraint, err)
	}
	return nil
}

// LoadProblem returns the archived record with its latest solution.
func (a *Archive) LoadProblem(ctx context.Context, id string) (*Record, error) {
	var (
		rec         Record
		problemJSON []byte
		solJSON     []byte
	)
	err := a.db.QueryRow(ctx, `
		SELECT p.id::text, p.name, p.version, p.source, p.problem, p.created_at, s.solution
		FROM problems p
		LEFT JOIN solutions s ON s.problem_id = p.id
		WHERE p.id = $1`, id).
		Scan(&rec.ID, &rec.Name, &rec.Version, &rec.Source, &problemJSON, &rec.CreatedAt, &solJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: archived problem %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load archived problem %s: %w", id, err)
	}
	rec.Problem = &conic.Problem{}
	if err := json.Unmarshal(problemJSON, rec.Problem); err != nil {
		return nil, fmt.Errorf("decode archived problem %s: %w", id, err)
	}
	if len(solJSON) > 0 {
		rec.Solution = &conic.Solution{}
		if err := json.Unmarshal(solJSON, rec.Solution); err != nil {
			return nil, fmt.Errorf("decode archived solution %s: %w", id, err)
		}
	}
	return &rec, nil
}
