package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"polycert/pkg/conic"
)

var ErrExists = errors.New("store: record already exists")

// Record is one submitted problem: its source text, the reformulated conic
// data and, once a solver has reported, the solution.
type Record struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
	Problem   *conic.Problem  `json:"problem"`
	Solution  *conic.Solution `json:"solution,omitempty"`
}

// Problems keeps records in a Cache as JSON.
type Problems struct {
	cache Cache
	ttl   time.Duration
}

func NewProblems(cache Cache, ttl time.Duration) *Problems {
	return &Problems{cache: cache, ttl: ttl}
}

func problemKey(id string) string { return "problem:" + id }

// Create stores rec unless a record with the same id exists.
func (p *Problems) Create(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	ok, err := p.cache.SetNX(ctx, problemKey(rec.ID), string(raw), p.ttl)
	if err != nil {
		return fmt.Errorf("store record %s: %w", rec.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	return nil
}

func (p *Problems) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := p.cache.Get(ctx, problemKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: problem %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

// AttachSolution stores sol on the record and returns the updated record.
func (p *Problems) AttachSolution(ctx context.Context, id string, sol *conic.Solution) (*Record, error) {
	rec, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Solution = sol
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", id, err)
	}
	if err := p.cache.Set(ctx, problemKey(id), string(raw), p.ttl); err != nil {
		return nil, fmt.Errorf("store record %s: %w", id, err)
	}
	return rec, nil
}
