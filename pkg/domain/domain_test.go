package domain

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycert/pkg/poly"
)

func quietOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func polys(in ...string) []poly.Polynomial {
	out := make([]poly.Polynomial, len(in))
	for i, s := range in {
		out[i] = poly.MustParse(s)
	}
	return out
}

func TestIdealCircle(t *testing.T) {
	ideal, err := NewIdeal(polys("x^2 + y^2 - 1"), 0, 0)
	require.NoError(t, err)
	basis := ideal.Basis()
	require.Len(t, basis, 1)
	assert.True(t, basis[0].Equal(poly.MustParse("x^2 + y^2 - 1"), 0))

	assert.True(t, ideal.Reduce(poly.MustParse("x^2")).Equal(poly.MustParse("1 - y^2"), 0))
	assert.True(t, ideal.Reduce(poly.MustParse("x^3")).Equal(poly.MustParse("x - x*y^2"), 0))
	assert.True(t, ideal.Reduce(poly.MustParse("x^2 + y^2")).Equal(poly.Const(1), 0))
	assert.True(t, ideal.Reduce(poly.MustParse("x*y")).Equal(poly.MustParse("x*y"), 0))
}

func TestIdealLinearSystem(t *testing.T) {
	ideal, err := NewIdeal(polys("x - y", "y - 1"), 0, 0)
	require.NoError(t, err)
	got := ideal.Basis()
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(poly.MustParse("y - 1"), 0), got[0].String())
	assert.True(t, got[1].Equal(poly.MustParse("x - 1"), 0), got[1].String())
	assert.True(t, ideal.Reduce(poly.MustParse("3*x*y + x^2")).Equal(poly.Const(4), 0))
}

func TestIdealNormalFormIsUnique(t *testing.T) {
	ideal, err := NewIdeal(polys("x^2 - y", "x*y - 1"), 0, 0)
	require.NoError(t, err)
	g := poly.MustParse("x^2 - y")
	h := poly.MustParse("x*y - 1")
	p := poly.MustParse("x^3*y + 2*x - y^2")
	shifted := p.Add(g.Mul(poly.MustParse("x + 3"))).Sub(h.Mul(poly.MustParse("y^2")))
	a, err := ideal.ReduceExact(p)
	require.NoError(t, err)
	b, err := ideal.ReduceExact(shifted)
	require.NoError(t, err)
	assert.True(t, a.Equal(b, 1e-12), "%s != %s", a, b)
	for _, gen := range ideal.Basis() {
		assert.True(t, ideal.Reduce(gen).IsZero(), "generator %s must reduce to zero", gen)
	}
}

func TestIdealUnit(t *testing.T) {
	ideal, err := NewIdeal(polys("x", "x - 1"), 0, 0)
	require.NoError(t, err)
	assert.True(t, ideal.IsUnit())
	assert.True(t, ideal.Reduce(poly.MustParse("x^5 + 7")).IsZero())
}

func TestIdealBounds(t *testing.T) {
	_, err := NewIdeal(polys("x^2 - y", "x*y - 1"), 1, 0)
	if !errors.Is(err, ErrIdealReductionUnsupported) {
		t.Fatalf("expected ErrIdealReductionUnsupported, got %v", err)
	}
	_, err = NewIdeal(polys("x^3 - 1"), 0, 2)
	if !errors.Is(err, ErrIdealReductionUnsupported) {
		t.Fatalf("expected ErrIdealReductionUnsupported, got %v", err)
	}
}

func TestTrivialIdeal(t *testing.T) {
	ideal, err := NewIdeal(nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, ideal.IsTrivial())
	p := poly.MustParse("x^2 + 1")
	assert.True(t, ideal.Reduce(p).Equal(p, 0))
	assert.True(t, ideal.ReduceMonomial(poly.VarMonomial("x")).Equal(poly.Var("x"), 0))
}

func TestMultiplierDegree(t *testing.T) {
	cases := []struct {
		target, gen, want int
		ok                bool
	}{
		{3, 1, 2, true},
		{4, 1, 2, true},
		{4, 2, 2, true},
		{2, 2, 0, true},
		{3, 2, 0, true},
		{1, 2, 0, false},
	}
	for _, tc := range cases {
		got, ok := MultiplierDegree(tc.target, tc.gen)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("MultiplierDegree(%d,%d) = %d,%v want %d,%v", tc.target, tc.gen, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPreprocessOrthantTriangle(t *testing.T) {
	set := Set{Inequalities: polys("x", "y", "x + y - 1")}
	target := poly.MustParse("x^3 - x^2 + 2*x*y - y^2 + y^3")
	r, err := Preprocess(set, target, quietOptions())
	require.NoError(t, err)
	require.Len(t, r.Multipliers, 3)
	for i, m := range r.Multipliers {
		assert.Equal(t, i, m.Index)
		assert.Equal(t, 2, m.Degree)
		assert.Equal(t, []string{"1", "y", "x"}, m.Basis.Keys())
	}
	assert.Empty(t, r.Warnings)
	assert.True(t, r.Reduce(target).Equal(target, 0))
}

func TestPreprocessDropsInfeasibleGenerator(t *testing.T) {
	var logs bytes.Buffer
	opts := Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))}
	set := Set{Inequalities: polys("1 - x^3", "x")}
	r, err := Preprocess(set, poly.MustParse("x^2 + 1"), opts)
	require.NoError(t, err)
	require.Len(t, r.Multipliers, 1)
	assert.Equal(t, 1, r.Multipliers[0].Index)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, WarningMultiplierDegreeInfeasible, r.Warnings[0].Code)
	assert.Equal(t, 0, r.Warnings[0].Generator)
	assert.Contains(t, logs.String(), "dropping domain generator")

	opts.FailOnInfeasibleMultiplier = true
	_, err = Preprocess(set, poly.MustParse("x^2 + 1"), opts)
	assert.ErrorIs(t, err, ErrMultiplierDegreeInfeasible)

	opts = quietOptions()
	opts.MaxDegree = 4
	r, err = Preprocess(set, poly.MustParse("x^2 + 1"), opts)
	require.NoError(t, err)
	require.Len(t, r.Multipliers, 2)
	assert.Equal(t, 0, r.Multipliers[0].Degree)
	assert.Equal(t, []string{"1"}, r.Multipliers[0].Basis.Keys())
}

func TestSetHelpers(t *testing.T) {
	set := Set{
		Equalities:   polys("z^2 - 1"),
		Inequalities: polys("x", "2*y", "x + y - 1", "-w", "u^2"),
	}
	assert.Equal(t, map[string]bool{"x": true, "y": true}, set.NonnegativeVars())
	assert.Equal(t, []string{"u", "w", "x", "y", "z"}, set.Vars())
	assert.False(t, set.IsEmpty())
	assert.True(t, Set{}.IsEmpty())

	reordered := Set{
		Equalities:   polys("z^2 - 1"),
		Inequalities: polys("u^2", "-w", "x + y - 1", "2*y", "x"),
	}
	assert.Equal(t, set.Key(), reordered.Key())
}

func TestCacheSharesIdeal(t *testing.T) {
	c := NewCache()
	set := Set{Equalities: polys("x^2 + y^2 - 1"), Inequalities: polys("x")}
	var wg sync.WaitGroup
	ideals := make([]*Ideal, 8)
	for i := range ideals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Preprocess(set, poly.MustParse("x^4 + y"), quietOptions())
			if err == nil {
				ideals[i] = r.Ideal
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ideals {
		require.NotNil(t, id)
		assert.Same(t, ideals[0], id)
	}
	assert.Equal(t, 1, c.Len())
}

func TestCacheKeysIdealByBoundsAndEqualities(t *testing.T) {
	c := NewCache()
	eq := polys("x^2 - y", "x*y - 1")

	tight := quietOptions()
	tight.MaxPairs = 1
	_, err := c.Ideal(Set{Equalities: eq}, tight)
	require.ErrorIs(t, err, ErrIdealReductionUnsupported)

	loose := quietOptions()
	loose.MaxPairs = 100000
	ideal, err := c.Ideal(Set{Equalities: eq}, loose)
	require.NoError(t, err)

	// Inequalities do not change the ideal.
	again, err := c.Ideal(Set{Equalities: eq, Inequalities: polys("x")}, loose)
	require.NoError(t, err)
	assert.Same(t, ideal, again)

	_, err = c.Ideal(Set{Equalities: eq}, tight)
	assert.ErrorIs(t, err, ErrIdealReductionUnsupported)
	assert.Equal(t, 2, c.Len())
}
