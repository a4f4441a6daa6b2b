package cone

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycert/pkg/conic"
)

func TestParse(t *testing.T) {
	cases := map[string]string{
		"sos":               "psd",
		"PSD":               "psd",
		"dsos":              "dsos",
		"dd":                "dsos",
		"sdsos":             "sdsos",
		"copositive":        "copositive(psd)",
		"copositive(sdsos)": "copositive(sdsos)",
		" copositive(dd) ":  "copositive(dsos)",
	}
	for in, want := range cases {
		k, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if k.String() != want {
			t.Fatalf("Parse(%q) = %s, want %s", in, k, want)
		}
	}
	if _, err := Parse("nsd"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Parse("copositive(bogus)"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind for bad inner kind, got %v", err)
	}
}

func TestMultiplierKind(t *testing.T) {
	assert.Equal(t, DiagonallyDominant{}, MultiplierKind(CopositiveInner{Inner: DiagonallyDominant{}}))
	assert.Equal(t, FullPSD{}, MultiplierKind(FullPSD{}))
}

func TestMapRejectsNestedCopositive(t *testing.T) {
	m := conic.NewModel(nil)
	_, err := Map(m, CopositiveInner{Inner: CopositiveInner{Inner: FullPSD{}}}, 2)
	assert.ErrorIs(t, err, ErrInvalidConeForDomain)
	_, err = Map(m, FullPSD{}, 0)
	assert.Error(t, err)
}

func TestLayoutSizes(t *testing.T) {
	n := 4
	cases := []struct {
		kind Kind
		vars int
	}{
		{FullPSD{}, n * (n + 1) / 2},
		{DiagonallyDominant{}, n*(n+1)/2 + n*(n-1) + n},
		{ScaledDiagonallyDominant{}, n*(n+1)/2 + 3*n*(n-1)/2},
		{CopositiveInner{Inner: FullPSD{}}, 2*n*(n+1)/2 + n*(n-1)/2},
	}
	for _, tc := range cases {
		m := conic.NewModel(nil)
		l, err := Map(m, tc.kind, n)
		require.NoError(t, err)
		assert.Equal(t, tc.vars, m.Problem().NumVars, tc.kind.String())
		assert.Equal(t, tc.vars, l.NumVariables(), tc.kind.String())
	}
}

func randomDD(rng *rand.Rand, n int) [][]float64 {
	q := make([][]float64, n)
	for i := range q {
		q[i] = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		for i := 0; i < j; i++ {
			v := rng.Float64()*4 - 2
			q[i][j], q[j][i] = v, v
		}
	}
	for i := 0; i < n; i++ {
		s := 0.0
		for j := 0; j < n; j++ {
			if j != i {
				if q[i][j] < 0 {
					s -= q[i][j]
				} else {
					s += q[i][j]
				}
			}
		}
		q[i][i] = s + rng.Float64()
	}
	return q
}

func feasible(t *testing.T, kind Kind, q [][]float64) error {
	t.Helper()
	m := conic.NewModel(nil)
	l, err := Map(m, kind, len(q))
	require.NoError(t, err)
	w, err := l.Witness(q, 1e-9)
	if err != nil {
		return err
	}
	p := m.Problem()
	primal := make([]float64, p.NumVars)
	Assign(primal, w)
	return conic.Check(p, primal, 1e-9)
}

// DD ⊆ SDD ⊆ PSD: a diagonally dominant matrix is feasible for all three
// mappings and for their copositive extensions.
func TestHierarchyContainment(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kinds := []Kind{
		DiagonallyDominant{},
		ScaledDiagonallyDominant{},
		FullPSD{},
		CopositiveInner{Inner: DiagonallyDominant{}},
		CopositiveInner{Inner: FullPSD{}},
	}
	for trial := 0; trial < 25; trial++ {
		n := 1 + rng.Intn(5)
		q := randomDD(rng, n)
		for _, k := range kinds {
			if err := feasible(t, k, q); err != nil {
				t.Fatalf("trial %d n=%d kind %s: %v", trial, n, k, err)
			}
		}
	}
}

func TestWitnessRejectsOutsideCone(t *testing.T) {
	// PSD but not diagonally dominant.
	q := [][]float64{{1, 0.9, 0.9}, {0.9, 1, 0.9}, {0.9, 0.9, 1}}
	require.NoError(t, feasible(t, FullPSD{}, q))
	assert.ErrorIs(t, feasible(t, DiagonallyDominant{}, q), ErrNotInCone)

	// Equality in the row sum is still inside the DD cone.
	require.NoError(t, feasible(t, DiagonallyDominant{}, [][]float64{{1, 1}, {1, 1}}))

	indefinite := [][]float64{{1, 2}, {2, 1}}
	assert.ErrorIs(t, feasible(t, FullPSD{}, indefinite), ErrNotInCone)
}

func TestCopositiveSplit(t *testing.T) {
	// 2xy is nonnegative on the orthant but not a sum of squares.
	q := [][]float64{{0, 1}, {1, 0}}
	assert.ErrorIs(t, feasible(t, FullPSD{}, q), ErrNotInCone)
	require.NoError(t, feasible(t, CopositiveInner{Inner: FullPSD{}}, q))

	m := conic.NewModel(nil)
	l, err := Map(m, CopositiveInner{Inner: FullPSD{}}, 2)
	require.NoError(t, err)
	w, err := l.Witness(q, 1e-9)
	require.NoError(t, err)
	gram := l.Gram()
	assert.Equal(t, 0.0, w[gram.At(0, 1)], "positive off-diagonal moves into Λ")
	assert.NotEqual(t, l.Q.Vars, gram.Vars)

	negative := [][]float64{{0, -1}, {-1, 0}}
	assert.ErrorIs(t, feasible(t, CopositiveInner{Inner: FullPSD{}}, negative), ErrNotInCone)
}

func TestSymMatrixValues(t *testing.T) {
	m := conic.NewModel(nil)
	s := NewSymMatrix(m, 3)
	assert.Equal(t, s.At(0, 2), s.At(2, 0))
	vals, err := s.Values(func(v conic.VarID) (float64, error) { return float64(v), nil })
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1, 3}, {1, 2, 4}, {3, 4, 5}}, vals)
}
