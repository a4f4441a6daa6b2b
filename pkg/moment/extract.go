package moment

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"polycert/pkg/poly"
)

// combinationSeed fixes the random combination of multiplication matrices so
// extraction is reproducible.
const combinationSeed = 1

// Extract looks for a flat extension of m and, when there is one, recovers
// the atoms of the measure it represents. Singular values at or below
// tol*σ_max count as zero; tol must be positive. A matrix failing Validate
// at tol relative to its largest entry is rejected with
// ErrInvalidMomentMatrix before any factorization.
func Extract(m Matrix, tol float64) (AtomResult, error) {
	if tol <= 0 || math.IsNaN(tol) {
		return AtomResult{}, fmt.Errorf("moment: tolerance must be positive, got %g", tol)
	}
	if err := m.Validate(tol * entryScale(m.Values)); err != nil {
		return AtomResult{}, err
	}
	n := len(m.Basis)
	vars := m.Basis.Vars()
	if n == 0 {
		return AtomResult{Vars: vars}, nil
	}
	dense := toDense(m.Values)
	var svd mat.SVD
	if !svd.Factorize(dense, mat.SVDThin) {
		return AtomResult{}, fmt.Errorf("%w: SVD failed", ErrNumericalIllConditioning)
	}
	sigma := svd.Values(nil)
	smax := sigma[0]
	res := AtomResult{Vars: vars}
	if smax == 0 {
		return res, nil
	}
	cut := tol * smax
	r := 0
	for _, s := range sigma {
		if s > cut {
			r++
		}
	}
	res.Rank = r
	if r >= n {
		return res, nil
	}

	d := m.Basis.MaxDegree()
	var sub []int
	for i, mono := range m.Basis {
		if mono.Degree() <= d-1 {
			sub = append(sub, i)
		}
	}
	if rankOf(m.Values, sub, cut) != r {
		return res, nil
	}

	var u mat.Dense
	svd.UTo(&u)
	v := make([][]float64, n)
	for i := range v {
		v[i] = make([]float64, r)
		for k := 0; k < r; k++ {
			v[i][k] = u.At(i, k) * math.Sqrt(sigma[k])
		}
	}
	echelon, pivots, err := columnEchelon(v, tol)
	if err != nil {
		return res, err
	}

	mult := make(map[string][][]float64, len(vars))
	for _, name := range vars {
		nv := make([][]float64, r)
		for k, p := range pivots {
			idx := m.Basis.Index(m.Basis[p].Mul(poly.VarMonomial(name)))
			if idx < 0 {
				return res, nil
			}
			nv[k] = append([]float64(nil), echelon[idx]...)
		}
		mult[name] = nv
	}

	rng := rand.New(rand.NewSource(combinationSeed))
	combo := make([][]float64, r)
	for i := range combo {
		combo[i] = make([]float64, r)
	}
	total := 0.0
	coeffs := make([]float64, len(vars))
	for i := range coeffs {
		coeffs[i] = 0.5 + rng.Float64()
		total += coeffs[i]
	}
	for i, name := range vars {
		c := coeffs[i] / total
		for a := 0; a < r; a++ {
			for b := 0; b < r; b++ {
				combo[a][b] += c * mult[name][a][b]
			}
		}
	}

	var eig mat.Eigen
	if !eig.Factorize(toDense(combo), mat.EigenRight) {
		return res, fmt.Errorf("%w: eigendecomposition failed", ErrNumericalIllConditioning)
	}
	values := eig.Values(nil)
	for _, lambda := range values {
		if math.Abs(imag(lambda)) > tol*math.Max(1, cmplx.Abs(lambda)) {
			return res, fmt.Errorf("%w: complex eigenvalue %v", ErrNumericalIllConditioning, lambda)
		}
	}
	var vecs mat.CDense
	eig.VectorsTo(&vecs)

	points := make([]map[string]float64, r)
	for k := 0; k < r; k++ {
		e := make([]float64, r)
		norm := 0.0
		for i := range e {
			e[i] = real(vecs.At(i, k))
			norm += e[i] * e[i]
		}
		if norm == 0 {
			return res, fmt.Errorf("%w: zero eigenvector", ErrNumericalIllConditioning)
		}
		pt := make(map[string]float64, len(vars))
		for _, name := range vars {
			pt[name] = rayleigh(mult[name], e) / norm
		}
		points[k] = pt
	}

	weights, err := solveWeights(m, points)
	if err != nil {
		return res, err
	}
	atoms := make([]Atom, r)
	for k := range atoms {
		if weights[k] < -cut {
			return res, fmt.Errorf("%w: negative weight %g", ErrNumericalIllConditioning, weights[k])
		}
		atoms[k] = Atom{Weight: weights[k], Point: points[k]}
	}
	if resid := residual(m, atoms); resid > cut {
		return res, fmt.Errorf("%w: moment residual %g above %g", ErrNumericalIllConditioning, resid, cut)
	}
	res.Found = true
	res.Atoms = atoms
	return res, nil
}

func toDense(vals [][]float64) *mat.Dense {
	n := len(vals)
	c := 0
	if n > 0 {
		c = len(vals[0])
	}
	d := mat.NewDense(n, c, nil)
	for i, row := range vals {
		for j, x := range row {
			d.Set(i, j, x)
		}
	}
	return d
}

func rankOf(vals [][]float64, idx []int, cut float64) int {
	if len(idx) == 0 {
		return 0
	}
	sub := mat.NewDense(len(idx), len(idx), nil)
	for a, i := range idx {
		for b, j := range idx {
			sub.Set(a, b, vals[i][j])
		}
	}
	var svd mat.SVD
	if !svd.Factorize(sub, mat.SVDNone) {
		return -1
	}
	r := 0
	for _, s := range svd.Values(nil) {
		if s > cut {
			r++
		}
	}
	return r
}

// columnEchelon reduces the columns of v so that the pivot rows, chosen in
// ascending row order, form the identity. It returns the reduced matrix and
// the pivot rows.
func columnEchelon(v [][]float64, tol float64) ([][]float64, []int, error) {
	n := len(v)
	r := len(v[0])
	w := make([][]float64, n)
	scale := 0.0
	for i := range v {
		w[i] = append([]float64(nil), v[i]...)
		for _, x := range v[i] {
			scale = math.Max(scale, math.Abs(x))
		}
	}
	eps := tol * scale
	pivots := make([]int, 0, r)
	k := 0
	for i := 0; i < n && k < r; i++ {
		best, at := 0.0, -1
		for c := k; c < r; c++ {
			if a := math.Abs(w[i][c]); a > best {
				best, at = a, c
			}
		}
		if at < 0 || best <= eps {
			continue
		}
		for row := range w {
			w[row][k], w[row][at] = w[row][at], w[row][k]
		}
		p := w[i][k]
		for row := range w {
			w[row][k] /= p
		}
		for c := 0; c < r; c++ {
			if c == k {
				continue
			}
			f := w[i][c]
			if f == 0 {
				continue
			}
			for row := range w {
				w[row][c] -= f * w[row][k]
			}
		}
		pivots = append(pivots, i)
		k++
	}
	if k < r {
		return nil, nil, fmt.Errorf("%w: column echelon form found %d of %d pivots", ErrNumericalIllConditioning, k, r)
	}
	return w, pivots, nil
}

func rayleigh(a [][]float64, e []float64) float64 {
	s := 0.0
	for i := range a {
		for j := range a[i] {
			s += e[i] * a[i][j] * e[j]
		}
	}
	return s
}

// solveWeights fits M ≈ Σ w_k b(z_k) b(z_k)ᵀ in the least-squares sense.
func solveWeights(m Matrix, points []map[string]float64) ([]float64, error) {
	n := len(m.Basis)
	r := len(points)
	evals := make([][]float64, r)
	for k, pt := range points {
		evals[k] = m.Basis.Eval(pt)
	}
	a := mat.NewDense(n*n, r, nil)
	rhs := mat.NewDense(n*n, 1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			row := i*n + j
			rhs.Set(row, 0, m.Values[i][j])
			for k := 0; k < r; k++ {
				a.Set(row, k, evals[k][i]*evals[k][j])
			}
		}
	}
	var x mat.Dense
	if err := x.Solve(a, rhs); err != nil {
		return nil, fmt.Errorf("%w: weight fit: %v", ErrNumericalIllConditioning, err)
	}
	out := make([]float64, r)
	for k := range out {
		out[k] = x.At(k, 0)
	}
	return out, nil
}

func residual(m Matrix, atoms []Atom) float64 {
	fit := FromMeasure(m.Basis, atoms)
	worst := 0.0
	for i := range m.Values {
		for j := range m.Values[i] {
			worst = math.Max(worst, math.Abs(m.Values[i][j]-fit.Values[i][j]))
		}
	}
	return worst
}

func entryScale(vals [][]float64) float64 {
	s := 1.0
	for _, row := range vals {
		for _, v := range row {
			s = math.Max(s, math.Abs(v))
		}
	}
	return s
}
