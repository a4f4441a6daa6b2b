// Package domain turns a semialgebraic set into what the certificate builder
// needs: an ideal reduction for the equalities and a multiplier layout for
// the inequalities.
package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"polycert/pkg/basis"
	"polycert/pkg/poly"
)

var ErrMultiplierDegreeInfeasible = errors.New("domain: generator degree exceeds the target degree")

// Set is {x : e(x) = 0 for e in Equalities, g(x) >= 0 for g in Inequalities}.
// The zero value is the whole space.
type Set struct {
	Equalities   []poly.Polynomial
	Inequalities []poly.Polynomial
}

// IsEmpty reports whether the set has no constraints at all.
func (s Set) IsEmpty() bool { return len(s.Equalities) == 0 && len(s.Inequalities) == 0 }

// Vars returns the variables appearing in any constraint, sorted.
func (s Set) Vars() []string {
	seen := map[string]struct{}{}
	for _, group := range [][]poly.Polynomial{s.Equalities, s.Inequalities} {
		for _, p := range group {
			for _, v := range p.Vars() {
				seen[v] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// NonnegativeVars returns the variables v for which some inequality is c*v
// with c > 0.
func (s Set) NonnegativeVars() map[string]bool {
	out := map[string]bool{}
	for _, g := range s.Inequalities {
		terms := g.Terms()
		if len(terms) != 1 || terms[0].Coef <= 0 {
			continue
		}
		m := terms[0].Mono
		if len(m) == 1 && m[0].Exp == 1 {
			out[m[0].Var] = true
		}
	}
	return out
}

// Key is a canonical string for the set, usable as a cache key.
func (s Set) Key() string {
	eq := make([]string, len(s.Equalities))
	for i, p := range s.Equalities {
		eq[i] = p.String()
	}
	ineq := make([]string, len(s.Inequalities))
	for i, p := range s.Inequalities {
		ineq[i] = p.String()
	}
	sort.Strings(eq)
	sort.Strings(ineq)
	return "eq{" + strings.Join(eq, ";") + "} ineq{" + strings.Join(ineq, ";") + "}"
}

func (s Set) String() string {
	if s.IsEmpty() {
		return "R^n"
	}
	parts := make([]string, 0, len(s.Equalities)+len(s.Inequalities))
	for _, p := range s.Equalities {
		parts = append(parts, p.String()+" == 0")
	}
	for _, p := range s.Inequalities {
		parts = append(parts, p.String()+" >= 0")
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Options tune preprocessing. The zero value uses package defaults.
type Options struct {
	// MaxPairs bounds the number of critical pairs Buchberger may process.
	MaxPairs int
	// MaxReductionDegree bounds the degree of Gröbner basis elements.
	MaxReductionDegree int
	// MaxDegree, when positive, replaces the target degree in multiplier
	// degree bounds.
	MaxDegree int
	// FailOnInfeasibleMultiplier turns a dropped generator into an error.
	FailOnInfeasibleMultiplier bool
	Logger                     *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

type WarningCode string

const WarningMultiplierDegreeInfeasible WarningCode = "MultiplierDegreeInfeasible"

// Warning is a non-fatal preprocessing outcome recorded on the certificate.
type Warning struct {
	Code      WarningCode `json:"code"`
	Generator int         `json:"generator"`
	Message   string      `json:"message"`
}

// Multiplier is the layout of one SOS multiplier λ_i paired with generator
// g_i. Degree is the even bound on deg(λ_i) and Basis indexes its Gram
// matrix.
type Multiplier struct {
	Index     int
	Generator poly.Polynomial
	Degree    int
	Basis     poly.MonomialVector
}

// Reduction is the preprocessed form of a set for one target degree.
type Reduction struct {
	Set         Set
	Ideal       *Ideal
	Multipliers []Multiplier
	Warnings    []Warning
}

// Reduce is the ideal normal form of p.
func (r *Reduction) Reduce(p poly.Polynomial) poly.Polynomial {
	if r == nil {
		return p
	}
	return r.Ideal.Reduce(p)
}

// MultiplierDegree is the largest even d with d <= targetDegree - genDegree.
// ok is false when no such nonnegative d exists.
func MultiplierDegree(targetDegree, genDegree int) (d int, ok bool) {
	slack := targetDegree - genDegree
	if slack < 0 {
		return 0, false
	}
	return slack - slack%2, true
}

// Preprocess builds the reduction of set for target. Multiplier bases range
// over the variables of both set and target.
func Preprocess(set Set, target poly.Polynomial, opts Options) (*Reduction, error) {
	ideal, err := NewIdeal(set.Equalities, opts.MaxPairs, opts.MaxReductionDegree)
	if err != nil {
		return nil, err
	}
	return preprocessWithIdeal(set, ideal, target, opts)
}

func preprocessWithIdeal(set Set, ideal *Ideal, target poly.Polynomial, opts Options) (*Reduction, error) {
	log := opts.logger()
	if ideal.IsUnit() {
		log.Warn("domain equalities are inconsistent", "set", set.String())
	}
	targetDegree := target.Degree()
	if opts.MaxDegree > 0 {
		targetDegree = opts.MaxDegree
	}
	vars := mergeVars(set.Vars(), target.Vars())
	out := &Reduction{Set: set, Ideal: ideal}
	for i, g := range set.Inequalities {
		if g.IsZero() {
			continue
		}
		d, ok := MultiplierDegree(targetDegree, g.Degree())
		if !ok {
			msg := fmt.Sprintf("generator %d (%s) has degree %d above target degree %d", i, g, g.Degree(), targetDegree)
			if opts.FailOnInfeasibleMultiplier {
				return nil, fmt.Errorf("%w: %s", ErrMultiplierDegreeInfeasible, msg)
			}
			log.Warn("dropping domain generator", "generator", i, "degree", g.Degree(), "target_degree", targetDegree)
			out.Warnings = append(out.Warnings, Warning{Code: WarningMultiplierDegreeInfeasible, Generator: i, Message: msg})
			continue
		}
		out.Multipliers = append(out.Multipliers, Multiplier{
			Index:     i,
			Generator: g,
			Degree:    d,
			Basis:     basis.Monomials(vars, 0, d/2),
		})
	}
	log.Debug("domain preprocessed", "set", set.String(), "multipliers", len(out.Multipliers), "ideal_size", len(ideal.basis))
	return out, nil
}

func mergeVars(a, b []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(a)+len(b))
	for _, group := range [][]string{a, b} {
		for _, v := range group {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
