// Package cone maps a cone kind onto conic primitives: a free symmetric
// matrix Q tied by linear equalities to PSD, rotated second-order and
// nonnegative blocks.
package cone

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConeForDomain = errors.New("cone: cone kind cannot be used for this domain")
	ErrUnknownKind          = errors.New("cone: unknown cone kind")
	ErrNotInCone            = errors.New("cone: matrix is not in the cone")
)

// Kind is a closed set of cones: FullPSD, DiagonallyDominant,
// ScaledDiagonallyDominant and CopositiveInner.
type Kind interface {
	isKind()
	String() string
}

// FullPSD is the cone of positive semidefinite matrices (SOS).
type FullPSD struct{}

// DiagonallyDominant is the cone of symmetric matrices with nonnegative
// diagonal and Q_ii >= Σ_{j≠i} |Q_ij| (DSOS).
type DiagonallyDominant struct{}

// ScaledDiagonallyDominant is the cone of sums of PSD matrices supported on
// 2x2 principal blocks (SDSOS).
type ScaledDiagonallyDominant struct{}

// CopositiveInner approximates the copositive cone from inside by
// Inner + (symmetric nonnegative, zero diagonal).
type CopositiveInner struct {
	Inner Kind
}

func (FullPSD) isKind()                  {}
func (DiagonallyDominant) isKind()       {}
func (ScaledDiagonallyDominant) isKind() {}
func (CopositiveInner) isKind()          {}

func (FullPSD) String() string                  { return "psd" }
func (DiagonallyDominant) String() string       { return "dsos" }
func (ScaledDiagonallyDominant) String() string { return "sdsos" }
func (c CopositiveInner) String() string {
	if c.Inner == nil {
		return "copositive(?)"
	}
	return "copositive(" + c.Inner.String() + ")"
}

// Parse reads a kind name: psd or sos, dsos or dd, sdsos or sdd, and
// copositive(<kind>). Parse does not reject nested copositive kinds; Map does.
func Parse(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "psd", "sos":
		return FullPSD{}, nil
	case "dsos", "dd":
		return DiagonallyDominant{}, nil
	case "sdsos", "sdd":
		return ScaledDiagonallyDominant{}, nil
	case "copositive":
		return CopositiveInner{Inner: FullPSD{}}, nil
	}
	if strings.HasPrefix(name, "copositive(") && strings.HasSuffix(name, ")") {
		inner, err := Parse(name[len("copositive(") : len(name)-1])
		if err != nil {
			return nil, err
		}
		return CopositiveInner{Inner: inner}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MultiplierKind is the kind used for SOS multipliers of domain generators:
// the inner kind for copositive cones, the kind itself otherwise.
func MultiplierKind(k Kind) Kind {
	if c, ok := k.(CopositiveInner); ok {
		return c.Inner
	}
	return k
}

// IsCopositive reports whether k is a copositive kind.
func IsCopositive(k Kind) bool {
	_, ok := k.(CopositiveInner)
	return ok
}
