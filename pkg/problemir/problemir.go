// Package problemir is the textual form of a certification problem: the
// shape produced by the DSL parser and by YAML problem files, before any
// polynomial is parsed or any solver variable is allocated.
package problemir

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidProblem = errors.New("problemir: invalid problem")

// Problem is compiled representation.
type Problem struct {
	ID          string       `yaml:"id"`
	Version     string       `yaml:"version"`
	Vars        []string     `yaml:"vars,omitempty"`
	Constraints []Constraint `yaml:"constraints"`
	Objective   *Objective   `yaml:"objective,omitempty"`
}

// Constraint asks for Nonneg >= 0 on the set described by Where.
type Constraint struct {
	Name   string `yaml:"name"`
	Nonneg string `yaml:"nonneg"`
	Cone   string `yaml:"cone,omitempty"`
	// Where holds relations of the form "lhs >= rhs", "lhs <= rhs" or
	// "lhs == rhs".
	Where     []string `yaml:"where,omitempty"`
	Basis     []string `yaml:"basis,omitempty"`
	MaxDegree int      `yaml:"maxdegree,omitempty"`
	// Bound names a scalar decision variable subtracted from Nonneg.
	Bound string `yaml:"bound,omitempty"`
}

type Objective struct {
	Sense string `yaml:"sense"`
	Var   string `yaml:"var"`
}

// DecisionVars returns the bound variables in order of first use.
func (p *Problem) DecisionVars() []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range p.Constraints {
		if c.Bound == "" || seen[c.Bound] {
			continue
		}
		seen[c.Bound] = true
		out = append(out, c.Bound)
	}
	return out
}

// Validate checks the structural rules that do not need polynomial parsing.
func (p *Problem) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidProblem)
	}
	if len(p.Constraints) == 0 {
		return fmt.Errorf("%w: %s has no constraints", ErrInvalidProblem, p.ID)
	}
	vars := map[string]bool{}
	for _, v := range p.Vars {
		if vars[v] {
			return fmt.Errorf("%w: duplicate variable %q", ErrInvalidProblem, v)
		}
		vars[v] = true
	}
	names := map[string]bool{}
	for i, c := range p.Constraints {
		if c.Name == "" {
			return fmt.Errorf("%w: constraint %d has no name", ErrInvalidProblem, i+1)
		}
		if names[c.Name] {
			return fmt.Errorf("%w: duplicate constraint %q", ErrInvalidProblem, c.Name)
		}
		names[c.Name] = true
		if strings.TrimSpace(c.Nonneg) == "" {
			return fmt.Errorf("%w: constraint %q has no nonneg expression", ErrInvalidProblem, c.Name)
		}
		if c.MaxDegree < 0 {
			return fmt.Errorf("%w: constraint %q has negative maxdegree", ErrInvalidProblem, c.Name)
		}
		if c.Bound != "" && vars[c.Bound] {
			return fmt.Errorf("%w: bound %q shadows a polynomial variable", ErrInvalidProblem, c.Bound)
		}
	}
	if p.Objective != nil {
		switch p.Objective.Sense {
		case "maximize", "minimize":
		default:
			return fmt.Errorf("%w: objective sense %q", ErrInvalidProblem, p.Objective.Sense)
		}
		found := false
		for _, v := range p.DecisionVars() {
			if v == p.Objective.Var {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: objective variable %q is not bound by any constraint", ErrInvalidProblem, p.Objective.Var)
		}
	}
	return nil
}

// LoadYAML decodes and validates a YAML problem file.
func LoadYAML(data []byte) (*Problem, error) {
	var p Problem
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode problem yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// YAML encodes p in the form LoadYAML reads.
func (p *Problem) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}
