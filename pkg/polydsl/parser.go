// Package polydsl reads the line-based problem language and compiles it into
// certificate constraints.
package polydsl

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"polycert/pkg/cone"
	"polycert/pkg/problemir"
)

// ParseDSL parses problem DSL into IR.
func ParseDSL(input string) (*problemir.Problem, error) {
	scanner := bufio.NewScanner(strings.NewReader(input))
	var problem problemir.Problem
	var current *problemir.Constraint
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "problem ") {
			// problem name vX:
			parts := strings.Fields(strings.TrimSuffix(line, ":"))
			if len(parts) < 3 {
				return nil, fmt.Errorf("invalid problem header at line %d", lineNo)
			}
			problem.ID = parts[1]
			problem.Version = parts[2]
			current = nil
			continue
		}
		if strings.HasPrefix(line, "constraint ") {
			name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "constraint "), ":"))
			if name == "" || strings.ContainsAny(name, " \t") {
				return nil, fmt.Errorf("invalid constraint name at line %d", lineNo)
			}
			problem.Constraints = append(problem.Constraints, problemir.Constraint{Name: name})
			current = &problem.Constraints[len(problem.Constraints)-1]
			continue
		}
		if strings.HasPrefix(line, "vars ") {
			if current != nil {
				return nil, fmt.Errorf("vars must appear before constraints at line %d", lineNo)
			}
			problem.Vars = append(problem.Vars, strings.Fields(strings.TrimPrefix(line, "vars "))...)
			continue
		}
		if strings.HasPrefix(line, "objective ") {
			obj, err := parseObjective(line)
			if err != nil {
				return nil, fmt.Errorf("objective error at line %d: %w", lineNo, err)
			}
			problem.Objective = obj
			current = nil
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("dangling statement at line %d", lineNo)
		}
		if err := parseStatement(current, line); err != nil {
			return nil, fmt.Errorf("%w at line %d", err, lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := problem.Validate(); err != nil {
		return nil, err
	}
	return &problem, nil
}

func parseStatement(c *problemir.Constraint, line string) error {
	switch {
	case strings.HasPrefix(line, "nonneg "):
		if c.Nonneg != "" {
			return fmt.Errorf("duplicate nonneg")
		}
		c.Nonneg = strings.TrimSpace(strings.TrimPrefix(line, "nonneg "))
	case strings.HasPrefix(line, "cone "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "cone "))
		if _, err := cone.Parse(name); err != nil {
			return fmt.Errorf("cone error: %v", err)
		}
		c.Cone = name
	case strings.HasPrefix(line, "where "):
		rel := strings.TrimSpace(strings.TrimPrefix(line, "where "))
		if _, _, _, err := splitRelation(rel); err != nil {
			return fmt.Errorf("where error: %v", err)
		}
		c.Where = append(c.Where, rel)
	case strings.HasPrefix(line, "basis "):
		c.Basis = append(c.Basis, strings.Fields(strings.TrimPrefix(line, "basis "))...)
	case strings.HasPrefix(line, "maxdegree "):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "maxdegree ")))
		if err != nil || n <= 0 {
			return fmt.Errorf("maxdegree must be a positive integer")
		}
		c.MaxDegree = n
	case strings.HasPrefix(line, "bound "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "bound "))
		if name == "" || strings.ContainsAny(name, " \t") {
			return fmt.Errorf("bound expects one variable name")
		}
		c.Bound = name
	default:
		return fmt.Errorf("unknown statement %q", line)
	}
	return nil
}

func parseObjective(line string) (*problemir.Objective, error) {
	// objective maximize <var>
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 'objective <maximize|minimize> <var>'")
	}
	sense := strings.ToLower(parts[1])
	if sense != "maximize" && sense != "minimize" {
		return nil, fmt.Errorf("unknown sense %q", parts[1])
	}
	return &problemir.Objective{Sense: sense, Var: parts[2]}, nil
}

// splitRelation splits "lhs op rhs" on the first of ==, >=, <=.
func splitRelation(rel string) (lhs, op, rhs string, err error) {
	for _, candidate := range []string{"==", ">=", "<="} {
		idx := strings.Index(rel, candidate)
		if idx < 0 {
			continue
		}
		lhs = strings.TrimSpace(rel[:idx])
		rhs = strings.TrimSpace(rel[idx+len(candidate):])
		if lhs == "" || rhs == "" {
			return "", "", "", fmt.Errorf("relation %q is missing a side", rel)
		}
		if strings.ContainsAny(lhs, "=<>") || strings.ContainsAny(rhs, "=<>") {
			return "", "", "", fmt.Errorf("relation %q has more than one operator", rel)
		}
		return lhs, candidate, rhs, nil
	}
	return "", "", "", fmt.Errorf("relation %q needs one of ==, >=, <=", rel)
}
