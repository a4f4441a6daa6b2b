package polydsl

import (
	"strings"
	"testing"
)

const orthantDSL = `
# cubic on a truncated orthant
problem orthant v1:
vars x y
constraint cubic:
  nonneg x^3 - x^2 + 2*x*y - y^2 + y^3
  cone sos
  where x >= 0
  where y >= 0
  where x + y >= 1

constraint lower:
  nonneg x^2 - 2*x + 3
  cone sdsos
  basis 1 x
  maxdegree 4
  bound g
objective maximize g
`

func TestParseDSL(t *testing.T) {
	p, err := ParseDSL(orthantDSL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ID != "orthant" || p.Version != "v1" {
		t.Fatalf("unexpected header: %s %s", p.ID, p.Version)
	}
	if len(p.Vars) != 2 || p.Vars[0] != "x" || p.Vars[1] != "y" {
		t.Fatalf("unexpected vars: %v", p.Vars)
	}
	if len(p.Constraints) != 2 {
		t.Fatalf("expected 2 constraints, got %d", len(p.Constraints))
	}
	cubic := p.Constraints[0]
	if cubic.Cone != "sos" || len(cubic.Where) != 3 || cubic.Where[2] != "x + y >= 1" {
		t.Fatalf("unexpected cubic constraint: %+v", cubic)
	}
	lower := p.Constraints[1]
	if lower.Bound != "g" || lower.MaxDegree != 4 || len(lower.Basis) != 2 {
		t.Fatalf("unexpected lower constraint: %+v", lower)
	}
	if p.Objective == nil || p.Objective.Sense != "maximize" || p.Objective.Var != "g" {
		t.Fatalf("unexpected objective: %+v", p.Objective)
	}
}

func TestParseDSLValidationErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		dsl  string
		want string
	}{
		{
			name: "invalid_header",
			dsl:  "problem onlytwo\n",
			want: "invalid problem header",
		},
		{
			name: "dangling_statement",
			dsl:  "problem p v1:\nnonneg x^2\n",
			want: "dangling statement",
		},
		{
			name: "vars_after_constraint",
			dsl:  "problem p v1:\nconstraint c:\nvars x\n",
			want: "vars must appear before constraints",
		},
		{
			name: "unknown_statement",
			dsl:  "problem p v1:\nconstraint c:\nminimize x\n",
			want: "unknown statement",
		},
		{
			name: "bad_cone",
			dsl:  "problem p v1:\nconstraint c:\nnonneg x^2\ncone spectral\n",
			want: "cone error",
		},
		{
			name: "bad_relation",
			dsl:  "problem p v1:\nconstraint c:\nnonneg x^2\nwhere x > 0\n",
			want: "where error",
		},
		{
			name: "double_relation",
			dsl:  "problem p v1:\nconstraint c:\nnonneg x^2\nwhere 0 <= x <= 1\n",
			want: "more than one operator",
		},
		{
			name: "bad_maxdegree",
			dsl:  "problem p v1:\nconstraint c:\nnonneg x^2\nmaxdegree two\n",
			want: "maxdegree must be a positive integer",
		},
		{
			name: "duplicate_nonneg",
			dsl:  "problem p v1:\nconstraint c:\nnonneg x^2\nnonneg x^4\n",
			want: "duplicate nonneg",
		},
		{
			name: "bad_objective",
			dsl:  "problem p v1:\nobjective maximize\n",
			want: "objective error",
		},
		{
			name: "missing_nonneg",
			dsl:  "problem p v1:\nconstraint c:\ncone dsos\n",
			want: "no nonneg expression",
		},
		{
			name: "unbound_objective",
			dsl:  "problem p v1:\nconstraint c:\nnonneg x^2\nobjective maximize g\n",
			want: "not bound",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseDSL(tc.dsl)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseDSLReportsLine(t *testing.T) {
	_, err := ParseDSL("problem p v1:\n\nconstraint c:\n  nonneg x\n  basis\n")
	if err == nil || !strings.Contains(err.Error(), "at line 5") {
		t.Fatalf("expected line 5 in error, got %v", err)
	}
}

func TestSplitRelation(t *testing.T) {
	lhs, op, rhs, err := splitRelation("x^2 + y^2 == 1")
	if err != nil || lhs != "x^2 + y^2" || op != "==" || rhs != "1" {
		t.Fatalf("unexpected split: %q %q %q %v", lhs, op, rhs, err)
	}
	if _, op, _, _ := splitRelation("1 <= x"); op != "<=" {
		t.Fatalf("op = %q", op)
	}
	if _, _, _, err := splitRelation(">= 1"); err == nil {
		t.Fatal("expected missing side error")
	}
}
