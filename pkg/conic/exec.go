package conic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecBackend runs an external solver binary. The problem is written to its
// stdin as JSON and a Solution is read from its stdout. Duals on stdout use
// the sign convention documented on Solution unless NegateDuals is set.
type ExecBackend struct {
	Binary  string
	Args    []string
	Timeout time.Duration
	// NegateDuals flips every dual value, for solvers reporting y with
	// c - Aᵀy in K*.
	NegateDuals bool
}

var execCommandContext = exec.CommandContext

func (b ExecBackend) Solve(ctx context.Context, p *Problem) (*Solution, error) {
	bin, err := resolveSolverBinary(b.Binary)
	if err != nil {
		return nil, err
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode problem: %w", err)
	}
	// #nosec G204 -- `bin` is resolved via LookPath and the arguments are operator configuration.
	cmd := execCommandContext(ctx, bin, b.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, errors.New("solver exec timeout")
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("solver exec failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("solver exec failed: %w", err)
	}
	sol, err := parseSolverOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	if b.NegateDuals {
		for i := range sol.Dual {
			sol.Dual[i] = -sol.Dual[i]
		}
	}
	return sol, nil
}

func resolveSolverBinary(raw string) (string, error) {
	bin := strings.TrimSpace(raw)
	if bin == "" {
		return "", errors.New("solver binary required")
	}
	if strings.ContainsAny(bin, " \t\n\r") {
		return "", errors.New("invalid solver binary path")
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("solver binary not found: %w", err)
	}
	return resolved, nil
}

func parseSolverOutput(out []byte) (*Solution, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, errors.New("solver produced no output")
	}
	var sol Solution
	if err := json.Unmarshal(out, &sol); err != nil {
		return nil, fmt.Errorf("decode solver output: %w", err)
	}
	switch sol.Status {
	case StatusOptimal, StatusInfeasible, StatusDualInfeasible, StatusUnknown:
	case "":
		sol.Status = StatusUnknown
	default:
		return nil, fmt.Errorf("solver reported unsupported status %q", sol.Status)
	}
	return &sol, nil
}
