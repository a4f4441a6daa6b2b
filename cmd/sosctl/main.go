package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"polycert/pkg/conic"
	"polycert/pkg/domain"
	"polycert/pkg/extract"
	"polycert/pkg/session"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	root := newRootCmd(out, errOut)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type rootFlags struct {
	verbose            bool
	maxDegree          int
	failOnInfeasibleMx bool
}

func (f *rootFlags) sessionOptions(errOut io.Writer) session.Options {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return session.Options{
		Domain: domain.Options{
			MaxDegree:                  f.maxDegree,
			FailOnInfeasibleMultiplier: f.failOnInfeasibleMx,
		},
		Logger: slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})),
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "sosctl",
		Short:         "Reformulate, solve and inspect polynomial nonnegativity certificates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	pf := root.PersistentFlags()
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log preprocessing decisions to stderr")
	pf.IntVar(&flags.maxDegree, "max-degree", 0, "multiplier degree cap (0 derives it from the target)")
	pf.BoolVar(&flags.failOnInfeasibleMx, "fail-on-infeasible-multiplier", false, "reject domains whose multipliers cannot fit the degree cap")

	root.AddCommand(
		newReformulateCmd(flags),
		newSolveCmd(flags),
		newExtractCmd(flags),
		newCheckCmd(flags),
		newSubmitCmd(),
		newPublishCmd(),
		newTokenCmd(),
	)
	return root
}

func openSession(cmd *cobra.Command, flags *rootFlags, path string) (*session.Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem: %w", err)
	}
	sess, err := session.Open(cmd.Context(), string(raw), flags.sessionOptions(cmd.ErrOrStderr()))
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", path, err)
	}
	return sess, nil
}

func readSolution(path string) (*conic.Solution, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read solution: %w", err)
	}
	var sol conic.Solution
	if err := json.Unmarshal(raw, &sol); err != nil {
		return nil, fmt.Errorf("decode solution: %w", err)
	}
	if sol.Status == "" {
		return nil, errors.New("decode solution: status missing")
	}
	return &sol, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newReformulateCmd(flags *rootFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "reformulate <problem-file>",
		Short: "Build the conic problem and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, flags, args[0])
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return writeJSON(cmd.OutOrStdout(), sess.Problem())
			case "yaml":
				raw, err := sess.IR.YAML()
				if err != nil {
					return fmt.Errorf("encode yaml: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			case "summary":
				for _, c := range sess.Certificates() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d monomials\t%d rows\n", c.Name, c.Cone, len(c.Basis), len(c.Rows))
					for _, w := range c.Warnings {
						fmt.Fprintf(cmd.OutOrStdout(), "  warning %s: %s\n", w.Code, w.Message)
					}
				}
				return nil
			default:
				return fmt.Errorf("unknown format %q (json, yaml, summary)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json, yaml or summary")
	return cmd
}

type solveOutput struct {
	Status   conic.Status       `json:"status"`
	Decision map[string]float64 `json:"decision,omitempty"`
	Reports  []*extract.Report  `json:"constraints"`
}

func newSolveCmd(flags *rootFlags) *cobra.Command {
	var (
		solver  string
		args    string
		timeout time.Duration
		tol     float64
		save    string
		negate  bool
	)
	cmd := &cobra.Command{
		Use:   "solve <problem-file>",
		Short: "Run an external solver and print the extracted certificates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			if solver == "" {
				return errors.New("--solver required")
			}
			sess, err := openSession(cmd, flags, pos[0])
			if err != nil {
				return err
			}
			backend := conic.ExecBackend{Binary: solver, Args: strings.Fields(args), Timeout: timeout, NegateDuals: negate}
			sol, err := backend.Solve(cmd.Context(), sess.Problem())
			if err != nil {
				return fmt.Errorf("solve: %w", err)
			}
			if save != "" {
				raw, err := json.MarshalIndent(sol, "", "  ")
				if err != nil {
					return fmt.Errorf("encode solution: %w", err)
				}
				if err := os.WriteFile(save, raw, 0o600); err != nil {
					return fmt.Errorf("write solution: %w", err)
				}
			}
			return report(cmd, sess, sol, "", tol)
		},
	}
	f := cmd.Flags()
	f.StringVar(&solver, "solver", "", "solver binary reading problem JSON on stdin")
	f.StringVar(&args, "solver-args", "", "extra solver arguments, space separated")
	f.DurationVar(&timeout, "timeout", time.Minute, "solver timeout")
	f.Float64Var(&tol, "tol", 1e-6, "atom extraction tolerance")
	f.StringVar(&save, "save", "", "write the raw solution JSON here")
	f.BoolVar(&negate, "negate-duals", false, "negate solver duals reported with c - Aᵀy in K*")
	return cmd
}

func newExtractCmd(flags *rootFlags) *cobra.Command {
	var (
		solution   string
		constraint string
		tol        float64
	)
	cmd := &cobra.Command{
		Use:   "extract <problem-file>",
		Short: "Extract certificates from a solution computed elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if solution == "" {
				return errors.New("--solution required")
			}
			sess, err := openSession(cmd, flags, args[0])
			if err != nil {
				return err
			}
			sol, err := readSolution(solution)
			if err != nil {
				return err
			}
			return report(cmd, sess, sol, constraint, tol)
		},
	}
	f := cmd.Flags()
	f.StringVar(&solution, "solution", "", "solution JSON file")
	f.StringVar(&constraint, "constraint", "", "only report this constraint")
	f.Float64Var(&tol, "tol", 1e-6, "atom extraction tolerance")
	return cmd
}

func report(cmd *cobra.Command, sess *session.Session, sol *conic.Solution, constraint string, tol float64) error {
	if !(tol > 0 && tol < 1) {
		return fmt.Errorf("tol must be in (0, 1), got %g", tol)
	}
	ctx := cmd.Context()
	res, err := sess.Apply(ctx, sol)
	if err != nil {
		return err
	}
	out := solveOutput{Status: res.Status, Decision: res.Decision}
	if constraint != "" {
		rep, err := sess.Report(ctx, res, constraint, tol)
		if err != nil {
			return err
		}
		out.Reports = []*extract.Report{rep}
	} else if out.Reports, err = sess.Reports(ctx, res, tol); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func newCheckCmd(flags *rootFlags) *cobra.Command {
	var (
		solution string
		tol      float64
	)
	cmd := &cobra.Command{
		Use:   "check <problem-file>",
		Short: "Verify that a primal point satisfies every conic constraint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if solution == "" {
				return errors.New("--solution required")
			}
			sess, err := openSession(cmd, flags, args[0])
			if err != nil {
				return err
			}
			sol, err := readSolution(solution)
			if err != nil {
				return err
			}
			if err := sess.Check(sol, tol); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&solution, "solution", "", "solution JSON file")
	cmd.Flags().Float64Var(&tol, "tol", 1e-7, "feasibility tolerance")
	return cmd
}
