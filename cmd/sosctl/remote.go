package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"polycert/pkg/auth"
	"polycert/pkg/httpx"
	"polycert/pkg/solvebus"
)

type publisher interface {
	Publish(ctx context.Context, evt solvebus.SolutionEvent) error
	Close() error
}

var newPublisher = func(cfg solvebus.KafkaConfig) (publisher, error) {
	return solvebus.NewKafkaPublisher(cfg)
}

type remoteFlags struct {
	server  string
	token   string
	retries int
	timeout time.Duration
}

func (f *remoteFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.server, "server", envOr("POLYCERT_SERVER", "http://localhost:8090"), "certd base URL")
	fl.StringVar(&f.token, "token", os.Getenv("POLYCERT_TOKEN"), "bearer token sent to certd")
	fl.IntVar(&f.retries, "retries", 2, "retries on transport errors and 5xx")
	fl.DurationVar(&f.timeout, "http-timeout", 30*time.Second, "per-request timeout")
}

func (f *remoteFlags) client() *httpx.Client {
	c := &httpx.Client{
		HTTP:    &http.Client{Timeout: f.timeout},
		BaseURL: f.server,
		Retries: f.retries,
		Backoff: 200 * time.Millisecond,
	}
	if f.token != "" {
		c.Headers = map[string]string{"Authorization": "Bearer " + f.token}
	}
	return c
}

type submitResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Certificates []struct {
		Name string `json:"name"`
		Cone string `json:"cone"`
	} `json:"certificates"`
}

func newSubmitCmd() *cobra.Command {
	var (
		remote     remoteFlags
		solution   string
		constraint string
	)
	cmd := &cobra.Command{
		Use:   "submit <problem-file>",
		Short: "Register a problem with certd, optionally attach a solution and fetch a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if constraint != "" && solution == "" {
				return errors.New("--constraint needs --solution")
			}
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read problem: %w", err)
			}
			ctx := cmd.Context()
			c := remote.client()
			var created submitResponse
			if err := c.Do(ctx, http.MethodPost, "/v1/problems", "text/plain", src, &created); err != nil {
				return fmt.Errorf("submit problem: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, created.ID)
			if solution == "" {
				return nil
			}
			sol, err := readSolution(solution)
			if err != nil {
				return err
			}
			var accepted map[string]any
			if err := c.PostJSON(ctx, "/v1/problems/"+url.PathEscape(created.ID)+"/solution", sol, &accepted); err != nil {
				return fmt.Errorf("post solution: %w", err)
			}
			if constraint == "" {
				return writeJSON(out, accepted)
			}
			var rep map[string]any
			path := "/v1/problems/" + url.PathEscape(created.ID) + "/constraints/" + url.PathEscape(constraint)
			if err := c.GetJSON(ctx, path, &rep); err != nil {
				return fmt.Errorf("fetch report: %w", err)
			}
			return writeJSON(out, rep)
		},
	}
	remote.bind(cmd)
	cmd.Flags().StringVar(&solution, "solution", "", "solution JSON to attach")
	cmd.Flags().StringVar(&constraint, "constraint", "", "constraint whose report to fetch")
	return cmd
}

func newPublishCmd() *cobra.Command {
	var (
		solution string
		brokers  string
		topic    string
		solver   string
	)
	cmd := &cobra.Command{
		Use:   "publish <problem-id>",
		Short: "Publish a finished solve to the solutions topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if solution == "" {
				return errors.New("--solution required")
			}
			sol, err := readSolution(solution)
			if err != nil {
				return err
			}
			pub, err := newPublisher(solvebus.KafkaConfig{
				Brokers: strings.Split(brokers, ","),
				Topic:   topic,
			})
			if err != nil {
				return fmt.Errorf("kafka: %w", err)
			}
			defer pub.Close()
			evt := solvebus.SolutionEvent{ProblemID: args[0], Solver: solver, Solution: *sol}
			if err := pub.Publish(cmd.Context(), evt); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", args[0], topic)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&solution, "solution", "", "solution JSON file")
	f.StringVar(&brokers, "brokers", envOr("KAFKA_BROKERS", "localhost:9092"), "comma separated broker list")
	f.StringVar(&topic, "topic", envOr("KAFKA_SOLUTIONS_TOPIC", "polycert.solutions"), "solutions topic")
	f.StringVar(&solver, "solver", "", "solver name recorded on the event")
	return cmd
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func newTokenCmd() *cobra.Command {
	var (
		subject  string
		roles    []string
		secret   string
		issuer   string
		audience string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for certd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return errors.New("--sub required")
			}
			if secret == "" {
				return errors.New("--secret or AUTH_HS256_SECRET required")
			}
			now := time.Now().UTC()
			tok, err := auth.SignHS256(auth.Claims{
				Sub:   subject,
				Roles: roles,
				Iss:   issuer,
				Aud:   audience,
				Iat:   now.Unix(),
				Exp:   now.Add(ttl).Unix(),
			}, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&subject, "sub", "", "token subject")
	f.StringSliceVar(&roles, "role", []string{auth.RoleSubmit}, "roles to grant (repeatable)")
	f.StringVar(&secret, "secret", os.Getenv("AUTH_HS256_SECRET"), "HS256 signing secret")
	f.StringVar(&issuer, "iss", os.Getenv("AUTH_ISSUER"), "issuer claim")
	f.StringVar(&audience, "aud", os.Getenv("AUTH_AUDIENCE"), "audience claim")
	f.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
