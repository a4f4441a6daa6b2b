package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycert/pkg/auth"
	"polycert/pkg/conic"
	"polycert/pkg/solvebus"
)

func fakeCertd(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	r := chi.NewRouter()
	r.Post("/v1/problems", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, quadDSL, string(body))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		calls = append(calls, "create")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-7","name":"quad","certificates":[{"name":"quad","cone":"psd"}]}`))
	})
	r.Post("/v1/problems/{id}/solution", func(w http.ResponseWriter, r *http.Request) {
		var sol conic.Solution
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&sol))
		calls = append(calls, "solution:"+chi.URLParam(r, "id")+":"+string(sol.Status))
		_, _ = w.Write([]byte(`{"problem_id":"p-7","status":"OPTIMAL"}`))
	})
	r.Get("/v1/problems/{id}/constraints/{name}", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "report:"+chi.URLParam(r, "name"))
		if chi.URLParam(r, "name") != "quad" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"constraint not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"quad","residual":"0"}`))
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, &calls
}

func TestSubmitRoundTrip(t *testing.T) {
	ts, calls := fakeCertd(t)
	problem := writeFile(t, "quad.poly", quadDSL)
	solPath := writeSolution(t, quadSolution(t))

	out, err := runCLI(t, "submit", problem, "--server", ts.URL, "--token", "s3cret",
		"--solution", solPath, "--constraint", "quad")
	require.NoError(t, err)
	assert.Contains(t, out, "p-7\n")
	assert.Contains(t, out, `"residual": "0"`)
	assert.Equal(t, []string{"create", "solution:p-7:OPTIMAL", "report:quad"}, *calls)

	*calls = nil
	out, err = runCLI(t, "submit", problem, "--server", ts.URL, "--token", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "p-7\n", out)
	assert.Equal(t, []string{"create"}, *calls)

	_, err = runCLI(t, "submit", problem, "--server", ts.URL, "--token", "s3cret",
		"--solution", solPath, "--constraint", "other", "--retries", "0")
	assert.ErrorContains(t, err, "constraint not found")

	_, err = runCLI(t, "submit", problem, "--constraint", "quad")
	assert.ErrorContains(t, err, "--constraint needs --solution")
}

type fakePublisher struct {
	events []solvebus.SolutionEvent
	err    error
	closed bool
}

func (p *fakePublisher) Publish(_ context.Context, evt solvebus.SolutionEvent) error {
	p.events = append(p.events, evt)
	return p.err
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func TestPublish(t *testing.T) {
	orig := newPublisher
	defer func() { newPublisher = orig }()
	fake := &fakePublisher{}
	var cfg solvebus.KafkaConfig
	newPublisher = func(c solvebus.KafkaConfig) (publisher, error) {
		cfg = c
		return fake, nil
	}
	solPath := writeSolution(t, quadSolution(t))

	out, err := runCLI(t, "publish", "p-7", "--solution", solPath, "--brokers", "k1:9092,k2:9092", "--solver", "scs")
	require.NoError(t, err)
	assert.Equal(t, "published p-7 to polycert.solutions\n", out)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	require.Len(t, fake.events, 1)
	assert.Equal(t, "scs", fake.events[0].Solver)
	assert.Equal(t, conic.StatusOptimal, fake.events[0].Solution.Status)
	assert.True(t, fake.closed)

	fake.err = errors.New("broker down")
	_, err = runCLI(t, "publish", "p-7", "--solution", solPath)
	assert.ErrorContains(t, err, "broker down")

	newPublisher = func(solvebus.KafkaConfig) (publisher, error) { return nil, errors.New("no brokers") }
	_, err = runCLI(t, "publish", "p-7", "--solution", solPath)
	assert.ErrorContains(t, err, "kafka")
	_, err = runCLI(t, "publish", "p-7")
	assert.ErrorContains(t, err, "--solution required")
}

func TestTokenCommand(t *testing.T) {
	out, err := runCLI(t, "token", "--sub", "alice", "--role", "submitter,reader", "--secret", "s3cret", "--aud", "certd")
	require.NoError(t, err)
	claims, err := auth.VerifyHS256(strings.TrimSpace(out), "s3cret", time.Now(), "", "certd")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Sub)
	assert.Equal(t, []string{"submitter", "reader"}, claims.Roles)

	t.Setenv("AUTH_HS256_SECRET", "")
	_, err = runCLI(t, "token", "--sub", "alice")
	assert.ErrorContains(t, err, "secret")
	_, err = runCLI(t, "token", "--secret", "s3cret")
	assert.ErrorContains(t, err, "--sub required")
}
