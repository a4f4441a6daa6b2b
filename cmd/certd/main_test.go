package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"polycert/pkg/hardening"
	"polycert/pkg/solvebus"
	"polycert/pkg/store"
	"polycert/pkg/telemetry"
)

type fakeDB struct{}

func (fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return fakeRow{} }

type fakeRow struct{}

func (fakeRow) Scan(...any) error { return pgx.ErrNoRows }

type blockingConsumer struct {
	started chan struct{}
	closed  atomic.Bool
}

func (c *blockingConsumer) ReadMessage(ctx context.Context) (solvebus.Message, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return solvebus.Message{}, ctx.Err()
}

func (c *blockingConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

func noopTelemetry(context.Context, telemetry.Config) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunCertdWiresDependencies(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/polycert")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SOLVER_BIN", "/usr/local/bin/scs-runner")
	t.Setenv("SOLVER_ARGS", "--json --quiet")
	t.Setenv("ADDR", "127.0.0.1:0")

	consumer := &blockingConsumer{started: make(chan struct{}, 1)}
	var gotCfg solvebus.KafkaConfig
	dbOpened, dbClosed := false, false
	var served *http.Server

	err := runCertd(
		noopTelemetry,
		func(context.Context) (store.DB, func(), error) {
			dbOpened = true
			return fakeDB{}, func() { dbClosed = true }, nil
		},
		func(context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(cfg solvebus.KafkaConfig) (solvebus.Consumer, error) {
			gotCfg = cfg
			return consumer, nil
		},
		func(server *http.Server) error {
			served = server
			select {
			case <-consumer.started:
			case <-time.After(2 * time.Second):
				t.Error("consumer never started")
			}
			return http.ErrServerClosed
		},
	)
	if !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("expected listen error to propagate, got %v", err)
	}
	if !dbOpened || !dbClosed {
		t.Fatalf("database should be opened and closed: opened=%v closed=%v", dbOpened, dbClosed)
	}
	if !consumer.closed.Load() {
		t.Fatal("consumer should be closed on shutdown")
	}
	if len(gotCfg.Brokers) != 2 || gotCfg.Topic != "polycert.solutions" || gotCfg.GroupID != "certd" {
		t.Fatalf("unexpected kafka config: %+v", gotCfg)
	}
	if served == nil || served.Addr != "127.0.0.1:0" || served.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("unexpected server: %+v", served)
	}
	s := served.Handler
	if s == nil {
		t.Fatal("server handler not set")
	}
}

func TestRunCertdUsesRedisWhenAvailable(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("RATE_LIMIT_PER_WINDOW", "5")

	// The redis client is closed once runCertd returns, so requests are
	// served from inside listen.
	var rr *httptest.ResponseRecorder
	err := runCertd(
		noopTelemetry,
		func(context.Context) (store.DB, func(), error) {
			t.Error("database should not be opened without DATABASE_URL")
			return nil, nil, errors.New("unexpected")
		},
		func(context.Context) (*redis.Client, error) {
			return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
		},
		func(solvebus.KafkaConfig) (solvebus.Consumer, error) {
			t.Error("kafka should not be used without KAFKA_BROKERS")
			return nil, errors.New("unexpected")
		},
		func(server *http.Server) error {
			rr = httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/problems", strings.NewReader(quadDSL))
			server.Handler.ServeHTTP(rr, req)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rr == nil {
		t.Fatal("listen was not called")
	}
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Fatalf("expected redis limiter with limit 5, got %q", got)
	}
	if len(mr.Keys()) == 0 {
		t.Fatal("expected problem and limiter keys in redis")
	}
}

func TestRunCertdFailures(t *testing.T) {
	okRedis := func(context.Context) (*redis.Client, error) { return nil, errors.New("down") }
	okListen := func(*http.Server) error { return nil }

	t.Run("hardening", func(t *testing.T) {
		t.Setenv("ATOM_TOLERANCE", "2")
		err := runCertd(noopTelemetry, nil, okRedis, nil, okListen)
		if err == nil {
			t.Fatal("expected hardening error")
		}
	})
	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("MAX_REQUEST_BODY_BYTES", "lots")
		if err := runCertd(noopTelemetry, nil, okRedis, nil, okListen); err == nil {
			t.Fatal("expected parse error")
		}
	})
	t.Run("telemetry", func(t *testing.T) {
		failing := func(context.Context, telemetry.Config) (func(context.Context) error, error) {
			return nil, errors.New("collector down")
		}
		if err := runCertd(failing, nil, okRedis, nil, okListen); err == nil {
			t.Fatal("expected telemetry error")
		}
	})
	t.Run("database", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/polycert")
		openDB := func(context.Context) (store.DB, func(), error) { return nil, nil, errors.New("refused") }
		if err := runCertd(noopTelemetry, openDB, okRedis, nil, okListen); err == nil {
			t.Fatal("expected db error")
		}
	})
	t.Run("kafka", func(t *testing.T) {
		t.Setenv("KAFKA_BROKERS", "k1:9092")
		openConsumer := func(solvebus.KafkaConfig) (solvebus.Consumer, error) { return nil, errors.New("no brokers") }
		if err := runCertd(noopTelemetry, nil, okRedis, openConsumer, okListen); err == nil {
			t.Fatal("expected kafka error")
		}
	})
}

func TestMainDirect(t *testing.T) {
	origFatal, origTel, origRedis, origListen := logFatalf, initTelemetryFn, openRedisFn, listenFn
	defer func() {
		logFatalf, initTelemetryFn, openRedisFn, listenFn = origFatal, origTel, origRedis, origListen
	}()
	initTelemetryFn = noopTelemetry
	openRedisFn = func(context.Context) (*redis.Client, error) { return nil, errors.New("down") }

	fatal := false
	logFatalf = func(string, ...any) { fatal = true }
	listenFn = func(*http.Server) error { return nil }
	main()
	if fatal {
		t.Fatal("logFatalf should not be called on success")
	}

	listenFn = func(*http.Server) error { return errors.New("address in use") }
	main()
	if !fatal {
		t.Fatal("logFatalf should be called when listen fails")
	}
}

func TestNewServerDefaults(t *testing.T) {
	t.Setenv("MAX_DEGREE", "6")
	t.Setenv("FAIL_ON_INFEASIBLE_MULTIPLIER", "true")
	s := NewServer(nil, hardening.Options{})
	if s.Tolerance != 1e-6 || s.MaxBodyBytes <= 0 {
		t.Fatalf("unexpected defaults: tol=%v body=%d", s.Tolerance, s.MaxBodyBytes)
	}
	if s.Session.Domain.MaxDegree != 6 || !s.Session.Domain.FailOnInfeasibleMultiplier {
		t.Fatalf("unexpected session options: %+v", s.Session.Domain)
	}
	if s.Solver != nil {
		t.Fatal("solver must be opt-in")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CERTD_TEST_ENV", "x")
	if got := env("CERTD_TEST_ENV", "y"); got != "x" {
		t.Fatalf("unexpected env value: %s", got)
	}
	if got := env("CERTD_TEST_ENV_MISSING", "y"); got != "y" {
		t.Fatalf("unexpected env fallback: %s", got)
	}
	t.Setenv("CERTD_TEST_INT_BAD", "bad")
	if got := envInt("CERTD_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("unexpected env int fallback: %d", got)
	}
	t.Setenv("CERTD_TEST_DUR", "3")
	if got := envDurationSec("CERTD_TEST_DUR", 1); got != 3*time.Second {
		t.Fatalf("unexpected env duration: %s", got)
	}
}
