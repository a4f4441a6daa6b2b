package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"polycert/pkg/auth"
	"polycert/pkg/conic"
	"polycert/pkg/domain"
	"polycert/pkg/hardening"
	"polycert/pkg/httpx"
	"polycert/pkg/metrics"
	"polycert/pkg/ratelimit"
	"polycert/pkg/session"
	"polycert/pkg/solvebus"
	"polycert/pkg/store"
	"polycert/pkg/stream"
	"polycert/pkg/telemetry"
)

type (
	initTelemetryFunc func(context.Context, telemetry.Config) (func(context.Context) error, error)
	openDBFunc        func(context.Context) (store.DB, func(), error)
	openRedisFunc     func(context.Context) (*redis.Client, error)
	openConsumerFunc  func(solvebus.KafkaConfig) (solvebus.Consumer, error)
	listenFunc        func(*http.Server) error
)

// Testable variables for main()
var (
	logFatalf                         = log.Fatalf
	initTelemetryFn initTelemetryFunc = telemetry.Init
	openDBFn        openDBFunc        = func(ctx context.Context) (store.DB, func(), error) {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	}
	openRedisFn openRedisFunc = func(ctx context.Context) (*redis.Client, error) {
		cfg, err := store.RedisConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return store.NewRedis(ctx, cfg)
	}
	openConsumerFn openConsumerFunc = func(cfg solvebus.KafkaConfig) (solvebus.Consumer, error) {
		return solvebus.NewKafkaConsumer(cfg)
	}
	listenFn listenFunc = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runCertd(initTelemetryFn, openDBFn, openRedisFn, openConsumerFn, listenFn); err != nil {
		logFatalf("certd: %v", err)
	}
}

func runCertd(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	openConsumer openConsumerFunc,
	listen listenFunc,
) error {
	ctx := context.Background()
	opts, err := hardening.OptionsFromEnv("certd")
	if err != nil {
		return err
	}
	if err := hardening.Validate(opts); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv("certd"))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	s := NewServer(nil, opts)

	if opts.DatabaseURL != "" {
		db, closeDB, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		if closeDB != nil {
			defer closeDB()
		}
		s.Archive = store.NewArchive(db)
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	s.Problems = store.NewProblems(store.NewCache(ctx, redisClient, "polycert:"), envDurationSec("PROBLEM_TTL_SEC", 86400))
	window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		if redisClient != nil {
			s.Limiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.Limiter = ratelimit.NewInMemory(window)
		}
		s.RateLimit = envInt("RATE_LIMIT_PER_WINDOW", 120)
	}

	if opts.SolverBin != "" {
		s.Solver = conic.ExecBackend{
			Binary:      opts.SolverBin,
			Args:        strings.Fields(env("SOLVER_ARGS", "")),
			Timeout:     time.Millisecond * time.Duration(envInt("SOLVER_TIMEOUT_MS", 60000)),
			NegateDuals: env("SOLVER_NEGATE_DUALS", "false") == "true",
		}
		s.SolverName = filepath.Base(opts.SolverBin)
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		consumer, err := openConsumer(solvebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_SOLUTIONS_TOPIC", "polycert.solutions"),
			GroupID: env("KAFKA_GROUP_ID", "certd"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		busCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer consumer.Close()
		go func() {
			if err := solvebus.Run(busCtx, consumer, s.handleSolutionEvent, slog.Default()); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("solution consumer stopped: %v", err)
			}
		}()
	}

	addr := env("ADDR", ":8090")
	log.Printf("certd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 30),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 120),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

// NewServer returns a server with in-memory storage and no solver; callers
// replace what they have.
func NewServer(problems *store.Problems, opts hardening.Options) *Server {
	if problems == nil {
		problems = store.NewProblems(store.NewMemoryCache(), 0)
	}
	tol := opts.AtomTolerance
	if tol <= 0 {
		tol = 1e-6
	}
	body := opts.MaxBodyBytes
	if body <= 0 {
		body = httpx.DefaultBodyLimit
	}
	return &Server{
		Problems:     problems,
		Events:       stream.NewHub(),
		Metrics:      metrics.NewRegistry(),
		Tolerance:    tol,
		MaxBodyBytes: body,
		CORSOrigins:  opts.CORSOrigins,
		Auth: auth.Config{
			Mode:     opts.AuthMode,
			Secret:   opts.AuthSecret,
			Issuer:   env("AUTH_ISSUER", ""),
			Audience: env("AUTH_AUDIENCE", ""),
		},
		Session: session.Options{Domain: domain.Options{
			MaxDegree:                  envInt("MAX_DEGREE", 0),
			FailOnInfeasibleMultiplier: env("FAIL_ON_INFEASIBLE_MULTIPLIER", "false") == "true",
		}},
		newID: uuid.NewString,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORS(s.CORSOrigins))
	r.Use(httpx.SecurityHeaders)
	r.Use(telemetry.HTTPMiddleware("certd"))
	r.Use(s.metricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "certd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/stream", s.streamEvents)

	r.Group(func(r chi.Router) {
		if s.Limiter != nil {
			r.Use(ratelimit.Middleware(s.Limiter, s.RateLimit, nil))
		}
		r.Use(auth.Middleware(s.Auth))
		write := r.With(auth.RequireRole(auth.RoleSubmit))
		read := r.With(auth.RequireRole(auth.RoleRead, auth.RoleSubmit))
		write.Post("/v1/problems", s.createProblem)
		read.Get("/v1/problems/{id}", s.getProblem)
		write.Post("/v1/problems/{id}/solution", s.postSolution)
		write.Post("/v1/problems/{id}/solve", s.solveProblem)
		read.Get("/v1/problems/{id}/constraints/{name}", s.getConstraint)
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack passes websocket upgrades through to the underlying writer.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		path := r.Method + " " + route
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
