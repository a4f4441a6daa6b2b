// Package hardening validates service configuration before certd starts.
package hardening

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Options is the subset of certd configuration with security or numerical
// consequences.
type Options struct {
	Service     string
	Environment string
	// Strict enables the production checks; it defaults to on.
	Strict bool

	DatabaseURL        string
	DatabaseRequireTLS bool
	RedisAddr          string
	RedisRequireTLS    bool
	RedisTLSInsecure   bool
	CORSOrigins        []string
	AuthMode           string
	AuthSecret         string

	SolverBin     string
	AtomTolerance float64
	MaxBodyBytes  int64
}

// OptionsFromEnv reads the variables certd is configured with.
func OptionsFromEnv(service string) (Options, error) {
	o := Options{
		Service:            service,
		Environment:        firstEnv("ENVIRONMENT", "APP_ENV"),
		Strict:             envBool("STRICT_PROD_SECURITY", true),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseRequireTLS: envBool("DATABASE_REQUIRE_TLS", false),
		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisRequireTLS:    envBool("REDIS_REQUIRE_TLS", false),
		RedisTLSInsecure:   envBool("REDIS_TLS_INSECURE", false),
		AuthMode:           strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE"))),
		AuthSecret:         os.Getenv("AUTH_HS256_SECRET"),
		SolverBin:          strings.TrimSpace(os.Getenv("SOLVER_BIN")),
		AtomTolerance:      1e-6,
		MaxBodyBytes:       1 << 20,
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			o.CORSOrigins = append(o.CORSOrigins, origin)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("ATOM_TOLERANCE")); raw != "" {
		tol, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Options{}, fmt.Errorf("invalid ATOM_TOLERANCE %q", raw)
		}
		o.AtomTolerance = tol
	}
	if raw := strings.TrimSpace(os.Getenv("MAX_REQUEST_BODY_BYTES")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Options{}, fmt.Errorf("invalid MAX_REQUEST_BODY_BYTES %q", raw)
		}
		o.MaxBodyBytes = n
	}
	return o, nil
}

// Validate reports every violated rule at once. Numeric settings are always
// checked; transport and origin rules only in production-like environments
// with Strict set.
func Validate(o Options) error {
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{service}, args...)...))
	}

	if !(o.AtomTolerance > 0 && o.AtomTolerance < 1) {
		fail("ATOM_TOLERANCE must be in (0, 1), got %g", o.AtomTolerance)
	}
	if o.MaxBodyBytes <= 0 {
		fail("MAX_REQUEST_BODY_BYTES must be positive")
	}
	if o.SolverBin != "" && strings.ContainsAny(o.SolverBin, " \t\r\n") {
		fail("SOLVER_BIN must be a single path, got %q", o.SolverBin)
	}
	switch o.AuthMode {
	case "", "off":
	case "hs256":
		if o.AuthSecret == "" {
			fail("AUTH_MODE=hs256 requires AUTH_HS256_SECRET")
		}
	default:
		fail("unsupported AUTH_MODE %q", o.AuthMode)
	}

	if IsProductionLike(o.Environment) && o.Strict {
		if o.DatabaseURL != "" {
			if !o.DatabaseRequireTLS {
				fail("production requires DATABASE_REQUIRE_TLS=true")
			} else if err := checkSSLMode(o.DatabaseURL); err != nil {
				fail("%v", err)
			}
		}
		if o.RedisAddr != "" {
			if !o.RedisRequireTLS {
				fail("production requires REDIS_REQUIRE_TLS=true")
			}
			if o.RedisTLSInsecure {
				fail("production forbids REDIS_TLS_INSECURE")
			}
		}
		if o.AuthMode == "" || o.AuthMode == "off" {
			fail("production forbids AUTH_MODE=off")
		} else if o.AuthMode == "hs256" && o.AuthSecret != "" && len(o.AuthSecret) < 32 {
			fail("production requires AUTH_HS256_SECRET of at least 32 bytes")
		}
		if o.SolverBin != "" && !filepath.IsAbs(o.SolverBin) {
			fail("production requires an absolute SOLVER_BIN, got %q", o.SolverBin)
		}
		errs = append(errs, checkOrigins(service, o.CORSOrigins)...)
	}
	return errors.Join(errs...)
}

func checkSSLMode(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(u.Query().Get("sslmode")); mode {
	case "require", "verify-ca", "verify-full":
		return nil
	case "":
		return errors.New("DATABASE_URL must set sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("DATABASE_URL sslmode=%q is insecure", mode)
	}
}

func checkOrigins(service string, origins []string) []error {
	if len(origins) == 0 {
		return []error{fmt.Errorf("%s: production requires explicit CORS_ALLOWED_ORIGINS", service)}
	}
	var errs []error
	for _, origin := range origins {
		u, err := url.Parse(origin)
		switch {
		case origin == "*":
			errs = append(errs, fmt.Errorf("%s: production forbids CORS wildcard origin", service))
		case err != nil || u.Host == "":
			errs = append(errs, fmt.Errorf("%s: invalid CORS origin %q", service, origin))
		case u.Scheme != "https":
			errs = append(errs, fmt.Errorf("%s: production requires HTTPS CORS origin, got %q", service, origin))
		case u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1":
			errs = append(errs, fmt.Errorf("%s: production forbids localhost CORS origin %q", service, origin))
		}
	}
	return errs
}

// IsProductionLike reports whether env names a production or staging
// deployment.
func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	return strings.EqualFold(raw, "true")
}
