// Package auth guards certd with HS256 bearer tokens carrying roles.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"polycert/pkg/httpx"
)

const (
	ModeOff    = "off"
	ModeHS256  = "hs256"
	RoleSubmit = "submitter"
	RoleRead   = "reader"
)

type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "polycert.principal"

type Config struct {
	Mode     string
	Secret   string
	Issuer   string
	Audience string
	// Now is the clock used for exp/nbf checks.
	Now func() time.Time
}

// Middleware attaches the caller's Principal to the request context. With
// ModeOff every caller is an anonymous principal holding every role.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" || mode == ModeOff {
		anon := Principal{Subject: "anonymous", Roles: []string{RoleSubmit, RoleRead}}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anon)))
			})
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if mode != ModeHS256 {
				httpx.Error(w, http.StatusUnauthorized, "unsupported auth mode")
				return
			}
			claims, err := VerifyHS256(strings.TrimSpace(header[len("bearer "):]), cfg.Secret, now().UTC(), cfg.Issuer, cfg.Audience)
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			p := Principal{Subject: claims.Sub, Roles: claims.Roles}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects principals holding none of roles with 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if !HasAnyRole(p, roles...) {
				httpx.Error(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}
