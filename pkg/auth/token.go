package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpired      = errors.New("auth: token expired")
)

type Claims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles,omitempty"`
	Iss   string   `json:"iss,omitempty"`
	Aud   string   `json:"aud,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
}

var jwtHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// SignHS256 mints a compact JWT for claims.
func SignHS256(claims Claims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("auth: secret is required")
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := jwtHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac(signing, secret)), nil
}

func mac(signing, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write([]byte(signing))
	return h.Sum(nil)
}

// VerifyHS256 checks the signature and the time, subject, issuer and
// audience claims. Empty issuer or audience skip that check.
func VerifyHS256(token, secret string, now time.Time, issuer, audience string) (Claims, error) {
	if secret == "" {
		return Claims{}, errors.New("auth: secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: format", ErrInvalidToken)
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Claims{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Claims{}, fmt.Errorf("%w: unsupported alg %q", ErrInvalidToken, header.Alg)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}
	if !hmac.Equal(sig, mac(parts[0]+"."+parts[1], secret)) {
		return Claims{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	switch {
	case claims.Exp == 0 || now.Unix() >= claims.Exp:
		return Claims{}, ErrExpired
	case claims.Nbf != 0 && now.Unix() < claims.Nbf:
		return Claims{}, fmt.Errorf("%w: not active", ErrInvalidToken)
	case claims.Sub == "":
		return Claims{}, fmt.Errorf("%w: subject required", ErrInvalidToken)
	case issuer != "" && claims.Iss != issuer:
		return Claims{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	case audience != "" && claims.Aud != audience:
		return Claims{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	return claims, nil
}
