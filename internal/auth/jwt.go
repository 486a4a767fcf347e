package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/model"
)

// VerifiedToken is the outcome of a successful JWT verification, attached
// to request attributes for downstream hooks.
type VerifiedToken struct {
	Raw    string
	Claims jwt.MapClaims
}

// VerifyJWT applies a service's JwtVerifier to the request. A nil verifier
// or a disabled one always passes. In strict mode a missing token fails.
func VerifyJWT(r *http.Request, verifier *model.JwtVerifier) (*VerifiedToken, *errors.ProxyError) {
	if verifier == nil || !verifier.Enabled {
		return nil, nil
	}

	raw := locateToken(r, verifier.Source)
	if raw == "" {
		if verifier.Strict {
			return nil, errors.ErrBadToken
		}
		return nil, nil
	}

	keyfunc, kerr := keyfuncFor(verifier.AlgoSettings)
	if kerr != nil {
		return nil, errors.ErrBadToken
	}
	token, err := jwt.Parse(raw, keyfunc)
	if err != nil || !token.Valid {
		return nil, errors.ErrBadToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrBadToken
	}

	for field, want := range verifier.Verification.Fields {
		got, ok := claims[field].(string)
		if !ok || got != want {
			return nil, errors.ErrBadToken
		}
	}

	for field, want := range verifier.Verification.ArrayFields {
		arr, ok := claims[field].([]any)
		if !ok {
			return nil, errors.ErrBadToken
		}
		found := false
		for _, item := range arr {
			if s, ok := item.(string); ok && s == want {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.ErrBadToken
		}
	}

	return &VerifiedToken{Raw: raw, Claims: claims}, nil
}

func locateToken(r *http.Request, src model.TokenLocation) string {
	switch src.Type {
	case "", "InHeader":
		name := src.Name
		if name == "" {
			name = "Authorization"
		}
		raw := r.Header.Get(name)
		if raw == "" {
			return ""
		}
		if src.Remove != "" {
			return strings.TrimSpace(strings.TrimPrefix(raw, src.Remove))
		}
		// No prefix configured: tolerate a standard bearer prefix
		return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	case "InQueryParam":
		return r.URL.Query().Get(src.Name)
	case "InCookie":
		if c, err := r.Cookie(src.Name); err == nil {
			return c.Value
		}
	}
	return ""
}
