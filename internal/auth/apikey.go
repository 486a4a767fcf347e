// Package auth extracts and validates caller credentials: API keys in their
// several transports, and service-level JWT verifiers.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/model"
	"github.com/fossabot/otoroshi/internal/view"
)

// Header names for the custom-headers transport.
const (
	ClientIDHeader     = "Otoroshi-Client-Id"
	ClientSecretHeader = "Otoroshi-Client-Secret"
	bearerScheme       = "Otoroshi-Token "
	basicScheme        = "Basic "
)

// Extractor validates API keys for one service.
type Extractor struct {
	view        *view.View
	constraints model.APIKeyConstraints
	groupID     string
}

// NewExtractor creates an extractor bound to a config snapshot and service.
func NewExtractor(v *view.View, svc *model.ServiceDescriptor) *Extractor {
	return &Extractor{
		view:        v,
		constraints: svc.APIKeyConstraints,
		groupID:     svc.GroupID,
	}
}

// Extract picks the first credential present among the supported
// transports, validates it and returns the ApiKey. A nil, nil return means
// no credential was supplied at all.
func (e *Extractor) Extract(r *http.Request) (*model.ApiKey, *errors.ProxyError) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, bearerScheme) {
			return e.fromBearer(strings.TrimPrefix(auth, bearerScheme))
		}
		if strings.HasPrefix(auth, basicScheme) {
			return e.fromBasic(strings.TrimPrefix(auth, basicScheme))
		}
	}

	if id := r.Header.Get(ClientIDHeader); id != "" {
		return e.validatePair(id, r.Header.Get(ClientSecretHeader))
	}

	// Custom locations configured per service
	if loc := e.constraints.JWTAuth; loc.Enabled {
		if raw := tokenFromLocation(r, loc); raw != "" {
			return e.fromBearer(raw)
		}
	}
	if loc := e.constraints.BasicAuth; loc.Enabled {
		if raw := tokenFromLocation(r, loc); raw != "" {
			return e.fromBasic(raw)
		}
	}

	return nil, nil
}

// fromBearer validates an "Otoroshi-Token" style JWT signed with the client
// secret; the issuer claim names the client.
func (e *Extractor) fromBearer(raw string) (*model.ApiKey, *errors.ProxyError) {
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, errors.ErrApiKeyInvalid
	}
	iss, err := unverified.Claims.GetIssuer()
	if err != nil || iss == "" {
		return nil, errors.ErrApiKeyInvalid
	}

	key, ok := e.view.ApiKeyByClientID(iss)
	if !ok {
		return nil, errors.ErrApiKeyInvalid
	}

	_, err = jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(key.ClientSecret), nil
	})
	if err != nil {
		return nil, errors.ErrApiKeyInvalid
	}
	return e.check(key)
}

func (e *Extractor) fromBasic(raw string) (*model.ApiKey, *errors.ProxyError) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.ErrApiKeyInvalid
	}
	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, errors.ErrApiKeyInvalid
	}
	return e.validatePair(id, secret)
}

func (e *Extractor) validatePair(clientID, clientSecret string) (*model.ApiKey, *errors.ProxyError) {
	key, ok := e.view.ApiKeyByClientID(clientID)
	if !ok || subtle.ConstantTimeCompare([]byte(key.ClientSecret), []byte(clientSecret)) != 1 {
		return nil, errors.ErrApiKeyInvalid
	}
	return e.check(key)
}

// check applies the key validity rules: the key must be enabled and, when
// the extractor is bound to a group, authorized for that group.
func (e *Extractor) check(key *model.ApiKey) (*model.ApiKey, *errors.ProxyError) {
	if !key.Enabled {
		return nil, errors.ErrApiKeyInvalid
	}
	if e.groupID != "" && key.AuthorizedGroup != e.groupID {
		return nil, errors.ErrApiKeyInvalid
	}
	return key, nil
}

// CheckRouting applies the service's routing constraints to the key.
// Failure is intentionally indistinguishable from a missing service.
func (e *Extractor) CheckRouting(key *model.ApiKey) *errors.ProxyError {
	if e.constraints.Routing.Empty() {
		return nil
	}
	if !e.constraints.Routing.Matches(key) {
		return errors.ErrApiKeyRouting
	}
	return nil
}

func tokenFromLocation(r *http.Request, loc model.APIKeyLocation) string {
	if loc.HeaderName != "" {
		if v := r.Header.Get(loc.HeaderName); v != "" {
			return strings.TrimSpace(v)
		}
	}
	if loc.QueryName != "" {
		if v := r.URL.Query().Get(loc.QueryName); v != "" {
			return v
		}
	}
	if loc.CookieName != "" {
		if c, err := r.Cookie(loc.CookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return ""
}
