// Package seccom implements the signed state/claim exchange between the
// proxy and its upstreams: outbound state and info tokens, and validation
// of the upstream's state-response token.
package seccom

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/model"
)

// Issuer is the "iss" claim the proxy stamps on outbound tokens.
const Issuer = "Otoroshi"

// Exchange is the per-call state of one secure-communication round trip.
type Exchange struct {
	State      string
	StateToken string
	ClaimToken string
	IssuedAt   time.Time
	TTL        time.Duration
}

// Engine issues and validates exchange tokens for one service.
type Engine struct {
	svc    *model.ServiceDescriptor
	replay *ReplayCache
	now    func() time.Time
}

// NewEngine binds an engine to a service and the shared replay cache.
func NewEngine(svc *model.ServiceDescriptor, replay *ReplayCache) *Engine {
	return &Engine{svc: svc, replay: replay, now: time.Now}
}

// CallerInfo describes the authenticated caller for the claim token.
type CallerInfo struct {
	ApiKey *model.ApiKey
	User   *model.PrivateAppsUser
}

// Start issues the outbound tokens for one upstream call.
func (e *Engine) Start(caller CallerInfo) (*Exchange, error) {
	now := e.now()
	ttl := e.svc.SecComTTLOrDefault()
	ex := &Exchange{
		State:    uuid.NewString(),
		IssuedAt: now,
		TTL:      ttl,
	}

	method, err := e.svc.SecComSettings.SigningMethod()
	if err != nil {
		return nil, err
	}
	key, err := e.svc.SecComSettings.SignKey()
	if err != nil {
		return nil, err
	}

	if e.svc.SendStateChallenge {
		tok := jwt.NewWithClaims(method, jwt.MapClaims{
			"jti":   uuid.NewString(),
			"iss":   Issuer,
			"aud":   e.svc.ID,
			"iat":   now.Unix(),
			"exp":   now.Add(ttl).Unix(),
			"state": ex.State,
		})
		signed, err := tok.SignedString(key)
		if err != nil {
			return nil, fmt.Errorf("signing state token: %w", err)
		}
		ex.StateToken = signed
	}

	if e.svc.SendInfoToken {
		claims := e.claimBody(caller, now, ttl)
		tok := jwt.NewWithClaims(method, claims)
		signed, err := tok.SignedString(key)
		if err != nil {
			return nil, fmt.Errorf("signing claim token: %w", err)
		}
		ex.ClaimToken = signed
	}

	return ex, nil
}

// claimBody renders the info token in the configured shape.
func (e *Engine) claimBody(caller CallerInfo, now time.Time, ttl time.Duration) jwt.MapClaims {
	base := jwt.MapClaims{
		"jti": uuid.NewString(),
		"iss": Issuer,
		"sub": subject(caller),
		"aud": e.svc.ID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	if e.svc.SecComInfoTokenVersion == model.InfoTokenLatest {
		switch {
		case caller.ApiKey != nil:
			base["access_type"] = "apikey"
			base["apikey"] = map[string]any{
				"clientId":   caller.ApiKey.ClientID,
				"clientName": caller.ApiKey.ClientName,
				"metadata":   caller.ApiKey.Metadata,
				"tags":       caller.ApiKey.Tags,
			}
		case caller.User != nil:
			base["access_type"] = "user"
			base["user"] = map[string]any{
				"name":    caller.User.Name,
				"email":   caller.User.Email,
				"profile": caller.User.Profile,
			}
		default:
			base["access_type"] = "public"
		}
		return base
	}

	// Legacy flat shape
	switch {
	case caller.ApiKey != nil:
		base["name"] = caller.ApiKey.ClientName
		base["email"] = caller.ApiKey.ClientID + "@otoroshi.io"
		base["app_metadata"] = caller.ApiKey.Metadata
		base["user_metadata"] = map[string]any{"tags": caller.ApiKey.Tags}
	case caller.User != nil:
		base["name"] = caller.User.Name
		base["email"] = caller.User.Email
		base["app_metadata"] = map[string]any{}
		base["user_metadata"] = caller.User.Profile
	default:
		base["name"] = "anonymous"
		base["email"] = "anonymous@otoroshi.io"
	}
	return base
}

func subject(caller CallerInfo) string {
	switch {
	case caller.ApiKey != nil:
		return "apikey-" + caller.ApiKey.ClientID
	case caller.User != nil:
		return "pa-" + caller.User.Email
	}
	return "public"
}

// ValidateResponse verifies the upstream's state-response token for V2
// services. V1 never validates a response token.
func (e *Engine) ValidateResponse(ex *Exchange, headerValue string) *errors.ProxyError {
	if e.svc.SecComVersion != model.SecComVersionV2 {
		return nil
	}
	if headerValue == "" {
		return errors.ErrUpstreamTokenInvalid.WithMessage("missing state response token")
	}

	token, err := jwt.Parse(headerValue, e.svc.SecComSettings.Keyfunc(),
		jwt.WithTimeFunc(e.now))
	if err != nil || !token.Valid {
		return errors.ErrUpstreamTokenInvalid.WithMessage("malformed or expired state response token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.ErrUpstreamTokenInvalid
	}

	stateResp, _ := claims["state-resp"].(string)
	if stateResp == "" || stateResp != ex.State {
		return errors.ErrUpstreamTokenInvalid.WithMessage("state mismatch")
	}

	// The upstream must not promise a lifetime beyond the exchange TTL.
	exp, expErr := claims.GetExpirationTime()
	iat, iatErr := claims.GetIssuedAt()
	if expErr != nil || iatErr != nil || exp == nil || iat == nil {
		return errors.ErrUpstreamTokenInvalid.WithMessage("missing exp or iat")
	}
	if exp.Sub(iat.Time) > ex.TTL {
		return errors.ErrUpstreamTokenInvalid.WithMessage("token lifetime exceeds the exchange ttl")
	}

	// Reject replays of the same state within the TTL window.
	if !e.replay.FirstUse(stateResp) {
		return errors.ErrUpstreamTokenInvalid.WithMessage("state response replayed")
	}

	return nil
}
