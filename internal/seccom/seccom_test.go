package seccom

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fossabot/otoroshi/internal/model"
)

func secService(version string, ttl time.Duration) *model.ServiceDescriptor {
	return &model.ServiceDescriptor{
		ID:                         "svc-1",
		Enabled:                    true,
		EnforceSecureCommunication: true,
		SendStateChallenge:         true,
		SendInfoToken:              true,
		SecComVersion:              version,
		SecComTTL:                  model.Duration(ttl),
		SecComSettings: model.AlgoSettings{
			Type:   "HSAlgoSettings",
			Size:   256,
			Secret: "shared-secret",
		},
	}
}

// upstreamResponse forges the token a well-behaved upstream would return.
func upstreamResponse(t *testing.T, secret, state string, iat time.Time, lifetime time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"state-resp": state,
		"iat":        iat.Unix(),
		"exp":        iat.Add(lifetime).Unix(),
	})
	raw, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestStartIssuesTokens(t *testing.T) {
	svc := secService(model.SecComVersionV2, 10*time.Second)
	e := NewEngine(svc, NewReplayCache(128, time.Minute))

	key := &model.ApiKey{ClientID: "c1", ClientName: "client one", Enabled: true,
		Tags: []string{"user"}, Metadata: map[string]string{"level": "1"}}
	ex, err := e.Start(CallerInfo{ApiKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if ex.State == "" || ex.StateToken == "" || ex.ClaimToken == "" {
		t.Fatal("expected state, state token and claim token")
	}

	// The state token must verify with the shared settings and carry the state.
	tok, err2 := jwt.Parse(ex.StateToken, func(*jwt.Token) (any, error) {
		return []byte("shared-secret"), nil
	})
	if err2 != nil || !tok.Valid {
		t.Fatalf("state token does not verify: %v", err2)
	}
	claims := tok.Claims.(jwt.MapClaims)
	if claims["state"] != ex.State {
		t.Errorf("state claim = %v, want %s", claims["state"], ex.State)
	}
}

func TestClaimTokenShapes(t *testing.T) {
	key := &model.ApiKey{ClientID: "c1", ClientName: "client one", Enabled: true,
		Tags: []string{"user"}, Metadata: map[string]string{"level": "1"}}

	t.Run("latest", func(t *testing.T) {
		svc := secService(model.SecComVersionV2, 10*time.Second)
		svc.SecComInfoTokenVersion = model.InfoTokenLatest
		e := NewEngine(svc, NewReplayCache(128, time.Minute))
		ex, err := e.Start(CallerInfo{ApiKey: key})
		if err != nil {
			t.Fatal(err)
		}
		claims := decode(t, ex.ClaimToken)
		if claims["access_type"] != "apikey" {
			t.Errorf("access_type = %v", claims["access_type"])
		}
		ak, ok := claims["apikey"].(map[string]any)
		if !ok {
			t.Fatal("missing nested apikey object")
		}
		if ak["clientId"] != "c1" || ak["clientName"] != "client one" {
			t.Errorf("apikey object = %v", ak)
		}
	})

	t.Run("legacy", func(t *testing.T) {
		svc := secService(model.SecComVersionV1, 10*time.Second)
		svc.SecComInfoTokenVersion = model.InfoTokenLegacy
		e := NewEngine(svc, NewReplayCache(128, time.Minute))
		ex, err := e.Start(CallerInfo{ApiKey: key})
		if err != nil {
			t.Fatal(err)
		}
		claims := decode(t, ex.ClaimToken)
		if claims["name"] != "client one" {
			t.Errorf("name = %v", claims["name"])
		}
		if _, ok := claims["app_metadata"]; !ok {
			t.Error("legacy shape must carry app_metadata")
		}
		if _, ok := claims["apikey"]; ok {
			t.Error("legacy shape must not nest an apikey object")
		}
	})
}

func decode(t *testing.T, raw string) jwt.MapClaims {
	t.Helper()
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte("shared-secret"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return tok.Claims.(jwt.MapClaims)
}

func TestValidateResponseTTLBound(t *testing.T) {
	svc := secService(model.SecComVersionV2, 10*time.Second)
	e := NewEngine(svc, NewReplayCache(128, time.Minute))

	ex, err := e.Start(CallerInfo{})
	if err != nil {
		t.Fatal(err)
	}

	// Declared lifetime of 20s exceeds the 10s exchange TTL: rejected.
	bad := upstreamResponse(t, "shared-secret", ex.State, time.Now(), 20*time.Second)
	if perr := e.ValidateResponse(ex, bad); perr == nil {
		t.Fatal("lifetime beyond secComTtl must be rejected")
	} else if perr.ErrorID != "errors.upstream.token.invalid" {
		t.Errorf("error = %s", perr.ErrorID)
	}

	// Exactly the TTL: accepted.
	good := upstreamResponse(t, "shared-secret", ex.State, time.Now(), 10*time.Second)
	if perr := e.ValidateResponse(ex, good); perr != nil {
		t.Fatalf("lifetime equal to secComTtl must pass: %v", perr)
	}
}

func TestValidateResponseReplayRejected(t *testing.T) {
	svc := secService(model.SecComVersionV2, 10*time.Second)
	e := NewEngine(svc, NewReplayCache(128, time.Minute))

	ex, err := e.Start(CallerInfo{})
	if err != nil {
		t.Fatal(err)
	}
	raw := upstreamResponse(t, "shared-secret", ex.State, time.Now(), 10*time.Second)

	if perr := e.ValidateResponse(ex, raw); perr != nil {
		t.Fatalf("first use must pass: %v", perr)
	}
	if perr := e.ValidateResponse(ex, raw); perr == nil {
		t.Fatal("second use of the same state within TTL must be rejected")
	}
}

func TestValidateResponseStateMismatch(t *testing.T) {
	svc := secService(model.SecComVersionV2, 10*time.Second)
	e := NewEngine(svc, NewReplayCache(128, time.Minute))

	ex, err := e.Start(CallerInfo{})
	if err != nil {
		t.Fatal(err)
	}
	raw := upstreamResponse(t, "shared-secret", "other-state", time.Now(), 5*time.Second)
	if perr := e.ValidateResponse(ex, raw); perr == nil {
		t.Fatal("state mismatch must be rejected")
	}
}

func TestValidateResponseWrongKey(t *testing.T) {
	svc := secService(model.SecComVersionV2, 10*time.Second)
	e := NewEngine(svc, NewReplayCache(128, time.Minute))

	ex, err := e.Start(CallerInfo{})
	if err != nil {
		t.Fatal(err)
	}
	raw := upstreamResponse(t, "wrong-secret", ex.State, time.Now(), 5*time.Second)
	if perr := e.ValidateResponse(ex, raw); perr == nil {
		t.Fatal("token signed with the wrong key must be rejected")
	}
}

func TestValidateResponseMissingHeader(t *testing.T) {
	svc := secService(model.SecComVersionV2, 10*time.Second)
	e := NewEngine(svc, NewReplayCache(128, time.Minute))
	ex, err := e.Start(CallerInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if perr := e.ValidateResponse(ex, ""); perr == nil {
		t.Fatal("missing header must be rejected for V2")
	}
}

func TestV1SkipsResponseValidation(t *testing.T) {
	svc := secService(model.SecComVersionV1, 10*time.Second)
	e := NewEngine(svc, NewReplayCache(128, time.Minute))
	ex, err := e.Start(CallerInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if perr := e.ValidateResponse(ex, ""); perr != nil {
		t.Fatalf("V1 must not validate response tokens: %v", perr)
	}
}

func TestReplayCacheTTL(t *testing.T) {
	c := NewReplayCache(16, 50*time.Millisecond)
	if !c.FirstUse("s1") {
		t.Fatal("first use")
	}
	if c.FirstUse("s1") {
		t.Fatal("immediate reuse must fail")
	}
	time.Sleep(120 * time.Millisecond)
	if !c.FirstUse("s1") {
		t.Fatal("after TTL expiry the state is usable again")
	}
}
