package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/fossabot/otoroshi/internal/model"
)

func serveJWKS(t *testing.T, key ecdsa.PublicKey, kid string) *httptest.Server {
	t.Helper()

	jwkKey, err := jwk.FromRaw(&key)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	jwkKey.Set(jwk.KeyIDKey, kid)
	jwkKey.Set(jwk.AlgorithmKey, "ES256")

	set := jwk.NewSet()
	set.AddKey(jwkKey)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
}

func signES256(t *testing.T, key *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	raw, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestJWKSProviderInvalidURL(t *testing.T) {
	if _, err := NewJWKSProvider("http://127.0.0.1:1/jwks.json", time.Minute); err == nil {
		t.Fatal("expected error for unreachable JWKS URL")
	}
}

func TestJWKSProviderDefaultRefresh(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	srv := serveJWKS(t, key.PublicKey, "k1")
	defer srv.Close()

	p, err := NewJWKSProvider(srv.URL, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.refresh != time.Hour {
		t.Errorf("refresh = %v, want 1h default", p.refresh)
	}
}

func TestJWKSKeyFuncResolvesKid(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	srv := serveJWKS(t, key.PublicKey, "my-key")
	defer srv.Close()

	p, err := NewJWKSProvider(srv.URL, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	raw := signES256(t, key, "my-key", jwt.MapClaims{"sub": "user-1"})
	token, err := jwt.Parse(raw, p.KeyFunc())
	if err != nil || !token.Valid {
		t.Fatalf("parse with JWKS keyfunc: %v", err)
	}

	// Unknown kid is rejected
	raw = signES256(t, key, "other-key", jwt.MapClaims{"sub": "user-1"})
	if _, err := jwt.Parse(raw, p.KeyFunc()); err == nil {
		t.Fatal("token with unknown kid must fail")
	}
}

func TestVerifyJWTWithJWKSVerifier(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	srv := serveJWKS(t, key.PublicKey, "rot-1")
	defer srv.Close()

	verifier := &model.JwtVerifier{
		ID:      "v-jwks",
		Enabled: true,
		Strict:  true,
		Source:  model.TokenLocation{Type: "InHeader", Name: "X-JWT-Token"},
		AlgoSettings: model.AlgoSettings{
			Type:    "JWKSAlgoSettings",
			URL:     srv.URL,
			Refresh: model.Duration(time.Minute),
		},
		Verification: model.VerificationSettings{
			ArrayFields: map[string]string{"roles": "user"},
		},
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-JWT-Token",
		signES256(t, key, "rot-1", jwt.MapClaims{"roles": []any{"user"}}))
	if _, perr := VerifyJWT(r, verifier); perr != nil {
		t.Fatalf("JWKS-verified token rejected: %v", perr)
	}

	// A token from a key outside the set fails verification.
	rogue, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-JWT-Token",
		signES256(t, rogue, "rot-1", jwt.MapClaims{"roles": []any{"user"}}))
	if _, perr := VerifyJWT(r, verifier); perr == nil {
		t.Fatal("token signed outside the key set must be rejected")
	}
}
