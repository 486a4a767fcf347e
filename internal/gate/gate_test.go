package gate

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fossabot/otoroshi/internal/datastore"
	"github.com/fossabot/otoroshi/internal/model"
	"github.com/fossabot/otoroshi/internal/privateapps"
	"github.com/fossabot/otoroshi/internal/quota"
	"github.com/fossabot/otoroshi/internal/router"
	"github.com/fossabot/otoroshi/internal/view"
)

type fixture struct {
	gate     *Gate
	view     *view.View
	sessions *privateapps.SessionStore
}

func newFixture(t *testing.T, snap *datastore.Snapshot) *fixture {
	t.Helper()
	store := datastore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	for _, s := range snap.Services {
		if err := s.CompilePatterns(); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Store(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	h, err := view.NewHolder(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	sessions := privateapps.NewSessionStore(16, time.Minute)
	return &fixture{
		gate:     New(quota.New(store, time.UTC), sessions),
		view:     h.Get(),
		sessions: sessions,
	}
}

func baseService() *model.ServiceDescriptor {
	return &model.ServiceDescriptor{
		ID:      "svc-1",
		GroupID: "group-1",
		Enabled: true,
	}
}

func baseKey() *model.ApiKey {
	return &model.ApiKey{
		ClientID:        "client-1",
		ClientSecret:    "secret-1",
		AuthorizedGroup: "group-1",
		Enabled:         true,
		Tags:            []string{"user", "foo"},
		Metadata:        map[string]string{"level": "2", "root": "true"},
	}
}

func withBasicAuth(r *http.Request) *http.Request {
	cred := base64.StdEncoding.EncodeToString([]byte("client-1:secret-1"))
	r.Header.Set("Authorization", "Basic "+cred)
	return r
}

func (f *fixture) check(t *testing.T, r *http.Request, svc *model.ServiceDescriptor, public bool) (*Verdict, string) {
	t.Helper()
	verdict, err := f.gate.Check(context.Background(), r, f.view,
		&router.Match{Service: svc, Public: public, Path: r.URL.Path})
	if err != nil {
		return nil, err.ErrorID
	}
	return verdict, ""
}

func TestPublicShortCircuit(t *testing.T) {
	svc := baseService()
	f := newFixture(t, &datastore.Snapshot{Services: []*model.ServiceDescriptor{svc}})

	r := httptest.NewRequest(http.MethodGet, "/public/doc", nil)
	verdict, errID := f.check(t, r, svc, true)
	if errID != "" {
		t.Fatalf("public request rejected: %s", errID)
	}
	if !verdict.Public || verdict.ApiKey != nil {
		t.Errorf("verdict = %+v", verdict)
	}
}

func TestPrivateRequiresCredential(t *testing.T) {
	svc := baseService()
	f := newFixture(t, &datastore.Snapshot{Services: []*model.ServiceDescriptor{svc}})

	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	_, errID := f.check(t, r, svc, false)
	if errID != "errors.auth.required" {
		t.Fatalf("errID = %s, want errors.auth.required", errID)
	}
}

func TestApiKeyAccepted(t *testing.T) {
	svc := baseService()
	f := newFixture(t, &datastore.Snapshot{
		Services: []*model.ServiceDescriptor{svc},
		ApiKeys:  []*model.ApiKey{baseKey()},
	})

	r := withBasicAuth(httptest.NewRequest(http.MethodGet, "/api", nil))
	verdict, errID := f.check(t, r, svc, false)
	if errID != "" {
		t.Fatalf("rejected: %s", errID)
	}
	if verdict.ApiKey == nil || verdict.ApiKey.ClientID != "client-1" {
		t.Errorf("apikey missing from verdict")
	}
	if verdict.Quota == nil {
		t.Error("quota state missing from verdict")
	}
}

func TestIPBlacklist(t *testing.T) {
	svc := baseService()
	svc.IPFiltering.Blacklist = []string{"1.1.1.128/26"}
	f := newFixture(t, &datastore.Snapshot{
		Services:     []*model.ServiceDescriptor{svc},
		ApiKeys:      []*model.ApiKey{baseKey()},
		GlobalConfig: model.GlobalConfig{TrustXForwardedFor: true},
	})

	tests := []struct {
		ip    string
		errID string
	}{
		{"1.1.1.128", "errors.ip.blocked"},
		{"1.1.1.191", "errors.ip.blocked"},
		{"1.1.1.192", ""},
	}
	for _, tt := range tests {
		r := withBasicAuth(httptest.NewRequest(http.MethodGet, "/api", nil))
		r.Header.Set("X-Forwarded-For", tt.ip)
		_, errID := f.check(t, r, svc, false)
		if errID != tt.errID {
			t.Errorf("ip %s: errID = %q, want %q", tt.ip, errID, tt.errID)
		}
	}
}

func TestRestrictionsForbidden(t *testing.T) {
	svc := baseService()
	svc.Restrictions = model.Restrictions{
		Enabled:   true,
		Forbidden: []model.RestrictionPath{{Method: "*", Path: "/forbidden/.*"}},
	}
	f := newFixture(t, &datastore.Snapshot{
		Services: []*model.ServiceDescriptor{svc},
		ApiKeys:  []*model.ApiKey{baseKey()},
	})

	r := withBasicAuth(httptest.NewRequest(http.MethodGet, "/forbidden/zone", nil))
	_, errID := f.check(t, r, svc, false)
	if errID != "errors.restriction.forbidden" {
		t.Fatalf("errID = %s", errID)
	}
}

func TestTagRoutingAcrossServices(t *testing.T) {
	// Five services with different constraints; the key carrying
	// tags [user, foo] may only pass the oneTagIn(user) service.
	constraints := []model.APIKeyRouting{
		{OneTagIn: []string{"user"}},
		{OneTagIn: []string{"admin"}},
		{OneMetaIn: map[string]string{"level": "1"}},
		{AllMetaIn: map[string]string{"level": "2", "root": "true"}},
		{AllTagsIn: []string{"leveled", "root"}},
	}
	key := &model.ApiKey{
		ClientID: "client-1", ClientSecret: "secret-1",
		AuthorizedGroup: "group-1", Enabled: true,
		Tags: []string{"user", "foo"},
	}

	var services []*model.ServiceDescriptor
	for i, c := range constraints {
		s := baseService()
		s.ID = string(rune('a' + i))
		s.APIKeyConstraints.Routing = c
		services = append(services, s)
	}
	f := newFixture(t, &datastore.Snapshot{Services: services, ApiKeys: []*model.ApiKey{key}})

	admitted := map[string]bool{}
	for _, svc := range services {
		r := withBasicAuth(httptest.NewRequest(http.MethodGet, "/api", nil))
		_, errID := f.check(t, r, svc, false)
		admitted[svc.ID] = errID == ""
		if errID != "" && errID != "errors.apikey.routing" {
			t.Errorf("service %s unexpected error %s", svc.ID, errID)
		}
	}
	want := map[string]bool{"a": true, "b": false, "c": false, "d": false, "e": false}
	for id, w := range want {
		if admitted[id] != w {
			t.Errorf("service %s admitted=%v, want %v", id, admitted[id], w)
		}
	}
}

func TestMetaRouting(t *testing.T) {
	svc := baseService()
	svc.APIKeyConstraints.Routing = model.APIKeyRouting{
		AllMetaIn: map[string]string{"level": "2", "root": "true"},
	}
	f := newFixture(t, &datastore.Snapshot{
		Services: []*model.ServiceDescriptor{svc},
		ApiKeys:  []*model.ApiKey{baseKey()},
	})

	r := withBasicAuth(httptest.NewRequest(http.MethodGet, "/api", nil))
	_, errID := f.check(t, r, svc, false)
	if errID != "" {
		t.Fatalf("key with level=2,root=true should pass, got %s", errID)
	}
}

func TestQuotaExceeded(t *testing.T) {
	svc := baseService()
	key := baseKey()
	key.DailyQuota = 2
	f := newFixture(t, &datastore.Snapshot{
		Services: []*model.ServiceDescriptor{svc},
		ApiKeys:  []*model.ApiKey{key},
	})

	for i := 0; i < 2; i++ {
		r := withBasicAuth(httptest.NewRequest(http.MethodGet, "/api", nil))
		if _, errID := f.check(t, r, svc, false); errID != "" {
			t.Fatalf("call %d rejected: %s", i, errID)
		}
	}
	r := withBasicAuth(httptest.NewRequest(http.MethodGet, "/api", nil))
	_, errID := f.check(t, r, svc, false)
	if errID != "errors.quota.exceeded" {
		t.Fatalf("errID = %s, want errors.quota.exceeded", errID)
	}
}

func TestJWTVerifierStage(t *testing.T) {
	svc := baseService()
	svc.JWTVerifierRef = "v1"
	verifier := &model.JwtVerifier{
		ID:      "v1",
		Enabled: true,
		Strict:  true,
		Source:  model.TokenLocation{Type: "InHeader", Name: "X-JWT"},
		AlgoSettings: model.AlgoSettings{
			Type: "HSAlgoSettings", Size: 256, Secret: "jwt-secret",
		},
	}
	f := newFixture(t, &datastore.Snapshot{
		Services:     []*model.ServiceDescriptor{svc},
		ApiKeys:      []*model.ApiKey{baseKey()},
		JwtVerifiers: []*model.JwtVerifier{verifier},
	})

	// Missing token in strict mode fails before API key validation.
	r := withBasicAuth(httptest.NewRequest(http.MethodGet, "/api", nil))
	_, errID := f.check(t, r, svc, false)
	if errID != "error.bad.token" {
		t.Fatalf("errID = %s, want error.bad.token", errID)
	}
}

func TestPrivateAppSession(t *testing.T) {
	svc := baseService()
	svc.PrivateApp = true
	f := newFixture(t, &datastore.Snapshot{Services: []*model.ServiceDescriptor{svc}})

	// Without a session cookie the request is rejected.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, errID := f.check(t, r, svc, false); errID != "errors.auth.required" {
		t.Fatalf("errID = %s", errID)
	}

	// With a live session it passes and the user is attached.
	u := f.sessions.Create("Jane", "jane@example.com", "corp", nil, time.Minute)
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: privateapps.CookieName(svc), Value: u.RandomID})
	verdict, errID := f.check(t, r, svc, false)
	if errID != "" {
		t.Fatalf("session request rejected: %s", errID)
	}
	if verdict.User == nil || verdict.User.Email != "jane@example.com" {
		t.Error("user missing from verdict")
	}
}
