package router

import (
	"testing"

	"github.com/fossabot/otoroshi/internal/model"
)

func svc(id, sub, env, domain, root string) *model.ServiceDescriptor {
	s := &model.ServiceDescriptor{
		ID:        id,
		Subdomain: sub,
		Env:       env,
		Domain:    domain,
		Root:      root,
		Enabled:   true,
	}
	s.CompilePatterns()
	return s
}

func TestRouteHostMatching(t *testing.T) {
	r := New([]*model.ServiceDescriptor{
		svc("s1", "api", "prod", "oto.tools", ""),
		svc("s2", "api", "dev", "oto.tools", ""),
		svc("s3", "*", "prod", "oto.tools", ""),
	}, "prod")

	tests := []struct {
		name    string
		host    string
		path    string
		wantID  string
		wantErr bool
	}{
		{name: "env prefix", host: "api.prod.oto.tools", path: "/", wantID: "s1"},
		{name: "default line omits env", host: "api.oto.tools", path: "/", wantID: "s1"},
		{name: "non-default line requires env", host: "api.dev.oto.tools", path: "/", wantID: "s2"},
		{name: "wildcard label", host: "other.oto.tools", path: "/", wantID: "s3"},
		{name: "port stripped", host: "api.oto.tools:8443", path: "/", wantID: "s1"},
		{name: "case insensitive", host: "API.OTO.TOOLS", path: "/", wantID: "s1"},
		{name: "two labels never match wildcard", host: "a.b.oto.tools", path: "/", wantErr: true},
		{name: "unknown domain", host: "api.example.com", path: "/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := r.Route(tt.host, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Route(%q) matched %s, want service not found", tt.host, m.Service.ID)
				}
				if err.ErrorID != "errors.service.not.found" {
					t.Errorf("error = %s, want errors.service.not.found", err.ErrorID)
				}
				return
			}
			if err != nil {
				t.Fatalf("Route(%q) error: %v", tt.host, err)
			}
			if m.Service.ID != tt.wantID {
				t.Errorf("Route(%q) = %s, want %s", tt.host, m.Service.ID, tt.wantID)
			}
		})
	}
}

func TestRoutePreferenceOrder(t *testing.T) {
	r := New([]*model.ServiceDescriptor{
		svc("b-root", "api", "prod", "oto.tools", "/"),
		svc("a-long", "api", "prod", "oto.tools", "/api/v2"),
		svc("z-wild", "*", "prod", "oto.tools", "/"),
	}, "prod")

	// Longest root wins
	m, err := r.Route("api.oto.tools", "/api/v2/users")
	if err != nil {
		t.Fatal(err)
	}
	if m.Service.ID != "a-long" {
		t.Errorf("longest root: got %s, want a-long", m.Service.ID)
	}

	// Exact subdomain beats wildcard
	m, err = r.Route("api.oto.tools", "/other")
	if err != nil {
		t.Fatal(err)
	}
	if m.Service.ID != "b-root" {
		t.Errorf("specific host: got %s, want b-root", m.Service.ID)
	}

	// Tie broken by lexicographic id
	r2 := New([]*model.ServiceDescriptor{
		svc("s2", "api", "prod", "oto.tools", "/"),
		svc("s1", "api", "prod", "oto.tools", "/"),
	}, "prod")
	m, err = r2.Route("api.oto.tools", "/")
	if err != nil {
		t.Fatal(err)
	}
	if m.Service.ID != "s1" {
		t.Errorf("id tie break: got %s, want s1", m.Service.ID)
	}
}

func TestRouteDeterminism(t *testing.T) {
	r := New([]*model.ServiceDescriptor{
		svc("s1", "api", "prod", "oto.tools", "/"),
		svc("s2", "*", "prod", "oto.tools", "/"),
	}, "prod")

	first, err := r.Route("api.oto.tools", "/x")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		m, err := r.Route("api.oto.tools", "/x")
		if err != nil {
			t.Fatal(err)
		}
		if m.Service.ID != first.Service.ID {
			t.Fatalf("iteration %d routed to %s, first was %s", i, m.Service.ID, first.Service.ID)
		}
	}
}

func TestPublicPrivatePartition(t *testing.T) {
	s := svc("s1", "api", "prod", "oto.tools", "/")
	s.PublicPatterns = []string{"/public/.*", "/assets/.*"}
	s.PrivatePatterns = []string{"/public/admin/.*"}
	if err := s.CompilePatterns(); err != nil {
		t.Fatal(err)
	}

	r := New([]*model.ServiceDescriptor{s}, "prod")

	tests := []struct {
		path   string
		public bool
	}{
		{"/public/doc", true},
		{"/assets/app.js", true},
		{"/public/admin/users", false}, // private pattern overrides
		{"/api/users", false},          // no public pattern
	}
	for _, tt := range tests {
		m, err := r.Route("api.oto.tools", tt.path)
		if err != nil {
			t.Fatalf("Route(%q): %v", tt.path, err)
		}
		if m.Public != tt.public {
			t.Errorf("Route(%q).Public = %v, want %v", tt.path, m.Public, tt.public)
		}
	}
}

func TestDisabledServiceNotRouted(t *testing.T) {
	s := svc("s1", "api", "prod", "oto.tools", "/")
	s.Enabled = false
	r := New([]*model.ServiceDescriptor{s}, "prod")
	if _, err := r.Route("api.oto.tools", "/"); err == nil {
		t.Fatal("disabled service matched")
	}
}
