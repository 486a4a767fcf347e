package ipfilter

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fossabot/otoroshi/internal/model"
)

func TestBlacklistCIDR(t *testing.T) {
	f, err := New(model.IPFiltering{Blacklist: []string{"1.1.1.128/26"}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"1.1.1.128", false},
		{"1.1.1.191", false},
		{"1.1.1.192", true},
		{"1.1.1.127", true},
	}
	for _, tt := range tests {
		if got := f.Allows(net.ParseIP(tt.ip)); got != tt.allowed {
			t.Errorf("Allows(%s) = %v, want %v", tt.ip, got, tt.allowed)
		}
	}
}

func TestWildcardEntries(t *testing.T) {
	f, err := New(model.IPFiltering{Blacklist: []string{"10.0.0.*"}})
	if err != nil {
		t.Fatal(err)
	}
	if f.Allows(net.ParseIP("10.0.0.42")) {
		t.Error("10.0.0.42 should be blocked by 10.0.0.*")
	}
	if !f.Allows(net.ParseIP("10.0.1.42")) {
		t.Error("10.0.1.42 should pass")
	}

	if _, err := New(model.IPFiltering{Blacklist: []string{"10.*.0.1"}}); err == nil {
		t.Error("non-suffix wildcard should be rejected")
	}
}

func TestWhitelistTakesPrecedence(t *testing.T) {
	f, err := New(model.IPFiltering{
		Whitelist: []string{"192.168.1.0/24"},
		Blacklist: []string{"192.168.1.66"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Allows(net.ParseIP("192.168.1.10")) {
		t.Error("whitelisted IP should pass")
	}
	if f.Allows(net.ParseIP("192.168.1.66")) {
		t.Error("blacklisted IP should be denied even inside the whitelist")
	}
	if f.Allows(net.ParseIP("172.16.0.1")) {
		t.Error("IP outside a non-empty whitelist should be denied")
	}
}

func TestExactEntry(t *testing.T) {
	f, err := New(model.IPFiltering{Blacklist: []string{"203.0.113.7"}})
	if err != nil {
		t.Fatal(err)
	}
	if f.Allows(net.ParseIP("203.0.113.7")) {
		t.Error("exact blacklisted IP should be denied")
	}
	if !f.Allows(net.ParseIP("203.0.113.8")) {
		t.Error("neighbour IP should pass")
	}
}

func TestInvalidEntry(t *testing.T) {
	if _, err := New(model.IPFiltering{Whitelist: []string{"not-an-ip"}}); err == nil {
		t.Error("invalid entry should fail parsing")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4444"
	r.Header.Set("X-Forwarded-For", "1.1.1.128, 10.0.0.1")

	if ip := ClientIP(r, true); ip.String() != "1.1.1.128" {
		t.Errorf("trusted XFF: got %s, want 1.1.1.128", ip)
	}
	if ip := ClientIP(r, false); ip.String() != "10.1.2.3" {
		t.Errorf("untrusted XFF: got %s, want 10.1.2.3", ip)
	}
}
