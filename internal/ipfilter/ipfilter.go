// Package ipfilter evaluates service-level IP allow and deny lists.
package ipfilter

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/fossabot/otoroshi/internal/model"
)

// Filter holds the parsed allow/deny networks for one service.
type Filter struct {
	whitelist []*net.IPNet
	blacklist []*net.IPNet
}

// New parses the filtering lists. Entries accept exact IPs, trailing
// wildcards (a.b.c.*) and CIDR notation.
func New(cfg model.IPFiltering) (*Filter, error) {
	wl, err := parseEntries(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	bl, err := parseEntries(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	return &Filter{whitelist: wl, blacklist: bl}, nil
}

// Allows applies the whitelist then the blacklist to the client IP.
func (f *Filter) Allows(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if len(f.whitelist) > 0 && !contains(f.whitelist, ip) {
		return false
	}
	if len(f.blacklist) > 0 && contains(f.blacklist, ip) {
		return false
	}
	return true
}

// Empty reports whether no filtering is configured.
func (f *Filter) Empty() bool {
	return len(f.whitelist) == 0 && len(f.blacklist) == 0
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseEntries(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		n, err := parseEntry(e)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func parseEntry(e string) (*net.IPNet, error) {
	if strings.Contains(e, "/") {
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
		}
		return n, nil
	}
	if strings.Contains(e, "*") {
		return wildcardToNet(e)
	}
	ip := net.ParseIP(e)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP %q", e)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// wildcardToNet converts "a.b.c.*" style entries to the equivalent network.
// Wildcards must be a suffix of the dotted quad.
func wildcardToNet(e string) (*net.IPNet, error) {
	parts := strings.Split(e, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid wildcard entry %q", e)
	}
	prefix := 0
	octets := make([]string, 4)
	seenStar := false
	for i, p := range parts {
		if p == "*" {
			seenStar = true
			octets[i] = "0"
			continue
		}
		if seenStar {
			return nil, fmt.Errorf("invalid wildcard entry %q", e)
		}
		prefix += 8
		octets[i] = p
	}
	_, n, err := net.ParseCIDR(fmt.Sprintf("%s/%d", strings.Join(octets, "."), prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard entry %q: %w", e, err)
	}
	return n, nil
}

// ClientIP extracts the caller address: the leftmost X-Forwarded-For entry
// when the deployment trusts its edge, the socket peer otherwise.
func ClientIP(r *http.Request, trustXFF bool) net.IP {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
