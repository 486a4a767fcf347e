// Package router resolves (host, path) to exactly one service descriptor.
package router

import (
	"net"
	"sort"
	"strings"

	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/model"
)

// Match is the outcome of routing a request.
type Match struct {
	Service *model.ServiceDescriptor
	// Public is true when the remaining path falls in the service's
	// public pattern partition.
	Public bool
	// Path is the request path, unchanged; the proxy strips the service
	// root when rewriting the upstream request line.
	Path string
}

// Router matches hosts and paths against a fixed set of descriptors.
// A Router is built per config snapshot and is immutable afterwards, so
// routing is a pure function of its inputs.
type Router struct {
	services    []*model.ServiceDescriptor
	defaultLine string
}

// New builds a router over the given descriptors.
func New(services []*model.ServiceDescriptor, defaultLine string) *Router {
	if defaultLine == "" {
		defaultLine = model.DefaultLine
	}
	enabled := make([]*model.ServiceDescriptor, 0, len(services))
	for _, s := range services {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	return &Router{services: enabled, defaultLine: defaultLine}
}

// Route resolves a request. Hostname matching is case-insensitive and
// ignores the port.
func (r *Router) Route(host, path string) (*Match, *errors.ProxyError) {
	host = normalizeHost(host)

	var candidates []*model.ServiceDescriptor
	for _, s := range r.services {
		if r.hostMatches(s, host) && pathMatchesRoot(s, path) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.ErrServiceNotFound
	}

	if len(candidates) > 1 {
		sort.SliceStable(candidates, func(i, j int) bool {
			ri, rj := len(candidates[i].RootOrSlash()), len(candidates[j].RootOrSlash())
			if ri != rj {
				return ri > rj
			}
			wi, wj := wildcardCount(candidates[i]), wildcardCount(candidates[j])
			if wi != wj {
				return wi < wj
			}
			return candidates[i].ID < candidates[j].ID
		})
	}

	svc := candidates[0]
	return &Match{
		Service: svc,
		Public:  svc.IsPublic(path),
		Path:    path,
	}, nil
}

// hostMatches checks "<subdomain>.<env>.<domain>" and, for the default
// line, "<subdomain>.<domain>". A "*" subdomain matches any single label.
func (r *Router) hostMatches(s *model.ServiceDescriptor, host string) bool {
	if s.DomainOverride != "" && strings.EqualFold(s.DomainOverride, host) {
		return true
	}

	domain := strings.ToLower(s.Domain)
	env := strings.ToLower(s.Env)
	sub := strings.ToLower(s.Subdomain)

	tails := []string{env + "." + domain}
	if env == "" || env == r.defaultLine {
		tails = append(tails, domain)
	}

	for _, tail := range tails {
		if !strings.HasSuffix(host, "."+tail) {
			continue
		}
		label := strings.TrimSuffix(host, "."+tail)
		if label == "" || strings.Contains(label, ".") {
			continue
		}
		if sub == "*" || sub == label {
			return true
		}
	}
	return false
}

func pathMatchesRoot(s *model.ServiceDescriptor, path string) bool {
	root := s.RootOrSlash()
	if root == "/" {
		return true
	}
	return strings.HasPrefix(path, root)
}

func wildcardCount(s *model.ServiceDescriptor) int {
	if s.Subdomain == "*" {
		return 1
	}
	return 0
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
