// Package restrictions applies allowed / forbidden / not-found lists of
// (method, path) patterns to incoming requests.
package restrictions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/model"
)

type compiledPath struct {
	method string
	path   *regexp.Regexp
}

func (c compiledPath) matches(method, path string) bool {
	if c.method != "*" && !strings.EqualFold(c.method, method) {
		return false
	}
	return c.path.MatchString(path)
}

// Checker evaluates the restriction lists of one service.
type Checker struct {
	enabled   bool
	allowLast bool
	allowed   []compiledPath
	forbidden []compiledPath
	notFound  []compiledPath
}

// New compiles the restriction patterns. Paths are regex-anchored.
func New(cfg model.Restrictions) (*Checker, error) {
	c := &Checker{enabled: cfg.Enabled, allowLast: cfg.AllowLast}
	var err error
	if c.allowed, err = compile(cfg.Allowed); err != nil {
		return nil, fmt.Errorf("allowed: %w", err)
	}
	if c.forbidden, err = compile(cfg.Forbidden); err != nil {
		return nil, fmt.Errorf("forbidden: %w", err)
	}
	if c.notFound, err = compile(cfg.NotFound); err != nil {
		return nil, fmt.Errorf("notFound: %w", err)
	}
	return c, nil
}

func compile(paths []model.RestrictionPath) ([]compiledPath, error) {
	out := make([]compiledPath, 0, len(paths))
	for _, p := range paths {
		method := p.Method
		if method == "" {
			method = "*"
		}
		pattern := p.Path
		if !strings.HasPrefix(pattern, "^") {
			pattern = "^" + pattern
		}
		if !strings.HasSuffix(pattern, "$") {
			pattern = pattern + "$"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p.Path, err)
		}
		out = append(out, compiledPath{method: method, path: re})
	}
	return out, nil
}

// Check applies the lists in the configured order. A nil return means the
// request falls through to the next pipeline stage.
func (c *Checker) Check(method, path string) *errors.ProxyError {
	if c == nil || !c.enabled {
		return nil
	}
	if !c.allowLast {
		if matchAny(c.allowed, method, path) {
			return nil
		}
		if matchAny(c.forbidden, method, path) {
			return errors.ErrRestrictionForbidden
		}
		if matchAny(c.notFound, method, path) {
			return errors.ErrRestrictionNotFound
		}
		return nil
	}
	if matchAny(c.forbidden, method, path) {
		return errors.ErrRestrictionForbidden
	}
	if matchAny(c.notFound, method, path) {
		return errors.ErrRestrictionNotFound
	}
	if len(c.allowed) > 0 && !matchAny(c.allowed, method, path) {
		return errors.ErrRestrictionForbidden
	}
	return nil
}

func matchAny(list []compiledPath, method, path string) bool {
	for _, c := range list {
		if c.matches(method, path) {
			return true
		}
	}
	return false
}
