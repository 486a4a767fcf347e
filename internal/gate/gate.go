// Package gate runs the ordered access checks in front of the forwarding
// path: IP filtering, restrictions, JWT verification, API-key validation,
// routing constraints and quota enforcement.
package gate

import (
	"context"
	"net/http"
	"sync"

	"github.com/fossabot/otoroshi/internal/auth"
	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/ipfilter"
	"github.com/fossabot/otoroshi/internal/model"
	"github.com/fossabot/otoroshi/internal/privateapps"
	"github.com/fossabot/otoroshi/internal/quota"
	"github.com/fossabot/otoroshi/internal/restrictions"
	"github.com/fossabot/otoroshi/internal/router"
	"github.com/fossabot/otoroshi/internal/view"
)

// Verdict is the successful outcome of the gate: the caller identity
// attached to the request attributes for downstream hooks.
type Verdict struct {
	Public   bool
	ApiKey   *model.ApiKey
	User     *model.PrivateAppsUser
	ClientIP string
	Quota    *quota.State
}

// Gate evaluates the access pipeline for matched requests.
type Gate struct {
	quota    *quota.Enforcer
	sessions *privateapps.SessionStore

	mu       sync.RWMutex
	compiled map[string]*compiledChecks
}

// compiledChecks caches the per-service pattern compilation. The cache is
// invalidated by descriptor pointer identity: every config swap rebuilds
// the descriptors.
type compiledChecks struct {
	svc          *model.ServiceDescriptor
	filter       *ipfilter.Filter
	restrictions *restrictions.Checker
}

// New creates the gate.
func New(q *quota.Enforcer, sessions *privateapps.SessionStore) *Gate {
	return &Gate{
		quota:    q,
		sessions: sessions,
		compiled: make(map[string]*compiledChecks),
	}
}

// Check runs the ordered stages. The first failure short-circuits.
func (g *Gate) Check(ctx context.Context, r *http.Request, v *view.View, match *router.Match) (*Verdict, *errors.ProxyError) {
	svc := match.Service
	global := v.GlobalConfig

	checks, perr := g.checksFor(svc)
	if perr != nil {
		return nil, perr
	}

	clientIP := ipfilter.ClientIP(r, global.TrustXForwardedFor)
	verdict := &Verdict{Public: match.Public}
	if clientIP != nil {
		verdict.ClientIP = clientIP.String()
	}

	// 1. IP filter
	if !checks.filter.Empty() && !checks.filter.Allows(clientIP) {
		return nil, errors.ErrIPBlocked
	}

	// 2. Restrictions
	if err := checks.restrictions.Check(r.Method, r.URL.Path); err != nil {
		return nil, err
	}

	// 3. Public short-circuit: no credential stages for public paths.
	if match.Public {
		return verdict, nil
	}

	// 4. JWT verifier
	if svc.JWTVerifierRef != "" {
		verifier, ok := v.JwtVerifierByID(svc.JWTVerifierRef)
		if ok {
			if _, err := auth.VerifyJWT(r, verifier); err != nil {
				return nil, err
			}
		}
	}

	// 5-6. API key extraction, validation and routing constraints
	extractor := auth.NewExtractor(v, svc)
	key, err := extractor.Extract(r)
	if err != nil {
		return nil, err
	}

	if key == nil {
		// Private apps authenticate through the session cookie instead.
		if svc.PrivateApp {
			user, ok := g.sessions.FromRequest(r, svc)
			if !ok {
				return nil, errors.ErrAuthRequired.WithMessage("private app session required")
			}
			verdict.User = user
			return verdict, nil
		}
		return nil, errors.ErrAuthRequired
	}

	if err := extractor.CheckRouting(key); err != nil {
		return nil, err
	}

	// 7. Quota
	state, qerr := g.quota.Consume(ctx, key)
	if qerr != nil {
		return nil, errors.Wrap(errors.ErrInternal, qerr)
	}
	if !state.Allowed {
		return nil, state.Error()
	}

	verdict.ApiKey = key
	verdict.Quota = state

	// A private-app session may ride along with an API key.
	if svc.PrivateApp {
		if user, ok := g.sessions.FromRequest(r, svc); ok {
			verdict.User = user
		}
	}

	return verdict, nil
}

// checksFor compiles (or fetches) the service's filter and restrictions.
func (g *Gate) checksFor(svc *model.ServiceDescriptor) (*compiledChecks, *errors.ProxyError) {
	g.mu.RLock()
	c, ok := g.compiled[svc.ID]
	g.mu.RUnlock()
	if ok && c.svc == svc {
		return c, nil
	}

	filter, err := ipfilter.New(svc.IPFiltering)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}
	restr, err := restrictions.New(svc.Restrictions)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}
	c = &compiledChecks{svc: svc, filter: filter, restrictions: restr}

	g.mu.Lock()
	g.compiled[svc.ID] = c
	g.mu.Unlock()
	return c, nil
}
