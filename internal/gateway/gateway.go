// Package gateway wires the request pipeline: routing, access gate, target
// selection, the secure-communication exchange and forwarding, plus the
// reserved well-known endpoints.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fossabot/otoroshi/internal/chaos"
	"github.com/fossabot/otoroshi/internal/cluster"
	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/events"
	"github.com/fossabot/otoroshi/internal/gate"
	"github.com/fossabot/otoroshi/internal/loadbalancer"
	"github.com/fossabot/otoroshi/internal/logging"
	"github.com/fossabot/otoroshi/internal/metricsexport"
	"github.com/fossabot/otoroshi/internal/model"
	"github.com/fossabot/otoroshi/internal/privateapps"
	"github.com/fossabot/otoroshi/internal/proxy"
	"github.com/fossabot/otoroshi/internal/quota"
	"github.com/fossabot/otoroshi/internal/router"
	"github.com/fossabot/otoroshi/internal/seccom"
	"github.com/fossabot/otoroshi/internal/stats"
	"github.com/fossabot/otoroshi/internal/template"
	"github.com/fossabot/otoroshi/internal/view"
)

// TrackingCookie is the opaque session tracker used by sticky balancing.
const TrackingCookie = "otoroshi-tracking"

// trackingCookieMaxAge is one year.
const trackingCookieMaxAge = 365 * 24 * 3600

// Options assembles the gateway's collaborators.
type Options struct {
	Holder      *view.Holder
	Quota       *quota.Enforcer
	Sessions    *privateapps.SessionStore
	Stats       *stats.Registry
	Publisher   *events.Publisher
	Leader      *cluster.Leader // nil unless this node leads
	Line        string
	Location    model.InstanceLocation
	ReplayCache *seccom.ReplayCache
}

// Gateway is the root http.Handler.
type Gateway struct {
	holder      *view.Holder
	gate        *gate.Gate
	balancers   *loadbalancer.Manager
	engine      *proxy.Engine
	stats       *stats.Registry
	publisher   *events.Publisher
	replay      *seccom.ReplayCache
	snowMonkey  *chaos.SnowMonkey
	metrics     *metricsexport.Handler
	papps       *privateapps.Handler
	leader      *cluster.Leader
	line        string

	// routerState pairs a router with the snapshot it was built from, so
	// routing stays a pure function of one immutable view.
	routerState atomic.Pointer[routerState]
}

type routerState struct {
	view   *view.View
	router *router.Router
}

// New assembles the gateway.
func New(opts Options) *Gateway {
	v := opts.Holder.Get()
	g := &Gateway{
		holder:     opts.Holder,
		gate:       gate.New(opts.Quota, opts.Sessions),
		balancers:  loadbalancer.NewManager(opts.Location),
		engine:     proxy.New(proxy.NewTransportPool()),
		stats:      opts.Stats,
		publisher:  opts.Publisher,
		replay:     opts.ReplayCache,
		snowMonkey: chaos.New(v.GlobalConfig.SnowMonkeyConfig),
		metrics:    metricsexport.New(opts.Stats, v.GlobalConfig.MetricsAccessKey),
		papps:      privateapps.NewHandler(opts.Sessions),
		leader:     opts.Leader,
		line:       opts.Line,
	}
	g.routerState.Store(&routerState{view: v, router: router.New(v.Services, opts.Line)})
	return g
}

// currentRouter returns the router for the live snapshot, rebuilding it
// after a config swap.
func (g *Gateway) currentRouter() (*view.View, *router.Router) {
	v := g.holder.Get()
	st := g.routerState.Load()
	if st.view == v {
		return v, st.router
	}
	next := &routerState{view: v, router: router.New(v.Services, g.line)}
	g.routerState.CompareAndSwap(st, next)
	g.snowMonkey.Update(v.GlobalConfig.SnowMonkeyConfig)
	return v, next.router
}

// ServeHTTP runs the full pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case metricsexport.MetricsPath:
		g.metrics.ServeHTTP(w, r)
		return
	case privateapps.LoginPath:
		g.papps.HandleLogin(w, r)
		return
	case privateapps.LogoutPath:
		g.papps.HandleLogout(w, r)
		return
	case cluster.StatePath:
		if g.leader != nil {
			g.leader.HandleState(w, r)
			return
		}
	case cluster.LivePath:
		if g.leader != nil {
			g.leader.HandleLive(w, r)
			return
		}
	}

	start := time.Now()
	v, rt := g.currentRouter()
	global := v.GlobalConfig

	if global.LimitConcurrentRequests && g.stats.InFlight() >= global.MaxConcurrentRequests {
		g.fail(w, r, nil, errors.ErrTooManyConcurrentRequests, start)
		return
	}
	done := g.stats.Begin()
	defer done()

	match, perr := rt.Route(r.Host, r.URL.Path)
	if perr != nil {
		g.fail(w, r, nil, perr, start)
		return
	}
	svc := match.Service

	if svc.ForceHTTPS && requestScheme(r) != "https" {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}

	if fault := g.snowMonkey.Apply(svc); fault.BadResponse {
		chaos.WriteBadResponse(w)
		return
	}

	verdict, perr := g.gate.Check(r.Context(), r, v, match)
	if perr != nil {
		g.fail(w, r, svc, perr, start)
		return
	}

	g.forward(w, r, v, match, verdict, start)
}

// forward runs the target selection / secure exchange / streaming loop.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, v *view.View, match *router.Match, verdict *gate.Verdict, start time.Time) {
	svc := match.Service
	cc := svc.ClientConfig.WithDefaults()

	ctx, cancel := context.WithTimeout(r.Context(), cc.GlobalTimeout.D())
	defer cancel()

	trackingID := g.trackingID(w, r, svc)

	// The inbound body is counted both for traffic stats and to stop
	// retrying once any of it has been consumed.
	var inBody *proxy.CountingBody
	if r.Body != nil {
		inBody = proxy.NewCountingBody(r.Body)
		r.Body = inBody
	}

	tmplCtx := &template.Context{ApiKey: verdict.ApiKey, User: verdict.User, Request: r}

	secure := svc.EnforceSecureCommunication && !match.Public
	var engine *seccom.Engine
	if secure {
		engine = seccom.NewEngine(svc, g.replay)
	}

	// Retries is the total attempt budget: 1 means a single attempt.
	excluded := make(map[string]bool)
	attempts := cc.Retries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr *errors.ProxyError

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && inBody != nil && inBody.Count() > 0 {
			// The body stream is gone; replaying it would corrupt the
			// upstream request.
			break
		}

		target := g.balancers.Select(svc, loadbalancer.SelectionContext{
			TrackingID: trackingID,
			ClientIP:   verdict.ClientIP,
			Excluded:   excluded,
		})
		excluded[target.Key()] = true

		headers := template.ExpandMap(svc.AdditionalHeaders, tmplCtx)

		var exchange *seccom.Exchange
		if secure {
			ex, err := engine.Start(seccom.CallerInfo{ApiKey: verdict.ApiKey, User: verdict.User})
			if err != nil {
				g.fail(w, r, svc, errors.Wrap(errors.ErrInternal, err), start)
				return
			}
			exchange = ex
			if ex.StateToken != "" {
				headers[svc.StateRequestHeader()] = ex.StateToken
			}
			if ex.ClaimToken != "" {
				headers[svc.ClaimRequestHeader()] = ex.ClaimToken
			}
		}

		attemptStart := time.Now()
		res, perr := g.engine.Do(ctx, r, proxy.Attempt{
			Service:    svc,
			Target:     target,
			Headers:    headers,
			ClientIP:   verdict.ClientIP,
			Scheme:     requestScheme(r),
			UseBreaker: v.GlobalConfig.UseCircuitBreakers && svc.ClientConfig.UseCircuitBreaker,
		})
		if perr != nil {
			lastErr = perr
			if perr.Retryable() {
				continue
			}
			break
		}

		if secure {
			stateResp := res.Response.Header.Get(svc.StateResponseHeader())
			if perr := engine.ValidateResponse(exchange, stateResp); perr != nil {
				res.Response.Body.Close()
				lastErr = perr
				continue
			}
		}

		upstreamTime := time.Since(attemptStart)
		g.balancers.SelectorFor(svc).RecordLatency(target.Key(), upstreamTime)

		if svc.ForceHTTPS {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000")
		}
		if verdict.Quota != nil {
			w.Header().Set("Otoroshi-Daily-Calls-Remaining", strconv.FormatInt(verdict.Quota.DailyRemaining, 10))
			w.Header().Set("Otoroshi-Monthly-Calls-Remaining", strconv.FormatInt(verdict.Quota.MonthlyRemaining, 10))
		}
		dataOut := g.engine.StreamResponse(w, res, svc, []string{svc.StateResponseHeader()})

		duration := time.Since(start)
		overhead := duration - upstreamTime
		if overhead < 0 {
			overhead = 0
		}
		var dataIn int64
		if inBody != nil {
			dataIn = inBody.Count()
		}
		g.stats.Record(svc.ID, duration, overhead, dataIn, dataOut)
		g.publish(events.Event{
			Kind:      events.KindAccess,
			ServiceID: svc.ID,
			Status:    res.Response.StatusCode,
			ClientID:  clientID(verdict),
			From:      verdict.ClientIP,
			Target:    target.Host,
			Duration:  duration,
		})
		return
	}

	if lastErr == nil {
		lastErr = errors.ErrUpstreamConnect
	}
	g.fail(w, r, svc, lastErr, start)
}

// trackingID returns the sticky session id, issuing the cookie when the
// service balances by session and none is present.
func (g *Gateway) trackingID(w http.ResponseWriter, r *http.Request, svc *model.ServiceDescriptor) string {
	if c, err := r.Cookie(TrackingCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	if svc.TargetsLoadBalancing.Type == model.Sticky {
		http.SetCookie(w, &http.Cookie{
			Name:     TrackingCookie,
			Value:    id,
			Path:     "/",
			MaxAge:   trackingCookieMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return id
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, svc *model.ServiceDescriptor, perr *errors.ProxyError, start time.Time) {
	serviceID := ""
	if svc != nil {
		serviceID = svc.ID
	}
	g.publish(events.Event{
		Kind:      events.KindAccess,
		ServiceID: serviceID,
		Status:    perr.Status,
		ErrorID:   perr.ErrorID,
		From:      r.RemoteAddr,
		Duration:  time.Since(start),
	})
	logging.Debug("request rejected",
		zap.String("serviceId", serviceID),
		zap.String("error", perr.ErrorID),
		zap.Int("status", perr.Status))
	perr.WriteJSON(w)
}

func (g *Gateway) publish(evt events.Event) {
	if g.publisher != nil {
		g.publisher.Publish(evt)
	}
}

func clientID(verdict *gate.Verdict) string {
	if verdict.ApiKey != nil {
		return verdict.ApiKey.ClientID
	}
	return ""
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
