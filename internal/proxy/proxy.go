// Package proxy streams requests to upstream targets and responses back,
// enforcing the per-service client timeouts.
package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/model"
)

// Engine performs single upstream attempts. Retrying across targets is the
// pipeline's job; the engine reports whether a failure is retryable.
type Engine struct {
	pool     *TransportPool
	breakers *breakerPool
}

// New creates a forwarding engine over a shared transport pool.
func New(pool *TransportPool) *Engine {
	if pool == nil {
		pool = NewTransportPool()
	}
	return &Engine{
		pool:     pool,
		breakers: newBreakerPool(),
	}
}

// Attempt is one upstream call specification.
type Attempt struct {
	Service *model.ServiceDescriptor
	Target  model.Target
	// Headers are added to the upstream request (claim/state tokens,
	// expanded additional headers).
	Headers map[string]string
	// ClientIP feeds X-Forwarded-For.
	ClientIP string
	// Scheme of the inbound request, for X-Forwarded-Proto.
	Scheme string
	// UseBreaker wraps the call in the service's circuit breaker.
	UseBreaker bool
}

// Result is a successful upstream response plus its timing.
type Result struct {
	Response  *http.Response
	Started   time.Time
	FirstByte time.Time
}

// Do sends the request to the target and waits for the response header,
// bounded by callTimeout. The response body is NOT consumed; the caller
// streams it with StreamResponse.
func (e *Engine) Do(ctx context.Context, inbound *http.Request, att Attempt) (*Result, *errors.ProxyError) {
	cc := att.Service.ClientConfig.WithDefaults()

	upstream, err := e.buildRequest(ctx, inbound, att)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}

	host, port := splitHostPort(att.Target.Host, att.Target.Scheme)
	transport := e.pool.Get(att.Target.Scheme, net.JoinHostPort(host, port), att.Target.IPAddress, cc.ConnectionTimeout.D())

	started := time.Now()
	roundTrip := func() (*http.Response, error) {
		return e.roundTripWithCallTimeout(ctx, transport, upstream, cc.CallTimeout.D())
	}

	var resp *http.Response
	if att.UseBreaker {
		resp, err = e.breakers.forService(att.Service).Execute(roundTrip)
	} else {
		resp, err = roundTrip()
	}
	if err != nil {
		return nil, classify(err)
	}

	return &Result{Response: resp, Started: started, FirstByte: time.Now()}, nil
}

// roundTripWithCallTimeout bounds the time to the response status line.
func (e *Engine) roundTripWithCallTimeout(ctx context.Context, rt http.RoundTripper, req *http.Request, callTimeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	req = req.WithContext(attemptCtx)

	type outcome struct {
		resp *http.Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := rt.RoundTrip(req)
		ch <- outcome{resp, err}
	}()

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			cancel()
			return nil, out.err
		}
		// The cancel func is tied to the body: canceling now would kill
		// the stream, so it is released when the body closes.
		out.resp.Body = &cancelOnClose{rc: out.resp.Body, cancel: cancel}
		return out.resp, nil
	case <-timer.C:
		cancel()
		<-ch
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		cancel()
		<-ch
		return nil, ctx.Err()
	}
}

type cancelOnClose struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelOnClose) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}

// buildRequest rewrites the inbound request line for the target.
func (e *Engine) buildRequest(ctx context.Context, inbound *http.Request, att Attempt) (*http.Request, error) {
	svc := att.Service
	scheme := att.Target.Scheme
	if scheme == "" {
		scheme = "http"
	}

	path := rewritePath(svc, inbound.URL.Path)

	u := &url.URL{
		Scheme:   scheme,
		Host:     att.Target.Host,
		Path:     path,
		RawQuery: inbound.URL.RawQuery,
	}

	outbound, err := http.NewRequestWithContext(ctx, inbound.Method, u.String(), inbound.Body)
	if err != nil {
		return nil, err
	}
	outbound.ContentLength = inbound.ContentLength

	copyHeaders(outbound.Header, inbound.Header)
	removeHopByHop(outbound.Header)

	// Host header follows the target unless the service preserves the
	// exposed host.
	if svc.OverrideHost {
		outbound.Host = svc.ExposedDomain()
	} else {
		outbound.Host = att.Target.Host
	}

	if svc.XForwardedHeaders || att.ClientIP != "" {
		appendXForwarded(outbound.Header, att.ClientIP, att.Scheme, inbound.Host)
	}

	for k, v := range att.Headers {
		if v == "" {
			continue
		}
		outbound.Header.Set(k, v)
	}

	return outbound, nil
}

// rewritePath maps the inbound path onto the target: targets-root plus the
// inbound path minus the service root.
func rewritePath(svc *model.ServiceDescriptor, inPath string) string {
	rest := inPath
	root := svc.RootOrSlash()
	if root != "/" && strings.HasPrefix(rest, root) {
		rest = strings.TrimPrefix(rest, root)
		if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
	}
	if svc.TargetsRoot != "" {
		tr := strings.TrimSuffix(svc.TargetsRoot, "/")
		if rest == "/" {
			return tr + "/"
		}
		return tr + rest
	}
	return rest
}

var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func removeHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func appendXForwarded(h http.Header, clientIP, scheme, host string) {
	if clientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}
	if scheme != "" {
		h.Set("X-Forwarded-Proto", scheme)
	}
	if host != "" {
		h.Set("X-Forwarded-Host", host)
	}
}

// StreamResponse copies the upstream response to the client, enforcing the
// idle and call-and-stream timeouts. The status line is committed before
// streaming starts: a mid-stream expiry truncates the body but the request
// is still reported with the already-sent status. Returns the bytes
// written to the client.
func (e *Engine) StreamResponse(w http.ResponseWriter, res *Result, svc *model.ServiceDescriptor, stripHeaders []string) int64 {
	cc := svc.ClientConfig.WithDefaults()
	resp := res.Response
	defer resp.Body.Close()

	for _, k := range stripHeaders {
		resp.Header.Del(k)
	}
	copyHeaders(w.Header(), resp.Header)
	removeHopByHop(w.Header())
	w.WriteHeader(resp.StatusCode)

	var body io.ReadCloser = resp.Body
	body = newIdleTimeoutReader(body, cc.IdleTimeout.D())
	body = newDeadlineReader(body, res.Started.Add(cc.CallAndStreamTimeout.D()))

	n, _ := copyFlush(w, body)
	return n
}

// copyFlush streams with per-chunk flushing so slow consumers see bytes as
// they arrive; backpressure propagates through the writer.
func copyFlush(w http.ResponseWriter, r io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// classify maps transport failures onto the error taxonomy.
func classify(err error) *errors.ProxyError {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.ErrUpstreamTimeout, err)
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(errors.ErrUpstreamTimeout, err)
	case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.Wrap(errors.ErrUpstreamConnect, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrUpstreamTimeout, err)
	}
	return errors.Wrap(errors.ErrUpstreamConnect, err)
}

func splitHostPort(hostPort, scheme string) (string, string) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port
}
