package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportConfig configures one upstream transport.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	InsecureSkipVerify  bool
	// IPAddress bypasses DNS: the TCP connection is opened to this
	// address while the Host header and TLS SNI keep the configured host.
	IPAddress string
}

// NewTransport creates an HTTP transport with the given configuration.
func NewTransport(cfg TransportConfig) *http.Transport {
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost == 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.TLSHandshakeTimeout == 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	dialCtx := dialer.DialContext
	if cfg.IPAddress != "" {
		ip := cfg.IPAddress
		dialCtx = func(ctx context.Context, network, address string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		}
	}

	return &http.Transport{
		DialContext:           dialCtx,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
}

// TransportPool shares transports process-wide, keyed by
// (scheme, host:port, ip-override) so connection pools are reused across
// requests and services.
type TransportPool struct {
	mu         sync.RWMutex
	transports map[string]*http.Transport
}

// NewTransportPool creates an empty pool.
func NewTransportPool() *TransportPool {
	return &TransportPool{transports: make(map[string]*http.Transport)}
}

// Get returns the pooled transport for the key, creating it on first use.
func (p *TransportPool) Get(scheme, hostPort, ipOverride string, dialTimeout time.Duration) *http.Transport {
	key := scheme + "|" + hostPort + "|" + ipOverride
	p.mu.RLock()
	t, ok := p.transports[key]
	p.mu.RUnlock()
	if ok {
		return t
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok = p.transports[key]; ok {
		return t
	}
	t = NewTransport(TransportConfig{
		IPAddress:   ipOverride,
		DialTimeout: dialTimeout,
	})
	p.transports[key] = t
	return t
}

// CloseIdle closes idle connections in every pooled transport.
func (p *TransportPool) CloseIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
