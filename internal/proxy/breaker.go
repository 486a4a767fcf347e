package proxy

import (
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/fossabot/otoroshi/internal/model"
)

// breakerPool keeps one circuit breaker per service so upstream failures
// shed load before connections are attempted.
type breakerPool struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func newBreakerPool() *breakerPool {
	return &breakerPool{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

func (p *breakerPool) forService(svc *model.ServiceDescriptor) *gobreaker.CircuitBreaker[*http.Response] {
	p.mu.RLock()
	cb, ok := p.breakers[svc.ID]
	p.mu.RUnlock()
	if ok {
		return cb
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok = p.breakers[svc.ID]; ok {
		return cb
	}

	maxErrors := svc.ClientConfig.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 20
	}
	cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:     svc.ID,
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxErrors)
		},
	})
	p.breakers[svc.ID] = cb
	return cb
}
