// Package chaos implements snow-monkey fault injection: optional latency
// and bad-response faults applied to a bounded fraction of requests.
package chaos

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fossabot/otoroshi/internal/model"
)

// SnowMonkey injects faults according to the global chaos config.
type SnowMonkey struct {
	mu      sync.RWMutex
	cfg     model.SnowMonkeyConfig
	limiter *rate.Limiter
	rng     *rand.Rand
	rngMu   sync.Mutex
	sleep   func(time.Duration)
}

// New builds a snow monkey from config.
func New(cfg model.SnowMonkeyConfig) *SnowMonkey {
	s := &SnowMonkey{
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: time.Sleep,
	}
	s.Update(cfg)
	return s
}

// Update swaps the config, rebuilding the fault budget.
func (s *SnowMonkey) Update(cfg model.SnowMonkeyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if cfg.FaultsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.FaultsPerSecond), 1)
	} else {
		s.limiter = nil
	}
}

// Outcome is the fault decision for one request.
type Outcome struct {
	BadResponse bool
}

// Apply possibly injects latency, and reports whether a bad response
// should be served instead of calling the upstream. Dry-run mode decides
// but never acts.
func (s *SnowMonkey) Apply(svc *model.ServiceDescriptor) Outcome {
	s.mu.RLock()
	cfg := s.cfg
	limiter := s.limiter
	s.mu.RUnlock()

	if !cfg.Enabled || s.excluded(cfg, svc) {
		return Outcome{}
	}
	if limiter != nil && !limiter.Allow() {
		return Outcome{}
	}
	if cfg.DryRun {
		return Outcome{}
	}

	if cfg.LatencyEnabled && cfg.LatencyTo > cfg.LatencyFrom {
		span := int64(cfg.LatencyTo - cfg.LatencyFrom)
		s.rngMu.Lock()
		extra := time.Duration(cfg.LatencyFrom) + time.Duration(s.rng.Int63n(span))
		s.rngMu.Unlock()
		s.sleep(extra)
	}

	if cfg.BadResponseRatio > 0 {
		s.rngMu.Lock()
		roll := s.rng.Float64()
		s.rngMu.Unlock()
		if roll < cfg.BadResponseRatio {
			return Outcome{BadResponse: true}
		}
	}
	return Outcome{}
}

func (s *SnowMonkey) excluded(cfg model.SnowMonkeyConfig, svc *model.ServiceDescriptor) bool {
	for _, id := range cfg.ExcludedServices {
		if id == svc.ID {
			return true
		}
	}
	if len(cfg.TargetGroups) > 0 {
		found := false
		for _, g := range cfg.TargetGroups {
			if g == svc.GroupID {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}

// WriteBadResponse serves the injected fault.
func WriteBadResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	w.Write([]byte(`{"error":"errors.upstream.connect"}`))
}
