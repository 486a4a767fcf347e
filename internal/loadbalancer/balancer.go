// Package loadbalancer selects one upstream target per request according to
// the service's balancing policy, with predicate filtering and sticky
// bookkeeping shared across requests.
package loadbalancer

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fossabot/otoroshi/internal/model"
)

// SelectionContext carries the per-request inputs of target selection.
type SelectionContext struct {
	TrackingID string
	ClientIP   string
	// Excluded lists target keys already tried in this request; retries
	// never reuse a target.
	Excluded map[string]bool
}

// Selector holds the per-service balancing state.
type Selector struct {
	policy  model.LoadBalancing
	counter atomic.Uint64

	latMu     sync.RWMutex
	latencies map[string]*ewmaLatency

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newSelector(policy model.LoadBalancing) *Selector {
	return &Selector{
		policy:    policy,
		latencies: make(map[string]*ewmaLatency),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select picks a target from the candidate list. Candidates must be
// non-empty; the caller applies predicate filtering first.
func (s *Selector) Select(targets []model.Target, ctx SelectionContext) model.Target {
	candidates := exclude(targets, ctx.Excluded)
	if len(candidates) == 0 {
		// Every target was already tried; fall back to the full list so
		// the last retry still goes somewhere.
		candidates = targets
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	switch s.policy.Type {
	case model.Random:
		expanded := expandWeights(candidates)
		return expanded[s.intn(len(expanded))]
	case model.Sticky:
		return pickConsistent(ctx.TrackingID, candidates)
	case model.IPAddressHash:
		return pickConsistent(ctx.ClientIP, candidates)
	case model.BestResponseTime:
		return s.pickBest(candidates)
	case model.WeightedBestResponseTime:
		ratio := s.policy.Ratio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		if s.float64() < ratio {
			return s.pickBest(candidates)
		}
		best := s.pickBest(candidates)
		others := make([]model.Target, 0, len(candidates)-1)
		for _, t := range candidates {
			if t.Key() != best.Key() {
				others = append(others, t)
			}
		}
		if len(others) == 0 {
			return best
		}
		return others[s.intn(len(others))]
	default: // RoundRobin
		expanded := expandWeights(candidates)
		idx := s.counter.Add(1) - 1
		return expanded[idx%uint64(len(expanded))]
	}
}

// RecordLatency feeds a response-time observation into the EWMA table.
func (s *Selector) RecordLatency(targetKey string, d time.Duration) {
	s.latMu.RLock()
	e, ok := s.latencies[targetKey]
	s.latMu.RUnlock()
	if !ok {
		s.latMu.Lock()
		e, ok = s.latencies[targetKey]
		if !ok {
			e = newEWMA(0.5)
			s.latencies[targetKey] = e
		}
		s.latMu.Unlock()
	}
	e.update(d)
}

// pickBest returns the candidate with the lowest EWMA latency. Targets with
// no samples are preferred so every target is exercised early; ties break
// by round-robin.
func (s *Selector) pickBest(candidates []model.Target) model.Target {
	s.latMu.RLock()
	defer s.latMu.RUnlock()

	var cold []model.Target
	bestVal := -1.0
	var best []model.Target
	for _, t := range candidates {
		e, ok := s.latencies[t.Key()]
		if !ok {
			cold = append(cold, t)
			continue
		}
		v, samples := e.get()
		if samples == 0 {
			cold = append(cold, t)
			continue
		}
		switch {
		case bestVal < 0 || v < bestVal:
			bestVal = v
			best = []model.Target{t}
		case v == bestVal:
			best = append(best, t)
		}
	}
	if len(cold) > 0 {
		idx := s.counter.Add(1) - 1
		return cold[idx%uint64(len(cold))]
	}
	if len(best) == 1 {
		return best[0]
	}
	idx := s.counter.Add(1) - 1
	return best[idx%uint64(len(best))]
}

func (s *Selector) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func (s *Selector) float64() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// pickConsistent maps a key deterministically to one of the candidates
// using xxhash and Jump consistent hashing, so the chosen index is stable
// for a fixed key and target-set size.
func pickConsistent(key string, candidates []model.Target) model.Target {
	if key == "" {
		return candidates[0]
	}
	h := xxhash.Sum64String(key)
	return candidates[jumpHash(h, len(candidates))]
}

// jumpHash is the Lamping-Veach jump consistent hash: O(ln n), minimal
// movement when the bucket count changes.
func jumpHash(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(1<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

// expandWeights repeats each target weight times, so a weight-3 target
// appears three times in the rotation.
func expandWeights(targets []model.Target) []model.Target {
	total := 0
	for _, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	out := make([]model.Target, 0, total)
	for _, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w; i++ {
			out = append(out, t)
		}
	}
	return out
}

func exclude(targets []model.Target, excluded map[string]bool) []model.Target {
	if len(excluded) == 0 {
		return targets
	}
	out := make([]model.Target, 0, len(targets))
	for _, t := range targets {
		if !excluded[t.Key()] {
			out = append(out, t)
		}
	}
	return out
}

// FilterByPredicate keeps the targets whose predicate admits the instance
// location. An empty result falls back to the unfiltered list so
// misconfigured predicates never break traffic.
func FilterByPredicate(targets []model.Target, loc model.InstanceLocation) []model.Target {
	out := make([]model.Target, 0, len(targets))
	for _, t := range targets {
		if t.Predicate.Matches(loc) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return targets
	}
	return out
}

// Manager caches one Selector per service so sticky and response-time
// bookkeeping survives across requests.
type Manager struct {
	mu        sync.RWMutex
	selectors map[string]*Selector
	location  model.InstanceLocation
}

// NewManager creates a selector manager for this instance's location.
func NewManager(loc model.InstanceLocation) *Manager {
	return &Manager{
		selectors: make(map[string]*Selector),
		location:  loc,
	}
}

// Location returns the instance location used for predicate filtering.
func (m *Manager) Location() model.InstanceLocation {
	return m.location
}

// SelectorFor returns the selector for a service, creating it on first use
// or when the policy changed.
func (m *Manager) SelectorFor(svc *model.ServiceDescriptor) *Selector {
	m.mu.RLock()
	s, ok := m.selectors[svc.ID]
	m.mu.RUnlock()
	if ok && s.policy == svc.TargetsLoadBalancing {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.selectors[svc.ID]
	if ok && s.policy == svc.TargetsLoadBalancing {
		return s
	}
	s = newSelector(svc.TargetsLoadBalancing)
	m.selectors[svc.ID] = s
	return s
}

// Select filters by predicate and applies the service policy.
func (m *Manager) Select(svc *model.ServiceDescriptor, ctx SelectionContext) model.Target {
	candidates := FilterByPredicate(svc.Targets, m.location)
	return m.SelectorFor(svc).Select(candidates, ctx)
}
