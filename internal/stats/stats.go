// Package stats keeps the live per-service and global traffic statistics:
// monotonic counters plus sliding-window rate estimators over the last
// sixty one-second buckets.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// StatsView is the snapshot a cluster member publishes to the leader.
type StatsView struct {
	Rate                      float64 `json:"rate"`
	Duration                  float64 `json:"duration"`
	Overhead                  float64 `json:"overhead"`
	DataInRate                float64 `json:"dataInRate"`
	DataOutRate               float64 `json:"dataOutRate"`
	ConcurrentHandledRequests int64   `json:"concurrentHandledRequests"`
}

// ServiceStats aggregates one service's live traffic.
type ServiceStats struct {
	calls    atomic.Int64
	dataIn   atomic.Int64
	dataOut  atomic.Int64
	duration atomic.Int64 // sum, milliseconds
	overhead atomic.Int64 // sum, milliseconds

	callsWin    *window
	dataInWin   *window
	dataOutWin  *window
	durationWin *window
	overheadWin *window
}

func newServiceStats(clock func() time.Time) *ServiceStats {
	return &ServiceStats{
		callsWin:    newWindow(clock),
		dataInWin:   newWindow(clock),
		dataOutWin:  newWindow(clock),
		durationWin: newWindow(clock),
		overheadWin: newWindow(clock),
	}
}

// Record folds one completed request into the stats.
func (s *ServiceStats) Record(duration, overhead time.Duration, dataIn, dataOut int64) {
	s.calls.Add(1)
	s.dataIn.Add(dataIn)
	s.dataOut.Add(dataOut)
	s.duration.Add(duration.Milliseconds())
	s.overhead.Add(overhead.Milliseconds())

	s.callsWin.add(1)
	s.dataInWin.add(dataIn)
	s.dataOutWin.add(dataOut)
	s.durationWin.add(duration.Milliseconds())
	s.overheadWin.add(overhead.Milliseconds())
}

// Calls returns the total number of completed requests.
func (s *ServiceStats) Calls() int64 { return s.calls.Load() }

// DataIn returns the total bytes received from clients.
func (s *ServiceStats) DataIn() int64 { return s.dataIn.Load() }

// DataOut returns the total bytes sent to clients.
func (s *ServiceStats) DataOut() int64 { return s.dataOut.Load() }

// CallsPerSec returns the sliding-window request rate.
func (s *ServiceStats) CallsPerSec() float64 { return s.callsWin.perSecond() }

// DataInRate returns the sliding-window inbound byte rate.
func (s *ServiceStats) DataInRate() float64 { return s.dataInWin.perSecond() }

// DataOutRate returns the sliding-window outbound byte rate.
func (s *ServiceStats) DataOutRate() float64 { return s.dataOutWin.perSecond() }

// AvgDuration returns the windowed mean call duration in milliseconds.
func (s *ServiceStats) AvgDuration() float64 {
	return ratio(s.durationWin.sum(), s.callsWin.sum())
}

// AvgOverhead returns the windowed mean proxy overhead in milliseconds.
func (s *ServiceStats) AvgOverhead() float64 {
	return ratio(s.overheadWin.sum(), s.callsWin.sum())
}

func ratio(total, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

// Registry holds the global stats plus one ServiceStats per service.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceStats
	global   *ServiceStats
	inFlight atomic.Int64
	clock    func() time.Time
}

// NewRegistry creates a stats registry.
func NewRegistry() *Registry {
	return newRegistryWithClock(time.Now)
}

func newRegistryWithClock(clock func() time.Time) *Registry {
	return &Registry{
		services: make(map[string]*ServiceStats),
		global:   newServiceStats(clock),
		clock:    clock,
	}
}

// ForService returns (creating if needed) the stats of one service.
func (r *Registry) ForService(serviceID string) *ServiceStats {
	r.mu.RLock()
	s, ok := r.services[serviceID]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.services[serviceID]; ok {
		return s
	}
	s = newServiceStats(r.clock)
	r.services[serviceID] = s
	return s
}

// Global returns the process-wide stats.
func (r *Registry) Global() *ServiceStats { return r.global }

// Record folds one completed request into the service and global stats.
func (r *Registry) Record(serviceID string, duration, overhead time.Duration, dataIn, dataOut int64) {
	r.ForService(serviceID).Record(duration, overhead, dataIn, dataOut)
	r.global.Record(duration, overhead, dataIn, dataOut)
}

// Begin marks a request in flight; the returned func ends it.
func (r *Registry) Begin() func() {
	r.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { r.inFlight.Add(-1) })
	}
}

// InFlight returns the number of requests currently being handled.
func (r *Registry) InFlight() int64 { return r.inFlight.Load() }

// LocalView snapshots the local stats for cluster publication.
func (r *Registry) LocalView() StatsView {
	return StatsView{
		Rate:                      r.global.CallsPerSec(),
		Duration:                  r.global.AvgDuration(),
		Overhead:                  r.global.AvgOverhead(),
		DataInRate:                r.global.DataInRate(),
		DataOutRate:               r.global.DataOutRate(),
		ConcurrentHandledRequests: r.InFlight(),
	}
}

// ServiceIDs lists services with recorded traffic.
func (r *Registry) ServiceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	return ids
}

// Aggregate combines the local view with peer views: rates and in-flight
// counts sum, durations and overheads average.
func Aggregate(local StatsView, peers []StatsView) StatsView {
	out := local
	n := 1
	for _, p := range peers {
		out.Rate += p.Rate
		out.DataInRate += p.DataInRate
		out.DataOutRate += p.DataOutRate
		out.ConcurrentHandledRequests += p.ConcurrentHandledRequests
		out.Duration += p.Duration
		out.Overhead += p.Overhead
		n++
	}
	out.Duration /= float64(n)
	out.Overhead /= float64(n)
	return out
}
