// Package cluster publishes per-node live stats to a leader and aggregates
// them cluster-wide. Members speak JSON over HTTP; a member missing its
// publication interval long enough is considered stale and excluded.
package cluster

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fossabot/otoroshi/internal/logging"
	"github.com/fossabot/otoroshi/internal/stats"
)

// Paths of the leader's cluster API.
const (
	StatePath = "/api/cluster/state"
	LivePath  = "/api/cluster/live"
)

// MemberReport is one worker's publication.
type MemberReport struct {
	NodeID    string          `json:"nodeId"`
	Hostname  string          `json:"hostname,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Stats     stats.StatsView `json:"stats"`
}

type memberState struct {
	report   MemberReport
	lastSeen time.Time
}

// Leader ingests member reports and serves the aggregated view.
type Leader struct {
	mu       sync.RWMutex
	members  map[string]*memberState
	local    *stats.Registry
	staleTTL time.Duration
	now      func() time.Time
}

// NewLeader creates a leader aggregating over the local registry.
func NewLeader(local *stats.Registry, staleTTL time.Duration) *Leader {
	if staleTTL <= 0 {
		staleTTL = 30 * time.Second
	}
	return &Leader{
		members:  make(map[string]*memberState),
		local:    local,
		staleTTL: staleTTL,
		now:      time.Now,
	}
}

// HandleState ingests one member report.
func (l *Leader) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var report MemberReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil || report.NodeID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	l.mu.Lock()
	l.members[report.NodeID] = &memberState{report: report, lastSeen: l.now()}
	l.mu.Unlock()

	logging.Debug("cluster member state received", zap.String("nodeId", report.NodeID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleLive serves the aggregated cluster view.
func (l *Leader) HandleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"globalLiveStats": l.Aggregated(),
		"members":         l.MemberCount(),
	})
}

// Aggregated sums rates and in-flight counts across live members plus the
// local value, averaging durations and overheads.
func (l *Leader) Aggregated() stats.StatsView {
	cutoff := l.now().Add(-l.staleTTL)

	l.mu.RLock()
	peers := make([]stats.StatsView, 0, len(l.members))
	for _, m := range l.members {
		if m.lastSeen.After(cutoff) {
			peers = append(peers, m.report.Stats)
		}
	}
	l.mu.RUnlock()

	return stats.Aggregate(l.local.LocalView(), peers)
}

// MemberCount returns the number of live members, the leader excluded.
func (l *Leader) MemberCount() int {
	cutoff := l.now().Add(-l.staleTTL)
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, m := range l.members {
		if m.lastSeen.After(cutoff) {
			n++
		}
	}
	return n
}
