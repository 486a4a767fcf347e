package stats

import (
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCountersAndRates(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	r := newRegistryWithClock(fixedClock(now))

	for i := 0; i < 120; i++ {
		r.Record("svc-1", 30*time.Millisecond, 2*time.Millisecond, 100, 500)
	}

	s := r.ForService("svc-1")
	if s.Calls() != 120 {
		t.Errorf("calls = %d, want 120", s.Calls())
	}
	if s.DataIn() != 12000 || s.DataOut() != 60000 {
		t.Errorf("dataIn/out = %d/%d", s.DataIn(), s.DataOut())
	}
	if got := s.CallsPerSec(); got != 2.0 {
		t.Errorf("callsPerSec = %v, want 2 (120 calls over a 60s window)", got)
	}
	if got := s.AvgDuration(); got != 30.0 {
		t.Errorf("avgDuration = %v, want 30", got)
	}
	if got := s.AvgOverhead(); got != 2.0 {
		t.Errorf("avgOverhead = %v, want 2", got)
	}

	// Global mirrors the per-service records.
	if r.Global().Calls() != 120 {
		t.Errorf("global calls = %d", r.Global().Calls())
	}
}

func TestWindowExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	current := now
	w := newWindow(func() time.Time { return current })

	w.add(10)
	if got := w.sum(); got != 10 {
		t.Fatalf("sum = %d, want 10", got)
	}

	// Two minutes later the bucket fell out of the window.
	current = now.Add(2 * time.Minute)
	if got := w.sum(); got != 0 {
		t.Errorf("sum after expiry = %d, want 0", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	r := NewRegistry()
	done1 := r.Begin()
	done2 := r.Begin()
	if r.InFlight() != 2 {
		t.Errorf("inFlight = %d, want 2", r.InFlight())
	}
	done1()
	done1() // idempotent
	done2()
	if r.InFlight() != 0 {
		t.Errorf("inFlight = %d, want 0", r.InFlight())
	}
}

func TestConcurrentRecording(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.Record("svc", time.Millisecond, 0, 1, 1)
			}
		}()
	}
	wg.Wait()
	if got := r.ForService("svc").Calls(); got != 8000 {
		t.Errorf("calls = %d, want 8000", got)
	}
}

func TestAggregate(t *testing.T) {
	local := StatsView{Rate: 10, Duration: 30, Overhead: 2, DataInRate: 100, DataOutRate: 200, ConcurrentHandledRequests: 5}
	peers := []StatsView{
		{Rate: 20, Duration: 60, Overhead: 4, DataInRate: 300, DataOutRate: 400, ConcurrentHandledRequests: 7},
		{Rate: 30, Duration: 90, Overhead: 6, DataInRate: 500, DataOutRate: 600, ConcurrentHandledRequests: 9},
	}

	got := Aggregate(local, peers)
	if got.Rate != 60 {
		t.Errorf("rate = %v, want sum 60", got.Rate)
	}
	if got.DataInRate != 900 || got.DataOutRate != 1200 {
		t.Errorf("data rates = %v/%v", got.DataInRate, got.DataOutRate)
	}
	if got.ConcurrentHandledRequests != 21 {
		t.Errorf("inFlight = %d, want 21", got.ConcurrentHandledRequests)
	}
	if got.Duration != 60 {
		t.Errorf("duration = %v, want mean 60", got.Duration)
	}
	if got.Overhead != 4 {
		t.Errorf("overhead = %v, want mean 4", got.Overhead)
	}
}

func TestAggregateNoPeers(t *testing.T) {
	local := StatsView{Rate: 10, Duration: 30}
	got := Aggregate(local, nil)
	if got != local {
		t.Errorf("aggregate with no peers should equal local, got %+v", got)
	}
}
