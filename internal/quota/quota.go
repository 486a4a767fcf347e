// Package quota enforces the per-second, per-day and per-month API key
// budgets through the datastore's linearizable counters.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/fossabot/otoroshi/internal/datastore"
	"github.com/fossabot/otoroshi/internal/errors"
	"github.com/fossabot/otoroshi/internal/model"
)

// Dimensions named in the 429 body.
const (
	DimThrottling = "throttling"
	DimDaily      = "daily"
	DimMonthly    = "monthly"
)

// State is the post-increment view of the three counters.
type State struct {
	Allowed           bool
	ExceededDimension string
	ThrottlingUsed    int64
	DailyUsed         int64
	MonthlyUsed       int64
	DailyRemaining    int64
	MonthlyRemaining  int64
}

// Enforcer checks and updates quotas for API keys.
type Enforcer struct {
	store datastore.Datastore
	loc   *time.Location
	now   func() time.Time
}

// New creates an enforcer using the instance's timezone for the daily and
// monthly calendar boundaries.
func New(store datastore.Datastore, loc *time.Location) *Enforcer {
	if loc == nil {
		loc = time.Local
	}
	return &Enforcer{store: store, loc: loc, now: time.Now}
}

// Consume increments all three counters for the key and reports whether the
// request is admitted. Counters move even when a dimension is exceeded, so
// concurrent callers racing on the last unit are serialized by the store:
// the one that observes value <= limit wins.
func (e *Enforcer) Consume(ctx context.Context, key *model.ApiKey) (*State, error) {
	now := e.now().In(e.loc)
	st := &State{Allowed: true}

	// Per-second rolling window: interpolate between the current and the
	// previous one-second bucket.
	curSec := now.Unix()
	cur, err := e.store.IncrCounter(ctx, secKey(key.ClientID, curSec), 3*time.Second)
	if err != nil {
		return nil, err
	}
	prev, err := e.store.GetCounter(ctx, secKey(key.ClientID, curSec-1))
	if err != nil {
		return nil, err
	}
	frac := float64(now.Nanosecond()) / float64(time.Second)
	weighted := int64(float64(prev)*(1-frac)) + cur
	st.ThrottlingUsed = weighted
	if weighted > key.ThrottlingOrDefault() {
		st.Allowed = false
		st.ExceededDimension = DimThrottling
	}

	day, err := e.store.IncrCounter(ctx, dayKey(key.ClientID, now), 48*time.Hour)
	if err != nil {
		return nil, err
	}
	st.DailyUsed = day
	st.DailyRemaining = max64(0, key.DailyOrDefault()-day)
	if st.Allowed && day > key.DailyOrDefault() {
		st.Allowed = false
		st.ExceededDimension = DimDaily
	}

	month, err := e.store.IncrCounter(ctx, monthKey(key.ClientID, now), 32*24*time.Hour)
	if err != nil {
		return nil, err
	}
	st.MonthlyUsed = month
	st.MonthlyRemaining = max64(0, key.MonthlyOrDefault()-month)
	if st.Allowed && month > key.MonthlyOrDefault() {
		st.Allowed = false
		st.ExceededDimension = DimMonthly
	}

	return st, nil
}

// Error renders the 429 for an exceeded state.
func (s *State) Error() *errors.ProxyError {
	return errors.ErrQuotaExceeded.WithMessage(
		fmt.Sprintf("%s quota exceeded", s.ExceededDimension))
}

func secKey(clientID string, sec int64) string {
	return fmt.Sprintf("apikey:%s:sec:%d", clientID, sec)
}

func dayKey(clientID string, now time.Time) string {
	return fmt.Sprintf("apikey:%s:day:%s", clientID, now.Format("20060102"))
}

func monthKey(clientID string, now time.Time) string {
	return fmt.Sprintf("apikey:%s:month:%s", clientID, now.Format("200601"))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
