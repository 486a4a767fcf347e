package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fossabot/otoroshi/internal/logging"
	"github.com/fossabot/otoroshi/internal/stats"
)

// Worker periodically publishes the local StatsView to the leader.
type Worker struct {
	leaderURL string
	nodeID    string
	hostname  string
	interval  time.Duration
	registry  *stats.Registry
	client    *http.Client
}

// WorkerConfig holds the worker settings.
type WorkerConfig struct {
	LeaderURL string
	NodeID    string
	Interval  time.Duration
	Registry  *stats.Registry
}

// NewWorker creates a publication agent.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	hostname, _ := os.Hostname()
	return &Worker{
		leaderURL: cfg.LeaderURL,
		nodeID:    cfg.NodeID,
		hostname:  hostname,
		interval:  cfg.Interval,
		registry:  cfg.Registry,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Run publishes on the configured interval until ctx is done. Transient
// leader failures retry with exponential backoff inside the tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.publishWithRetry(ctx); err != nil {
				logging.Warn("cluster state publication failed",
					zap.String("leader", w.leaderURL), zap.Error(err))
			}
		}
	}
}

func (w *Worker) publishWithRetry(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		return w.publish(ctx)
	}, policy)
}

func (w *Worker) publish(ctx context.Context) error {
	report := MemberReport{
		NodeID:    w.nodeID,
		Hostname:  w.hostname,
		Timestamp: time.Now(),
		Stats:     w.registry.LocalView(),
	}
	body, err := json.Marshal(report)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.leaderURL+StatePath, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("leader returned %d", resp.StatusCode)
	}
	return nil
}
