// Package datastore owns the persisted configuration entities and the
// shared quota counters. There is a single writer (config loading, admin
// surface); request handlers read through snapshots taken by the view layer.
package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/fossabot/otoroshi/internal/model"
)

// Snapshot is a full read-only copy of the configuration entities.
type Snapshot struct {
	Services     []*model.ServiceDescriptor
	ApiKeys      []*model.ApiKey
	Groups       []*model.ServiceGroup
	JwtVerifiers []*model.JwtVerifier
	AuthModules  []*model.AuthModuleConfig
	Certificates []*model.Certificate
	GlobalConfig model.GlobalConfig
}

// Datastore is the persistence boundary the pipeline consumes.
type Datastore interface {
	// Load returns a full snapshot of the configuration entities.
	Load(ctx context.Context) (*Snapshot, error)

	// Store replaces the configuration entities and notifies subscribers.
	Store(ctx context.Context, snap *Snapshot) error

	// IncrCounter atomically increments a named counter, creating it with
	// the given TTL when absent, and returns the post-increment value.
	// Increments are linearizable: concurrent callers observe distinct values.
	IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetCounter reads a counter without mutating it. Missing counters read 0.
	GetCounter(ctx context.Context, key string) (int64, error)

	// Subscribe returns a channel receiving a tick after each Store.
	Subscribe() <-chan struct{}

	// Close releases underlying resources.
	Close() error
}

// notifier fans a change tick out to every subscriber without blocking the writer.
type notifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (n *notifier) subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

func (n *notifier) notify() {
	n.mu.Lock()
	subs := n.subs
	n.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
