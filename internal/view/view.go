// Package view maintains the read-mostly configuration snapshot consumed by
// the request pipeline. Writers go through the datastore; the view refreshes
// on change notifications and swaps atomically, so request handlers never
// observe a half-updated configuration.
package view

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fossabot/otoroshi/internal/datastore"
	"github.com/fossabot/otoroshi/internal/logging"
	"github.com/fossabot/otoroshi/internal/model"
)

// View is one immutable configuration snapshot with lookup indexes.
type View struct {
	Services     []*model.ServiceDescriptor
	GlobalConfig model.GlobalConfig

	servicesByID map[string]*model.ServiceDescriptor
	apiKeysByID  map[string]*model.ApiKey
	groupsByID   map[string]*model.ServiceGroup
	verifiersByID map[string]*model.JwtVerifier
	authByID     map[string]*model.AuthModuleConfig
	certsByID    map[string]*model.Certificate
}

func build(snap *datastore.Snapshot) *View {
	v := &View{
		Services:      snap.Services,
		GlobalConfig:  snap.GlobalConfig.WithDefaults(),
		servicesByID:  make(map[string]*model.ServiceDescriptor, len(snap.Services)),
		apiKeysByID:   make(map[string]*model.ApiKey, len(snap.ApiKeys)),
		groupsByID:    make(map[string]*model.ServiceGroup, len(snap.Groups)),
		verifiersByID: make(map[string]*model.JwtVerifier, len(snap.JwtVerifiers)),
		authByID:      make(map[string]*model.AuthModuleConfig, len(snap.AuthModules)),
		certsByID:     make(map[string]*model.Certificate, len(snap.Certificates)),
	}
	for _, s := range snap.Services {
		v.servicesByID[s.ID] = s
	}
	for _, k := range snap.ApiKeys {
		v.apiKeysByID[k.ClientID] = k
	}
	for _, g := range snap.Groups {
		v.groupsByID[g.ID] = g
	}
	for _, jv := range snap.JwtVerifiers {
		v.verifiersByID[jv.ID] = jv
	}
	for _, a := range snap.AuthModules {
		v.authByID[a.ID] = a
	}
	for _, c := range snap.Certificates {
		v.certsByID[c.ID] = c
	}
	return v
}

// ServiceByID resolves a service descriptor.
func (v *View) ServiceByID(id string) (*model.ServiceDescriptor, bool) {
	s, ok := v.servicesByID[id]
	return s, ok
}

// ApiKeyByClientID resolves an API key.
func (v *View) ApiKeyByClientID(clientID string) (*model.ApiKey, bool) {
	k, ok := v.apiKeysByID[clientID]
	return k, ok
}

// GroupByID resolves a service group.
func (v *View) GroupByID(id string) (*model.ServiceGroup, bool) {
	g, ok := v.groupsByID[id]
	return g, ok
}

// JwtVerifierByID resolves a JWT verifier. Back references stay ids in the
// stored entities and resolve lazily here.
func (v *View) JwtVerifierByID(id string) (*model.JwtVerifier, bool) {
	jv, ok := v.verifiersByID[id]
	return jv, ok
}

// AuthModuleByID resolves an auth module config.
func (v *View) AuthModuleByID(id string) (*model.AuthModuleConfig, bool) {
	a, ok := v.authByID[id]
	return a, ok
}

// CertificateByID resolves a certificate; chains are walked by following CARef.
func (v *View) CertificateByID(id string) (*model.Certificate, bool) {
	c, ok := v.certsByID[id]
	return c, ok
}

// Holder owns the current View and refreshes it on datastore changes.
type Holder struct {
	current atomic.Pointer[View]
	store   datastore.Datastore
	changes <-chan struct{}
}

// NewHolder subscribes to datastore changes, loads the initial snapshot and
// returns the holder. Stores made after NewHolder returns are seen by Run.
func NewHolder(ctx context.Context, store datastore.Datastore) (*Holder, error) {
	h := &Holder{store: store, changes: store.Subscribe()}
	if err := h.Refresh(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Get returns the current snapshot. Never nil after NewHolder.
func (h *Holder) Get() *View {
	return h.current.Load()
}

// Refresh reloads the snapshot from the datastore and swaps it in.
func (h *Holder) Refresh(ctx context.Context) error {
	snap, err := h.store.Load(ctx)
	if err != nil {
		return err
	}
	h.current.Store(build(snap))
	return nil
}

// Run refreshes the view on datastore change ticks until ctx is done.
func (h *Holder) Run(ctx context.Context) {
	changes := h.changes
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			if err := h.Refresh(ctx); err != nil {
				logging.Error("config view refresh failed", zap.Error(err))
			} else {
				logging.Debug("config view refreshed",
					zap.Int("services", len(h.Get().Services)))
			}
		}
	}
}
