package view

import (
	"context"
	"testing"
	"time"

	"github.com/fossabot/otoroshi/internal/datastore"
	"github.com/fossabot/otoroshi/internal/model"
)

func TestHolderLookups(t *testing.T) {
	store := datastore.NewMemoryStore()
	defer store.Close()

	snap := &datastore.Snapshot{
		Services:     []*model.ServiceDescriptor{{ID: "s1", Enabled: true}},
		ApiKeys:      []*model.ApiKey{{ClientID: "c1", ClientSecret: "x"}},
		Groups:       []*model.ServiceGroup{{ID: "g1", Name: "default"}},
		JwtVerifiers: []*model.JwtVerifier{{ID: "v1"}},
	}
	if err := store.Store(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	h, err := NewHolder(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	v := h.Get()

	if _, ok := v.ServiceByID("s1"); !ok {
		t.Error("service lookup failed")
	}
	if _, ok := v.ApiKeyByClientID("c1"); !ok {
		t.Error("api key lookup failed")
	}
	if _, ok := v.GroupByID("g1"); !ok {
		t.Error("group lookup failed")
	}
	if _, ok := v.JwtVerifierByID("v1"); !ok {
		t.Error("verifier lookup failed")
	}
	if _, ok := v.ServiceByID("missing"); ok {
		t.Error("missing service resolved")
	}
}

func TestHolderRefreshOnChange(t *testing.T) {
	store := datastore.NewMemoryStore()
	defer store.Close()
	if err := store.Store(context.Background(), &datastore.Snapshot{}); err != nil {
		t.Fatal(err)
	}

	h, err := NewHolder(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	first := h.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	if err := store.Store(context.Background(), &datastore.Snapshot{
		Services: []*model.ServiceDescriptor{{ID: "s-new", Enabled: true}},
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v := h.Get()
		if v != first {
			if _, ok := v.ServiceByID("s-new"); !ok {
				t.Fatal("refreshed view missing the new service")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("view never refreshed after a store change")
}
