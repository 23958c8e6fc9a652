package refdata

import (
	"context"
	"testing"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/storage/memory"
)

func TestWarm_PopulatesCache(t *testing.T) {
	store := memory.New()
	store.SeedSite(models.Site{ID: 1, Name: "site-a"})
	store.SeedModel(models.Model{ID: 1, Name: "model-a"})
	store.SeedParameter(models.Parameter{ID: 1, Name: models.ParameterWindSpeed})

	cache := New(store, nil)
	if err := cache.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}

	sites, err := cache.Sites(context.Background())
	if err != nil {
		t.Fatalf("Sites() error = %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("Sites() = %d, want 1", len(sites))
	}

	id, err := cache.ParameterID(context.Background(), models.ParameterWindSpeed)
	if err != nil {
		t.Fatalf("ParameterID() error = %v", err)
	}
	if id != 1 {
		t.Errorf("ParameterID() = %d, want 1", id)
	}

	model, err := cache.Model(context.Background(), 1)
	if err != nil {
		t.Fatalf("Model() error = %v", err)
	}
	if model.Name != "model-a" {
		t.Errorf("Model().Name = %q, want model-a", model.Name)
	}
}

func TestSites_ColdCacheFallsBackToStore(t *testing.T) {
	store := memory.New()
	store.SeedSite(models.Site{ID: 1, Name: "site-a"})

	cache := New(store, nil)
	sites, err := cache.Sites(context.Background())
	if err != nil {
		t.Fatalf("Sites() error = %v", err)
	}
	if len(sites) != 1 {
		t.Errorf("Sites() cold cache = %d, want 1 (fallback to store)", len(sites))
	}
}

func TestParameterID_UnknownKindFallsBackAndErrors(t *testing.T) {
	store := memory.New()
	cache := New(store, nil)
	if err := cache.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if _, err := cache.ParameterID(context.Background(), models.ParameterKind("unknown")); err == nil {
		t.Error("ParameterID() expected error for unknown kind, got nil")
	}
}
