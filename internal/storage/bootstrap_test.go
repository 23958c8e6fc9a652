package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
	"github.com/kjstillabower/forecast-reconciler/internal/storage/memory"
)

const fixtureYAML = `
sites:
  - id: 1
    name: harbor-north
    latitude: 48.38
    longitude: -4.49
    altitude: 12
    beacon_ids: {network_a: 100}
    backup_beacon_ids: {network_a: 200}
models:
  - id: 1
    name: gridded-binary
    origin: met-office
parameters:
  - id: 1
    name: wind_speed
    unit: kph
`

func TestBootstrap_SeedsFromFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store := memory.New()
	if err := storage.Bootstrap(store, path); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	site, err := store.GetSite(nil, 1) //nolint:staticcheck // memory.Store ignores ctx
	if err != nil {
		t.Fatalf("GetSite() error = %v", err)
	}
	if site.Name != "harbor-north" {
		t.Errorf("Name = %q, want harbor-north", site.Name)
	}
	if id, ok := site.PrimaryBeacon("network_a"); !ok || id != 100 {
		t.Errorf("PrimaryBeacon(network_a) = (%d, %v), want (100, true)", id, ok)
	}
}

func TestBootstrap_MissingFixtureErrors(t *testing.T) {
	store := memory.New()
	if err := storage.Bootstrap(store, "/nonexistent/fixture.yaml"); err == nil {
		t.Error("Bootstrap() error = nil, want error for missing file")
	}
}
