package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
)

// fixture is the shape of the YAML file Bootstrap reads. It is a one-shot,
// run-once-at-first-start seed, not a migration tool: re-running it against
// an already-seeded store is safe (every Seed* call is an upsert-on-id) but
// pointless.
type fixture struct {
	Sites []struct {
		ID              int64          `yaml:"id"`
		Name            string         `yaml:"name"`
		Latitude        float64        `yaml:"latitude"`
		Longitude       float64        `yaml:"longitude"`
		Altitude        float64        `yaml:"altitude"`
		BeaconIDs       map[string]int `yaml:"beacon_ids"`
		BackupBeaconIDs map[string]int `yaml:"backup_beacon_ids"`
	} `yaml:"sites"`
	Models []struct {
		ID     int64  `yaml:"id"`
		Name   string `yaml:"name"`
		Origin string `yaml:"origin"`
	} `yaml:"models"`
	Parameters []struct {
		ID   int64  `yaml:"id"`
		Name string `yaml:"name"`
		Unit string `yaml:"unit"`
	} `yaml:"parameters"`
}

// Bootstrap reads a YAML fixture of sites, models, and parameters and seeds
// them into store. It is meant to run once against an empty database at
// first deploy; the underlying Seed calls are upserts, so a second run
// against an already-seeded store just re-writes the same rows.
func Bootstrap(store Seeder, fixturePath string) error {
	raw, err := os.ReadFile(fixturePath)
	if err != nil {
		return fmt.Errorf("storage: bootstrap: read fixture: %w", err)
	}

	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("storage: bootstrap: parse fixture: %w", err)
	}

	for _, s := range fx.Sites {
		store.SeedSite(models.Site{
			ID: s.ID, Name: s.Name, Latitude: s.Latitude, Longitude: s.Longitude, Altitude: s.Altitude,
			BeaconIDs: s.BeaconIDs, BackupBeaconIDs: s.BackupBeaconIDs,
		})
	}
	for _, m := range fx.Models {
		store.SeedModel(models.Model{ID: m.ID, Name: m.Name, Origin: m.Origin})
	}
	for _, p := range fx.Parameters {
		store.SeedParameter(models.Parameter{ID: p.ID, Name: models.ParameterKind(p.Name), Unit: p.Unit})
	}

	if errored, ok := store.(interface{ SeedErr() error }); ok {
		if err := errored.SeedErr(); err != nil {
			return fmt.Errorf("storage: bootstrap: %w", err)
		}
	}
	return nil
}
