// Package refdata caches Site, Model, and Parameter reference rows so
// scheduler jobs and collectors avoid a database round trip per site per
// run. Reference data changes only by admin action or Bootstrap, so a
// periodic refresh is sufficient; there is no invalidation path.
package refdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
)

// Cache holds the most recently warmed reference data snapshot.
type Cache struct {
	mu sync.RWMutex

	store  storage.ReferenceStore
	logger *zap.Logger

	sites      []models.Site
	modelsByID map[int64]models.Model
	paramByKind map[models.ParameterKind]int64
	loaded     bool
}

// New creates a Cache backed by store. Call Warm before first use, or rely
// on Sites/ParameterID lazily falling back to the store on a cold cache.
func New(store storage.ReferenceStore, logger *zap.Logger) *Cache {
	return &Cache{store: store, logger: logger, modelsByID: make(map[int64]models.Model), paramByKind: make(map[models.ParameterKind]int64)}
}

// Warm loads sites, models, and parameters from the store concurrently and
// populates the cache. Any single load failing aborts the warm and leaves
// the previous snapshot, if any, intact.
func (c *Cache) Warm(ctx context.Context) error {
	start := time.Now()
	var wg sync.WaitGroup
	var sites []models.Site
	var ms []models.Model
	var params []models.Parameter
	var siteErr, modelErr, paramErr error

	wg.Add(3)
	go func() { defer wg.Done(); sites, siteErr = c.store.ListSites(ctx) }()
	go func() { defer wg.Done(); ms, modelErr = c.store.ListModels(ctx) }()
	go func() { defer wg.Done(); params, paramErr = c.store.ListParameters(ctx) }()
	wg.Wait()

	if siteErr != nil {
		return fmt.Errorf("refdata: warm sites: %w", siteErr)
	}
	if modelErr != nil {
		return fmt.Errorf("refdata: warm models: %w", modelErr)
	}
	if paramErr != nil {
		return fmt.Errorf("refdata: warm parameters: %w", paramErr)
	}

	modelsByID := make(map[int64]models.Model, len(ms))
	for _, m := range ms {
		modelsByID[m.ID] = m
	}
	paramByKind := make(map[models.ParameterKind]int64, len(params))
	for _, p := range params {
		paramByKind[p.Name] = p.ID
	}

	c.mu.Lock()
	c.sites = sites
	c.modelsByID = modelsByID
	c.paramByKind = paramByKind
	c.loaded = true
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("reference data warmed",
			zap.Int("sites", len(sites)), zap.Int("models", len(ms)), zap.Int("parameters", len(params)),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at interval until ctx is
// done.
func (c *Cache) WarmPeriodic(ctx context.Context, interval time.Duration) {
	if err := c.Warm(ctx); err != nil && c.logger != nil {
		c.logger.Warn("initial reference data warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Warm(ctx); err != nil && c.logger != nil {
				c.logger.Warn("periodic reference data warm failed", zap.Error(err))
			}
		}
	}
}

// Sites returns the cached site list, falling back to the store if the
// cache was never warmed.
func (c *Cache) Sites(ctx context.Context) ([]models.Site, error) {
	c.mu.RLock()
	loaded := c.loaded
	sites := c.sites
	c.mu.RUnlock()
	if loaded {
		return sites, nil
	}
	return c.store.ListSites(ctx)
}

// ParameterID resolves a kind to its storage id from the cache, falling
// back to the store on a cold cache or unknown kind.
func (c *Cache) ParameterID(ctx context.Context, kind models.ParameterKind) (int64, error) {
	c.mu.RLock()
	id, ok := c.paramByKind[kind]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	return c.store.ParameterIDByKind(ctx, kind)
}

// Model returns the cached Model by id, falling back to the store on a cold
// cache.
func (c *Cache) Model(ctx context.Context, id int64) (models.Model, error) {
	c.mu.RLock()
	m, ok := c.modelsByID[id]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	models_, err := c.store.ListModels(ctx)
	if err != nil {
		return models.Model{}, err
	}
	for _, candidate := range models_ {
		if candidate.ID == id {
			return candidate, nil
		}
	}
	return models.Model{}, storage.ErrNotFound
}
