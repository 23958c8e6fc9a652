// Package storage defines the abstract persistence contract the core
// consumes (§6): reference data, staging upserts, pairs, deviations,
// accuracy metrics, and the execution log. Any store satisfying this
// contract suffices; internal/storage/postgres and internal/storage/memory
// are two implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
)

// ErrNotFound is returned when a lookup finds nothing, distinguishing
// "no data" from a zero-valued result (§7).
var ErrNotFound = errors.New("not found")

// UpsertResult reports the batch-upsert-or-ignore counts for staging writes
// (§4.4).
type UpsertResult struct {
	Attempted int
	Inserted  int
}

// ReferenceStore reads the reference entities a job or collector needs.
// Reference data is mutated only by admin action or Bootstrap; the core
// only reads it.
type ReferenceStore interface {
	ListSites(ctx context.Context) ([]models.Site, error)
	GetSite(ctx context.Context, id int64) (models.Site, error)
	ListModels(ctx context.Context) ([]models.Model, error)
	ListParameters(ctx context.Context) ([]models.Parameter, error)
	// ParameterIDByKind resolves a kind to its storage id. Returns
	// ErrNotFound if no Parameter row of that kind exists.
	ParameterIDByKind(ctx context.Context, kind models.ParameterKind) (int64, error)
}

// StagingStore persists raw collector output idempotently (§4.4).
type StagingStore interface {
	// UpsertForecasts inserts points, skipping any whose 5-tuple already
	// exists. Errors roll back the entire batch.
	UpsertForecasts(ctx context.Context, points []models.ForecastPoint) (UpsertResult, error)
	// UpsertObservations inserts points, skipping any whose 4-tuple already
	// exists.
	UpsertObservations(ctx context.Context, points []models.ObservationPoint) (UpsertResult, error)
}

// MatchingStore supports the matcher's two bulk loads and pair persistence
// (§4.5).
type MatchingStore interface {
	ForecastsInWindow(ctx context.Context, siteID int64, start, end time.Time) ([]models.Forecast, error)
	ObservationsInWindow(ctx context.Context, siteID int64, start, end time.Time) ([]models.Observation, error)
	// ExistingPairKeys returns the (forecast_id, observation_id) pairs
	// already recorded for siteID, for the matcher's pre-insert dedup check.
	ExistingPairKeys(ctx context.Context, siteID int64) (map[[2]int64]struct{}, error)
	// InsertPairs flushes a batch of pairs, ignoring ones that violate the
	// unique constraint (safety net, not control flow).
	InsertPairs(ctx context.Context, pairs []models.Pair) error
}

// DeviationStore supports the deviation engine (§4.6).
type DeviationStore interface {
	// UnprocessedPairs returns pairs for siteID with ValidTime in
	// [start, end] and ProcessedAt == nil, oldest first.
	UnprocessedPairs(ctx context.Context, siteID int64, start, end time.Time) ([]models.Pair, error)
	ParameterName(ctx context.Context, parameterID int64) (models.ParameterKind, error)
	// InsertDeviations flushes a batch of deviations and stamps the source
	// pairs' ProcessedAt in the same transaction.
	InsertDeviations(ctx context.Context, deviations []models.Deviation, processedPairIDs []int64) error
}

// MetricsStore supports the accuracy-metrics engine (§4.7).
type MetricsStore interface {
	// DeviationsForCell returns every Deviation for the (model, site,
	// parameter, horizon) cell.
	DeviationsForCell(ctx context.Context, modelID, siteID, parameterID int64, horizonHours int) ([]models.Deviation, error)
	UpsertAccuracyMetric(ctx context.Context, metric models.AccuracyMetric) error
	// RefreshRollups recomputes the optional pre-aggregated time buckets
	// (§4.7). A no-op for stores without rollups.
	RefreshRollups(ctx context.Context) error
}

// ExecutionLogStore records per-job observability rows (§6).
type ExecutionLogStore interface {
	InsertExecutionLog(ctx context.Context, log models.ExecutionLog) error
	RecentExecutionLogs(ctx context.Context, jobID string, limit int) ([]models.ExecutionLog, error)
}

// Store is the full contract a concrete adapter implements.
type Store interface {
	ReferenceStore
	StagingStore
	MatchingStore
	DeviationStore
	MetricsStore
	ExecutionLogStore
}

// Seeder writes reference rows. It is separate from ReferenceStore because
// the core never seeds reference data itself; only Bootstrap does. Signatures
// deliberately mirror the in-memory store's test-seeding helpers: Bootstrap
// is a best-effort one-shot, not a transactional migration, so a seed error
// is reported once at the end rather than per row.
type Seeder interface {
	SeedSite(site models.Site)
	SeedModel(model models.Model)
	SeedParameter(parameter models.Parameter)
}
