// Package postgres is the pgx-backed reference implementation of
// storage.Store (§6). It favors simple, explicit SQL over an ORM, batching
// writes with pgx.Batch where the caller already hands over a slice.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
)

// Config configures the connection pool.
type Config struct {
	DatabaseURL string
	MinConns    int32
	MaxConns    int32
}

// Store is a pgxpool-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	seedErr error // last Seed* failure, surfaced by Bootstrap's caller via SeedErr
}

// Connect opens a pool and verifies connectivity with a ping.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool. Safe to call once after Connect succeeds.
func (s *Store) Close() {
	s.pool.Close()
}

var _ storage.Store = (*Store)(nil)
var _ storage.Seeder = (*Store)(nil)

// SeedSite implements storage.Seeder with an upsert-on-id. Errors are
// recorded rather than returned (Bootstrap is best-effort); check SeedErr
// after a Bootstrap run.
func (s *Store) SeedSite(site models.Site) {
	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO sites (id, name, latitude, longitude, altitude, beacon_ids, backup_beacon_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
			altitude = EXCLUDED.altitude, beacon_ids = EXCLUDED.beacon_ids, backup_beacon_ids = EXCLUDED.backup_beacon_ids`,
		site.ID, site.Name, site.Latitude, site.Longitude, site.Altitude, site.BeaconIDs, site.BackupBeaconIDs)
	s.recordSeedErr(err, "site")
}

// SeedModel implements storage.Seeder.
func (s *Store) SeedModel(m models.Model) {
	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO models (id, name, origin) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, origin = EXCLUDED.origin`,
		m.ID, m.Name, m.Origin)
	s.recordSeedErr(err, "model")
}

// SeedParameter implements storage.Seeder.
func (s *Store) SeedParameter(p models.Parameter) {
	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO parameters (id, name, unit) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, unit = EXCLUDED.unit`,
		p.ID, string(p.Name), p.Unit)
	s.recordSeedErr(err, "parameter")
}

func (s *Store) recordSeedErr(err error, kind string) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedErr = fmt.Errorf("postgres: seed %s: %w", kind, err)
}

// SeedErr returns the most recent Seed* failure, if any, clearing it.
func (s *Store) SeedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.seedErr
	s.seedErr = nil
	return err
}

// ListSites implements storage.ReferenceStore.
func (s *Store) ListSites(ctx context.Context) ([]models.Site, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, latitude, longitude, altitude, beacon_ids, backup_beacon_ids
		FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sites: %w", err)
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// GetSite implements storage.ReferenceStore.
func (s *Store) GetSite(ctx context.Context, id int64) (models.Site, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, latitude, longitude, altitude, beacon_ids, backup_beacon_ids
		FROM sites WHERE id = $1`, id)
	if err != nil {
		return models.Site{}, fmt.Errorf("postgres: get site: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return models.Site{}, fmt.Errorf("postgres: site %d: %w", id, storage.ErrNotFound)
	}
	site, err := scanSite(rows)
	if err != nil {
		return models.Site{}, fmt.Errorf("postgres: scan site: %w", err)
	}
	return site, nil
}

func scanSite(rows pgx.Rows) (models.Site, error) {
	var site models.Site
	var beaconIDs, backupBeaconIDs map[string]int
	if err := rows.Scan(&site.ID, &site.Name, &site.Latitude, &site.Longitude, &site.Altitude, &beaconIDs, &backupBeaconIDs); err != nil {
		return models.Site{}, err
	}
	site.BeaconIDs = beaconIDs
	site.BackupBeaconIDs = backupBeaconIDs
	return site, nil
}

// ListModels implements storage.ReferenceStore.
func (s *Store) ListModels(ctx context.Context) ([]models.Model, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, origin FROM models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list models: %w", err)
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		var m models.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.Origin); err != nil {
			return nil, fmt.Errorf("postgres: scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListParameters implements storage.ReferenceStore.
func (s *Store) ListParameters(ctx context.Context) ([]models.Parameter, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, unit FROM parameters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list parameters: %w", err)
	}
	defer rows.Close()

	var out []models.Parameter
	for rows.Next() {
		var p models.Parameter
		var kind string
		if err := rows.Scan(&p.ID, &kind, &p.Unit); err != nil {
			return nil, fmt.Errorf("postgres: scan parameter: %w", err)
		}
		p.Name = models.ParameterKind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ParameterIDByKind implements storage.ReferenceStore.
func (s *Store) ParameterIDByKind(ctx context.Context, kind models.ParameterKind) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM parameters WHERE name = $1`, string(kind)).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("postgres: parameter %q: %w", kind, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: parameter by kind: %w", err)
	}
	return id, nil
}

// UpsertForecasts implements storage.StagingStore, inserting on the
// (site_id, model_id, parameter_id, forecast_run, valid_time) unique
// constraint and ignoring conflicts.
func (s *Store) UpsertForecasts(ctx context.Context, points []models.ForecastPoint) (storage.UpsertResult, error) {
	if len(points) == 0 {
		return storage.UpsertResult{}, nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(`
			INSERT INTO forecasts (site_id, model_id, parameter_id, forecast_run, valid_time, value)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (site_id, model_id, parameter_id, forecast_run, valid_time) DO NOTHING`,
			p.SiteID, p.ModelID, p.ParameterID, p.ForecastRun, p.ValidTime, p.Value)
	}
	return s.runUpsertBatch(ctx, batch, len(points))
}

// UpsertObservations implements storage.StagingStore, inserting on the
// (site_id, parameter_id, observation_time, source_tag) unique constraint.
func (s *Store) UpsertObservations(ctx context.Context, points []models.ObservationPoint) (storage.UpsertResult, error) {
	if len(points) == 0 {
		return storage.UpsertResult{}, nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(`
			INSERT INTO observations (site_id, parameter_id, observation_time, value, source_tag)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (site_id, parameter_id, observation_time, source_tag) DO NOTHING`,
			p.SiteID, p.ParameterID, p.ObservationTime, p.Value, p.SourceTag)
	}
	return s.runUpsertBatch(ctx, batch, len(points))
}

func (s *Store) runUpsertBatch(ctx context.Context, batch *pgx.Batch, attempted int) (storage.UpsertResult, error) {
	result := storage.UpsertResult{Attempted: attempted}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < attempted; i++ {
		tag, err := br.Exec()
		if err != nil {
			return storage.UpsertResult{}, fmt.Errorf("postgres: upsert batch item %d: %w", i, err)
		}
		result.Inserted += int(tag.RowsAffected())
	}
	return result, nil
}

// ForecastsInWindow implements storage.MatchingStore.
func (s *Store) ForecastsInWindow(ctx context.Context, siteID int64, start, end time.Time) ([]models.Forecast, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, model_id, parameter_id, forecast_run, valid_time, value
		FROM forecasts
		WHERE site_id = $1 AND valid_time BETWEEN $2 AND $3
		ORDER BY valid_time`, siteID, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: forecasts in window: %w", err)
	}
	defer rows.Close()

	var out []models.Forecast
	for rows.Next() {
		var f models.Forecast
		if err := rows.Scan(&f.ID, &f.SiteID, &f.ModelID, &f.ParameterID, &f.ForecastRun, &f.ValidTime, &f.Value); err != nil {
			return nil, fmt.Errorf("postgres: scan forecast: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ObservationsInWindow implements storage.MatchingStore.
func (s *Store) ObservationsInWindow(ctx context.Context, siteID int64, start, end time.Time) ([]models.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, parameter_id, observation_time, value, source_tag
		FROM observations
		WHERE site_id = $1 AND observation_time BETWEEN $2 AND $3
		ORDER BY observation_time`, siteID, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: observations in window: %w", err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		if err := rows.Scan(&o.ID, &o.SiteID, &o.ParameterID, &o.ObservationTime, &o.Value, &o.SourceTag); err != nil {
			return nil, fmt.Errorf("postgres: scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ExistingPairKeys implements storage.MatchingStore.
func (s *Store) ExistingPairKeys(ctx context.Context, siteID int64) (map[[2]int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT forecast_id, observation_id FROM pairs WHERE site_id = $1`, siteID)
	if err != nil {
		return nil, fmt.Errorf("postgres: existing pair keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[[2]int64]struct{})
	for rows.Next() {
		var forecastID, observationID int64
		if err := rows.Scan(&forecastID, &observationID); err != nil {
			return nil, fmt.Errorf("postgres: scan pair key: %w", err)
		}
		keys[[2]int64{forecastID, observationID}] = struct{}{}
	}
	return keys, rows.Err()
}

// InsertPairs implements storage.MatchingStore.
func (s *Store) InsertPairs(ctx context.Context, pairs []models.Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range pairs {
		batch.Queue(`
			INSERT INTO pairs (forecast_id, observation_id, site_id, model_id, parameter_id,
				forecast_run, valid_time, horizon_hours, forecast_value, observed_value, time_diff_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (forecast_id, observation_id) DO NOTHING`,
			p.ForecastID, p.ObservationID, p.SiteID, p.ModelID, p.ParameterID,
			p.ForecastRun, p.ValidTime, p.HorizonHours, p.ForecastValue, p.ObservedValue, p.TimeDiffMinutes)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range pairs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert pair %d: %w", i, err)
		}
	}
	return nil
}

// UnprocessedPairs implements storage.DeviationStore.
func (s *Store) UnprocessedPairs(ctx context.Context, siteID int64, start, end time.Time) ([]models.Pair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, forecast_id, observation_id, site_id, model_id, parameter_id,
			forecast_run, valid_time, horizon_hours, forecast_value, observed_value, time_diff_minutes, processed_at
		FROM pairs
		WHERE site_id = $1 AND valid_time BETWEEN $2 AND $3 AND processed_at IS NULL
		ORDER BY valid_time`, siteID, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: unprocessed pairs: %w", err)
	}
	defer rows.Close()

	var out []models.Pair
	for rows.Next() {
		var p models.Pair
		if err := rows.Scan(&p.ID, &p.ForecastID, &p.ObservationID, &p.SiteID, &p.ModelID, &p.ParameterID,
			&p.ForecastRun, &p.ValidTime, &p.HorizonHours, &p.ForecastValue, &p.ObservedValue, &p.TimeDiffMinutes, &p.ProcessedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ParameterName implements storage.DeviationStore.
func (s *Store) ParameterName(ctx context.Context, parameterID int64) (models.ParameterKind, error) {
	var kind string
	err := s.pool.QueryRow(ctx, `SELECT name FROM parameters WHERE id = $1`, parameterID).Scan(&kind)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("postgres: parameter %d: %w", parameterID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: parameter name: %w", err)
	}
	return models.ParameterKind(kind), nil
}

// InsertDeviations implements storage.DeviationStore: flushes the batch and
// stamps processedPairIDs' processed_at in one transaction.
func (s *Store) InsertDeviations(ctx context.Context, deviations []models.Deviation, processedPairIDs []int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin deviation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, d := range deviations {
		batch.Queue(`
			INSERT INTO deviations (ts, site_id, model_id, parameter_id, horizon_hours,
				forecast_value, observed_value, deviation, outlier)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			d.Timestamp, d.SiteID, d.ModelID, d.ParameterID, d.HorizonHours,
			d.ForecastValue, d.ObservedValue, d.Deviation, d.Outlier)
	}
	br := tx.SendBatch(ctx, batch)
	for i := range deviations {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("postgres: insert deviation %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close deviation batch: %w", err)
	}

	if len(processedPairIDs) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE pairs SET processed_at = now() WHERE id = ANY($1)`, processedPairIDs); err != nil {
			return fmt.Errorf("postgres: stamp processed pairs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit deviation tx: %w", err)
	}
	return nil
}

// DeviationsForCell implements storage.MetricsStore.
func (s *Store) DeviationsForCell(ctx context.Context, modelID, siteID, parameterID int64, horizonHours int) ([]models.Deviation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, site_id, model_id, parameter_id, horizon_hours, forecast_value, observed_value, deviation, outlier
		FROM deviations
		WHERE model_id = $1 AND site_id = $2 AND parameter_id = $3 AND horizon_hours = $4
		ORDER BY ts`, modelID, siteID, parameterID, horizonHours)
	if err != nil {
		return nil, fmt.Errorf("postgres: deviations for cell: %w", err)
	}
	defer rows.Close()

	var out []models.Deviation
	for rows.Next() {
		var d models.Deviation
		if err := rows.Scan(&d.Timestamp, &d.SiteID, &d.ModelID, &d.ParameterID, &d.HorizonHours,
			&d.ForecastValue, &d.ObservedValue, &d.Deviation, &d.Outlier); err != nil {
			return nil, fmt.Errorf("postgres: scan deviation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertAccuracyMetric implements storage.MetricsStore, overwriting the row
// for the (model, site, parameter, horizon) cell.
func (s *Store) UpsertAccuracyMetric(ctx context.Context, metric models.AccuracyMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accuracy_metrics (model_id, site_id, parameter_id, horizon_hours,
			mae, bias, std_dev, sample_size, confidence_level, confidence_msg,
			ci_lower, ci_upper, min_deviation, max_deviation, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (model_id, site_id, parameter_id, horizon_hours) DO UPDATE SET
			mae = EXCLUDED.mae, bias = EXCLUDED.bias, std_dev = EXCLUDED.std_dev,
			sample_size = EXCLUDED.sample_size, confidence_level = EXCLUDED.confidence_level,
			confidence_msg = EXCLUDED.confidence_msg, ci_lower = EXCLUDED.ci_lower,
			ci_upper = EXCLUDED.ci_upper, min_deviation = EXCLUDED.min_deviation,
			max_deviation = EXCLUDED.max_deviation, calculated_at = EXCLUDED.calculated_at`,
		metric.ModelID, metric.SiteID, metric.ParameterID, metric.HorizonHours,
		metric.MAE, metric.Bias, metric.StdDev, metric.SampleSize, string(metric.ConfidenceLevel), metric.ConfidenceMsg,
		metric.CILower, metric.CIUpper, metric.MinDeviation, metric.MaxDeviation, metric.CalculatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert accuracy metric: %w", err)
	}
	return nil
}

// RefreshRollups implements storage.MetricsStore by refreshing the optional
// pre-aggregated materialized view, tolerating its absence on a fresh schema.
func (s *Store) RefreshRollups(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY accuracy_metrics_daily`)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" { // undefined_table: no rollup view
			return nil
		}
		return fmt.Errorf("postgres: refresh rollups: %w", err)
	}
	return nil
}

// InsertExecutionLog implements storage.ExecutionLogStore.
func (s *Store) InsertExecutionLog(ctx context.Context, log models.ExecutionLog) error {
	errsJSON, err := encodeErrors(log.Errors)
	if err != nil {
		return fmt.Errorf("postgres: encode execution log errors: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_logs (id, job_id, started_at, ended_at, duration_ms, status,
			records_collected, records_persisted, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.JobID, log.Start, log.End, log.Duration.Milliseconds(), string(log.Status),
		log.RecordsCollected, log.RecordsPersisted, errsJSON)
	if err != nil {
		return fmt.Errorf("postgres: insert execution log: %w", err)
	}
	return nil
}

// RecentExecutionLogs implements storage.ExecutionLogStore.
func (s *Store) RecentExecutionLogs(ctx context.Context, jobID string, limit int) ([]models.ExecutionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, started_at, ended_at, duration_ms, status, records_collected, records_persisted, errors
		FROM execution_logs
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent execution logs: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionLog
	for rows.Next() {
		var log models.ExecutionLog
		var status string
		var durationMS int64
		var errsJSON []byte
		if err := rows.Scan(&log.ID, &log.JobID, &log.Start, &log.End, &durationMS, &status,
			&log.RecordsCollected, &log.RecordsPersisted, &errsJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan execution log: %w", err)
		}
		log.Status = models.ExecutionStatus(status)
		log.Duration = time.Duration(durationMS) * time.Millisecond
		errs, err := decodeErrors(errsJSON)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode execution log errors: %w", err)
		}
		log.Errors = errs
		out = append(out, log)
	}
	return out, rows.Err()
}
