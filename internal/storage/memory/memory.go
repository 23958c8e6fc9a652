// Package memory is an in-memory reference implementation of
// internal/storage.Store, used by unit tests for the matching, deviation,
// and metrics engines without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
)

// Store is a mutex-guarded in-memory Store.
type Store struct {
	mu sync.Mutex

	sites      map[int64]models.Site
	models_    map[int64]models.Model
	parameters map[int64]models.Parameter

	forecasts    map[int64]models.Forecast
	observations map[int64]models.Observation
	pairs        map[int64]models.Pair
	deviations   []models.Deviation
	metrics      map[[4]int64]models.AccuracyMetric
	execLogs     []models.ExecutionLog

	nextForecastID    int64
	nextObservationID int64
	nextPairID        int64

	forecastKeys    map[[5]int64]struct{}
	observationKeys map[observationKey]struct{}
}

type observationKey struct {
	siteID, parameterID int64
	observationTime     int64
	sourceTag           string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sites:           make(map[int64]models.Site),
		models_:         make(map[int64]models.Model),
		parameters:      make(map[int64]models.Parameter),
		forecasts:       make(map[int64]models.Forecast),
		observations:    make(map[int64]models.Observation),
		pairs:           make(map[int64]models.Pair),
		metrics:         make(map[[4]int64]models.AccuracyMetric),
		forecastKeys:    make(map[[5]int64]struct{}),
		observationKeys: make(map[observationKey]struct{}),
	}
}

// SeedSite adds or replaces a Site, for test setup and Bootstrap.
func (s *Store) SeedSite(site models.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = site
}

// SeedModel adds or replaces a Model.
func (s *Store) SeedModel(m models.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models_[m.ID] = m
}

// SeedParameter adds or replaces a Parameter.
func (s *Store) SeedParameter(p models.Parameter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parameters[p.ID] = p
}

func (s *Store) ListSites(ctx context.Context) ([]models.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetSite(ctx context.Context, id int64) (models.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return models.Site{}, storage.ErrNotFound
	}
	return site, nil
}

func (s *Store) ListModels(ctx context.Context) ([]models.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Model, 0, len(s.models_))
	for _, m := range s.models_ {
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ListParameters(ctx context.Context) ([]models.Parameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Parameter, 0, len(s.parameters))
	for _, p := range s.parameters {
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) ParameterIDByKind(ctx context.Context, kind models.ParameterKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parameters {
		if p.Name == kind {
			return p.ID, nil
		}
	}
	return 0, storage.ErrNotFound
}

func (s *Store) UpsertForecasts(ctx context.Context, points []models.ForecastPoint) (storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := storage.UpsertResult{Attempted: len(points)}
	for _, p := range points {
		key := [5]int64{p.SiteID, p.ModelID, p.ParameterID, p.ForecastRun.Unix(), p.ValidTime.Unix()}
		if _, exists := s.forecastKeys[key]; exists {
			continue
		}
		s.forecastKeys[key] = struct{}{}
		s.nextForecastID++
		s.forecasts[s.nextForecastID] = models.Forecast{
			ID: s.nextForecastID, SiteID: p.SiteID, ModelID: p.ModelID, ParameterID: p.ParameterID,
			ForecastRun: p.ForecastRun, ValidTime: p.ValidTime, Value: p.Value,
		}
		result.Inserted++
	}
	return result, nil
}

func (s *Store) UpsertObservations(ctx context.Context, points []models.ObservationPoint) (storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := storage.UpsertResult{Attempted: len(points)}
	for _, p := range points {
		key := observationKey{p.SiteID, p.ParameterID, p.ObservationTime.Unix(), p.SourceTag}
		if _, exists := s.observationKeys[key]; exists {
			continue
		}
		s.observationKeys[key] = struct{}{}
		s.nextObservationID++
		s.observations[s.nextObservationID] = models.Observation{
			ID: s.nextObservationID, SiteID: p.SiteID, ParameterID: p.ParameterID,
			ObservationTime: p.ObservationTime, Value: p.Value, SourceTag: p.SourceTag,
		}
		result.Inserted++
	}
	return result, nil
}

func (s *Store) ForecastsInWindow(ctx context.Context, siteID int64, start, end time.Time) ([]models.Forecast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Forecast
	for _, f := range s.forecasts {
		if f.SiteID != siteID {
			continue
		}
		if f.ValidTime.Before(start) || f.ValidTime.After(end) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ObservationsInWindow(ctx context.Context, siteID int64, start, end time.Time) ([]models.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Observation
	for _, o := range s.observations {
		if o.SiteID != siteID {
			continue
		}
		if o.ObservationTime.Before(start) || o.ObservationTime.After(end) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ExistingPairKeys(ctx context.Context, siteID int64) (map[[2]int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[[2]int64]struct{})
	for _, p := range s.pairs {
		if p.SiteID != siteID {
			continue
		}
		out[[2]int64{p.ForecastID, p.ObservationID}] = struct{}{}
	}
	return out, nil
}

func (s *Store) InsertPairs(ctx context.Context, pairs []models.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[[2]int64]struct{}, len(s.pairs))
	for _, p := range s.pairs {
		existing[[2]int64{p.ForecastID, p.ObservationID}] = struct{}{}
	}
	for _, p := range pairs {
		key := [2]int64{p.ForecastID, p.ObservationID}
		if _, exists := existing[key]; exists {
			continue
		}
		existing[key] = struct{}{}
		s.nextPairID++
		p.ID = s.nextPairID
		s.pairs[p.ID] = p
	}
	return nil
}

func (s *Store) UnprocessedPairs(ctx context.Context, siteID int64, start, end time.Time) ([]models.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Pair
	for _, p := range s.pairs {
		if p.SiteID != siteID || p.ProcessedAt != nil {
			continue
		}
		if p.ValidTime.Before(start) || p.ValidTime.After(end) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidTime.Before(out[j].ValidTime) })
	return out, nil
}

func (s *Store) ParameterName(ctx context.Context, parameterID int64) (models.ParameterKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parameters[parameterID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return p.Name, nil
}

func (s *Store) InsertDeviations(ctx context.Context, deviations []models.Deviation, processedPairIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.deviations = append(s.deviations, deviations...)
	for _, id := range processedPairIDs {
		p, ok := s.pairs[id]
		if !ok {
			continue
		}
		t := now
		p.ProcessedAt = &t
		s.pairs[id] = p
	}
	return nil
}

func (s *Store) DeviationsForCell(ctx context.Context, modelID, siteID, parameterID int64, horizonHours int) ([]models.Deviation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Deviation
	for _, d := range s.deviations {
		if d.ModelID == modelID && d.SiteID == siteID && d.ParameterID == parameterID && d.HorizonHours == horizonHours {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) UpsertAccuracyMetric(ctx context.Context, metric models.AccuracyMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [4]int64{metric.ModelID, metric.SiteID, metric.ParameterID, int64(metric.HorizonHours)}
	s.metrics[key] = metric
	return nil
}

func (s *Store) GetAccuracyMetric(modelID, siteID, parameterID int64, horizonHours int) (models.AccuracyMetric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[[4]int64{modelID, siteID, parameterID, int64(horizonHours)}]
	return m, ok
}

func (s *Store) RefreshRollups(ctx context.Context) error {
	return nil
}

func (s *Store) InsertExecutionLog(ctx context.Context, log models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execLogs = append(s.execLogs, log)
	return nil
}

func (s *Store) RecentExecutionLogs(ctx context.Context, jobID string, limit int) ([]models.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExecutionLog
	for i := len(s.execLogs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.execLogs[i].JobID == jobID {
			out = append(out, s.execLogs[i])
		}
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
var _ storage.Seeder = (*Store)(nil)
