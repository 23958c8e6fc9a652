package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
)

func TestGetSite_NotFound(t *testing.T) {
	s := New()
	if _, err := s.GetSite(context.Background(), 99); err != storage.ErrNotFound {
		t.Errorf("GetSite() error = %v, want ErrNotFound", err)
	}
}

func TestListSites_SortedByID(t *testing.T) {
	s := New()
	s.SeedSite(models.Site{ID: 2, Name: "b"})
	s.SeedSite(models.Site{ID: 1, Name: "a"})

	sites, err := s.ListSites(context.Background())
	if err != nil {
		t.Fatalf("ListSites() error = %v", err)
	}
	if len(sites) != 2 || sites[0].ID != 1 || sites[1].ID != 2 {
		t.Errorf("ListSites() = %+v, want sorted by ID", sites)
	}
}

func TestParameterIDByKind(t *testing.T) {
	s := New()
	s.SeedParameter(models.Parameter{ID: 7, Name: models.ParameterWindSpeed})

	id, err := s.ParameterIDByKind(context.Background(), models.ParameterWindSpeed)
	if err != nil {
		t.Fatalf("ParameterIDByKind() error = %v", err)
	}
	if id != 7 {
		t.Errorf("ParameterIDByKind() = %d, want 7", id)
	}

	if _, err := s.ParameterIDByKind(context.Background(), models.ParameterTemperature); err != storage.ErrNotFound {
		t.Errorf("ParameterIDByKind() error = %v, want ErrNotFound", err)
	}
}

func TestUpsertForecasts_DedupsOnFiveTuple(t *testing.T) {
	s := New()
	run := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := run.Add(6 * time.Hour)
	point := models.ForecastPoint{SiteID: 1, ModelID: 1, ParameterID: 1, ForecastRun: run, ValidTime: valid, Value: decimal.NewFromInt(10)}

	result, err := s.UpsertForecasts(context.Background(), []models.ForecastPoint{point, point})
	if err != nil {
		t.Fatalf("UpsertForecasts() error = %v", err)
	}
	if result.Attempted != 2 || result.Inserted != 1 {
		t.Errorf("UpsertForecasts() = %+v, want Attempted=2 Inserted=1", result)
	}

	result2, err := s.UpsertForecasts(context.Background(), []models.ForecastPoint{point})
	if err != nil {
		t.Fatalf("UpsertForecasts() second call error = %v", err)
	}
	if result2.Inserted != 0 {
		t.Errorf("UpsertForecasts() repeat Inserted = %d, want 0", result2.Inserted)
	}
}

func TestUpsertObservations_DedupsOnFourTuple(t *testing.T) {
	s := New()
	obsTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	point := models.ObservationPoint{SiteID: 1, ParameterID: 1, ObservationTime: obsTime, Value: decimal.NewFromInt(5), SourceTag: "network_a"}

	result, err := s.UpsertObservations(context.Background(), []models.ObservationPoint{point, point})
	if err != nil {
		t.Fatalf("UpsertObservations() error = %v", err)
	}
	if result.Inserted != 1 {
		t.Errorf("UpsertObservations() Inserted = %d, want 1", result.Inserted)
	}

	// Different source tag is a distinct row.
	point2 := point
	point2.SourceTag = "network_b"
	result2, err := s.UpsertObservations(context.Background(), []models.ObservationPoint{point2})
	if err != nil {
		t.Fatalf("UpsertObservations() error = %v", err)
	}
	if result2.Inserted != 1 {
		t.Errorf("UpsertObservations() distinct source Inserted = %d, want 1", result2.Inserted)
	}
}

func TestForecastsInWindow_FiltersBySiteAndTime(t *testing.T) {
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.UpsertForecasts(context.Background(), []models.ForecastPoint{
		{SiteID: 1, ModelID: 1, ParameterID: 1, ForecastRun: base, ValidTime: base.Add(1 * time.Hour), Value: decimal.NewFromInt(1)},
		{SiteID: 1, ModelID: 1, ParameterID: 1, ForecastRun: base, ValidTime: base.Add(5 * time.Hour), Value: decimal.NewFromInt(2)},
		{SiteID: 2, ModelID: 1, ParameterID: 1, ForecastRun: base, ValidTime: base.Add(1 * time.Hour), Value: decimal.NewFromInt(3)},
	})

	got, err := s.ForecastsInWindow(context.Background(), 1, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ForecastsInWindow() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ForecastsInWindow() returned %d forecasts, want 1", len(got))
	}
	if got[0].SiteID != 1 {
		t.Errorf("ForecastsInWindow() SiteID = %d, want 1", got[0].SiteID)
	}
}

func TestInsertPairs_DedupsOnForecastObservation(t *testing.T) {
	s := New()
	pair := models.Pair{ForecastID: 1, ObservationID: 1, SiteID: 1}

	if err := s.InsertPairs(context.Background(), []models.Pair{pair, pair}); err != nil {
		t.Fatalf("InsertPairs() error = %v", err)
	}

	keys, err := s.ExistingPairKeys(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExistingPairKeys() error = %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("ExistingPairKeys() = %v, want 1 entry", keys)
	}
}

func TestUnprocessedPairs_ExcludesProcessed(t *testing.T) {
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.InsertPairs(context.Background(), []models.Pair{
		{ForecastID: 1, ObservationID: 1, SiteID: 1, ValidTime: base},
		{ForecastID: 2, ObservationID: 2, SiteID: 1, ValidTime: base.Add(time.Hour)},
	})

	pairs, err := s.UnprocessedPairs(context.Background(), 1, base.Add(-time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("UnprocessedPairs() error = %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("UnprocessedPairs() = %d pairs, want 2", len(pairs))
	}

	if err := s.InsertDeviations(context.Background(), nil, []int64{pairs[0].ID}); err != nil {
		t.Fatalf("InsertDeviations() error = %v", err)
	}

	remaining, err := s.UnprocessedPairs(context.Background(), 1, base.Add(-time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("UnprocessedPairs() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("UnprocessedPairs() after processing = %d, want 1", len(remaining))
	}
}

func TestUpsertAccuracyMetric_OverwritesSameCell(t *testing.T) {
	s := New()
	metric := models.AccuracyMetric{ModelID: 1, SiteID: 1, ParameterID: 1, HorizonHours: 6, SampleSize: 10}
	if err := s.UpsertAccuracyMetric(context.Background(), metric); err != nil {
		t.Fatalf("UpsertAccuracyMetric() error = %v", err)
	}
	metric.SampleSize = 20
	if err := s.UpsertAccuracyMetric(context.Background(), metric); err != nil {
		t.Fatalf("UpsertAccuracyMetric() error = %v", err)
	}

	got, ok := s.GetAccuracyMetric(1, 1, 1, 6)
	if !ok {
		t.Fatal("GetAccuracyMetric() not found")
	}
	if got.SampleSize != 20 {
		t.Errorf("GetAccuracyMetric() SampleSize = %d, want 20 (overwritten)", got.SampleSize)
	}
}

func TestRecentExecutionLogs_FiltersByJobAndOrdersNewestFirst(t *testing.T) {
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.InsertExecutionLog(context.Background(), models.ExecutionLog{ID: "1", JobID: "forecast_collection", Start: base})
	s.InsertExecutionLog(context.Background(), models.ExecutionLog{ID: "2", JobID: "observation_collection", Start: base})
	s.InsertExecutionLog(context.Background(), models.ExecutionLog{ID: "3", JobID: "forecast_collection", Start: base.Add(time.Hour)})

	logs, err := s.RecentExecutionLogs(context.Background(), "forecast_collection", 10)
	if err != nil {
		t.Fatalf("RecentExecutionLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("RecentExecutionLogs() = %d logs, want 2", len(logs))
	}
	if logs[0].ID != "3" {
		t.Errorf("RecentExecutionLogs()[0].ID = %q, want 3 (newest first)", logs[0].ID)
	}
}
