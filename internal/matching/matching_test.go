package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/storage/memory"
)

func seedForecast(s *memory.Store, siteID, modelID, parameterID int64, run, valid time.Time, value float64) {
	s.UpsertForecasts(context.Background(), []models.ForecastPoint{
		{SiteID: siteID, ModelID: modelID, ParameterID: parameterID, ForecastRun: run, ValidTime: valid, Value: decimal.NewFromFloat(value)},
	})
}

func seedObservation(s *memory.Store, siteID, parameterID int64, obsTime time.Time, value float64, tag string) {
	s.UpsertObservations(context.Background(), []models.ObservationPoint{
		{SiteID: siteID, ParameterID: parameterID, ObservationTime: obsTime, Value: decimal.NewFromFloat(value), SourceTag: tag},
	})
}

func TestRun_MatchesNearestWithinTolerance(t *testing.T) {
	store := memory.New()
	run := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := run.Add(6 * time.Hour)
	seedForecast(store, 1, 1, 1, run, valid, 10)
	seedObservation(store, 1, 1, valid.Add(10*time.Minute), 12, "network_a")
	seedObservation(store, 1, 1, valid.Add(25*time.Minute), 13, "network_a")

	engine := New(store, 30*time.Minute, nil)
	result, err := engine.Run(context.Background(), 1, valid.Add(-time.Hour), valid.Add(time.Hour))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.PairsCreated != 1 {
		t.Fatalf("PairsCreated = %d, want 1", result.PairsCreated)
	}

	pairs, err := store.UnprocessedPairs(context.Background(), 1, valid.Add(-time.Hour), valid.Add(time.Hour))
	if err != nil {
		t.Fatalf("UnprocessedPairs() error = %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected 1 stored pair, got %d", len(pairs))
	}
	if pairs[0].TimeDiffMinutes != 10 {
		t.Errorf("TimeDiffMinutes = %d, want 10 (nearest candidate)", pairs[0].TimeDiffMinutes)
	}
}

func TestRun_OutOfToleranceIsUnmatched(t *testing.T) {
	store := memory.New()
	run := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := run.Add(6 * time.Hour)
	seedForecast(store, 1, 1, 1, run, valid, 10)
	seedObservation(store, 1, 1, valid.Add(45*time.Minute), 12, "network_a")

	engine := New(store, 30*time.Minute, nil)
	result, err := engine.Run(context.Background(), 1, valid.Add(-time.Hour), valid.Add(time.Hour))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.PairsCreated != 0 || result.Unmatched != 1 {
		t.Errorf("Run() = %+v, want 0 pairs / 1 unmatched", result)
	}
}

func TestRun_TieBrokenByEarliestObservation(t *testing.T) {
	store := memory.New()
	run := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := run.Add(6 * time.Hour)
	seedForecast(store, 1, 1, 1, run, valid, 10)
	seedObservation(store, 1, 1, valid.Add(10*time.Minute), 20, "network_a")
	seedObservation(store, 1, 1, valid.Add(-10*time.Minute), 21, "network_a")

	engine := New(store, 30*time.Minute, nil)
	if _, err := engine.Run(context.Background(), 1, valid.Add(-time.Hour), valid.Add(time.Hour)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	pairs, _ := store.UnprocessedPairs(context.Background(), 1, valid.Add(-time.Hour), valid.Add(time.Hour))
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
	if !pairs[0].ObservedValue.Equal(decimal.NewFromFloat(21)) {
		t.Errorf("ObservedValue = %v, want 21 (earliest observation on tie)", pairs[0].ObservedValue)
	}
}

func TestRun_IsIdempotent(t *testing.T) {
	store := memory.New()
	run := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := run.Add(6 * time.Hour)
	seedForecast(store, 1, 1, 1, run, valid, 10)
	seedObservation(store, 1, 1, valid.Add(5*time.Minute), 12, "network_a")

	engine := New(store, 30*time.Minute, nil)
	window := func() (time.Time, time.Time) { return valid.Add(-time.Hour), valid.Add(time.Hour) }

	start, end := window()
	first, err := engine.Run(context.Background(), 1, start, end)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := engine.Run(context.Background(), 1, start, end)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if first.PairsCreated != 1 || second.PairsCreated != 0 {
		t.Errorf("Run() not idempotent: first=%+v second=%+v", first, second)
	}
}

func TestRun_EmptyForecastWindowIsNoOp(t *testing.T) {
	store := memory.New()
	engine := New(store, 30*time.Minute, nil)
	result, err := engine.Run(context.Background(), 1, time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.PairsCreated != 0 || result.Unmatched != 0 {
		t.Errorf("Run() = %+v, want zero result", result)
	}
}

func TestNew_NonPositiveToleranceFallsBackToDefault(t *testing.T) {
	engine := New(memory.New(), 0, nil)
	if engine.Tolerance != 30*time.Minute {
		t.Errorf("Tolerance = %v, want 30m default", engine.Tolerance)
	}
}
