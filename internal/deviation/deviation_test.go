package deviation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/storage/memory"
)

func TestReduce_WindDirectionWrapsPositive(t *testing.T) {
	d, outlier := reduce(nil, models.ParameterWindDirection, decimal.NewFromInt(350), decimal.NewFromInt(10))
	if !d.Equal(decimal.NewFromInt(20)) {
		t.Errorf("deviation = %v, want 20 (10 - 350 = -340 -> +20)", d)
	}
	if outlier {
		t.Error("wind direction must never be flagged an outlier")
	}
}

func TestReduce_WindDirectionWrapsNegative(t *testing.T) {
	d, _ := reduce(nil, models.ParameterWindDirection, decimal.NewFromInt(10), decimal.NewFromInt(350))
	if !d.Equal(decimal.NewFromInt(-20)) {
		t.Errorf("deviation = %v, want -20 (350 - 10 = 340 -> -20)", d)
	}
}

func TestReduce_WindSpeedOutlierThreshold(t *testing.T) {
	_, outlier := reduce(nil, models.ParameterWindSpeed, decimal.NewFromInt(10), decimal.NewFromInt(65))
	if !outlier {
		t.Error("expected outlier for wind speed deviation > 50")
	}
	_, notOutlier := reduce(nil, models.ParameterWindSpeed, decimal.NewFromInt(10), decimal.NewFromInt(40))
	if notOutlier {
		t.Error("expected no outlier for wind speed deviation <= 50")
	}
}

func TestReduce_TemperatureOutlierThreshold(t *testing.T) {
	_, outlier := reduce(nil, models.ParameterTemperature, decimal.NewFromInt(10), decimal.NewFromInt(30))
	if !outlier {
		t.Error("expected outlier for temperature deviation > 15")
	}
}

func TestReduce_UnknownParameterIsPlainSubtraction(t *testing.T) {
	d, outlier := reduce(nil, models.ParameterKind("humidity"), decimal.NewFromInt(10), decimal.NewFromInt(15))
	if !d.Equal(decimal.NewFromInt(5)) {
		t.Errorf("deviation = %v, want 5", d)
	}
	if outlier {
		t.Error("unknown parameter kinds are never outliers")
	}
}

func seedPairForDeviation(store *memory.Store, parameterID int64, valid time.Time, forecast, observed float64) {
	store.InsertPairs(context.Background(), []models.Pair{
		{
			ForecastID: 1, ObservationID: 1, SiteID: 1, ModelID: 1, ParameterID: parameterID,
			ValidTime: valid, ForecastValue: decimal.NewFromFloat(forecast), ObservedValue: decimal.NewFromFloat(observed),
		},
	})
}

func TestRun_ReducesPairsAndStampsProcessed(t *testing.T) {
	store := memory.New()
	store.SeedParameter(models.Parameter{ID: 1, Name: models.ParameterWindSpeed})
	valid := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedPairForDeviation(store, 1, valid, 10, 15)

	engine := New(store, nil)
	created, err := engine.Run(context.Background(), 1, valid.Add(-time.Hour), valid.Add(time.Hour))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	deviations, err := store.DeviationsForCell(context.Background(), 1, 1, 1, 0)
	if err != nil {
		t.Fatalf("DeviationsForCell() error = %v", err)
	}
	if len(deviations) != 1 {
		t.Fatalf("expected 1 deviation, got %d", len(deviations))
	}
	if !deviations[0].Deviation.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Deviation = %v, want 5", deviations[0].Deviation)
	}

	remaining, err := store.UnprocessedPairs(context.Background(), 1, valid.Add(-time.Hour), valid.Add(time.Hour))
	if err != nil {
		t.Fatalf("UnprocessedPairs() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected 0 remaining unprocessed pairs, got %d", len(remaining))
	}
}

func TestRun_IsAtMostOnce(t *testing.T) {
	store := memory.New()
	store.SeedParameter(models.Parameter{ID: 1, Name: models.ParameterWindSpeed})
	valid := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedPairForDeviation(store, 1, valid, 10, 15)

	engine := New(store, nil)
	start, end := valid.Add(-time.Hour), valid.Add(time.Hour)
	first, err := engine.Run(context.Background(), 1, start, end)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := engine.Run(context.Background(), 1, start, end)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if first != 1 || second != 0 {
		t.Errorf("Run() not at-most-once: first=%d second=%d", first, second)
	}
}

func TestRun_UnknownParameterIsSkippedNotFailed(t *testing.T) {
	store := memory.New()
	valid := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedPairForDeviation(store, 99, valid, 10, 15)

	engine := New(store, nil)
	created, err := engine.Run(context.Background(), 1, valid.Add(-time.Hour), valid.Add(time.Hour))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d, want 0 for unresolvable parameter", created)
	}
}

func TestRun_NoUnprocessedPairsIsNoOp(t *testing.T) {
	store := memory.New()
	engine := New(store, nil)
	created, err := engine.Run(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d, want 0", created)
	}
}
