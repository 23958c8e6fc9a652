// Package metrics computes accuracy statistics and confidence
// classification for one (model, site, parameter, horizon) cell (§4.7).
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/observability"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
)

const decimalPlaces = 4

const (
	insufficientDaysThreshold = 30
	validatedDaysThreshold    = 90
)

// Engine computes AccuracyMetric rows from stored Deviations.
type Engine struct {
	Store  storage.MetricsStore
	Logger *zap.Logger
}

func New(store storage.MetricsStore, logger *zap.Logger) *Engine {
	return &Engine{Store: store, Logger: logger}
}

// Cell identifies the aggregation key for one metrics computation.
type Cell struct {
	ModelID      int64
	SiteID       int64
	ParameterID  int64
	HorizonHours int
}

// Compute aggregates every Deviation for the cell into an AccuracyMetric,
// upserts it, and returns the stored row. Returns a storage.ErrNotFound-
// wrapping error if no deviations exist for the cell.
func (e *Engine) Compute(ctx context.Context, cell Cell) (models.AccuracyMetric, error) {
	deviations, err := e.Store.DeviationsForCell(ctx, cell.ModelID, cell.SiteID, cell.ParameterID, cell.HorizonHours)
	if err != nil {
		return models.AccuracyMetric{}, err
	}
	if len(deviations) == 0 {
		return models.AccuracyMetric{}, fmt.Errorf("metrics: no deviations for cell %+v: %w", cell, storage.ErrNotFound)
	}

	n := len(deviations)
	absValues := make([]float64, n)
	signedValues := make([]float64, n)
	minD, maxD := math.Inf(1), math.Inf(-1)
	earliest, latest := deviations[0].Timestamp, deviations[0].Timestamp

	for i, d := range deviations {
		v, _ := d.Deviation.Float64()
		signedValues[i] = v
		absValues[i] = math.Abs(v)
		if v < minD {
			minD = v
		}
		if v > maxD {
			maxD = v
		}
		if d.Timestamp.Before(earliest) {
			earliest = d.Timestamp
		}
		if d.Timestamp.After(latest) {
			latest = d.Timestamp
		}
	}

	mae := mean(absValues)
	biasValue, variance := stat.MeanVariance(signedValues, nil)

	stdDev := 0.0
	if n > 1 && variance > 0 {
		stdDev = math.Sqrt(variance)
	}

	ciLower, ciUpper := biasValue, biasValue
	if n > 1 && stdDev > 0 {
		margin := studentTMargin(n, stdDev)
		ciLower = biasValue - margin
		ciUpper = biasValue + margin
	}

	days := latest.Sub(earliest).Hours() / 24
	level, message := classify(days)

	metric := models.AccuracyMetric{
		ModelID:         cell.ModelID,
		SiteID:          cell.SiteID,
		ParameterID:     cell.ParameterID,
		HorizonHours:    cell.HorizonHours,
		MAE:             roundDecimal(mae),
		Bias:            roundDecimal(biasValue),
		StdDev:          roundDecimal(stdDev),
		SampleSize:      n,
		ConfidenceLevel: level,
		ConfidenceMsg:   message,
		CILower:         roundDecimal(ciLower),
		CIUpper:         roundDecimal(ciUpper),
		MinDeviation:    roundDecimal(minD),
		MaxDeviation:    roundDecimal(maxD),
		CalculatedAt:    time.Now(),
	}

	if err := e.Store.UpsertAccuracyMetric(ctx, metric); err != nil {
		return models.AccuracyMetric{}, err
	}
	observability.MetricsRecomputeTotal.Inc()

	if e.Logger != nil {
		e.Logger.Info("accuracy metric recomputed",
			zap.Int64("model_id", cell.ModelID), zap.Int64("site_id", cell.SiteID),
			zap.Int64("parameter_id", cell.ParameterID), zap.Int("horizon_hours", cell.HorizonHours),
			zap.Int("sample_size", n), zap.String("confidence", string(level)),
		)
	}
	return metric, nil
}

// RefreshRollups triggers the storage layer's pre-aggregated bucket refresh.
func (e *Engine) RefreshRollups(ctx context.Context) error {
	if err := e.Store.RefreshRollups(ctx); err != nil {
		return err
	}
	observability.MetricsRecomputeTotal.Inc()
	return nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// studentTMargin returns t_{0.975, n-1} * stdDev / sqrt(n).
func studentTMargin(n int, stdDev float64) float64 {
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	tValue := dist.Quantile(0.975)
	return tValue * stdDev / math.Sqrt(float64(n))
}

// classify maps days-of-data span to a confidence level and UI message.
func classify(days float64) (models.ConfidenceLevel, string) {
	switch {
	case days < insufficientDaysThreshold:
		remaining := insufficientDaysThreshold - days
		return models.ConfidenceInsufficient, fmt.Sprintf(
			"insufficient data: %.0f more day(s) needed to reach preliminary confidence", remaining)
	case days < validatedDaysThreshold:
		remaining := validatedDaysThreshold - days
		return models.ConfidencePreliminary, fmt.Sprintf(
			"preliminary: %.0f more day(s) needed to reach validated confidence", remaining)
	default:
		return models.ConfidenceValidated, "validated: sample spans 90 or more days"
	}
}

func roundDecimal(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(decimalPlaces)
}
