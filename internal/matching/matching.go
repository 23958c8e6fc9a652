// Package matching pairs raw forecast and observation points for a site
// within a time window (§4.5).
package matching

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/observability"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
)

const flushBatchSize = 1000

// Engine runs the matching algorithm against a MatchingStore.
type Engine struct {
	Store     storage.MatchingStore
	Tolerance time.Duration // T, default 30m
	Logger    *zap.Logger
}

// New returns an Engine with the given tolerance. A non-positive tolerance
// falls back to the 30 minute default.
func New(store storage.MatchingStore, tolerance time.Duration, logger *zap.Logger) *Engine {
	if tolerance <= 0 {
		tolerance = 30 * time.Minute
	}
	return &Engine{Store: store, Tolerance: tolerance, Logger: logger}
}

// Result reports what a Run produced.
type Result struct {
	PairsCreated int
	Unmatched    int
}

// Run executes the matching algorithm for siteID over [start, end] and
// returns the number of pairs created and forecasts left unmatched.
func (e *Engine) Run(ctx context.Context, siteID int64, start, end time.Time) (Result, error) {
	forecasts, err := e.Store.ForecastsInWindow(ctx, siteID, start, end)
	if err != nil {
		return Result{}, err
	}
	if len(forecasts) == 0 {
		return Result{}, nil
	}

	observations, err := e.Store.ObservationsInWindow(ctx, siteID, start.Add(-e.Tolerance), end.Add(e.Tolerance))
	if err != nil {
		return Result{}, err
	}

	byParameter := make(map[int64][]models.Observation)
	for _, o := range observations {
		byParameter[o.ParameterID] = append(byParameter[o.ParameterID], o)
	}

	existing, err := e.Store.ExistingPairKeys(ctx, siteID)
	if err != nil {
		return Result{}, err
	}

	siteLabel := strconv.FormatInt(siteID, 10)
	var result Result
	var batch []models.Pair

	for _, f := range forecasts {
		obs, ok := selectObservation(byParameter[f.ParameterID], f.ValidTime, e.Tolerance)
		if !ok {
			result.Unmatched++
			continue
		}
		if _, paired := existing[[2]int64{f.ID, obs.ID}]; paired {
			continue
		}

		delta := obs.ObservationTime.Sub(f.ValidTime)
		if delta < 0 {
			delta = -delta
		}
		pair := models.Pair{
			ForecastID:      f.ID,
			ObservationID:   obs.ID,
			SiteID:          siteID,
			ModelID:         f.ModelID,
			ParameterID:     f.ParameterID,
			ForecastRun:     f.ForecastRun,
			ValidTime:       f.ValidTime,
			HorizonHours:    f.Horizon(),
			ForecastValue:   f.Value,
			ObservedValue:   obs.Value,
			TimeDiffMinutes: int(delta.Minutes()),
		}
		existing[[2]int64{f.ID, obs.ID}] = struct{}{}
		batch = append(batch, pair)
		result.PairsCreated++

		if len(batch) >= flushBatchSize {
			if err := e.Store.InsertPairs(ctx, batch); err != nil {
				return result, err
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := e.Store.InsertPairs(ctx, batch); err != nil {
			return result, err
		}
	}

	observability.MatcherPairsTotal.WithLabelValues(siteLabel).Add(float64(result.PairsCreated))
	observability.MatcherUnmatchedTotal.WithLabelValues(siteLabel).Add(float64(result.Unmatched))

	if e.Logger != nil {
		e.Logger.Info("matching run complete",
			zap.Int64("site_id", siteID),
			zap.Int("pairs_created", result.PairsCreated),
			zap.Int("unmatched", result.Unmatched),
		)
	}
	return result, nil
}

// selectObservation finds the candidate within tolerance of validTime with
// the minimum absolute time difference, breaking ties by earliest
// observation_time.
func selectObservation(candidates []models.Observation, validTime time.Time, tolerance time.Duration) (models.Observation, bool) {
	var best models.Observation
	var bestDelta time.Duration
	found := false

	for _, o := range candidates {
		delta := o.ObservationTime.Sub(validTime)
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			continue
		}
		if !found {
			best, bestDelta, found = o, delta, true
			continue
		}
		if delta < bestDelta || (delta == bestDelta && o.ObservationTime.Before(best.ObservationTime)) {
			best, bestDelta = o, delta
		}
	}
	return best, found
}
