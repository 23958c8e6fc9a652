// Package deviation reduces matched pairs to signed forecast errors,
// applying circular arithmetic for wind direction (§4.6).
package deviation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/observability"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
)

const flushBatchSize = 1000

const (
	windSpeedOutlierThreshold   = 50.0 // km/h
	temperatureOutlierThreshold = 15.0 // °C
)

// Engine runs the deviation-reduction algorithm against a DeviationStore.
type Engine struct {
	Store  storage.DeviationStore
	Logger *zap.Logger
}

func New(store storage.DeviationStore, logger *zap.Logger) *Engine {
	return &Engine{Store: store, Logger: logger}
}

// Run reduces unprocessed pairs for siteID within [start, end] to Deviation
// rows and returns the count created.
func (e *Engine) Run(ctx context.Context, siteID int64, start, end time.Time) (int, error) {
	pairs, err := e.Store.UnprocessedPairs(ctx, siteID, start, end)
	if err != nil {
		return 0, err
	}
	if len(pairs) == 0 {
		return 0, nil
	}

	parameterNames := make(map[int64]models.ParameterKind)

	var batch []models.Deviation
	var processedIDs []int64
	created := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.Store.InsertDeviations(ctx, batch, processedIDs); err != nil {
			return err
		}
		batch = batch[:0]
		processedIDs = processedIDs[:0]
		return nil
	}

	for _, pair := range pairs {
		kind, ok := parameterNames[pair.ParameterID]
		if !ok {
			resolved, err := e.Store.ParameterName(ctx, pair.ParameterID)
			if err != nil {
				if e.Logger != nil {
					e.Logger.Debug("unknown parameter id during deviation reduction",
						zap.Int64("parameter_id", pair.ParameterID), zap.Error(err))
				}
				continue
			}
			kind = resolved
			parameterNames[pair.ParameterID] = kind
		}

		d, outlier := reduce(e.Logger, kind, pair.ForecastValue, pair.ObservedValue)

		batch = append(batch, models.Deviation{
			Timestamp:     pair.ValidTime,
			SiteID:        pair.SiteID,
			ModelID:       pair.ModelID,
			ParameterID:   pair.ParameterID,
			HorizonHours:  pair.HorizonHours,
			ForecastValue: pair.ForecastValue,
			ObservedValue: pair.ObservedValue,
			Deviation:     d,
			Outlier:       outlier,
		})
		processedIDs = append(processedIDs, pair.ID)
		created++

		observability.DeviationsProcessedTotal.WithLabelValues(boolLabel(outlier)).Inc()

		if len(batch) >= flushBatchSize {
			if err := flush(); err != nil {
				return created, err
			}
		}
	}

	if err := flush(); err != nil {
		return created, err
	}

	if e.Logger != nil {
		e.Logger.Info("deviation run complete", zap.Int64("site_id", siteID), zap.Int("created", created))
	}
	return created, nil
}

// reduce computes the signed deviation and whether it is an outlier for the
// given parameter kind. An unrecognized kind is logged and treated as
// non-circular with no outlier threshold.
func reduce(logger *zap.Logger, kind models.ParameterKind, forecast, observed decimal.Decimal) (decimal.Decimal, bool) {
	diff := observed.Sub(forecast)

	if kind.Circular() {
		return normalizeCircular(diff), false
	}

	d := diff
	switch kind {
	case models.ParameterWindSpeed:
		return d, d.Abs().GreaterThan(decimal.NewFromFloat(windSpeedOutlierThreshold))
	case models.ParameterTemperature:
		return d, d.Abs().GreaterThan(decimal.NewFromFloat(temperatureOutlierThreshold))
	default:
		if logger != nil {
			logger.Debug("unrecognized parameter kind during deviation reduction", zap.String("kind", string(kind)))
		}
		return d, false
	}
}

// normalizeCircular wraps d into (-180, 180]: subtract 360 while > 180, add
// 360 while <= -180 (so exactly -180 maps to +180).
func normalizeCircular(d decimal.Decimal) decimal.Decimal {
	threeSixty := decimal.NewFromInt(360)
	oneEighty := decimal.NewFromInt(180)
	negOneEighty := decimal.NewFromInt(-180)

	for d.GreaterThan(oneEighty) {
		d = d.Sub(threeSixty)
	}
	for d.LessThanOrEqual(negOneEighty) {
		d = d.Add(threeSixty)
	}
	return d
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
