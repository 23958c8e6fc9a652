// Package gridded implements the gridded-binary forecast collector (§4.2.1):
// a single binary payload covering a forecast run, interpolated linearly to
// a site's coordinates. Grounded on the request-building and auth-header
// style of the teacher's internal/client.OpenWeatherClient, adapted to the
// shared internal/httpclient utility.
package gridded

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-reconciler/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-reconciler/internal/collector"
	"github.com/kjstillabower/forecast-reconciler/internal/httpclient"
	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/ratelimit"
)

// validationRanges bounds accepted values per parameter; points outside are
// dropped with a warning (§4.2).
var validationRanges = map[models.ParameterKind]collector.ValidationRange{
	models.ParameterWindSpeed:     {Min: 0, Max: 250},
	models.ParameterWindDirection: {Min: 0, Max: 360},
	models.ParameterTemperature:   {Min: -90, Max: 60},
}

// TimeStep is one decoded message from the gridded binary payload: a valid
// time with the raw u/v wind components and temperature interpolated to the
// requested site from the surrounding grid points. The decoder locates the
// site from each message's grid origin and cell size; the payload carries no
// coordinate field names, so no "latitude"/"lat" or "longitude"/"lon" name
// lookup takes place.
type TimeStep struct {
	ValidTime   time.Time
	U, V        float64
	HasWind     bool
	TemperatureK float64
	HasTemp     bool
}

// Decoder decodes a downloaded gridded binary payload into per-valid-time,
// site-interpolated values. Swapped out in tests; the production
// implementation reads the multi-message format (grib2-like) upstream
// serves and performs bilinear interpolation to (lat, lon).
type Decoder interface {
	Decode(path string, lat, lon float64) ([]TimeStep, error)
}

// Collector is the gridded-binary forecast source. It never provides
// observations: CollectObservation always returns an empty slice.
type Collector struct {
	BaseURL     string
	BearerToken string // absence tolerated (§4.2.1); collection proceeds unauthenticated
	Timeout     time.Duration
	Decoder     Decoder

	HTTP    *httpclient.Client
	Limiter *ratelimit.Registry
	Breaker *circuitbreaker.Registry
	Logger  *zap.Logger
}

const sourceName = "gridded_binary"

func (c *Collector) Name() string   { return "gridded binary forecast" }
func (c *Collector) Source() string { return sourceName }

// CollectForecast downloads, decodes, and extracts wind speed/direction and
// temperature for every valid time in the payload. Per §4.2, any failure
// (download, decode, circuit open) yields an empty slice and a log line,
// never an error to the caller.
func (c *Collector) CollectForecast(ctx context.Context, req collector.ForecastRequest) []models.ForecastPoint {
	logger := c.Logger.With(zap.String("source", sourceName), zap.Int64("site_id", req.SiteID))

	if err := c.Limiter.Wait(ctx, sourceName); err != nil {
		logger.Warn("rate limiter wait failed", zap.Error(err))
		return nil
	}
	defer c.Limiter.Done(sourceName)

	var path string
	breaker := c.Breaker.Get(sourceName, "forecast")
	err := breaker.Call(ctx, func(ctx context.Context) error {
		p, dlErr := c.download(ctx, req.ForecastRun)
		if dlErr != nil {
			return dlErr
		}
		path = p
		return nil
	})
	if err != nil {
		logger.Warn("gridded download failed", zap.Error(err))
		return nil
	}
	defer os.Remove(path)

	steps, err := c.Decoder.Decode(path, req.Latitude, req.Longitude)
	if err != nil {
		logger.Warn("gridded decode failed", zap.Error(err))
		return nil
	}

	var points []models.ForecastPoint
	for _, step := range steps {
		points = append(points, c.extract(req, step, logger)...)
	}
	return points
}

// CollectObservation is a no-op: the gridded source provides forecasts only.
func (c *Collector) CollectObservation(ctx context.Context, req collector.ObservationRequest) []models.ObservationPoint {
	return nil
}

func (c *Collector) download(ctx context.Context, forecastRun time.Time) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("referencetime", forecastRun.UTC().Format("2006-01-02T15:04:05Z"))
	q.Set("time", "00H24H")
	q.Set("format", "grib2")
	u.RawQuery = q.Encode()

	headers := map[string]string{}
	if c.BearerToken != "" {
		headers["Authorization"] = "Bearer " + c.BearerToken
	}

	var path string
	retryErr := httpclient.Retry(ctx, httpclient.RetryConfig{}, func(ctx context.Context) error {
		p, err := c.HTTP.GetFile(ctx, u.String(), headers, "gridded-*.bin")
		if err != nil {
			return err
		}
		path = p
		return nil
	})
	return path, retryErr
}

func (c *Collector) extract(req collector.ForecastRequest, step TimeStep, logger *zap.Logger) []models.ForecastPoint {
	var points []models.ForecastPoint

	if step.HasWind {
		speed := collector.WindSpeedKPH(step.U, step.V)
		direction := collector.WindDirectionDeg(step.U, step.V)

		if id, ok := req.ParameterIDs[models.ParameterWindSpeed]; ok {
			v, _ := speed.Float64()
			if r, ok := validationRanges[models.ParameterWindSpeed]; !ok || r.InRange(v) {
				points = append(points, models.ForecastPoint{
					SiteID: req.SiteID, ModelID: req.ModelID, ParameterID: id,
					ForecastRun: req.ForecastRun, ValidTime: step.ValidTime, Value: speed,
				})
			} else {
				logger.Warn("wind speed out of range, dropping", zap.Float64("value", v))
			}
		}
		if id, ok := req.ParameterIDs[models.ParameterWindDirection]; ok {
			v, _ := direction.Float64()
			if r, ok := validationRanges[models.ParameterWindDirection]; !ok || r.InRange(v) {
				points = append(points, models.ForecastPoint{
					SiteID: req.SiteID, ModelID: req.ModelID, ParameterID: id,
					ForecastRun: req.ForecastRun, ValidTime: step.ValidTime, Value: direction,
				})
			} else {
				logger.Warn("wind direction out of range, dropping", zap.Float64("value", v))
			}
		}
	}

	if step.HasTemp {
		if id, ok := req.ParameterIDs[models.ParameterTemperature]; ok {
			celsius := collector.KelvinToCelsius(step.TemperatureK)
			v, _ := celsius.Float64()
			if r, ok := validationRanges[models.ParameterTemperature]; !ok || r.InRange(v) {
				points = append(points, models.ForecastPoint{
					SiteID: req.SiteID, ModelID: req.ModelID, ParameterID: id,
					ForecastRun: req.ForecastRun, ValidTime: step.ValidTime, Value: celsius,
				})
			} else {
				logger.Warn("temperature out of range, dropping", zap.Float64("value", v))
			}
		}
	}

	return points
}
