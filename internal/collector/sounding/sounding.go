// Package sounding implements the JSON sounding forecast collector (§4.2.2):
// a GET returning an hour-of-day keyed document with a status gate, surface
// u/v/temperature values reduced with the same formulas as the gridded
// collector.
package sounding

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-reconciler/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-reconciler/internal/collector"
	"github.com/kjstillabower/forecast-reconciler/internal/httpclient"
	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/ratelimit"
)

var validationRanges = map[models.ParameterKind]collector.ValidationRange{
	models.ParameterWindSpeed:     {Min: 0, Max: 250},
	models.ParameterWindDirection: {Min: 0, Max: 360},
	models.ParameterTemperature:   {Min: -90, Max: 60},
}

// surfaceLevel is index 0 of each hour's level list, per §4.2.2.
type surfaceLevel struct {
	U           float64 `json:"u"`
	V           float64 `json:"v"`
	Temperature float64 `json:"temperature"`
}

type hourData struct {
	Levels []surfaceLevel `json:"levels"`
}

type response struct {
	Status string              `json:"status"`
	Data   map[string]hourData `json:"data"`
}

const sourceName = "json_sounding"

// Collector is the JSON sounding forecast source. It never provides
// observations.
type Collector struct {
	BaseURL string
	Origin  string
	Referer string
	XAuth   string
	UserAgent string

	HTTP    *httpclient.Client
	Limiter *ratelimit.Registry
	Breaker *circuitbreaker.Registry
	Logger  *zap.Logger
}

func (c *Collector) Name() string   { return "json sounding forecast" }
func (c *Collector) Source() string { return sourceName }

// CollectForecast GETs the sounding document for req's site and forecast run
// and extracts surface wind/temperature for every hour-of-day key. Both
// coordinates must be supplied or the call is a no-op (§4.2.2).
func (c *Collector) CollectForecast(ctx context.Context, req collector.ForecastRequest) []models.ForecastPoint {
	if req.Latitude == 0 && req.Longitude == 0 {
		return nil
	}
	logger := c.Logger.With(zap.String("source", sourceName), zap.Int64("site_id", req.SiteID))

	if err := c.Limiter.Wait(ctx, sourceName); err != nil {
		logger.Warn("rate limiter wait failed", zap.Error(err))
		return nil
	}
	defer c.Limiter.Done(sourceName)

	var doc response
	breaker := c.Breaker.Get(sourceName, "forecast")
	err := breaker.Call(ctx, func(ctx context.Context) error {
		return httpclient.Retry(ctx, httpclient.RetryConfig{}, func(ctx context.Context) error {
			u := c.buildURL(req.ForecastRun, req.Latitude, req.Longitude)
			headers := map[string]string{
				"Origin": c.Origin, "Referer": c.Referer, "X-Auth": c.XAuth, "User-Agent": c.UserAgent,
			}
			return c.HTTP.GetJSON(ctx, u, headers, &doc)
		})
	})
	if err != nil {
		logger.Warn("sounding fetch failed", zap.Error(err))
		return nil
	}
	if doc.Status != "ok" {
		logger.Warn("sounding status not ok", zap.String("status", doc.Status))
		return nil
	}

	targetDate := req.ForecastRun.UTC()
	var points []models.ForecastPoint
	for hourStr, hd := range doc.Data {
		if len(hd.Levels) == 0 {
			continue
		}
		validTime, err := parseHourOfDay(targetDate, hourStr)
		if err != nil {
			logger.Debug("unparsable hour-of-day key, skipping", zap.String("hour", hourStr), zap.Error(err))
			continue
		}
		surface := hd.Levels[0]
		points = append(points, extract(req, validTime, surface, logger)...)
	}
	return points
}

// CollectObservation is a no-op: the sounding source provides forecasts
// only.
func (c *Collector) CollectObservation(ctx context.Context, req collector.ObservationRequest) []models.ObservationPoint {
	return nil
}

func (c *Collector) buildURL(forecastRun time.Time, lat, lon float64) string {
	u, _ := url.Parse(c.BaseURL)
	q := u.Query()
	q.Set("run", forecastRun.UTC().Format("2006010215"))
	q.Set("location", fmt.Sprintf("%g,%g", lat, lon))
	q.Set("date", forecastRun.UTC().Format("20060102"))
	q.Set("plot", "sounding")
	u.RawQuery = q.Encode()
	return u.String()
}

// parseHourOfDay builds a valid time from a target date and an "HH:MM"
// hour-of-day string (§4.2.2).
func parseHourOfDay(targetDate time.Time, hourStr string) (time.Time, error) {
	parts := strings.SplitN(hourStr, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("malformed hour key %q", hourStr)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed hour %q: %w", hourStr, err)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed minute %q: %w", hourStr, err)
	}
	y, m, d := targetDate.Date()
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC), nil
}

func extract(req collector.ForecastRequest, validTime time.Time, s surfaceLevel, logger *zap.Logger) []models.ForecastPoint {
	var points []models.ForecastPoint

	speed := collector.WindSpeedKPH(s.U, s.V)
	direction := collector.WindDirectionDeg(s.U, s.V)
	celsius := collector.KelvinToCelsius(s.Temperature)

	if id, ok := req.ParameterIDs[models.ParameterWindSpeed]; ok {
		v, _ := speed.Float64()
		if r, ok := validationRanges[models.ParameterWindSpeed]; !ok || r.InRange(v) {
			points = append(points, models.ForecastPoint{SiteID: req.SiteID, ModelID: req.ModelID, ParameterID: id, ForecastRun: req.ForecastRun, ValidTime: validTime, Value: speed})
		} else {
			logger.Warn("wind speed out of range, dropping", zap.Float64("value", v))
		}
	}
	if id, ok := req.ParameterIDs[models.ParameterWindDirection]; ok {
		v, _ := direction.Float64()
		if r, ok := validationRanges[models.ParameterWindDirection]; !ok || r.InRange(v) {
			points = append(points, models.ForecastPoint{SiteID: req.SiteID, ModelID: req.ModelID, ParameterID: id, ForecastRun: req.ForecastRun, ValidTime: validTime, Value: direction})
		} else {
			logger.Warn("wind direction out of range, dropping", zap.Float64("value", v))
		}
	}
	if id, ok := req.ParameterIDs[models.ParameterTemperature]; ok {
		v, _ := celsius.Float64()
		if r, ok := validationRanges[models.ParameterTemperature]; !ok || r.InRange(v) {
			points = append(points, models.ForecastPoint{SiteID: req.SiteID, ModelID: req.ModelID, ParameterID: id, ForecastRun: req.ForecastRun, ValidTime: validTime, Value: celsius})
		} else {
			logger.Warn("temperature out of range, dropping", zap.Float64("value", v))
		}
	}

	return points
}
