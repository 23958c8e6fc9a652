// Package beacon implements the HTML-scrape observation collectors
// (§4.2.3): two instances, one per beacon network, each parsing a ground
// station page with regexes keyed off stable French text markers. Cardinal
// tables are locale-specific per network.
package beacon

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
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

// staleAfter is the threshold past which a parsed observation is logged as
// stale but still emitted (§4.2.3).
const staleAfter = 2 * time.Hour

var (
	speedRe     = regexp.MustCompile(`Moyen sur 10min\s*[:=]?\s*([\d.,]+)`)
	directionRe = regexp.MustCompile(`Direction\s*[:=]?\s*([^\s<]+)`)
	tempRe      = regexp.MustCompile(`Température\s*[:=]?\s*(-?[\d.,]+)`)
	timeRe      = regexp.MustCompile(`Relevé du\s*([\d/: ]+)`)
)

// CardinalTable maps a locale-specific compass-point token to its degree
// value. Each network supplies its own; §8 requires all 16 points to map to
// a value congruent to the correct multiple of 22.5 mod 360.
type CardinalTable map[string]float64

// FrenchCardinalTable is the pure-French table used by one network (§4.2.3:
// "French 'O' for west").
var FrenchCardinalTable = CardinalTable{
	"N": 0, "NNE": 22.5, "NE": 45, "ENE": 67.5,
	"E": 90, "ESE": 112.5, "SE": 135, "SSE": 157.5,
	"S": 180, "SSO": 202.5, "SO": 225, "OSO": 247.5,
	"O": 270, "ONO": 292.5, "NO": 315, "NNO": 337.5,
}

// MixedCardinalTable is the table used by the other network. It holds the
// English compass abbreviations ("W" for west); it has no French-only or
// numeric tokens, so such tokens do not resolve to a direction.
var MixedCardinalTable = CardinalTable{
	"N": 0, "NNE": 22.5, "NE": 45, "ENE": 67.5,
	"E": 90, "ESE": 112.5, "SE": 135, "SSE": 157.5,
	"S": 180, "SSW": 202.5, "SW": 225, "WSW": 247.5,
	"W": 270, "WNW": 292.5, "NW": 315, "NNW": 337.5,
}

// Degrees resolves a cardinal token (case-insensitive) to a degree value.
func (t CardinalTable) Degrees(token string) (float64, bool) {
	d, ok := t[strings.ToUpper(strings.TrimSpace(token))]
	return d, ok
}

// Config describes one beacon network instance.
type Config struct {
	Network       string // rate-limiter/circuit-breaker source key, e.g. "network_a"
	BaseURL       string
	IDQueryParam  string // "idBalise" or "id"
	UserAgent     string // polite UA including contact address (§6)
	Cardinals     CardinalTable
	TimeLayout    string // layout for parsing the "Relevé du ..." timestamp
	LocalTimezone *time.Location
}

// Collector is one beacon-network HTML-scrape observation source. It never
// provides forecasts.
type Collector struct {
	cfg Config

	HTTP    *httpclient.Client
	Limiter *ratelimit.Registry
	Breaker *circuitbreaker.Registry
	Logger  *zap.Logger
}

// New returns a Collector for the given network configuration.
func New(cfg Config, http *httpclient.Client, limiter *ratelimit.Registry, breaker *circuitbreaker.Registry, logger *zap.Logger) *Collector {
	if cfg.LocalTimezone == nil {
		cfg.LocalTimezone = time.UTC
	}
	return &Collector{cfg: cfg, HTTP: http, Limiter: limiter, Breaker: breaker, Logger: logger}
}

func (c *Collector) Name() string   { return "beacon scrape " + c.cfg.Network }
func (c *Collector) Source() string { return c.cfg.Network }

// CollectForecast is a no-op: beacon sources provide observations only.
func (c *Collector) CollectForecast(ctx context.Context, req collector.ForecastRequest) []models.ForecastPoint {
	return nil
}

// CollectObservation GETs the beacon page for req.BeaconID and extracts wind
// speed, wind direction, and temperature. A beacon id must be configured or
// this is a no-op.
func (c *Collector) CollectObservation(ctx context.Context, req collector.ObservationRequest) []models.ObservationPoint {
	if !req.HasBeaconID {
		return nil
	}
	logger := c.Logger.With(zap.String("source", c.cfg.Network), zap.Int64("site_id", req.SiteID), zap.Int("beacon_id", req.BeaconID))

	if err := c.Limiter.Wait(ctx, c.cfg.Network); err != nil {
		logger.Warn("rate limiter wait failed", zap.Error(err))
		return nil
	}
	defer c.Limiter.Done(c.cfg.Network)

	var html string
	breaker := c.Breaker.Get(c.cfg.Network, "observation")
	err := breaker.Call(ctx, func(ctx context.Context) error {
		return httpclient.Retry(ctx, httpclient.RetryConfig{}, func(ctx context.Context) error {
			u, buildErr := c.buildURL(req.BeaconID)
			if buildErr != nil {
				return buildErr
			}
			text, getErr := c.HTTP.GetText(ctx, u, map[string]string{"User-Agent": c.cfg.UserAgent})
			if getErr != nil {
				return getErr
			}
			html = text
			return nil
		})
	})
	if err != nil {
		logger.Warn("beacon fetch failed", zap.Error(err))
		return nil
	}

	return c.parse(req, html, logger)
}

func (c *Collector) buildURL(beaconID int) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set(c.cfg.IDQueryParam, strconv.Itoa(beaconID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Collector) parse(req collector.ObservationRequest, html string, logger *zap.Logger) []models.ObservationPoint {
	obsTime, ok := c.parseObservationTime(html)
	if !ok {
		logger.Warn("could not parse observation timestamp, skipping page")
		return nil
	}
	if time.Since(obsTime) > staleAfter {
		logger.Warn("stale beacon observation, emitting anyway", zap.Time("observation_time", obsTime))
	}

	var points []models.ObservationPoint

	if m := speedRe.FindStringSubmatch(html); m != nil {
		if v, ok := parseFrenchFloat(m[1]); ok {
			if id, ok := req.ParameterIDs[models.ParameterWindSpeed]; ok {
				if r, ok := validationRanges[models.ParameterWindSpeed]; !ok || r.InRange(v) {
					points = append(points, point(req.SiteID, id, obsTime, v, c.cfg.Network))
				} else {
					logger.Warn("wind speed out of range, dropping", zap.Float64("value", v))
				}
			}
		}
	}

	if m := directionRe.FindStringSubmatch(html); m != nil {
		if deg, ok := c.cfg.Cardinals.Degrees(m[1]); ok {
			if id, ok := req.ParameterIDs[models.ParameterWindDirection]; ok {
				if r, ok := validationRanges[models.ParameterWindDirection]; !ok || r.InRange(deg) {
					points = append(points, point(req.SiteID, id, obsTime, deg, c.cfg.Network))
				} else {
					logger.Warn("wind direction out of range, dropping", zap.Float64("value", deg))
				}
			}
		} else {
			logger.Debug("unrecognised cardinal token", zap.String("token", m[1]))
		}
	}

	if m := tempRe.FindStringSubmatch(html); m != nil {
		if v, ok := parseFrenchFloat(m[1]); ok {
			if id, ok := req.ParameterIDs[models.ParameterTemperature]; ok {
				if r, ok := validationRanges[models.ParameterTemperature]; !ok || r.InRange(v) {
					points = append(points, point(req.SiteID, id, obsTime, v, c.cfg.Network))
				} else {
					logger.Warn("temperature out of range, dropping", zap.Float64("value", v))
				}
			}
		}
	}

	return points
}

// parseObservationTime extracts and parses the "Relevé du ..." timestamp.
// Upstream emits local time with no offset marker; the TODO below is a
// known gap, not a silent bug (§9).
func (c *Collector) parseObservationTime(html string) (time.Time, bool) {
	m := timeRe.FindStringSubmatch(html)
	if m == nil {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(m[1])
	t, err := time.ParseInLocation(c.cfg.TimeLayout, raw, c.cfg.LocalTimezone)
	if err != nil {
		return time.Time{}, false
	}
	// TODO: local->UTC conversion is not applied; upstream gives no offset
	// marker to convert from. Values are stored as parsed (§9).
	return t, true
}

func parseFrenchFloat(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func point(siteID, parameterID int64, obsTime time.Time, value float64, network string) models.ObservationPoint {
	return models.ObservationPoint{
		SiteID: siteID, ParameterID: parameterID, ObservationTime: obsTime,
		Value: decimal.NewFromFloat(value), SourceTag: network,
	}
}
