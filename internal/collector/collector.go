// Package collector defines the uniform two-method contract every data
// source implements (§4.2), replacing the teacher's single
// OpenWeatherClient with the capability-set approach §9 calls for: a small
// interface per source, no shared base beyond internal/httpclient.
package collector

import (
	"context"
	"time"

	"github.com/kjstillabower/forecast-reconciler/internal/models"
)

// ValidationRange bounds an accepted value for one parameter; points outside
// the range are dropped with a warning rather than stored.
type ValidationRange struct {
	Min, Max float64
}

// Collector is implemented by every data source. A source that does not
// provide a kind (e.g. a beacon scraper asked to collect forecasts) returns
// an empty, nil-error sequence — per §4.2, collectors are total over inputs
// and never escape errors to the caller.
type Collector interface {
	// Name is the human-readable collector name used in logs and metrics.
	Name() string
	// Source is the rate-limiter/circuit-breaker key (e.g. "gridded_binary",
	// "network_a").
	Source() string

	CollectForecast(ctx context.Context, req ForecastRequest) []models.ForecastPoint
	CollectObservation(ctx context.Context, req ObservationRequest) []models.ObservationPoint
}

// ForecastRequest is the uniform argument to CollectForecast.
type ForecastRequest struct {
	SiteID      int64
	ForecastRun time.Time
	Latitude    float64
	Longitude   float64
	ModelID     int64
	// ParameterIDs maps a models.ParameterKind to its storage id, so
	// collectors can emit ForecastPoint.ParameterID without owning a
	// database connection themselves.
	ParameterIDs map[models.ParameterKind]int64
}

// ObservationRequest is the uniform argument to CollectObservation.
type ObservationRequest struct {
	SiteID          int64
	ObservationTime time.Time
	// BeaconID is the network-specific station id for this site. Absent
	// (HasBeaconID=false) means the site has no beacon configured on this
	// network.
	BeaconID     int
	HasBeaconID  bool
	ParameterIDs map[models.ParameterKind]int64
}
