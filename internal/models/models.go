// Package models holds the domain entities shared across the collection,
// staging, matching, deviation, and metrics layers.
package models

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ParameterKind names the known measured quantities. Unknown kinds are
// valid at the storage layer (a new Parameter row can be added any time)
// but only these are understood by the deviation engine's circular-arithmetic
// branch and the validation ranges baked into the collectors.
type ParameterKind string

const (
	ParameterWindSpeed     ParameterKind = "wind_speed"
	ParameterWindDirection ParameterKind = "wind_direction"
	ParameterTemperature   ParameterKind = "temperature"
)

// Circular reports whether deviations for this parameter must use circular
// (wrap-around) arithmetic instead of plain subtraction.
func (p ParameterKind) Circular() bool {
	return p == ParameterWindDirection
}

// Site is a fixed geographic point of interest, optionally linked to beacon
// identifiers on one or more observation networks.
type Site struct {
	ID        int64
	Name      string
	Latitude  float64
	Longitude float64
	Altitude  float64

	// BeaconIDs maps an observation network name (e.g. "network_a") to the
	// primary beacon id for that network at this site.
	BeaconIDs map[string]int

	// BackupBeaconIDs is the fallback beacon id per network, tried only when
	// the primary yields no data or errors (§4.3 backup-beacon fallback).
	BackupBeaconIDs map[string]int
}

// PrimaryBeacon returns the primary beacon id for a network and whether one
// is configured.
func (s Site) PrimaryBeacon(network string) (int, bool) {
	id, ok := s.BeaconIDs[network]
	return id, ok
}

// BackupBeacon returns the backup beacon id for a network and whether one is
// configured.
func (s Site) BackupBeacon(network string) (int, bool) {
	id, ok := s.BackupBeaconIDs[network]
	return id, ok
}

// Model is a forecast source (e.g. a NWP model run by some provider).
type Model struct {
	ID     int64
	Name   string
	Origin string
}

// Parameter is a measured quantity with a display unit.
type Parameter struct {
	ID   int64
	Name ParameterKind
	Unit string
}

// Forecast is a single raw forecast point. Unique on
// (SiteID, ModelID, ParameterID, ForecastRun, ValidTime).
type Forecast struct {
	ID          int64
	SiteID      int64
	ModelID     int64
	ParameterID int64
	ForecastRun time.Time
	ValidTime   time.Time
	Value       decimal.Decimal
}

// Horizon returns floor((ValidTime - ForecastRun) / 1 hour). Per §3 this is
// always expected non-negative in practice, but forecast_run > valid_time is
// tolerated (see §9 open question) and simply yields a negative horizon.
func (f Forecast) Horizon() int {
	return int(math.Floor(f.ValidTime.Sub(f.ForecastRun).Hours()))
}

// Observation is a single raw observed point. Unique on
// (SiteID, ParameterID, ObservationTime, SourceTag).
type Observation struct {
	ID              int64
	SiteID          int64
	ParameterID     int64
	ObservationTime time.Time
	Value           decimal.Decimal
	SourceTag       string // e.g. "network_a"; may be empty
}

// Pair is a matched (Forecast, Observation), denormalised for the deviation
// and metrics layers.
type Pair struct {
	ID              int64
	ForecastID      int64
	ObservationID   int64
	SiteID          int64
	ModelID         int64
	ParameterID     int64
	ForecastRun     time.Time
	ValidTime       time.Time
	HorizonHours    int
	ForecastValue   decimal.Decimal
	ObservedValue   decimal.Decimal
	TimeDiffMinutes int
	ProcessedAt     *time.Time
}

// Deviation is a reduced signed error, keyed by
// (Timestamp, SiteID, ModelID, ParameterID, HorizonHours).
type Deviation struct {
	Timestamp     time.Time
	SiteID        int64
	ModelID       int64
	ParameterID   int64
	HorizonHours  int
	ForecastValue decimal.Decimal
	ObservedValue decimal.Decimal
	Deviation     decimal.Decimal
	Outlier       bool
}

// ConfidenceLevel is the qualitative label attached to an AccuracyMetric,
// derived from the number of days of data spanned by its sample.
type ConfidenceLevel string

const (
	ConfidenceInsufficient ConfidenceLevel = "insufficient"
	ConfidencePreliminary  ConfidenceLevel = "preliminary"
	ConfidenceValidated    ConfidenceLevel = "validated"
)

// AccuracyMetric is the reduced-statistics row for one
// (ModelID, SiteID, ParameterID, HorizonHours) cell.
type AccuracyMetric struct {
	ModelID         int64
	SiteID          int64
	ParameterID     int64
	HorizonHours    int
	MAE             decimal.Decimal
	Bias            decimal.Decimal
	StdDev          decimal.Decimal
	SampleSize      int
	ConfidenceLevel ConfidenceLevel
	ConfidenceMsg   string
	CILower         decimal.Decimal
	CIUpper         decimal.Decimal
	MinDeviation    decimal.Decimal
	MaxDeviation    decimal.Decimal
	CalculatedAt    time.Time
}

// ExecutionStatus is the outcome of a single scheduled or manual job run.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusPartial ExecutionStatus = "partial"
	StatusFailed  ExecutionStatus = "failed"
)

// ExecutionLog is one observability row per job run.
type ExecutionLog struct {
	ID                string // uuid
	JobID             string
	Start             time.Time
	End               time.Time
	Duration          time.Duration
	Status            ExecutionStatus
	RecordsCollected  int
	RecordsPersisted  int
	Errors            []string
}

// ForecastPoint is what a forecast collector hands back before it has a
// database identity.
type ForecastPoint struct {
	SiteID      int64
	ModelID     int64
	ParameterID int64
	ForecastRun time.Time
	ValidTime   time.Time
	Value       decimal.Decimal
}

// ObservationPoint is what an observation collector hands back before it has
// a database identity.
type ObservationPoint struct {
	SiteID          int64
	ParameterID     int64
	ObservationTime time.Time
	Value           decimal.Decimal
	SourceTag       string
}
