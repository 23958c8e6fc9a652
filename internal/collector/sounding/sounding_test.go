package sounding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-reconciler/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-reconciler/internal/collector"
	"github.com/kjstillabower/forecast-reconciler/internal/httpclient"
	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/ratelimit"
)

func newTestCollector(t *testing.T, srv *httptest.Server) *Collector {
	t.Helper()
	return &Collector{
		BaseURL: srv.URL,
		HTTP:    httpclient.New(time.Second),
		Limiter: ratelimit.NewRegistry(ratelimit.Config{RequestsPerMinute: 6000, Burst: 100}),
		Breaker: circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 5, Window: time.Minute, Cooldown: time.Millisecond}),
		Logger:  zap.NewNop(),
	}
}

// TestCollectForecast_StatusNotOkYieldsEmpty verifies the status gate
// (§4.2.2).
func TestCollectForecast_StatusNotOkYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(response{Status: "error"})
	}))
	defer srv.Close()

	c := newTestCollector(t, srv)
	req := collector.ForecastRequest{SiteID: 1, Latitude: 45, Longitude: -73, ForecastRun: time.Now()}
	if got := c.CollectForecast(context.Background(), req); got != nil {
		t.Errorf("CollectForecast() = %v, want nil", got)
	}
}

// TestCollectForecast_MissingCoordsIsNoOp verifies the "both coordinates
// required" rule (§4.2.2).
func TestCollectForecast_MissingCoordsIsNoOp(t *testing.T) {
	c := &Collector{Logger: zap.NewNop()}
	req := collector.ForecastRequest{SiteID: 1, ForecastRun: time.Now()}
	if got := c.CollectForecast(context.Background(), req); got != nil {
		t.Errorf("CollectForecast() = %v, want nil", got)
	}
}

// TestCollectForecast_ExtractsSurfaceValues verifies the surface-level (index
// 0) extraction and hour-of-day parsing.
func TestCollectForecast_ExtractsSurfaceValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(response{
			Status: "ok",
			Data: map[string]hourData{
				"12:00": {Levels: []surfaceLevel{{U: 3, V: 4, Temperature: 280}}},
			},
		})
	}))
	defer srv.Close()

	c := newTestCollector(t, srv)
	forecastRun := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	req := collector.ForecastRequest{
		SiteID: 1, Latitude: 45, Longitude: -73, ForecastRun: forecastRun,
		ParameterIDs: map[models.ParameterKind]int64{
			models.ParameterWindSpeed: 10, models.ParameterWindDirection: 11, models.ParameterTemperature: 12,
		},
	}
	points := c.CollectForecast(context.Background(), req)
	if len(points) != 3 {
		t.Fatalf("len(points) = %d, want 3", len(points))
	}
	wantValid := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	for _, p := range points {
		if !p.ValidTime.Equal(wantValid) {
			t.Errorf("ValidTime = %v, want %v", p.ValidTime, wantValid)
		}
	}
}

// TestParseHourOfDay_Malformed verifies malformed keys are rejected rather
// than panicking.
func TestParseHourOfDay_Malformed(t *testing.T) {
	if _, err := parseHourOfDay(time.Now(), "not-an-hour"); err == nil {
		t.Error("parseHourOfDay() error = nil, want error for malformed key")
	}
}
