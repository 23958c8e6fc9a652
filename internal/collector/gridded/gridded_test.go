package gridded

import (
	"context"
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

type fakeDecoder struct {
	steps []TimeStep
	err   error
}

func (f *fakeDecoder) Decode(path string, lat, lon float64) ([]TimeStep, error) {
	return f.steps, f.err
}

func newTestCollector(t *testing.T, srv *httptest.Server, dec Decoder) *Collector {
	t.Helper()
	return &Collector{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Decoder: dec,
		HTTP:    httpclient.New(time.Second),
		Limiter: ratelimit.NewRegistry(ratelimit.Config{RequestsPerMinute: 6000, Burst: 100}),
		Breaker: circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 5, Window: time.Minute, Cooldown: time.Millisecond}),
		Logger:  zap.NewNop(),
	}
}

// TestCollectForecast_ExtractsWindAndTemperature verifies a decoded step
// yields wind-speed, wind-direction, and temperature forecast points using
// the §4.2.1 formulas.
func TestCollectForecast_ExtractsWindAndTemperature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("binary-payload"))
	}))
	defer srv.Close()

	validTime := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	dec := &fakeDecoder{steps: []TimeStep{
		{ValidTime: validTime, U: 3, V: 4, HasWind: true, TemperatureK: 280, HasTemp: true},
	}}
	c := newTestCollector(t, srv, dec)

	req := collector.ForecastRequest{
		SiteID: 1, ModelID: 2,
		ForecastRun: validTime.Add(-12 * time.Hour),
		Latitude:    45.5, Longitude: -73.6,
		ParameterIDs: map[models.ParameterKind]int64{
			models.ParameterWindSpeed:     10,
			models.ParameterWindDirection: 11,
			models.ParameterTemperature:   12,
		},
	}

	points := c.CollectForecast(context.Background(), req)
	if len(points) != 3 {
		t.Fatalf("len(points) = %d, want 3", len(points))
	}
	for _, p := range points {
		if p.ValidTime != validTime {
			t.Errorf("ValidTime = %v, want %v", p.ValidTime, validTime)
		}
	}
}

// TestCollectForecast_DecodeErrorYieldsEmpty verifies that a decode failure
// never escapes as an error, per §4.2's total-over-inputs contract.
func TestCollectForecast_DecodeErrorYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("binary-payload"))
	}))
	defer srv.Close()

	dec := &fakeDecoder{err: errDecodeBoom}
	c := newTestCollector(t, srv, dec)

	points := c.CollectForecast(context.Background(), collector.ForecastRequest{SiteID: 1, ForecastRun: time.Now()})
	if points != nil {
		t.Errorf("points = %v, want nil", points)
	}
}

// TestCollectObservation_AlwaysEmpty verifies the gridded source never
// provides observations.
func TestCollectObservation_AlwaysEmpty(t *testing.T) {
	c := &Collector{Logger: zap.NewNop()}
	if got := c.CollectObservation(context.Background(), collector.ObservationRequest{}); got != nil {
		t.Errorf("CollectObservation() = %v, want nil", got)
	}
}

var errDecodeBoom = &decodeError{"boom"}

type decodeError struct{ msg string }

func (e *decodeError) Error() string { return e.msg }
