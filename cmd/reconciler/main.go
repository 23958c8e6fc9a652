// Command reconciler is the forecast/observation reconciliation process
// entrypoint: it wires configuration, storage, collectors, and the
// scheduler, then serves /healthz and /metrics until a shutdown signal
// arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-reconciler/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-reconciler/internal/collector/beacon"
	"github.com/kjstillabower/forecast-reconciler/internal/collector/gridded"
	"github.com/kjstillabower/forecast-reconciler/internal/collector/sounding"
	"github.com/kjstillabower/forecast-reconciler/internal/config"
	"github.com/kjstillabower/forecast-reconciler/internal/httpclient"
	"github.com/kjstillabower/forecast-reconciler/internal/lifecycle"
	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/observability"
	"github.com/kjstillabower/forecast-reconciler/internal/ratelimit"
	"github.com/kjstillabower/forecast-reconciler/internal/refdata"
	"github.com/kjstillabower/forecast-reconciler/internal/scheduler"
	"github.com/kjstillabower/forecast-reconciler/internal/storage/postgres"
)

const (
	modelGriddedBinary int64 = 1
	modelJSONSounding  int64 = 2
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer observability.FlushTelemetry(context.Background(), logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	store, err := postgres.Connect(context.Background(), postgres.Config{
		DatabaseURL: cfg.DatabaseURL,
		MinConns:    cfg.DBPoolMinConns,
		MaxConns:    cfg.DBPoolMaxConns,
	})
	if err != nil {
		logger.Fatal("storage connect failed", zap.Error(err))
	}
	defer store.Close()

	refs := refdata.New(store, logger)
	if err := refs.Warm(context.Background()); err != nil {
		logger.Warn("initial reference data warm failed", zap.Error(err))
	}

	httpClient := httpclient.New(cfg.RequestTimeout)
	defer httpClient.Close()

	limiter := ratelimit.NewRegistry(ratelimit.Config{RequestsPerMinute: cfg.RateLimitPerMinute})
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 5,
		Window:           5 * time.Minute,
		Cooldown:         30 * time.Second,
	})

	griddedCollector := &gridded.Collector{
		BaseURL:     "https://gridded.example/forecast",
		BearerToken: cfg.UpstreamToken,
		Timeout:     cfg.RequestTimeout,
		Decoder:     gridded.GRIBDecoder{},
		HTTP:        httpClient,
		Limiter:     limiter,
		Breaker:     breakers,
		Logger:      logger,
	}
	soundingCollector := &sounding.Collector{
		BaseURL:   "https://sounding.example/plot",
		Origin:    cfg.SoundingOrigin,
		Referer:   cfg.SoundingReferer,
		XAuth:     cfg.SoundingXAuth,
		UserAgent: cfg.CollectorUserAgent,
		HTTP:      httpClient,
		Limiter:   limiter,
		Breaker:   breakers,
		Logger:    logger,
	}
	networkACollector := beacon.New(beacon.Config{
		Network:      "network_a",
		BaseURL:      "https://network-a.example/station",
		IDQueryParam: "idBalise",
		UserAgent:    cfg.CollectorUserAgent,
		Cardinals:    beacon.FrenchCardinalTable,
		TimeLayout:   "02/01/2006 15:04",
	}, httpClient, limiter, breakers, logger)
	networkBCollector := beacon.New(beacon.Config{
		Network:      "network_b",
		BaseURL:      "https://network-b.example/station",
		IDQueryParam: "id",
		UserAgent:    cfg.CollectorUserAgent,
		Cardinals:    beacon.MixedCardinalTable,
		TimeLayout:   "02/01/2006 15:04",
	}, httpClient, limiter, breakers, logger)

	sched := scheduler.New(scheduler.Config{
		ForecastHoursUTC:    cfg.ForecastJobHoursUTC,
		ObservationHoursUTC: cfg.ObservationJobHoursUTC,
		MisfireGrace:        cfg.MisfireGrace,
		Parameters: []models.ParameterKind{
			models.ParameterWindSpeed, models.ParameterWindDirection, models.ParameterTemperature,
		},
		ForecastSources: []scheduler.ForecastSource{
			{ModelID: modelGriddedBinary, Collector: griddedCollector},
			{ModelID: modelJSONSounding, Collector: soundingCollector},
		},
		ObservationSources: []scheduler.ObservationSource{
			{Network: "network_a", Collector: networkACollector},
			{Network: "network_b", Collector: networkBCollector},
		},
	}, store, refs, logger)

	if cfg.SchedulerEnabled {
		if err := sched.Start(); err != nil {
			logger.Fatal("scheduler start failed", zap.Error(err))
		}
		logger.Info("scheduler started", zap.Strings("jobs", sched.Jobs()))
	} else {
		logger.Info("scheduler disabled by configuration")
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go ratelimit.NewSweeper(limiter, cfg.SweepInterval).Run(sweepCtx)
	go circuitbreaker.NewSweeper(breakers, cfg.SweepInterval).Run(sweepCtx)
	go refs.WarmPeriodic(sweepCtx, cfg.SweepInterval)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthHandler(sched)).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}
	go func() {
		logger.Info("serving http", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received, draining")
	lifecycle.SetShuttingDown(true)
	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	schedDone := sched.Stop()
	select {
	case <-schedDone.Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not drain in-flight jobs before shutdown timeout")
	}

	logger.Info("shutdown complete")
}

func healthHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if lifecycle.IsShuttingDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "shutting down")
			return
		}
		if !sched.Running() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "ok (scheduler disabled)")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}
}
