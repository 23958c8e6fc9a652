// Package scheduler owns the two cron-driven jobs that pull forecasts and
// observations from every configured source into staging (§4.3). It is a
// process-wide singleton: Start is called once at boot and Stop once on
// shutdown signal.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-reconciler/internal/collector"
	"github.com/kjstillabower/forecast-reconciler/internal/dedupe"
	"github.com/kjstillabower/forecast-reconciler/internal/models"
	"github.com/kjstillabower/forecast-reconciler/internal/observability"
	"github.com/kjstillabower/forecast-reconciler/internal/refdata"
	"github.com/kjstillabower/forecast-reconciler/internal/storage"
)

// forecastMarkerTTL and observationMarkerTTL bound how long a staging key
// stays in the dedup cache, comfortably past one collection cycle of its
// kind so a re-fired job still gets the round-trip savings.
const (
	forecastMarkerTTL    = 7 * time.Hour
	observationMarkerTTL = 3 * time.Hour
)

const (
	JobForecastCollection    = "forecast_collection"
	JobObservationCollection = "observation_collection"
)

// ForecastSource binds one forecast collector to the Model it represents.
type ForecastSource struct {
	ModelID   int64
	Collector collector.Collector
}

// ObservationSource binds one observation collector to the network name
// used as the beacon lookup key and the staging SourceTag.
type ObservationSource struct {
	Network   string
	Collector collector.Collector
}

// Config configures the scheduler's jobs and cron triggers.
type Config struct {
	ForecastHoursUTC    []int
	ObservationHoursUTC []int
	MisfireGrace        time.Duration

	ForecastSources    []ForecastSource
	ObservationSources []ObservationSource

	Parameters []models.ParameterKind // parameter kinds every collector call resolves ids for

	// Dedup pre-checks a staging key before the job upserts it, skipping a
	// redundant store round trip when a collector re-submits a point it
	// already wrote. Optional; defaults to an in-process InMemoryMarkerCache.
	// Pass a MemcachedMarkerCache to share the hint across replicas.
	Dedup dedupe.MarkerCache
}

// Scheduler runs the forecast and observation collection jobs on a cron
// trigger, coalescing overlapping fires into a single run per job.
type Scheduler struct {
	cfg    Config
	store  storage.Store
	refs   *refdata.Cache
	dedup  dedupe.MarkerCache
	logger *zap.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	// inFlight guards max_instances=1 per job: a fire that lands while the
	// previous run of the same job is still executing is dropped, which is
	// the coalescing behaviour §4.3 calls for.
	inFlight map[string]bool
}

// New constructs a Scheduler. Call Start to begin firing jobs.
func New(cfg Config, store storage.Store, refs *refdata.Cache, logger *zap.Logger) *Scheduler {
	dedup := cfg.Dedup
	if dedup == nil {
		dedup = dedupe.NewInMemoryMarkerCache()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		refs:     refs,
		dedup:    dedup,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		inFlight: make(map[string]bool),
	}
}

// Start registers both jobs' cron triggers and begins firing. Calling Start
// twice is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	for _, hour := range s.cfg.ForecastHoursUTC {
		spec := fmt.Sprintf("0 %d * * *", hour)
		if _, err := s.cron.AddFunc(spec, func() { s.runCoalesced(context.Background(), JobForecastCollection, s.runForecastJob) }); err != nil {
			return fmt.Errorf("scheduler: register forecast job: %w", err)
		}
	}
	for _, hour := range s.cfg.ObservationHoursUTC {
		spec := fmt.Sprintf("0 %d * * *", hour)
		if _, err := s.cron.AddFunc(spec, func() { s.runCoalesced(context.Background(), JobObservationCollection, s.runObservationJob) }); err != nil {
			return fmt.Errorf("scheduler: register observation job: %w", err)
		}
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop requests the scheduler stop firing new jobs. It does not wait for
// in-flight runs; callers that need that guarantee should await the context
// returned by the cron library's Stop, here exposed via the returned
// context's Done channel.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return s.cron.Stop()
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Jobs returns the job names currently registered.
func (s *Scheduler) Jobs() []string {
	return []string{JobForecastCollection, JobObservationCollection}
}

// RunForecastJobNow triggers the forecast job immediately, outside the cron
// schedule, honoring the same coalescing as a cron fire.
func (s *Scheduler) RunForecastJobNow(ctx context.Context) {
	s.runCoalesced(ctx, JobForecastCollection, s.runForecastJob)
}

// RunObservationJobNow triggers the observation job immediately.
func (s *Scheduler) RunObservationJobNow(ctx context.Context) {
	s.runCoalesced(ctx, JobObservationCollection, s.runObservationJob)
}

// runCoalesced enforces max_instances=1: if job is already running, this
// fire is dropped rather than queued.
func (s *Scheduler) runCoalesced(ctx context.Context, job string, body func(ctx context.Context) models.ExecutionLog) {
	s.mu.Lock()
	if s.inFlight[job] {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Warn("job fire coalesced, previous run still in flight", zap.String("job", job))
		}
		return
	}
	s.inFlight[job] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight[job] = false
		s.mu.Unlock()
	}()

	runCtx := ctx
	if s.cfg.MisfireGrace > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.MisfireGrace)
		defer cancel()
	}

	start := time.Now()
	log := body(runCtx)
	duration := time.Since(start)

	observability.SchedulerJobDuration.WithLabelValues(job).Observe(duration.Seconds())
	observability.SchedulerJobsTotal.WithLabelValues(job, string(log.Status)).Inc()

	if err := s.store.InsertExecutionLog(context.Background(), log); err != nil && s.logger != nil {
		s.logger.Error("failed to write execution log", zap.String("job", job), zap.Error(err))
	}
}

func (s *Scheduler) parameterIDs(ctx context.Context) map[models.ParameterKind]int64 {
	ids := make(map[models.ParameterKind]int64, len(s.cfg.Parameters))
	for _, kind := range s.cfg.Parameters {
		id, err := s.refs.ParameterID(ctx, kind)
		if err != nil {
			continue
		}
		ids[kind] = id
	}
	return ids
}

func (s *Scheduler) runForecastJob(ctx context.Context) models.ExecutionLog {
	start := time.Now()
	log := models.ExecutionLog{ID: uuid.NewString(), JobID: JobForecastCollection, Start: start}

	sites, err := s.refs.Sites(ctx)
	if err != nil {
		log.End = time.Now()
		log.Duration = log.End.Sub(log.Start)
		log.Status = models.StatusFailed
		log.Errors = []string{fmt.Sprintf("load sites: %v", err)}
		return log
	}

	paramIDs := s.parameterIDs(ctx)
	forecastRun := time.Now().UTC().Truncate(time.Hour)

	var collected, persisted, succeeded, attempted int
	var errs []string

	for _, site := range sites {
		for _, fs := range s.cfg.ForecastSources {
			attempted++
			req := collector.ForecastRequest{
				SiteID: site.ID, ForecastRun: forecastRun,
				Latitude: site.Latitude, Longitude: site.Longitude,
				ModelID: fs.ModelID, ParameterIDs: paramIDs,
			}

			callStart := time.Now()
			points := fs.Collector.CollectForecast(ctx, req)
			observability.CollectionDuration.WithLabelValues(fs.Collector.Source(), "forecast").Observe(time.Since(callStart).Seconds())

			status := "success"
			if len(points) == 0 {
				status = "empty"
			}
			observability.CollectionsTotal.WithLabelValues(fs.Collector.Source(), "forecast", status).Inc()
			observability.RecordsCollectedTotal.WithLabelValues(fs.Collector.Source(), "forecast").Add(float64(len(points)))
			collected += len(points)

			if len(points) == 0 {
				continue
			}
			unseen := s.filterUnseenForecasts(ctx, points)
			if len(unseen) == 0 {
				continue
			}
			result, err := s.store.UpsertForecasts(ctx, unseen)
			if err != nil {
				errs = append(errs, fmt.Sprintf("site %d source %s: %v", site.ID, fs.Collector.Source(), err))
				continue
			}
			s.markForecastsSeen(ctx, unseen)
			persisted += result.Inserted
			succeeded++
		}
	}

	log.End = time.Now()
	log.Duration = log.End.Sub(log.Start)
	log.RecordsCollected = collected
	log.RecordsPersisted = persisted
	log.Errors = errs
	log.Status = statusFor(attempted, succeeded, len(errs))
	return log
}

func (s *Scheduler) runObservationJob(ctx context.Context) models.ExecutionLog {
	start := time.Now()
	log := models.ExecutionLog{ID: uuid.NewString(), JobID: JobObservationCollection, Start: start}

	sites, err := s.refs.Sites(ctx)
	if err != nil {
		log.End = time.Now()
		log.Duration = log.End.Sub(log.Start)
		log.Status = models.StatusFailed
		log.Errors = []string{fmt.Sprintf("load sites: %v", err)}
		return log
	}

	paramIDs := s.parameterIDs(ctx)
	now := time.Now().UTC()

	var collected, persisted, succeeded, attempted int
	var errs []string

	for _, site := range sites {
		for _, os := range s.cfg.ObservationSources {
			attempted++
			points, err := s.collectWithBackupFallback(ctx, os, site, paramIDs, now)
			if err != nil {
				errs = append(errs, fmt.Sprintf("site %d network %s: %v", site.ID, os.Network, err))
				continue
			}
			collected += len(points)
			if len(points) == 0 {
				continue
			}
			unseen := s.filterUnseenObservations(ctx, points)
			if len(unseen) == 0 {
				continue
			}
			result, err := s.store.UpsertObservations(ctx, unseen)
			if err != nil {
				errs = append(errs, fmt.Sprintf("site %d network %s: %v", site.ID, os.Network, err))
				continue
			}
			s.markObservationsSeen(ctx, unseen)
			persisted += result.Inserted
			succeeded++
		}
	}

	log.End = time.Now()
	log.Duration = log.End.Sub(log.Start)
	log.RecordsCollected = collected
	log.RecordsPersisted = persisted
	log.Errors = errs
	log.Status = statusFor(attempted, succeeded, len(errs))
	return log
}

// collectWithBackupFallback tries the primary beacon for (site, network);
// the backup is tried whenever the primary yields no data, including a
// zero-row result from a configured, reachable primary, or when the site
// has no primary configured at all for this network.
func (s *Scheduler) collectWithBackupFallback(ctx context.Context, os ObservationSource, site models.Site, paramIDs map[models.ParameterKind]int64, now time.Time) ([]models.ObservationPoint, error) {
	if primaryID, ok := site.PrimaryBeacon(os.Network); ok {
		points := os.Collector.CollectObservation(ctx, collector.ObservationRequest{
			SiteID: site.ID, ObservationTime: now, BeaconID: primaryID, HasBeaconID: true, ParameterIDs: paramIDs,
		})
		if len(points) > 0 {
			return points, nil
		}
	}

	if backupID, ok := site.BackupBeacon(os.Network); ok {
		points := os.Collector.CollectObservation(ctx, collector.ObservationRequest{
			SiteID: site.ID, ObservationTime: now, BeaconID: backupID, HasBeaconID: true, ParameterIDs: paramIDs,
		})
		return points, nil
	}

	return nil, nil
}

// forecastStagingKey identifies a forecast point by the same five-tuple its
// storage-layer unique constraint enforces.
func forecastStagingKey(p models.ForecastPoint) string {
	return strconv.FormatInt(p.SiteID, 10) + ":" + strconv.FormatInt(p.ModelID, 10) + ":" +
		strconv.FormatInt(p.ParameterID, 10) + ":" + strconv.FormatInt(p.ForecastRun.Unix(), 10) + ":" +
		strconv.FormatInt(p.ValidTime.Unix(), 10)
}

// observationStagingKey identifies an observation point by the same
// four-tuple its storage-layer unique constraint enforces.
func observationStagingKey(p models.ObservationPoint) string {
	return strconv.FormatInt(p.SiteID, 10) + ":" + strconv.FormatInt(p.ParameterID, 10) + ":" +
		strconv.FormatInt(p.ObservationTime.Unix(), 10) + ":" + p.SourceTag
}

// filterUnseenForecasts drops points the dedup cache has already marked
// written, sparing the store an upsert call it would only discard on the
// unique constraint. A cache miss or error is always treated as unseen.
func (s *Scheduler) filterUnseenForecasts(ctx context.Context, points []models.ForecastPoint) []models.ForecastPoint {
	out := points[:0:0]
	for _, p := range points {
		seen, err := s.dedup.Seen(ctx, forecastStagingKey(p))
		if err != nil || !seen {
			out = append(out, p)
		}
	}
	return out
}

func (s *Scheduler) markForecastsSeen(ctx context.Context, points []models.ForecastPoint) {
	for _, p := range points {
		_ = s.dedup.Mark(ctx, forecastStagingKey(p), forecastMarkerTTL)
	}
}

func (s *Scheduler) filterUnseenObservations(ctx context.Context, points []models.ObservationPoint) []models.ObservationPoint {
	out := points[:0:0]
	for _, p := range points {
		seen, err := s.dedup.Seen(ctx, observationStagingKey(p))
		if err != nil || !seen {
			out = append(out, p)
		}
	}
	return out
}

func (s *Scheduler) markObservationsSeen(ctx context.Context, points []models.ObservationPoint) {
	for _, p := range points {
		_ = s.dedup.Mark(ctx, observationStagingKey(p), observationMarkerTTL)
	}
}

func statusFor(attempted, succeeded, errCount int) models.ExecutionStatus {
	if attempted == 0 {
		return models.StatusSuccess
	}
	if errCount == 0 {
		return models.StatusSuccess
	}
	if succeeded > 0 {
		return models.StatusPartial
	}
	return models.StatusFailed
}
