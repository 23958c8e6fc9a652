// Package ratelimit provides a per-source token-bucket limiter for outbound
// collector calls (§4.1) plus an in-flight concurrency gauge used to flag
// collector stampedes, mirroring the limiter wiring in the teacher's
// cmd/service/main.go and the concurrency bookkeeping in its now-retired
// internal/service/stampede.go.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-reconciler/internal/observability"
	"github.com/kjstillabower/forecast-reconciler/internal/slidingwindow"
)

// Config controls the token bucket created for each source.
type Config struct {
	RequestsPerMinute int // default 100, per §6
	Burst             int // default equal to RequestsPerMinute
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 100
	}
	if c.Burst <= 0 {
		c.Burst = c.RequestsPerMinute
	}
	return c
}

func (c Config) perSecond() rate.Limit {
	return rate.Limit(float64(c.RequestsPerMinute) / 60.0)
}

// source bundles one source's token bucket with the in-flight counter used
// to surface concurrent-call stampedes, and a sliding window of recent
// grants so the sweeper can tell an idle source from a noisy one.
type source struct {
	limiter  *rate.Limiter
	inFlight int
	mu       sync.Mutex
	activity *slidingwindow.Counter
}

// Registry hands out one rate.Limiter per source, created lazily.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*source
	cfg     Config
}

// NewRegistry returns a Registry whose limiters all use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{sources: make(map[string]*source), cfg: cfg.withDefaults()}
}

func (r *Registry) get(name string) *source {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[name]
	if !ok {
		s = &source{
			limiter:  rate.NewLimiter(r.cfg.perSecond(), r.cfg.Burst),
			activity: slidingwindow.New(5 * time.Minute),
		}
		r.sources[name] = s
	}
	return s
}

// Wait blocks until source's bucket yields a token or ctx is cancelled. It
// tracks in-flight calls so Stats can report concurrent collector activity
// for a source (the live equivalent of the teacher's stampede tracker).
func (r *Registry) Wait(ctx context.Context, source string) error {
	s := r.get(source)
	start := time.Now()
	err := s.limiter.Wait(ctx)
	observability.RateLimiterWaitSeconds.WithLabelValues(source).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.inFlight++
	s.activity.Record()
	s.mu.Unlock()
	return nil
}

// Done signals that a call admitted by Wait has finished, decrementing the
// in-flight gauge for source. Callers must pair every Wait with a Done,
// typically via defer.
func (r *Registry) Done(source string) {
	s := r.get(source)
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// Stats is a point-in-time snapshot of a source's limiter state.
type Stats struct {
	InFlight     int
	TokensLeft   float64
	RecentGrants int
}

// Snapshot returns Stats for every source the registry has seen, keyed by
// source name, for export via internal/observability.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.sources))
	srcs := make([]*source, 0, len(r.sources))
	for name, s := range r.sources {
		names = append(names, name)
		srcs = append(srcs, s)
	}
	r.mu.Unlock()

	out := make(map[string]Stats, len(names))
	now := time.Now()
	for i, name := range names {
		s := srcs[i]
		s.mu.Lock()
		out[name] = Stats{
			InFlight:     s.inFlight,
			TokensLeft:   s.limiter.TokensAt(now),
			RecentGrants: s.activity.Count(5 * time.Minute),
		}
		s.mu.Unlock()
	}
	return out
}

// Sweeper periodically prunes the activity window of every known source and
// drops sources with no recent grants and no call in flight, so memory
// stays bounded regardless of how many distinct sources are seen
// over the process lifetime, following the same periodic-prune shape as
// internal/circuitbreaker's failure counters (§9).
type Sweeper struct {
	registry *Registry
	interval time.Duration
}

// NewSweeper returns a Sweeper that prunes registry's source windows every
// interval when run.
func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{registry: registry, interval: interval}
}

// Run blocks, pruning on each tick until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce()
		}
	}
}

func (sw *Sweeper) sweepOnce() {
	now := time.Now()
	sw.registry.mu.Lock()
	defer sw.registry.mu.Unlock()
	for name, s := range sw.registry.sources {
		s.mu.Lock()
		_ = s.activity.Count(5 * time.Minute) // Count prunes as a side effect
		idle := s.inFlight == 0 && s.activity.Idle(now)
		s.mu.Unlock()
		if idle {
			delete(sw.registry.sources, name)
		}
	}
}
