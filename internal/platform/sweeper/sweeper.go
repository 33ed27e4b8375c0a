// Package sweeper runs periodic maintenance jobs such as expiring stale
// doctor sessions and marking overdue appointments as no-shows.
package sweeper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinicops/clinic/internal/platform/metrics"
)

// Func performs one sweep and reports how many records it moved.
type Func func(ctx context.Context) (int, error)

type job struct {
	name     string
	interval time.Duration
	fn       Func
}

type Runner struct {
	jobs    map[string]job
	log     zerolog.Logger
	metrics *metrics.Collector
}

func New(log zerolog.Logger, m *metrics.Collector) *Runner {
	return &Runner{
		jobs:    make(map[string]job),
		log:     log.With().Str("component", "sweeper").Logger(),
		metrics: m,
	}
}

// Add registers fn to run every interval. Re-adding a name replaces it.
func (r *Runner) Add(name string, interval time.Duration, fn Func) {
	r.jobs[name] = job{name: name, interval: interval, fn: fn}
}

func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for n := range r.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RunOnce executes the named job immediately.
func (r *Runner) RunOnce(ctx context.Context, name string) (int, error) {
	j, ok := r.jobs[name]
	if !ok {
		return 0, fmt.Errorf("unknown sweeper %q", name)
	}
	return r.run(ctx, j)
}

// Start runs every job on its own ticker until ctx is cancelled. Each job
// fires once at startup. A failing run is logged and retried on the next tick.
func (r *Runner) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range r.jobs {
		j := j
		if j.interval <= 0 {
			r.log.Warn().Str("sweeper", j.name).Msg("non-positive interval, job disabled")
			continue
		}
		g.Go(func() error {
			r.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, j job) {
	r.log.Info().Str("sweeper", j.name).Dur("interval", j.interval).Msg("sweeper started")
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	_, _ = r.run(ctx, j)
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Str("sweeper", j.name).Msg("sweeper stopped")
			return
		case <-ticker.C:
			_, _ = r.run(ctx, j)
		}
	}
}

func (r *Runner) run(ctx context.Context, j job) (int, error) {
	start := time.Now()
	n, err := j.fn(ctx)
	r.metrics.Sweep(j.name, n, time.Since(start), err)
	if err != nil {
		r.log.Error().Err(err).Str("sweeper", j.name).Msg("sweep failed")
		return n, err
	}
	evt := r.log.Debug()
	if n > 0 {
		evt = r.log.Info()
	}
	evt.Str("sweeper", j.name).Int("affected", n).Dur("took", time.Since(start)).Msg("sweep complete")
	return n, nil
}
