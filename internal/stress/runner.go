package stress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Runner runs the configured scenarios one after another.
type Runner struct {
	cfg     *Config
	log     zerolog.Logger
	metrics *Metrics
}

func NewRunner(cfg *Config, logger zerolog.Logger, m *Metrics) *Runner {
	return &Runner{cfg: cfg, log: logger, metrics: m}
}

// Run executes every scenario and returns the joined violations, if any.
// It stops early when ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	var errs []error
	for _, name := range r.cfg.Scenarios {
		if ctx.Err() != nil {
			break
		}
		if err := r.RunScenario(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunScenario runs a single scenario for the configured duration.
func (r *Runner) RunScenario(ctx context.Context, name string) error {
	newScenario, ok := registry[name]
	if !ok {
		return fmt.Errorf("unknown scenario %q", name)
	}
	sc := newScenario(r.cfg)
	log := r.log.With().Str("scenario", name).Logger()
	log.Info().
		Int("workers", r.cfg.Workers).
		Dur("duration", r.cfg.Duration).
		Bool("fair", r.cfg.Fair).
		Msg("[stress] scenario started")

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	started := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for w := range r.cfg.Workers {
		g.Go(func() error {
			return r.work(gctx, name, sc, w)
		})
	}
	err := g.Wait()
	if err == nil {
		if err = sc.Check(); err != nil {
			r.metrics.Violation(name)
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("[stress] scenario failed")
		return fmt.Errorf("%s: %w", name, err)
	}

	ops := r.metrics.Ops(name)
	elapsed := time.Since(started)
	log.Info().
		Uint64("ops", ops).
		Float64("ops_per_sec", float64(ops)/elapsed.Seconds()).
		Dur("elapsed", elapsed).
		Msg("[stress] scenario passed")
	return nil
}

func (r *Runner) work(ctx context.Context, name string, sc Scenario, w int) error {
	var limiter *rate.Limiter
	if r.cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.Rate), 1)
	}
	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		start := time.Now()
		err := sc.Step(ctx, w)
		switch {
		case err == nil:
			r.metrics.Op(name, start)
		case errors.Is(err, ErrViolation):
			r.metrics.Violation(name)
			return err
		default:
			// Cancelled or timed out because the run is ending.
			r.metrics.Stop(name)
			if ctx.Err() == nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
			return nil
		}
	}
	return nil
}
