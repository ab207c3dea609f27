package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/llxisdsh/qsync/internal/stress"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

// setMaxProcs sets GOMAXPROCS from the cgroup CPU quota, if any.
func setMaxProcs() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Err(err).Msg("[main] setting up GOMAXPROCS value failed")
		return
	}
	log.Info().Msgf("[main] GOMAXPROCS=%d", runtime.GOMAXPROCS(0))
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	flags := pflag.NewFlagSet("qsyncstress", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	flags.Duration("duration", 5*time.Second, "duration of each scenario")
	flags.Int("workers", 8, "number of worker goroutines")
	flags.Float64("rate", 0, "operations per second per worker (0 = unlimited)")
	flags.Bool("fair", false, "use FIFO primitives")
	flags.Int64("permits", 3, "permits of the semaphore scenario")
	flags.StringSlice("scenarios", nil, "scenarios to run (default all)")
	flags.String("metrics-addr", "", "listen address of the metrics server")
	flags.String("log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	v := stress.NewViper()
	for _, key := range []string{"duration", "workers", "rate", "fair", "permits", "scenarios"} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}
	_ = v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	cfg, err := stress.LoadConfig(v, *configPath)
	if err != nil {
		log.Err(err).Msg("[config] failed to load")
		os.Exit(2)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("[config] unknown log level, keeping info")
	}
	if dump, err := cfg.Dump(); err == nil {
		log.Debug().Msg("[config] effective configuration:\n" + dump)
	}

	setMaxProcs()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := stress.NewMetrics()
	runner := stress.NewRunner(cfg, log.Logger, m)

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()
	if cfg.MetricsAddr != "" {
		srv := stress.NewServer(cfg.MetricsAddr, log.Logger, m)
		g.Go(func() error {
			return srv.ListenAndServe(serveCtx)
		})
	}

	var runErr error
	g.Go(func() error {
		defer stopServer()
		runErr = runner.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Err(err).Msg("[main] metrics server failed")
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("[main] invariant violations detected")
		os.Exit(1)
	}
	log.Info().Msg("[main] all scenarios passed")
}
