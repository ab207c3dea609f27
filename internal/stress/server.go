package stress

import (
	"context"
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const (
	metricsRoutePath = "/metrics"
	healthRoutePath  = "/healthz"
)

// Server exposes run metrics over HTTP while a stress run is in progress.
type Server struct {
	addr   string
	log    zerolog.Logger
	server *fasthttp.Server
}

func NewServer(addr string, logger zerolog.Logger, m *Metrics) *Server {
	return &Server{
		addr: addr,
		log:  logger,
		server: &fasthttp.Server{
			Handler:      buildRouter(m).Handler,
			Name:         "qsyncstress",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func buildRouter(m *Metrics) *router.Router {
	r := router.New()
	r.GET(metricsRoutePath, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("text/plain; version=0.0.4")
		m.WritePrometheus(ctx)
	})
	r.GET(healthRoutePath, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Msgf("[server] metrics server was started on %v", s.addr)
		errCh <- s.server.ListenAndServe(s.addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("[server] metrics server shutdown failed")
		return err
	}
	s.log.Info().Msgf("[server] metrics server was stopped on %v", s.addr)
	return nil
}
