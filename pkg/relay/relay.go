// Package relay exposes a local HTTP endpoint so test adapters running in
// other processes can submit results to one long-lived telemetry session.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xping-dev/xping/pkg/collector"
	"github.com/xping-dev/xping/pkg/config"
	"github.com/xping-dev/xping/pkg/execution"
	"github.com/xping-dev/xping/pkg/session"
)

const shutdownTimeout = 10 * time.Second

// Pipeline is the part of the session orchestrator the relay drives.
type Pipeline interface {
	RecordTestExecutions(ctx context.Context, records []execution.Record) collector.FlushResult
	FlushSession(ctx context.Context) collector.FlushResult
	Stats(ctx context.Context) session.Stats
	Health() session.Health
}

var _ Pipeline = (*session.Orchestrator)(nil)

// Server exposes the relay HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the bound listen address once started.
	Addr() string
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.RelayConfig
	pipeline   Pipeline
	limiters   *rateLimiterMap
	router     http.Handler
	httpServer *http.Server
	addr       string
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a relay server in front of pipeline.
func NewServer(log logrus.FieldLogger, cfg *config.RelayConfig, pipeline Pipeline) Server {
	s := &server{
		log:      log.WithField("component", "relay"),
		cfg:      cfg,
		pipeline: pipeline,
		done:     make(chan struct{}),
	}

	if cfg.RateLimit.Enabled {
		s.limiters = newRateLimiterMap(cfg.RateLimit.RequestsPerMinute)
	}

	s.router = s.buildRouter()

	return s
}

func (s *server) Handler() http.Handler {
	return s.router
}

func (s *server) Addr() string {
	return s.addr
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind synchronously so port conflicts fail fast.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.addr = ln.Addr().String()

	if s.limiters != nil {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			s.limiters.cleanup(s.done)
		}()
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).Info("Relay server starting")

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.log.WithError(err).Warn("HTTP server shutdown error")
			}
		}

		s.wg.Wait()
	})

	return nil
}
