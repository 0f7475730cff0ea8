package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/loremaster/internal/platform/timeouts"
)

// JournalHealthService is the health service name that tracks journal
// persistence.
const JournalHealthService = "loremaster.Journal"

// Server hosts the loremaster game engine.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	engine     *Engine
	cfg        Config
	clock      func() time.Time
}

// New creates a configured game server listening on the provided port.
func New(ctx context.Context, cfg Config, port int) (*Server, error) {
	return NewWithAddr(ctx, cfg, fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured game server listening on the provided address.
func NewWithAddr(ctx context.Context, cfg Config, addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	engine, err := NewEngine(ctx, cfg)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		engine:     engine,
		cfg:        cfg,
		clock:      time.Now,
	}
	s.syncHealth()
	return s, nil
}

// Addr returns the listener address for the game server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Engine returns the engine hosted by the server.
func (s *Server) Engine() *Engine {
	return s.engine
}

// Run creates and serves a game server until the context ends.
func Run(ctx context.Context, cfg Config, port int) error {
	srv, err := New(ctx, cfg, port)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// RunWithAddr creates and serves a game server on addr until the context ends.
func RunWithAddr(ctx context.Context, cfg Config, addr string) error {
	srv, err := NewWithAddr(ctx, cfg, addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve starts the game server and its background loops, and blocks until
// the listener stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.engine.Close()

	log.Printf("game server listening at %v", s.listener.Addr())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.grpcServer.Serve(s.listener)
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	})
	g.Go(func() error {
		s.every(gctx, s.cfg.HealthInterval, s.syncHealth)
		return nil
	})
	g.Go(func() error {
		s.every(gctx, s.cfg.SagaPruneInterval, s.pruneSagas)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		s.stop()
		return nil
	})
	return g.Wait()
}

// stop drains in-flight RPCs, forcing the stop after the shutdown timeout.
func (s *Server) stop() {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeouts.Shutdown):
		s.grpcServer.Stop()
	}
}

func (s *Server) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// syncHealth mirrors journal persistence health into the health service.
func (s *Server) syncHealth() {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !s.engine.Health().Healthy() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(JournalHealthService, status)
}

func (s *Server) pruneSagas() {
	if evicted := s.engine.Sagas().Prune(s.clock()); evicted > 0 {
		log.Printf("pruned %d archived sagas", evicted)
	}
}
