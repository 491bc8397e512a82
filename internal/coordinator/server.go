// ABOUTME: Long-running coordinator host that owns the store and the gRPC health endpoint
// ABOUTME: Loads built-in agents from config and manages graceful startup and shutdown

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-coordinator/internal/builtins"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/telemetry"
)

// Server runs a Coordinator as a process: it opens the store, registers the
// configured built-in agents and serves grpc.health.v1 with one service per
// agent.
type Server struct {
	config       *config.Config
	coordinator  *Coordinator
	store        store.Store
	grpcServer   *grpc.Server
	healthServer *health.Server
	telemetry    *telemetry.Providers // nil when telemetry is disabled
	logger       *slog.Logger
}

// initStore creates the SQLite store named by the config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initTelemetry builds and installs the SDK providers when telemetry is
// enabled. It returns nil providers otherwise.
func initTelemetry(cfg *config.Config, opts ...func(*telemetry.ProviderConfig)) (*telemetry.Providers, *telemetry.Metrics, error) {
	if !cfg.Telemetry.Enabled {
		return nil, nil, nil
	}

	pc := telemetry.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	}
	for _, opt := range opts {
		opt(&pc)
	}

	providers, err := telemetry.NewProviders(context.Background(), pc)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	providers.Install()

	metrics, err := providers.Metrics()
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return nil, nil, fmt.Errorf("creating metrics: %w", err)
	}
	return providers, metrics, nil
}

// NewServer creates the store, the coordinator and the configured agents.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	return newServer(cfg, logger)
}

func newServer(cfg *config.Config, logger *slog.Logger, telemetryOpts ...func(*telemetry.ProviderConfig)) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	providers, metrics, err := initTelemetry(cfg, telemetryOpts...)
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		if providers != nil {
			_ = providers.Shutdown(context.Background())
		}
	}

	s, err := initStore(cfg)
	if err != nil {
		shutdownTelemetry()
		return nil, err
	}

	healthServer := health.NewServer()
	coord, err := New(Options{
		Config:     cfg,
		Store:      s,
		HealthSink: healthServer,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		_ = s.Close()
		shutdownTelemetry()
		return nil, err
	}

	srv := &Server{
		config:       cfg,
		coordinator:  coord,
		store:        s,
		healthServer: healthServer,
		telemetry:    providers,
		logger:       logger.With("component", "server"),
	}

	if err := srv.registerBuiltinAgents(); err != nil {
		_ = coord.Shutdown(context.Background())
		_ = s.Close()
		shutdownTelemetry()
		return nil, err
	}

	srv.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(srv.grpcServer, healthServer)

	return srv, nil
}

// registerBuiltinAgents registers every agent declared in the config.
func (s *Server) registerBuiltinAgents() error {
	for _, ac := range s.config.Agents {
		a, err := builtins.FromConfig(ac)
		if err != nil {
			return err
		}
		if _, err := s.coordinator.Register(ac.ID, a); err != nil {
			return fmt.Errorf("registering built-in agent %s: %w", ac.ID, err)
		}
	}
	return nil
}

// Coordinator returns the hosted coordinator.
func (s *Server) Coordinator() *Coordinator {
	return s.coordinator
}

// Store returns the store the server persists to.
func (s *Server) Store() store.Store {
	return s.store
}

// Run starts the coordinator and, when health.grpc_addr is set, the gRPC
// health endpoint. It blocks until ctx is canceled or the server fails, then
// shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if s.config.Health.GRPCAddr == "" {
		return s.run(ctx, nil)
	}

	ln, err := net.Listen("tcp", s.config.Health.GRPCAddr)
	if err != nil {
		_ = s.gracefulShutdown()
		return fmt.Errorf("listening on health gRPC address: %w", err)
	}
	return s.run(ctx, ln)
}

// run serves on ln, which may be nil to skip the gRPC endpoint.
func (s *Server) run(ctx context.Context, ln net.Listener) error {
	if err := s.coordinator.Start(ctx); err != nil {
		return err
	}

	// Publish an initial report so health clients see agents before the first tick
	s.coordinator.CheckHealth(ctx)

	errCh := s.startServer(ln)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer starts the gRPC server in a goroutine, returning error channel.
func (s *Server) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	if ln == nil {
		return errCh
	}

	go func() {
		s.logger.Info("health gRPC server listening", "addr", ln.Addr().String())
		if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the health endpoint and the coordinator, closes the store
// and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.healthServer.Shutdown()
	s.shutdownGRPCServer(ctx)

	var errs []error
	errs = appendCloseError(errs, "coordinator shutdown", s.coordinator.Shutdown(ctx))
	errs = appendCloseError(errs, "store close", s.store.Close())
	if s.telemetry != nil {
		// Last, so spans and counters from the shutdown itself are flushed
		errs = appendCloseError(errs, "telemetry shutdown", s.telemetry.Shutdown(ctx))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
