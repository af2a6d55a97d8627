// ABOUTME: Central server orchestrator: owns the store, registry, bus client, and HTTP server
// ABOUTME: Recovers state from SQLite on start and shuts every component down in order

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/clock"
	"github.com/Davery92/sara-jarvis/internal/config"
	"github.com/Davery92/sara-jarvis/internal/events"
	"github.com/Davery92/sara-jarvis/internal/fleet"
	"github.com/Davery92/sara-jarvis/internal/notify"
	"github.com/Davery92/sara-jarvis/internal/store"
	"github.com/Davery92/sara-jarvis/internal/telemetry"
)

// loadTimeout bounds the startup read of persisted fleet state.
const loadTimeout = 30 * time.Second

// Server runs the central server components.
type Server struct {
	config      *config.Config
	store       store.Store
	registry    *fleet.Registry
	commands    *fleet.CommandTracker
	bus         *bus.Client
	service     *fleet.Service
	monitor     *fleet.Monitor
	broadcaster *events.Broadcaster
	notifier    *notify.Notifier
	api         *API
	httpServer  *http.Server
	logger      *slog.Logger

	// shutdownTracing is replaced by Run once tracing is set up.
	shutdownTracing telemetry.ShutdownFunc
}

// New creates a Server from cfg. It opens the database and rebuilds the
// in-memory registry from it, but does not touch the network.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry := fleet.NewRegistry(logger)
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	if err := registry.Load(ctx, s); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading fleet state: %w", err)
	}

	busClient := bus.NewClient(bus.Options{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.ClientID("server"),
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, logger)

	broadcaster := events.NewBroadcaster(logger)
	commands := fleet.NewCommandTracker(logger)
	clk := clock.Real()

	service := fleet.NewService(fleet.ServiceConfig{
		Store:            s,
		Registry:         registry,
		Commands:         commands,
		Publisher:        busClient,
		Events:           broadcaster,
		Clock:            clk,
		HeartbeatTimeout: cfg.Fleet.HeartbeatTimeout,
		Logger:           logger,
	})

	monitor := fleet.NewMonitor(fleet.MonitorConfig{
		Registry:         registry,
		Commands:         commands,
		Events:           broadcaster,
		Clock:            clk,
		HeartbeatTimeout: cfg.Fleet.HeartbeatTimeout,
		CheckInterval:    cfg.Fleet.CheckInterval,
		CommandTimeout:   cfg.Fleet.CommandTimeout,
		CommandRetention: cfg.Fleet.CommandRetention,
		Logger:           logger,
	})

	api := NewAPI(service, broadcaster, logger)

	srv := &Server{
		config:      cfg,
		store:       s,
		registry:    registry,
		commands:    commands,
		bus:         busClient,
		service:     service,
		monitor:     monitor,
		broadcaster: broadcaster,
		notifier:    notify.New(cfg.Notify.URLs, nil, logger),
		api:         api,
		httpServer: &http.Server{
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger,
		shutdownTracing: func(context.Context) error { return nil },
	}

	logger.Info("fleet state recovered",
		"agents", len(registry.Agents(clk.Now(), cfg.Fleet.HeartbeatTimeout)),
		"devices", len(registry.Devices()),
	)
	return srv, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.api.Handler()
}

// Run connects to the broker, starts the monitor and HTTP server, and blocks
// until ctx is cancelled or the HTTP server fails. An unreachable broker is
// not fatal: ingestion over HTTP keeps working, dispatch answers 503, and
// the bus client reconnects in the background. Rejected credentials are.
func (s *Server) Run(ctx context.Context) error {
	shutdownTracing, err := telemetry.Setup(ctx, s.config.Tracing, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	if err := s.bus.Connect(ctx); err != nil {
		_ = s.gracefulShutdown()
		return fmt.Errorf("connecting to broker: %w", err)
	}

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		_ = s.gracefulShutdown()
		return fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.monitor.Run(runCtx)

	if s.notifier.Enabled() {
		ch, _ := s.broadcaster.Subscribe(runCtx, notify.Types...)
		go s.notifier.Run(runCtx, ch)
	}

	errCh := s.startHTTP(ln)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	cancel()
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) startHTTP(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
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

// gracefulShutdown shuts down with a fresh context, since the run context
// is already cancelled by the time it is called.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops every component. Event streams are closed first so the
// HTTP server is not left waiting on them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down fleet server")

	var errs []error
	s.broadcaster.Close()
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "bus disconnect", s.bus.Disconnect(ctx))
	errs = appendCloseError(errs, "tracing shutdown", s.shutdownTracing(ctx))
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
