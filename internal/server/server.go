// ABOUTME: Gatekeeper process wiring that builds, restores and runs every component
// ABOUTME: Serves the HTTP API and gRPC health service over TCP or a tailscale node

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/tsnet"

	"github.com/2389/coven-gatekeeper/internal/answers"
	"github.com/2389/coven-gatekeeper/internal/config"
	"github.com/2389/coven-gatekeeper/internal/coordinator"
	"github.com/2389/coven-gatekeeper/internal/escalation"
	"github.com/2389/coven-gatekeeper/internal/events"
	"github.com/2389/coven-gatekeeper/internal/gate"
	"github.com/2389/coven-gatekeeper/internal/handshake"
	"github.com/2389/coven-gatekeeper/internal/matrix"
	"github.com/2389/coven-gatekeeper/internal/metrics"
	"github.com/2389/coven-gatekeeper/internal/notify"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// Server owns every coordination component and the listeners in front of them.
type Server struct {
	config *config.Config
	store  store.Store
	bus    *events.Bus

	handshake *handshake.Manager
	gate      *gate.Gate
	answers   *answers.Processor
	notifier  *notify.Dispatcher
	coord     *coordinator.Coordinator
	escalator *escalation.Escalator
	recorder  *metrics.Recorder
	bridge    *matrix.Bridge

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	ready    atomic.Bool
	loops    sync.WaitGroup
	shutdown sync.Once
	logger   *slog.Logger
}

// New opens the store, builds every component, wires bus handlers and restores
// persisted state. Listeners are not started until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	s, err := newServer(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

// initStore opens the SQLite store. GATEKEEPER_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("GATEKEEPER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		dbPath = ":memory:"
	}
	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func newServer(cfg *config.Config, st store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := cfg.Database.WriteTimeout

	s := &Server{
		config:   cfg,
		store:    st,
		bus:      events.NewBus(logger),
		recorder: metrics.NewRecorder(),
		health:   health.NewServer(),
		logger:   logger.With("component", "server"),
	}

	s.handshake = handshake.NewManager(st, s.bus, nil, handshake.Options{
		AckTimeout:          cfg.Handshake.AckTimeout,
		HeartbeatInterval:   cfg.Handshake.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.Handshake.MaxMissedHeartbeats,
		WriteTimeout:        writeTimeout,
	}, logger)

	s.gate = gate.New(st, s.bus, gate.Options{
		SweepInterval:     cfg.Gate.SweepInterval,
		MaxBlockDuration:  cfg.Gate.MaxBlockDuration,
		AutoHaltOnTimeout: cfg.Gate.AutoHalt(),
		WriteTimeout:      writeTimeout,
	}, logger)

	s.answers = answers.New(st, s.bus, answers.Options{
		DefaultExpiry: cfg.Answers.DefaultExpiry,
		SweepInterval: cfg.Answers.SweepInterval,
		WriteTimeout:  writeTimeout,
	}, logger)

	notifyOpts, err := dispatcherOptions(cfg)
	if err != nil {
		return nil, err
	}
	s.notifier = notify.NewDispatcher(st, s.bus, notifyOpts, logger)

	s.coord = coordinator.New(s.gate, s.answers, s.notifier, s.handshake, nil, coordinator.Options{
		DeliveryTimeout: cfg.Notifications.SendTimeout,
	}, logger)

	if cfg.Matrix.Enabled {
		mc, err := matrix.NewClient(cfg.Matrix, logger)
		if err != nil {
			return nil, err
		}
		s.notifier.Register(mc)
		s.coord.SetDelivery(mc)
		s.bridge = matrix.NewBridge(mc, s.answers, cfg.Matrix.AllowedUsers, logger)
	}

	rules, err := rulesFromConfig(cfg.Escalation.Rules)
	if err != nil {
		return nil, err
	}
	s.escalator = escalation.New(s.coord, st, s.bus, escalation.Options{
		Rules:           rules,
		ResolveOnAnswer: cfg.Escalation.ResolvesOnAnswer(),
		WriteTimeout:    writeTimeout,
	}, logger)

	s.registerHandlers()

	if err := s.restore(context.Background()); err != nil {
		s.closeComponents()
		return nil, err
	}

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// registerHandlers subscribes component handlers in dependency order: the gate
// shrinks block sets before the coordinator and escalator react to the same answer.
func (s *Server) registerHandlers() {
	s.bus.Handle(events.AgentUnblocked, s.gate.HandleAgentUnblocked)
	s.bus.Handle(events.QuestionCancelled, s.gate.HandleQuestionCancelled)
	s.coord.Register(s.bus)
	s.escalator.Register(s.bus)
	s.recorder.Register(s.bus)
}

// restore reloads persisted state: sessions, gates, questions, then escalations,
// whose re-armed timers may touch the other three.
func (s *Server) restore(ctx context.Context) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if err := s.handshake.Restore(ctx); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	if err := s.gate.Restore(ctx); err != nil {
		return fmt.Errorf("restoring gates: %w", err)
	}
	if err := s.answers.Restore(ctx); err != nil {
		return fmt.Errorf("restoring questions: %w", err)
	}
	if err := s.escalator.Restore(ctx); err != nil {
		return fmt.Errorf("restoring escalations: %w", err)
	}
	for _, st := range s.escalator.Unresolved() {
		s.recorder.SetIssueLevel(st.IssueID, escalation.Level(st.Level).String())
	}

	s.ready.Store(true)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("state restored",
		"sessions", len(s.handshake.Sessions()),
		"gates", len(s.gate.States()),
		"pending_questions", len(s.answers.All()),
		"open_issues", len(s.escalator.Unresolved()),
	)
	return nil
}

func dispatcherOptions(cfg *config.Config) (notify.Options, error) {
	n := cfg.Notifications
	loc, err := n.QuietHours.Location()
	if err != nil {
		return notify.Options{}, fmt.Errorf("quiet hours timezone: %w", err)
	}
	opts := notify.Options{
		DefaultChannel:   n.DefaultChannel,
		FallbackChannel:  n.FallbackChannel,
		CategoryChannels: n.CategoryChannels,
		DedupWindow:      n.DedupWindow,
		EscalationDelay:  n.EscalationDelay,
		SendTimeout:      n.SendTimeout,
		FlushInterval:    n.FlushInterval,
		WriteTimeout:     cfg.Database.WriteTimeout,
		QuietHours: notify.QuietHours{
			Enabled:  n.QuietHours.Enabled,
			Location: loc,
		},
	}
	if n.QuietHours.StartHour != nil {
		opts.QuietHours.StartHour = *n.QuietHours.StartHour
	}
	if n.QuietHours.EndHour != nil {
		opts.QuietHours.EndHour = *n.QuietHours.EndHour
	}
	return opts, nil
}

func rulesFromConfig(cfgRules []config.RuleConfig) ([]escalation.Rule, error) {
	rules := make([]escalation.Rule, 0, len(cfgRules))
	for i, r := range cfgRules {
		initial, err := escalation.ParseLevel(r.InitialLevel)
		if err != nil {
			return nil, fmt.Errorf("escalation.rules[%d]: %w", i, err)
		}
		maxLevel, err := escalation.ParseLevel(r.MaxLevel)
		if err != nil {
			return nil, fmt.Errorf("escalation.rules[%d]: %w", i, err)
		}
		rules = append(rules, escalation.Rule{
			IssueType:       r.IssueType,
			Severity:        r.Severity,
			InitialLevel:    initial,
			MaxLevel:        maxLevel,
			EscalationDelay: r.Delay,
		})
	}
	return rules, nil
}

// Ready reports whether persisted state has been restored.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Run starts the listeners and background sweeps and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	s.startLoops(loopCtx)

	errCh := s.startServers(grpcLn, httpLn)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	stopLoops()
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startLoops runs the periodic sweeps and the Matrix bridge.
func (s *Server) startLoops(ctx context.Context) {
	loops := []func(context.Context){
		s.gate.Run,
		s.answers.Run,
		s.notifier.Run,
	}
	if s.bridge != nil {
		loops = append(loops, func(ctx context.Context) {
			if err := s.bridge.Run(ctx); err != nil {
				s.logger.Error("matrix bridge stopped", "error", err)
			}
		})
	}
	for _, loop := range loops {
		s.loops.Add(1)
		go func(run func(context.Context)) {
			defer s.loops.Done()
			run(ctx)
		}(loop)
	}
}

func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := s.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			s.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the listeners, waits for the sweeps, cancels every timer and
// closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.shutdown.Do(func() {
		s.logger.Info("shutting down gatekeeper")
		s.ready.Store(false)
		s.health.Shutdown()

		errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
		s.shutdownGRPCServer(ctx)
		if s.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
		}

		s.loops.Wait()
		s.closeComponents()
		errs = appendCloseError(errs, "store close", s.store.Close())
	})
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeComponents cancels every component timer and closes the bus.
func (s *Server) closeComponents() {
	s.escalator.Close()
	s.notifier.Close()
	s.handshake.Close()
	s.bus.Close()
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

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
