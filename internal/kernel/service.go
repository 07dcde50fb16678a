package kernel

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/concordkit/concord/internal/auth"
	"github.com/concordkit/concord/internal/config"
	"github.com/concordkit/concord/internal/coordination"
	"github.com/concordkit/concord/internal/health"
	"github.com/concordkit/concord/internal/methodology"
	"github.com/concordkit/concord/internal/observability"
	"github.com/concordkit/concord/internal/primitives"
	"github.com/concordkit/concord/internal/protocol/session"
	"github.com/concordkit/concord/internal/state"
)

// Service is the component runtime: store, kernel, coordinator, and HTTP
// surface supervised as one unit.
type Service struct {
	cfg         config.ComponentConfig
	store       *state.Store
	monitor     *health.Monitor
	kernel      *Kernel
	coordinator *coordination.Coordinator
	registry    *primitives.Registry
}

// NewService validates configuration and wires the full component.
// Primitive resolution failures and invalid configuration abort here, before
// anything runs.
func NewService(cfg config.ComponentConfig, engine methodology.Engine) (*Service, error) {
	if err := config.ValidateComponentConfig(cfg); err != nil {
		return nil, err
	}

	registry, err := primitives.BuildBuiltinRegistry(cfg.Primitives)
	if err != nil {
		return nil, err
	}

	identity := state.Identity{
		Name:         cfg.Name,
		Type:         cfg.Type,
		Version:      cfg.Version,
		Capabilities: registry.Capabilities(),
	}
	limits := state.RuntimeLimits{
		MaxInputBytes:     cfg.MaxInputBytes,
		ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
		WorkerConcurrency: cfg.WorkerConcurrency,
		HeartbeatInterval: cfg.HeartbeatIntervalDuration(),
	}
	store := state.NewStore(identity, limits)
	monitor := health.NewMonitor(cfg.Name)
	observability.RegisterMetrics()

	policy, err := config.ParsePolicy(cfg.Orchestrator.Policy)
	if err != nil {
		return nil, err
	}
	coordinator, err := coordination.NewCoordinator(coordination.Config{
		ComponentID:        cfg.Name,
		ComponentType:      cfg.Type,
		Version:            cfg.Version,
		Policy:             coordination.Policy(policy),
		Address:            cfg.Orchestrator.Address,
		PeerIdentity:       cfg.Orchestrator.PeerIdentity,
		AuthToken:          cfg.Orchestrator.AuthToken,
		MaxConnectAttempts: cfg.Orchestrator.MaxConnectAttempts,
		Capabilities:       capabilityInfo(registry),
		Session:            cfg.Orchestrator.SessionConfig(),
		HeartbeatInterval:  limits.HeartbeatInterval,
		Peers:              peerEndpoints(cfg.Peers),
		Validator:          inboundValidator(cfg),
	}, store, monitor)
	if err != nil {
		return nil, err
	}

	k := New(store, registry, monitor, engine, coordinator, cfg.QueueCapacity, cfg.WorkerConcurrency)
	return &Service{
		cfg:         cfg,
		store:       store,
		monitor:     monitor,
		kernel:      k,
		coordinator: coordinator,
		registry:    registry,
	}, nil
}

// Kernel exposes the facade for embedding callers.
func (s *Service) Kernel() *Kernel {
	return s.kernel
}

// Coordinator exposes the ecosystem coordinator.
func (s *Service) Coordinator() *coordination.Coordinator {
	return s.coordinator
}

// Run blocks until SIGINT/SIGTERM, then drives the kernel through its
// shutdown sequence.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

// bootstrap registers per policy and only then walks Initializing->Ready.
// Under the required policy a registration failure aborts startup while the
// component is still initializing.
func (s *Service) bootstrap(ctx context.Context) error {
	if err := s.coordinator.Register(ctx); err != nil {
		return err
	}
	if err := s.store.Transition(state.StatusReady); err != nil {
		return err
	}
	core := s.store.Read()
	log.Info().
		Str("component", core.Identity.Name).
		Str("type", core.Identity.Type).
		Strs("capabilities", core.Identity.Capabilities).
		Str("status", string(core.Status)).
		Msg("component ready")
	return nil
}

// serve supervises the long-lived goroutines: dispatcher, heartbeat loop,
// health sampling, and the HTTP surface.
func (s *Service) serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.coordinator.Close()

	go func() {
		<-s.kernel.Done()
		cancel()
	}()

	httpSrv := &http.Server{
		Addr: s.cfg.HTTPAddr,
		Handler: NewRouter(HTTPConfig{
			Addr:          s.cfg.HTTPAddr,
			Component:     s.cfg.Name,
			CorsOrigins:   s.cfg.CorsOrigins,
			Authenticator: s.coordinator,
		}, s.kernel, s.monitor),
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The dispatcher outlives gctx cancellation: it exits through the
		// shutdown command so queued work drains deterministically.
		return s.kernel.Run(context.Background())
	})
	g.Go(func() error {
		return s.coordinator.HeartbeatLoop(gctx)
	})
	g.Go(func() error {
		return s.healthLoop(gctx)
	})
	g.Go(func() error {
		if strings.TrimSpace(s.cfg.HTTPAddr) == "" {
			return nil
		}
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := s.kernel.Shutdown(shutdownCtx); err != nil && !errors.Is(err, ErrKernelShutdown) {
			log.Warn().Err(err).Msg("kernel shutdown failed")
		}
		<-s.kernel.Done()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}

// healthLoop periodically re-evaluates the Ready<->Degraded edge and
// refreshes the coordination resource gauges.
func (s *Service) healthLoop(ctx context.Context) error {
	interval := s.cfg.HeartbeatIntervalDuration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sampleHealth()
		}
	}
}

func (s *Service) sampleHealth() {
	overdue := s.coordinator.OverdueHeartbeats()
	metrics := s.monitor.MetricsSnapshot()
	s.store.Mutate(func(core *state.CoreState) {
		core.Coordination.ResourceGauges["queue_length"] = float64(len(s.kernel.queue))
		core.Coordination.ResourceGauges["error_rate"] = metrics.ErrorRate
		core.Coordination.ResourceGauges["overdue_heartbeats"] = float64(overdue)
	})

	switch s.store.Status() {
	case state.StatusReady:
		if degraded, reason := s.monitor.EvaluateDegraded(overdue); degraded {
			if err := s.store.Transition(state.StatusDegraded); err == nil {
				log.Warn().Str("reason", reason).Msg("component degraded")
			}
		}
	case state.StatusDegraded:
		if s.monitor.ClearsDegraded(overdue) {
			if err := s.store.Transition(state.StatusReady); err == nil {
				log.Info().Msg("component recovered")
			}
		}
	}
}

func capabilityInfo(registry *primitives.Registry) []session.CapabilityInfo {
	metas := registry.ListMetadata()
	out := make([]session.CapabilityInfo, 0, len(metas))
	for _, meta := range metas {
		out = append(out, session.CapabilityInfo{
			ID:          meta.ID,
			Name:        meta.Name,
			Description: meta.Description,
		})
	}
	return out
}

func peerEndpoints(peers []config.PeerConfig) []coordination.PeerEndpoint {
	out := make([]coordination.PeerEndpoint, 0, len(peers))
	for _, peer := range peers {
		out = append(out, coordination.PeerEndpoint{
			Name:      peer.Name,
			BaseURL:   peer.BaseURL,
			AuthToken: peer.AuthToken,
		})
	}
	return out
}

// inboundValidator gates inbound coordination requests on the component's
// shared token when one is configured.
func inboundValidator(cfg config.ComponentConfig) auth.Validator {
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return auth.AllowAll{}
	}
	return auth.StaticToken{Token: cfg.AuthToken}
}
