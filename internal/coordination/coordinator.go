// Package coordination manages the component's place in the ecosystem:
// startup registration, the recurring heartbeat, peer channels, and inbound
// request authentication.
//
// Mediator topology: components never hold references to each other; every
// peer interaction goes through a named channel handle in this package.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/concordkit/concord/internal/auth"
	"github.com/concordkit/concord/internal/health"
	"github.com/concordkit/concord/internal/methodology"
	"github.com/concordkit/concord/internal/observability"
	"github.com/concordkit/concord/internal/protocol/session"
	"github.com/concordkit/concord/internal/state"
)

var (
	ErrInvalidPolicy            = errors.New("coordination: invalid orchestrator policy")
	ErrInvalidHeartbeatInterval = errors.New("coordination: invalid heartbeat interval")
)

// defaultMaxConnectAttempts bounds registration when the configuration does
// not set a limit. Registration must never retry unbounded: under the
// required policy a down orchestrator has to abort startup, not hang it.
const defaultMaxConnectAttempts = 5

// Policy controls component behavior toward the orchestrator.
type Policy string

const (
	PolicyHeadless Policy = "headless"
	PolicyAuto     Policy = "auto"
	PolicyRequired Policy = "required"
)

// Config wires one coordinator instance.
type Config struct {
	ComponentID        string
	ComponentType      string
	Version            string
	Policy             Policy
	Address            string
	PeerIdentity       string
	AuthToken          string
	MaxConnectAttempts int
	Capabilities       []session.CapabilityInfo
	Session            session.Config
	HeartbeatInterval  time.Duration
	PeerRequestTimeout time.Duration
	Peers              []PeerEndpoint
	Validator          auth.Validator
}

// Coordinator owns the orchestrator session and the peer channel registry.
// The peer-channel lock is independent of the state store's lock and is
// never held while the store lock is taken.
type Coordinator struct {
	cfg     Config
	store   *state.Store
	monitor *health.Monitor
	outbox  *session.HeartbeatOutbox

	mu   sync.RWMutex
	sess *OrchestratorSession

	// failedTicks counts consecutive heartbeat ticks that could not deliver,
	// including ticks that never reached SendHeartbeat because the reconnect
	// dial failed. The outbox alone cannot see those.
	failedTicks atomic.Int64

	peersMu sync.RWMutex
	peers   map[string]*PeerChannel
}

// NewCoordinator validates policy and builds channel handles for every
// configured peer.
func NewCoordinator(cfg Config, store *state.Store, monitor *health.Monitor) (*Coordinator, error) {
	if err := validatePolicy(cfg.Policy); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = defaultMaxConnectAttempts
	}
	if cfg.PeerRequestTimeout <= 0 {
		cfg.PeerRequestTimeout = cfg.Session.AckTimeout
	}
	if cfg.Validator == nil {
		cfg.Validator = auth.AllowAll{}
	}

	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		monitor: monitor,
		outbox:  session.NewHeartbeatOutbox(),
		peers:   make(map[string]*PeerChannel),
	}
	for _, ep := range cfg.Peers {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			continue
		}
		c.peers[name] = newPeerChannel(ep, cfg.ComponentID, cfg.PeerRequestTimeout)
	}
	return c, nil
}

// Register performs the one-time startup registration. Under the required
// policy a failure is fatal to the caller; under auto it is logged and the
// heartbeat loop reconnects later; headless skips registration entirely.
func (c *Coordinator) Register(ctx context.Context) error {
	if c.cfg.Policy == PolicyHeadless {
		return nil
	}

	sess, err := c.connect(ctx, c.cfg.MaxConnectAttempts)
	if err != nil {
		if c.cfg.Policy == PolicyRequired {
			return err
		}
		log.Warn().Err(err).Msg("orchestrator registration deferred")
		return nil
	}
	c.setSession(sess)
	log.Info().
		Str("component_id", c.cfg.ComponentID).
		Str("address", c.cfg.Address).
		Msg("registered with orchestrator")
	return nil
}

func (c *Coordinator) connect(ctx context.Context, maxAttempts int) (*OrchestratorSession, error) {
	client, err := NewOrchestratorClient(OrchestratorClientConfig{
		Address:            c.cfg.Address,
		ComponentID:        c.cfg.ComponentID,
		ComponentType:      c.cfg.ComponentType,
		Version:            c.cfg.Version,
		PeerIdentity:       c.cfg.PeerIdentity,
		AuthToken:          c.cfg.AuthToken,
		Capabilities:       c.cfg.Capabilities,
		Session:            c.cfg.Session,
		MaxConnectAttempts: maxAttempts,
	}, c.outbox)
	if err != nil {
		return nil, err
	}
	return client.ConnectAndRegister(ctx)
}

// HeartbeatLoop sends a health snapshot to the orchestrator on a fixed
// interval until the context ends. Transport failures are logged and the
// loop continues; every attempt updates last_heartbeat through the store.
func (c *Coordinator) HeartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer c.clearSession()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.heartbeatTick(ctx)
		}
	}
}

func (c *Coordinator) heartbeatTick(ctx context.Context) {
	report := c.monitor.Snapshot(c.store.Read())
	now := time.Now()
	c.store.Mutate(func(core *state.CoreState) {
		core.Coordination.LastHeartbeat = now
	})

	if c.cfg.Policy == PolicyHeadless {
		log.Debug().
			Str("component_id", c.cfg.ComponentID).
			Str("status", string(report.ComponentStatus)).
			Int("active_operations", report.ActiveOperations).
			Msg("heartbeat (headless)")
		return
	}

	sess := c.session()
	if sess == nil {
		// One dial per tick: an outage must not stall the cadence.
		reconnected, err := c.connect(ctx, 1)
		if err != nil {
			c.failedTicks.Add(1)
			observability.RecordHeartbeat(c.cfg.ComponentID, false)
			log.Warn().Err(err).Msg("orchestrator reconnect failed")
			return
		}
		c.setSession(reconnected)
		sess = reconnected
	}

	beat := c.buildHeartbeat(report)
	tickCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.AckTimeout)
	_, err := sess.SendHeartbeat(tickCtx, beat)
	cancel()
	if err != nil {
		c.failedTicks.Add(1)
		observability.RecordHeartbeat(c.cfg.ComponentID, false)
		log.Warn().Err(err).Msg("heartbeat failed")
		c.clearSessionIf(sess)
		return
	}
	c.failedTicks.Store(0)
	observability.RecordHeartbeat(c.cfg.ComponentID, true)
}

func (c *Coordinator) buildHeartbeat(report health.Report) session.Heartbeat {
	capabilities := make([]string, 0, len(c.cfg.Capabilities))
	for _, cap := range c.cfg.Capabilities {
		capabilities = append(capabilities, cap.ID)
	}
	return session.Heartbeat{
		HeartbeatID:      "hb." + uuid.NewString(),
		ComponentID:      c.cfg.ComponentID,
		Status:           string(report.ComponentStatus),
		Capabilities:     capabilities,
		MethodologyIDs:   report.LoadedMethodologies,
		ActiveOperations: uint32(report.ActiveOperations),
		UptimeMS:         uint64(report.Uptime.Milliseconds()),
		Metrics: session.Metrics{
			TotalOperations:     report.Metrics.TotalOperations,
			SucceededOperations: report.Metrics.SucceededOperations,
			FailedOperations:    report.Metrics.FailedOperations,
			ErrorRate:           report.Metrics.ErrorRate,
			AvgLatencyMS:        uint64(report.Metrics.AvgLatency.Milliseconds()),
			MaxLatencyMS:        uint64(report.Metrics.MaxLatency.Milliseconds()),
		},
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

// AuthenticateRequest validates an inbound request's credentials before it
// may reach dispatch. Rejection mutates nothing.
func (c *Coordinator) AuthenticateRequest(peer, token string) error {
	return c.cfg.Validator.Validate(peer, token)
}

// RequestPeerCoordination sends one request through a named peer channel.
// It is the coordination callback injected into methodology executions.
func (c *Coordinator) RequestPeerCoordination(ctx context.Context, peer string, req methodology.PeerRequest) (methodology.PeerResponse, error) {
	c.peersMu.RLock()
	channel, ok := c.peers[strings.TrimSpace(peer)]
	c.peersMu.RUnlock()
	if !ok {
		return methodology.PeerResponse{}, fmt.Errorf("%w: %q", ErrUnknownPeer, peer)
	}

	resp, err := channel.Send(ctx, Request{
		RequestID:   "req." + uuid.NewString(),
		RequestType: req.RequestType,
		Parameters:  req.Parameters,
	})
	observability.RecordCoordinationRequest(c.cfg.ComponentID, req.RequestType, err == nil)
	if err != nil {
		return methodology.PeerResponse{}, err
	}
	return methodology.PeerResponse{
		Status: resp.Status,
		Result: resp.Result,
		Errors: resp.Errors,
	}, nil
}

// ConfigurePeers replaces the peer channel registry wholesale.
func (c *Coordinator) ConfigurePeers(endpoints []PeerEndpoint) {
	next := make(map[string]*PeerChannel, len(endpoints))
	for _, ep := range endpoints {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			continue
		}
		next[name] = newPeerChannel(ep, c.cfg.ComponentID, c.cfg.PeerRequestTimeout)
	}
	c.peersMu.Lock()
	c.peers = next
	c.peersMu.Unlock()
}

// PeerNames lists configured peer channels.
func (c *Coordinator) PeerNames() []string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for name := range c.peers {
		out = append(out, name)
	}
	return out
}

// OverdueHeartbeats reports the undelivered-heartbeat backlog: unacked
// outbox entries plus consecutive ticks that failed before a heartbeat was
// ever queued (reconnect dial failures).
func (c *Coordinator) OverdueHeartbeats() int {
	overdue := c.outbox.OverdueCount(time.Now())
	if failed := int(c.failedTicks.Load()); failed > overdue {
		return failed
	}
	return overdue
}

// IsConnected reports whether an orchestrator session is active.
func (c *Coordinator) IsConnected() bool {
	return c.session() != nil
}

// Close drops the orchestrator session and all peer channels.
func (c *Coordinator) Close() {
	c.clearSession()
	c.peersMu.Lock()
	c.peers = make(map[string]*PeerChannel)
	c.peersMu.Unlock()
}

func (c *Coordinator) session() *OrchestratorSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

func (c *Coordinator) setSession(sess *OrchestratorSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && c.sess != sess {
		_ = c.sess.Close()
	}
	c.sess = sess
}

func (c *Coordinator) clearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		_ = c.sess.Close()
		c.sess = nil
	}
}

func (c *Coordinator) clearSessionIf(target *OrchestratorSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != target {
		return
	}
	_ = c.sess.Close()
	c.sess = nil
}

func validatePolicy(policy Policy) error {
	switch policy {
	case PolicyHeadless, PolicyAuto, PolicyRequired:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}
}
