package coordination

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/concordkit/concord/internal/protocol/session"
)

var (
	ErrOrchestratorAddressRequired = errors.New("coordination: orchestrator address required")
	ErrComponentIDRequired         = errors.New("coordination: component id required")
	ErrRegistrationRejected        = errors.New("coordination: registration rejected")
	ErrHeartbeatRejected           = errors.New("coordination: heartbeat rejected")
	ErrHeartbeatTimeout            = errors.New("coordination: heartbeat ack timeout")
	ErrSessionClosed               = errors.New("coordination: orchestrator session closed")
)

// OrchestratorClientConfig configures one registration attempt against the
// central orchestrator.
type OrchestratorClientConfig struct {
	Address            string
	ComponentID        string
	ComponentType      string
	Version            string
	PeerIdentity       string
	AuthToken          string
	Capabilities       []session.CapabilityInfo
	Session            session.Config
	MaxConnectAttempts int
}

// OrchestratorClient dials and registers against the orchestrator.
type OrchestratorClient struct {
	cfg    OrchestratorClientConfig
	outbox *session.HeartbeatOutbox
	rng    *rand.Rand
}

// NewOrchestratorClient validates the endpoint configuration. The outbox is
// shared across reconnects so unacked-heartbeat history survives a session
// swap.
func NewOrchestratorClient(cfg OrchestratorClientConfig, outbox *session.HeartbeatOutbox) (*OrchestratorClient, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrOrchestratorAddressRequired
	}
	if strings.TrimSpace(cfg.ComponentID) == "" {
		return nil, ErrComponentIDRequired
	}
	if strings.TrimSpace(cfg.PeerIdentity) == "" {
		cfg.PeerIdentity = cfg.ComponentID
	}
	cfg.Session = cfg.Session.WithDefaults()
	if outbox == nil {
		outbox = session.NewHeartbeatOutbox()
	}
	return &OrchestratorClient{
		cfg:    cfg,
		outbox: outbox,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// ConnectAndRegister dials the orchestrator, performs the registration
// handshake, and returns a live session. A rejected registration is
// terminal and never retried.
func (c *OrchestratorClient) ConnectAndRegister(ctx context.Context) (*OrchestratorSession, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().
				Int("attempt", attempt).
				Str("address", c.cfg.Address).
				Err(err).
				Msg("orchestrator dial failed")
			if !c.shouldRetry(attempt) {
				return nil, err
			}
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		sess, err := c.register(conn)
		if err == nil {
			return sess, nil
		}
		_ = conn.Close()
		if errors.Is(err, ErrRegistrationRejected) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *OrchestratorClient) dial(ctx context.Context) (net.Conn, error) {
	if err := c.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.Session.ClientTLSConfig(c.cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *OrchestratorClient) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *OrchestratorClient) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *OrchestratorClient) register(conn net.Conn) (*OrchestratorSession, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	reg := session.Registration{
		ComponentID:   c.cfg.ComponentID,
		ComponentType: c.cfg.ComponentType,
		Version:       c.cfg.Version,
		PeerIdentity:  c.cfg.PeerIdentity,
		AuthToken:     c.cfg.AuthToken,
		Capabilities:  copyCapabilities(c.cfg.Capabilities),
	}
	if err := session.WriteRegistration(conn, reg); err != nil {
		return nil, err
	}
	ack, err := session.ReadRegistrationAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		return nil, fmt.Errorf(
			"%w: code=%d message=%q errors=%v",
			ErrRegistrationRejected, ack.Code, ack.Message, ack.Errors,
		)
	}
	_ = conn.SetDeadline(time.Time{})
	return &OrchestratorSession{
		conn:        conn,
		reader:      reader,
		cfg:         c.cfg.Session,
		componentID: c.cfg.ComponentID,
		outbox:      c.outbox,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// OrchestratorSession is one live registered connection.
type OrchestratorSession struct {
	conn        net.Conn
	reader      *bufio.Reader
	cfg         session.Config
	componentID string
	outbox      *session.HeartbeatOutbox
	rng         *rand.Rand
	mu          sync.Mutex
}

func (s *OrchestratorSession) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// SendHeartbeat sends one heartbeat and retries until an accepted ack or
// the ack deadline passes.
func (s *OrchestratorSession) SendHeartbeat(ctx context.Context, beat session.Heartbeat) (session.HeartbeatAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return session.HeartbeatAck{}, ErrSessionClosed
	}

	if strings.TrimSpace(beat.HeartbeatID) == "" {
		beat.HeartbeatID = "hb." + uuid.NewString()
	}
	if beat.TimestampMS == 0 {
		beat.TimestampMS = uint64(time.Now().UnixMilli())
	}
	if err := beat.Validate(); err != nil {
		return session.HeartbeatAck{}, err
	}

	start := time.Now()
	deadline := start.Add(s.cfg.AckTimeout)
	s.outbox.Upsert(session.PendingHeartbeat{
		HeartbeatID:   beat.HeartbeatID,
		ComponentID:   beat.ComponentID,
		QueuedAt:      start,
		AckDeadlineAt: deadline,
	})

	attempt := 0
	for {
		attempt++
		_, _ = s.outbox.MarkAttempt(beat.HeartbeatID, time.Now(), "")
		ack, err := s.sendHeartbeatOnce(ctx, beat)
		if err == nil {
			s.outbox.Remove(beat.HeartbeatID)
			if ack.Status == session.AckStatusAccepted {
				return ack, nil
			}
			return ack, fmt.Errorf("%w: status=%s code=%d", ErrHeartbeatRejected, ack.Status, ack.Code)
		}

		_, _ = s.outbox.MarkAttempt(beat.HeartbeatID, time.Now(), err.Error())
		if time.Now().After(deadline) {
			return session.HeartbeatAck{}, ErrHeartbeatTimeout
		}
		delay := session.NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return session.HeartbeatAck{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *OrchestratorSession) sendHeartbeatOnce(ctx context.Context, beat session.Heartbeat) (session.HeartbeatAck, error) {
	if err := s.setWriteDeadline(ctx); err != nil {
		return session.HeartbeatAck{}, err
	}
	if err := session.WriteHeartbeat(s.conn, beat); err != nil {
		return session.HeartbeatAck{}, err
	}

	if err := s.setReadDeadline(ctx); err != nil {
		return session.HeartbeatAck{}, err
	}
	ack, err := session.ReadHeartbeatAck(s.reader)
	if err != nil {
		return session.HeartbeatAck{}, err
	}
	if ack.HeartbeatID != beat.HeartbeatID {
		return session.HeartbeatAck{}, fmt.Errorf(
			"coordination: ack/heartbeat mismatch heartbeat_id=%q ack_heartbeat_id=%q",
			beat.HeartbeatID, ack.HeartbeatID,
		)
	}
	return ack, nil
}

func (s *OrchestratorSession) setWriteDeadline(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return s.conn.SetWriteDeadline(deadline)
}

func (s *OrchestratorSession) setReadDeadline(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return s.conn.SetReadDeadline(deadline)
}

func copyCapabilities(in []session.CapabilityInfo) []session.CapabilityInfo {
	if len(in) == 0 {
		return []session.CapabilityInfo{}
	}
	out := make([]session.CapabilityInfo, len(in))
	copy(out, in)
	return out
}
