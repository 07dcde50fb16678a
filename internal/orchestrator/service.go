package orchestrator

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/concordkit/concord/internal/auth"
	"github.com/concordkit/concord/internal/protocol/session"
)

// ServiceConfig configures the orchestrator session endpoint.
type ServiceConfig struct {
	ListenAddr             string
	OrchestratorID         string
	RequireIdentityBinding bool
	Validator              auth.Validator
	Session                session.Config
}

// DefaultServiceConfig returns the development-mode listener defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:             ":9300",
		OrchestratorID:         "orchestrator.local",
		RequireIdentityBinding: true,
		Session:                session.DefaultConfig(),
	}
}

// peerAuth is the transport-authenticated identity of one connection.
type peerAuth struct {
	PeerIdentity  string
	Authenticated bool
}

// Service accepts component sessions: one registration handshake per
// connection, then a heartbeat read/ack loop until disconnect.
type Service struct {
	cfg      ServiceConfig
	registry *Registry

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	sessionClientCount atomic.Int64
}

// NewService builds an orchestrator service around a fresh registry.
func NewService(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if strings.TrimSpace(cfg.OrchestratorID) == "" {
		cfg.OrchestratorID = DefaultServiceConfig().OrchestratorID
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Validator == nil {
		cfg.Validator = auth.AllowAll{}
	}
	return &Service{
		cfg:      cfg,
		registry: NewRegistry(),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Registry exposes the observed component state for status surfaces.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Run blocks serving component sessions until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().
		Str("orchestrator_id", s.cfg.OrchestratorID).
		Str("addr", ln.Addr().String()).
		Msg("orchestrator listening")
	return s.Serve(ctx, ln)
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve runs the accept loop on an existing listener until the context ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// handleConn drives one component session: transport auth, registration
// handshake, then heartbeats until the peer goes away.
func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.sessionClientCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("component connected")
	defer func() {
		remaining := s.sessionClientCount.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("component disconnected")
	}()
	reader := bufio.NewReader(conn)

	authInfo, err := s.authenticateConn(conn)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("transport auth failed")
		return
	}

	reg, ack := s.handleRegistration(conn, reader, authInfo)
	if ack.Status != session.AckStatusAccepted {
		_ = session.WriteRegistrationAck(conn, ack)
		return
	}
	if err := session.WriteRegistrationAck(conn, ack); err != nil {
		log.Error().Err(err).Msg("write registration ack failed")
		return
	}
	log.Info().
		Str("component_id", reg.ComponentID).
		Str("remote", remote).
		Int("capabilities", len(reg.Capabilities)).
		Msg("component registered")
	defer s.registry.MarkDisconnected(reg.ComponentID)

	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.Warn().Err(err).Msg("clear deadline failed")
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.ReadTimeout))
		beat, err := session.ReadHeartbeat(reader)
		if err != nil {
			return
		}
		if beat.ComponentID != reg.ComponentID {
			log.Warn().
				Str("component_id", reg.ComponentID).
				Str("heartbeat_component_id", beat.ComponentID).
				Msg("heartbeat component mismatch")
			return
		}
		hbAck := s.registry.AcceptHeartbeat(reg.ComponentID, beat)
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		if err := session.WriteHeartbeatAck(conn, hbAck); err != nil {
			log.Warn().Err(err).Msg("write heartbeat ack failed")
			return
		}
	}
}

// handleRegistration performs the handshake: read, token check, identity
// binding, then registry upsert. Rejection acks carry stable codes.
func (s *Service) handleRegistration(
	conn net.Conn,
	reader *bufio.Reader,
	authInfo peerAuth,
) (session.Registration, session.RegistrationAck) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	now := uint64(time.Now().UnixMilli())

	reg, err := session.ReadRegistration(reader)
	if err != nil {
		log.Warn().Err(err).Msg("read registration failed")
		return session.Registration{}, session.RegistrationAck{
			Status:      session.AckStatusRejected,
			Code:        rejectCodeInvalidPayload,
			Message:     "invalid registration payload",
			ComponentID: "unknown",
			TimestampMS: now,
		}
	}

	if err := s.cfg.Validator.Validate(reg.ComponentID, reg.AuthToken); err != nil {
		log.Warn().Str("component_id", reg.ComponentID).Err(err).Msg("registration token rejected")
		return reg, session.RegistrationAck{
			Status:      session.AckStatusRejected,
			Code:        rejectCodeUnauthorized,
			Message:     "unauthorized",
			ComponentID: reg.ComponentID,
			TimestampMS: now,
		}
	}

	if s.cfg.RequireIdentityBinding {
		if authInfo.Authenticated {
			if authInfo.PeerIdentity != reg.ComponentID {
				log.Warn().
					Str("component_id", reg.ComponentID).
					Str("peer_identity", authInfo.PeerIdentity).
					Msg("tls identity mismatch")
				return reg, session.RegistrationAck{
					Status:      session.AckStatusRejected,
					Code:        rejectCodeIdentityBinding,
					Message:     "identity binding failure",
					ComponentID: reg.ComponentID,
					TimestampMS: now,
				}
			}
			if peer := strings.TrimSpace(reg.PeerIdentity); peer != "" && peer != authInfo.PeerIdentity {
				log.Warn().
					Str("component_id", reg.ComponentID).
					Str("declared_peer", peer).
					Str("tls_peer", authInfo.PeerIdentity).
					Msg("declared peer mismatch")
				return reg, session.RegistrationAck{
					Status:      session.AckStatusRejected,
					Code:        rejectCodePeerMismatch,
					Message:     "declared peer mismatch",
					ComponentID: reg.ComponentID,
					TimestampMS: now,
				}
			}
		} else if reg.PeerIdentity != reg.ComponentID {
			log.Warn().
				Str("component_id", reg.ComponentID).
				Str("peer_identity", reg.PeerIdentity).
				Msg("identity bind mismatch")
			return reg, session.RegistrationAck{
				Status:      session.AckStatusRejected,
				Code:        rejectCodeIdentityBinding,
				Message:     "identity binding failure",
				ComponentID: reg.ComponentID,
				TimestampMS: now,
			}
		}
	}

	return reg, s.registry.UpsertRegistration(conn.RemoteAddr().String(), reg)
}

// authenticateConn enforces transport policy and extracts the TLS peer
// identity when client certificates are present.
func (s *Service) authenticateConn(conn net.Conn) (peerAuth, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return peerAuth{}, session.ErrTLSRequired
		}
		return peerAuth{}, nil
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return peerAuth{}, fmt.Errorf("orchestrator: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	state := tlsConn.ConnectionState()

	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return peerAuth{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return peerAuth{}, session.ErrMTLSRequired
	}
	peerID := peerIdentityFromCert(state.PeerCertificates[0])
	if peerID == "" {
		return peerAuth{}, fmt.Errorf("orchestrator: empty peer identity from certificate")
	}
	return peerAuth{PeerIdentity: peerID, Authenticated: true}, nil
}

// peerIdentityFromCert prefers CN, then URI SAN, then DNS SAN.
func peerIdentityFromCert(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		if v := strings.TrimSpace(cert.DNSNames[0]); v != "" {
			return v
		}
	}
	return ""
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
