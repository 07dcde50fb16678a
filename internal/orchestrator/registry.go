// Package orchestrator hosts the ecosystem-side component registry: it
// accepts component registrations over the session protocol, tracks
// per-component liveness from heartbeats, and answers every control message
// with an ack. Scheduling is out of scope.
package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/concordkit/concord/internal/protocol/session"
)

const (
	rejectCodeInvalidPayload   = 1001
	rejectCodeIdentityBinding  = 1002
	rejectCodePeerMismatch     = 1003
	rejectCodeUnauthorized     = 1004
	rejectCodeInvalidHeartbeat = 2001
)

// RegisteredComponent is the observed registration state for one component.
type RegisteredComponent struct {
	ComponentID     string
	ComponentType   string
	Version         string
	RemoteAddr      string
	Capabilities    []session.CapabilityInfo
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
	LastStatus      string
	HeartbeatCount  uint64
	Connected       bool
}

// registeredComponentState carries mutable metadata plus the heartbeat-ack
// idempotency map for one component.
type registeredComponentState struct {
	meta            RegisteredComponent
	ackByHeartbeat  map[string]session.HeartbeatAck
	heartbeatOrder  []string
	maxRetainedAcks int
}

// Registry owns observed component state. All methods are safe for
// concurrent use by connection handlers.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*registeredComponentState
}

func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*registeredComponentState)}
}

// UpsertRegistration records registration metadata and returns the ack.
// Re-registration preserves observed counters and RegisteredAt.
func (r *Registry) UpsertRegistration(remoteAddr string, reg session.Registration) session.RegistrationAck {
	now := uint64(time.Now().UnixMilli())
	if err := reg.Validate(); err != nil {
		return session.RegistrationAck{
			Status:      session.AckStatusRejected,
			Code:        rejectCodeInvalidPayload,
			Message:     "invalid registration payload",
			Errors:      []string{err.Error()},
			ComponentID: fallbackComponentID(reg.ComponentID),
			TimestampMS: now,
		}
	}

	registered := RegisteredComponent{
		ComponentID:   reg.ComponentID,
		ComponentType: reg.ComponentType,
		Version:       reg.Version,
		RemoteAddr:    remoteAddr,
		Capabilities:  copyCapabilities(reg.Capabilities),
		LastStatus:    "registered",
		Connected:     true,
	}

	r.mu.Lock()
	state, ok := r.components[reg.ComponentID]
	if !ok {
		state = newComponentState()
		r.components[reg.ComponentID] = state
	}
	if state.meta.RegisteredAt.IsZero() {
		state.meta.RegisteredAt = time.Now()
	}
	registered.RegisteredAt = state.meta.RegisteredAt
	registered.LastHeartbeatAt = state.meta.LastHeartbeatAt
	registered.HeartbeatCount = state.meta.HeartbeatCount
	state.meta = registered
	r.mu.Unlock()

	return session.RegistrationAck{
		Status:      session.AckStatusAccepted,
		Code:        0,
		Message:     "registered",
		ComponentID: reg.ComponentID,
		TimestampMS: now,
	}
}

// AcceptHeartbeat ingests one heartbeat and returns a deterministic,
// idempotent ack: resending the same heartbeat_id yields the original ack
// without double-counting.
func (r *Registry) AcceptHeartbeat(componentID string, beat session.Heartbeat) session.HeartbeatAck {
	now := uint64(time.Now().UnixMilli())
	if err := beat.Validate(); err != nil {
		return session.HeartbeatAck{
			HeartbeatID: fallbackComponentID(beat.HeartbeatID),
			ComponentID: componentID,
			Status:      session.AckStatusRejected,
			Code:        rejectCodeInvalidHeartbeat,
			TimestampMS: now,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.components[componentID]
	if !ok {
		state = newComponentState()
		state.meta = RegisteredComponent{
			ComponentID:  componentID,
			RegisteredAt: time.Now(),
			Connected:    true,
		}
		r.components[componentID] = state
	}
	if ack, ok := state.ackByHeartbeat[beat.HeartbeatID]; ok {
		return ack
	}

	ack := session.HeartbeatAck{
		HeartbeatID: beat.HeartbeatID,
		ComponentID: componentID,
		Status:      session.AckStatusAccepted,
		Code:        0,
		TimestampMS: now,
	}
	state.rememberAck(beat.HeartbeatID, ack)
	state.meta.LastHeartbeatAt = time.Now()
	state.meta.LastStatus = beat.Status
	state.meta.HeartbeatCount++
	state.meta.Connected = true
	return ack
}

// MarkDisconnected flags the component unreachable while preserving its
// observed history.
func (r *Registry) MarkDisconnected(componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.components[componentID]
	if !ok {
		return
	}
	state.meta.Connected = false
	state.meta.RemoteAddr = ""
}

// Components returns a snapshot of all observed components.
func (r *Registry) Components() []RegisteredComponent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredComponent, 0, len(r.components))
	for _, state := range r.components {
		meta := state.meta
		meta.Capabilities = copyCapabilities(meta.Capabilities)
		out = append(out, meta)
	}
	return out
}

// Component returns the observed state for one component id.
func (r *Registry) Component(componentID string) (RegisteredComponent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.components[componentID]
	if !ok {
		return RegisteredComponent{}, false
	}
	meta := state.meta
	meta.Capabilities = copyCapabilities(meta.Capabilities)
	return meta, true
}

// StaleComponents lists connected components whose last heartbeat is older
// than the cutoff.
func (r *Registry) StaleComponents(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for id, state := range r.components {
		if !state.meta.Connected {
			continue
		}
		last := state.meta.LastHeartbeatAt
		if last.IsZero() {
			last = state.meta.RegisteredAt
		}
		if last.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func newComponentState() *registeredComponentState {
	return &registeredComponentState{
		ackByHeartbeat:  make(map[string]session.HeartbeatAck),
		maxRetainedAcks: 64,
	}
}

// rememberAck bounds the idempotency map by evicting the oldest entry.
func (s *registeredComponentState) rememberAck(heartbeatID string, ack session.HeartbeatAck) {
	if len(s.heartbeatOrder) >= s.maxRetainedAcks {
		oldest := s.heartbeatOrder[0]
		s.heartbeatOrder = s.heartbeatOrder[1:]
		delete(s.ackByHeartbeat, oldest)
	}
	s.ackByHeartbeat[heartbeatID] = ack
	s.heartbeatOrder = append(s.heartbeatOrder, heartbeatID)
}

func fallbackComponentID(id string) string {
	if strings.TrimSpace(id) == "" {
		return "unknown"
	}
	return id
}

func copyCapabilities(in []session.CapabilityInfo) []session.CapabilityInfo {
	if len(in) == 0 {
		return []session.CapabilityInfo{}
	}
	out := make([]session.CapabilityInfo, len(in))
	copy(out, in)
	return out
}
