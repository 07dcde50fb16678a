package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeRegister     = "component.register"
	controlTypeRegisterAck  = "component.register.ack"
	controlTypeHeartbeat    = "component.heartbeat"
	controlTypeHeartbeatAck = "component.heartbeat.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

const maxControlLineBytes = 128 * 1024

var (
	ErrInvalidRegistration    = errors.New("session: invalid registration")
	ErrInvalidRegistrationAck = errors.New("session: invalid registration ack")
	ErrInvalidHeartbeat       = errors.New("session: invalid heartbeat")
	ErrInvalidHeartbeatAck    = errors.New("session: invalid heartbeat ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
	ErrUnexpectedControlType  = errors.New("session: unexpected control type")
)

// CapabilityInfo is the handshake shape for one primitive capability.
type CapabilityInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registration is the component->orchestrator session-start payload.
type Registration struct {
	ComponentID   string           `json:"component_id"`
	ComponentType string           `json:"component_type"`
	Version       string           `json:"version"`
	PeerIdentity  string           `json:"peer_identity"`
	AuthToken     string           `json:"auth_token,omitempty"`
	Capabilities  []CapabilityInfo `json:"capabilities"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.ComponentID) == "" {
		return fmt.Errorf("%w: missing component_id", ErrInvalidRegistration)
	}
	if strings.TrimSpace(r.ComponentType) == "" {
		return fmt.Errorf("%w: missing component_type", ErrInvalidRegistration)
	}
	if r.Capabilities == nil {
		return fmt.Errorf("%w: missing capabilities", ErrInvalidRegistration)
	}
	for i, cap := range r.Capabilities {
		if strings.TrimSpace(cap.ID) == "" {
			return fmt.Errorf("%w: capabilities[%d] missing id", ErrInvalidRegistration, i)
		}
		if strings.TrimSpace(cap.Name) == "" {
			return fmt.Errorf("%w: capabilities[%d] missing name", ErrInvalidRegistration, i)
		}
		if strings.TrimSpace(cap.Description) == "" {
			return fmt.Errorf("%w: capabilities[%d] missing description", ErrInvalidRegistration, i)
		}
	}
	return nil
}

// RegistrationAck is the orchestrator->component registration response.
type RegistrationAck struct {
	Status      string   `json:"status"`
	Code        uint32   `json:"code"`
	Message     string   `json:"message"`
	Errors      []string `json:"errors,omitempty"`
	ComponentID string   `json:"component_id"`
	TimestampMS uint64   `json:"timestamp_ms"`
}

func (a RegistrationAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidRegistrationAck)
	}
	if strings.TrimSpace(a.ComponentID) == "" {
		return fmt.Errorf("%w: missing component_id", ErrInvalidRegistrationAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidRegistrationAck)
	}
	return nil
}

// Metrics is the wire shape of a performance snapshot inside a heartbeat.
type Metrics struct {
	TotalOperations     uint64  `json:"total_operations"`
	SucceededOperations uint64  `json:"succeeded_operations"`
	FailedOperations    uint64  `json:"failed_operations"`
	ErrorRate           float64 `json:"error_rate"`
	AvgLatencyMS        uint64  `json:"avg_latency_ms"`
	MaxLatencyMS        uint64  `json:"max_latency_ms"`
}

// Heartbeat is the periodic component->orchestrator liveness report.
type Heartbeat struct {
	HeartbeatID      string   `json:"heartbeat_id"`
	ComponentID      string   `json:"component_id"`
	Status           string   `json:"status"`
	Capabilities     []string `json:"capabilities"`
	MethodologyIDs   []string `json:"methodology_ids"`
	ActiveOperations uint32   `json:"active_operations"`
	UptimeMS         uint64   `json:"uptime_ms"`
	Metrics          Metrics  `json:"metrics"`
	TimestampMS      uint64   `json:"timestamp_ms"`
}

func (h Heartbeat) Validate() error {
	if strings.TrimSpace(h.HeartbeatID) == "" {
		return fmt.Errorf("%w: missing heartbeat_id", ErrInvalidHeartbeat)
	}
	if strings.TrimSpace(h.ComponentID) == "" {
		return fmt.Errorf("%w: missing component_id", ErrInvalidHeartbeat)
	}
	if strings.TrimSpace(h.Status) == "" {
		return fmt.Errorf("%w: missing status", ErrInvalidHeartbeat)
	}
	if h.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHeartbeat)
	}
	return nil
}

// HeartbeatAck is the orchestrator->component heartbeat response.
type HeartbeatAck struct {
	HeartbeatID string `json:"heartbeat_id"`
	ComponentID string `json:"component_id"`
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HeartbeatAck) Validate() error {
	if strings.TrimSpace(a.HeartbeatID) == "" {
		return fmt.Errorf("%w: missing heartbeat_id", ErrInvalidHeartbeatAck)
	}
	if strings.TrimSpace(a.ComponentID) == "" {
		return fmt.Errorf("%w: missing component_id", ErrInvalidHeartbeatAck)
	}
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHeartbeatAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHeartbeatAck)
	}
	return nil
}

type controlEnvelope struct {
	Type    string           `json:"type"`
	Reg     *Registration    `json:"registration,omitempty"`
	RegAck  *RegistrationAck `json:"registration_ack,omitempty"`
	Beat    *Heartbeat       `json:"heartbeat,omitempty"`
	BeatAck *HeartbeatAck    `json:"heartbeat_ack,omitempty"`
}

func WriteRegistration(w io.Writer, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeRegister, Reg: &reg})
}

func ReadRegistration(r *bufio.Reader) (Registration, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Registration{}, err
	}
	if env.Type != controlTypeRegister || env.Reg == nil {
		return Registration{}, fmt.Errorf("%w: %q", ErrUnexpectedControlType, env.Type)
	}
	if err := env.Reg.Validate(); err != nil {
		return Registration{}, err
	}
	return *env.Reg, nil
}

func WriteRegistrationAck(w io.Writer, ack RegistrationAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeRegisterAck, RegAck: &ack})
}

func ReadRegistrationAck(r *bufio.Reader) (RegistrationAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return RegistrationAck{}, err
	}
	if env.Type != controlTypeRegisterAck || env.RegAck == nil {
		return RegistrationAck{}, fmt.Errorf("%w: %q", ErrUnexpectedControlType, env.Type)
	}
	if err := env.RegAck.Validate(); err != nil {
		return RegistrationAck{}, err
	}
	return *env.RegAck, nil
}

func WriteHeartbeat(w io.Writer, beat Heartbeat) error {
	if err := beat.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHeartbeat, Beat: &beat})
}

func ReadHeartbeat(r *bufio.Reader) (Heartbeat, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Heartbeat{}, err
	}
	if env.Type != controlTypeHeartbeat || env.Beat == nil {
		return Heartbeat{}, fmt.Errorf("%w: %q", ErrUnexpectedControlType, env.Type)
	}
	if err := env.Beat.Validate(); err != nil {
		return Heartbeat{}, err
	}
	return *env.Beat, nil
}

func WriteHeartbeatAck(w io.Writer, ack HeartbeatAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHeartbeatAck, BeatAck: &ack})
}

func ReadHeartbeatAck(r *bufio.Reader) (HeartbeatAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HeartbeatAck{}, err
	}
	if env.Type != controlTypeHeartbeatAck || env.BeatAck == nil {
		return HeartbeatAck{}, fmt.Errorf("%w: %q", ErrUnexpectedControlType, env.Type)
	}
	if err := env.BeatAck.Validate(); err != nil {
		return HeartbeatAck{}, err
	}
	return *env.BeatAck, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > maxControlLineBytes {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
