// Package methodology defines the opaque methodology record and the
// boundary to the external execution engine.
//
// The kernel stores and forwards methodologies; it never branches on their
// contents.
package methodology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidMethodology = errors.New("methodology: invalid methodology")
	ErrNotFound           = errors.New("methodology: not found")
	ErrExecutionFailed    = errors.New("methodology: execution failed")
	ErrNoEngine           = errors.New("methodology: no execution engine configured")
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Methodology is an externally authored behavioral definition. The body is
// opaque to the kernel and handed to the engine unmodified.
type Methodology struct {
	ID      string          `json:"id"`
	Version string          `json:"version,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Validate enforces the minimum shape the kernel requires before storing.
func (m Methodology) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMethodology)
	}
	return nil
}

// Clone returns a defensive copy, including the opaque body bytes.
func (m Methodology) Clone() Methodology {
	out := m
	if len(m.Body) > 0 {
		out.Body = make(json.RawMessage, len(m.Body))
		copy(out.Body, m.Body)
	}
	return out
}

// PeerRequest is the coordination callback shape offered to a running
// engine so a methodology may reach sibling components mid-execution.
type PeerRequest struct {
	RequestType string
	Parameters  map[string]any
}

// PeerResponse carries a peer component's answer back into the engine.
type PeerResponse struct {
	Status string
	Result map[string]any
	Errors []string
}

// PeerCoordinator is implemented by the ecosystem coordinator and injected
// into every execution context.
type PeerCoordinator interface {
	RequestPeerCoordination(ctx context.Context, peer string, req PeerRequest) (PeerResponse, error)
}

// ExecutionContext is handed to the engine for one run.
type ExecutionContext struct {
	OperationID string
	Parameters  map[string]any
	Coordinator PeerCoordinator
}

// Result is the engine's terminal answer for one execution.
type Result struct {
	Status string
	Output map[string]any
}

// Engine interprets methodology bodies. The kernel treats it as a black box:
// Validate gates loads, Execute runs a stored definition.
type Engine interface {
	Validate(m Methodology) error
	Execute(ctx context.Context, m Methodology, ec ExecutionContext) (Result, error)
}
