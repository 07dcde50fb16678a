// Package state owns the kernel's authoritative operational record.
//
// Ownership boundary:
// - component status lifecycle
//
// - loaded methodology map
//
// - in-flight operation map
//
// - coordination snapshot (last heartbeat, capabilities, gauges)
//
// All access goes through Store; no subsystem keeps its own copy of the
// lock or constructs a second store.
package state

import (
	"errors"
	"time"

	"github.com/concordkit/concord/internal/methodology"
)

var ErrInvalidTransition = errors.New("state: invalid status transition")

// Status describes the kernel lifecycle state machine.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusDegraded     Status = "degraded"
	StatusShuttingDown Status = "shutting_down"
	StatusShutdown     Status = "shutdown"
)

// CanTransition reports whether from->to is a legal lifecycle step.
// Shutdown is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusInitializing:
		return to == StatusReady || to == StatusShuttingDown
	case StatusReady:
		return to == StatusDegraded || to == StatusShuttingDown
	case StatusDegraded:
		return to == StatusReady || to == StatusShuttingDown
	case StatusShuttingDown:
		return to == StatusShutdown
	default:
		return false
	}
}

// Identity is the immutable component descriptor advertised at registration.
type Identity struct {
	Name         string
	Type         string
	Version      string
	Capabilities []string
}

// OperationStatus marks an in-flight operation's phase.
type OperationStatus string

const (
	OperationRunning OperationStatus = "running"
)

// ActiveOperation exists only between submission and terminal reply.
type ActiveOperation struct {
	ID        string
	Kind      string
	StartedAt time.Time
	Status    OperationStatus
}

// CoordinationState is the ecosystem-facing snapshot kept alongside the
// operational maps.
type CoordinationState struct {
	LastHeartbeat       time.Time
	Capabilities        []string
	ActiveMethodologies []string
	ResourceGauges      map[string]float64
}

// RuntimeLimits is the runtime-updatable configuration subset. It is only
// replaced wholesale after full validation, never field by field.
type RuntimeLimits struct {
	MaxInputBytes     int64
	ProcessingTimeout time.Duration
	WorkerConcurrency int
	HeartbeatInterval time.Duration
}

// CoreState is the mutable heart of the kernel.
type CoreState struct {
	Status           Status
	Identity         Identity
	Methodologies    map[string]methodology.Methodology
	ActiveOperations map[string]ActiveOperation
	Coordination     CoordinationState
	Limits           RuntimeLimits
	StartedAt        time.Time
	LastHealthCheck  time.Time
}

func (c CoreState) clone() CoreState {
	out := c
	out.Identity.Capabilities = cloneStrings(c.Identity.Capabilities)
	out.Methodologies = make(map[string]methodology.Methodology, len(c.Methodologies))
	for id, m := range c.Methodologies {
		out.Methodologies[id] = m.Clone()
	}
	out.ActiveOperations = make(map[string]ActiveOperation, len(c.ActiveOperations))
	for id, op := range c.ActiveOperations {
		out.ActiveOperations[id] = op
	}
	out.Coordination.Capabilities = cloneStrings(c.Coordination.Capabilities)
	out.Coordination.ActiveMethodologies = cloneStrings(c.Coordination.ActiveMethodologies)
	if c.Coordination.ResourceGauges != nil {
		out.Coordination.ResourceGauges = make(map[string]float64, len(c.Coordination.ResourceGauges))
		for k, v := range c.Coordination.ResourceGauges {
			out.Coordination.ResourceGauges[k] = v
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
