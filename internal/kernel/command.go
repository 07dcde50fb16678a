package kernel

import (
	"errors"

	"github.com/concordkit/concord/internal/coordination"
	"github.com/concordkit/concord/internal/health"
	"github.com/concordkit/concord/internal/methodology"
	"github.com/concordkit/concord/internal/state"
)

var (
	ErrKernelShutdown   = errors.New("kernel: kernel is shut down")
	ErrQueueFull        = errors.New("kernel: command queue full")
	ErrUnknownPrimitive = errors.New("kernel: unknown primitive operation")
	ErrOperationTimeout = errors.New("kernel: operation timed out")
)

// Command kinds. The set is closed: the dispatcher rejects nothing else
// because nothing else can be constructed outside this package.
const (
	cmdExecutePrimitive    = "execute_primitive_operation"
	cmdLoadMethodology     = "load_methodology"
	cmdExecuteMethodology  = "execute_methodology"
	cmdProcessCoordination = "process_coordination_request"
	cmdGetHealthStatus     = "get_health_status"
	cmdUpdateConfiguration = "update_configuration"
	cmdShutdown            = "shutdown"
)

// Operation kinds as reported in results, metrics, and health snapshots.
const (
	KindPrimitive    = "primitive_operation"
	KindMethodology  = "methodology_execution"
	KindCoordination = "coordination_request"
)

// OperationResult is the terminal answer for one executed operation.
type OperationResult struct {
	OperationID   string         `json:"operation_id"`
	OperationType string         `json:"operation_type"`
	Status        string         `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
}

const (
	ResultStatusSuccess = "success"
	ResultStatusError   = "error"
)

type primitivePayload struct {
	OperationType string
	Parameters    map[string]any
}

type executePayload struct {
	MethodologyID string
	Parameters    map[string]any
}

// commandReply is delivered exactly once per command.
type commandReply struct {
	result       OperationResult
	health       health.Report
	coordination coordination.Response
	err          error
}

// command is one queued unit of work with its single-use reply channel.
// The reply channel is buffered so an abandoned caller never blocks the
// replying goroutine.
type command struct {
	kind string

	primitive    *primitivePayload
	load         *methodology.Methodology
	execute      *executePayload
	coordination *coordination.Request
	limits       *state.RuntimeLimits

	reply chan commandReply
}

func newCommand(kind string) *command {
	return &command{kind: kind, reply: make(chan commandReply, 1)}
}

// deliver sends the reply without blocking. The buffer guarantees the first
// delivery always lands; any accidental second delivery is dropped, which
// preserves the exactly-once contract for the reader.
func (c *command) deliver(reply commandReply) {
	select {
	case c.reply <- reply:
	default:
	}
}
