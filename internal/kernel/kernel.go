package kernel

import (
	"context"

	"github.com/concordkit/concord/internal/coordination"
	"github.com/concordkit/concord/internal/health"
	"github.com/concordkit/concord/internal/methodology"
	"github.com/concordkit/concord/internal/state"
)

// The facade: one method per command. Every call funnels through the same
// bounded queue and single dispatcher; callers never touch state directly.

// ExecutePrimitiveOperation runs one registered primitive to completion.
func (k *Kernel) ExecutePrimitiveOperation(ctx context.Context, operationType string, parameters map[string]any) (OperationResult, error) {
	cmd := newCommand(cmdExecutePrimitive)
	cmd.primitive = &primitivePayload{OperationType: operationType, Parameters: parameters}
	reply, err := k.submit(ctx, cmd)
	if err != nil {
		return reply.result, err
	}
	return reply.result, nil
}

// LoadMethodology validates and installs one methodology definition.
// Loading an already-present id replaces it for subsequent executions.
func (k *Kernel) LoadMethodology(ctx context.Context, m methodology.Methodology) error {
	cmd := newCommand(cmdLoadMethodology)
	cmd.load = &m
	_, err := k.submit(ctx, cmd)
	return err
}

// ExecuteMethodology runs a previously loaded definition through the engine.
func (k *Kernel) ExecuteMethodology(ctx context.Context, methodologyID string, parameters map[string]any) (OperationResult, error) {
	cmd := newCommand(cmdExecuteMethodology)
	cmd.execute = &executePayload{MethodologyID: methodologyID, Parameters: parameters}
	reply, err := k.submit(ctx, cmd)
	if err != nil {
		return reply.result, err
	}
	return reply.result, nil
}

// ProcessCoordinationRequest routes one authenticated inbound request.
// Authentication happens at the transport boundary before this call.
func (k *Kernel) ProcessCoordinationRequest(ctx context.Context, req coordination.Request) (coordination.Response, error) {
	cmd := newCommand(cmdProcessCoordination)
	cmd.coordination = &req
	reply, err := k.submit(ctx, cmd)
	if err != nil {
		return coordination.Response{}, err
	}
	return reply.coordination, nil
}

// GetHealthStatus returns the current health snapshot.
func (k *Kernel) GetHealthStatus(ctx context.Context) (health.Report, error) {
	cmd := newCommand(cmdGetHealthStatus)
	reply, err := k.submit(ctx, cmd)
	if err != nil {
		return health.Report{}, err
	}
	return reply.health, nil
}

// UpdateConfiguration atomically replaces the runtime limits.
func (k *Kernel) UpdateConfiguration(ctx context.Context, limits state.RuntimeLimits) error {
	cmd := newCommand(cmdUpdateConfiguration)
	cmd.limits = &limits
	_, err := k.submit(ctx, cmd)
	return err
}

// Shutdown initiates the terminal lifecycle transition. The first call wins;
// later submissions fail with ErrKernelShutdown.
func (k *Kernel) Shutdown(ctx context.Context) error {
	cmd := newCommand(cmdShutdown)
	_, err := k.submit(ctx, cmd)
	return err
}
