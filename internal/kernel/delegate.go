package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/concordkit/concord/internal/methodology"
	"github.com/concordkit/concord/internal/primitives"
	"github.com/concordkit/concord/internal/state"
)

// runPrimitive executes one primitive operation on a worker goroutine. The
// active-operation record is inserted before execution and removed on every
// outcome, panics included.
func (k *Kernel) runPrimitive(ctx context.Context, payload primitivePayload) commandReply {
	handler, ok := k.registry.Resolve(payload.OperationType)
	if !ok {
		return commandReply{err: fmt.Errorf("%w: %s", ErrUnknownPrimitive, payload.OperationType)}
	}

	opID := "op." + uuid.NewString()
	limits := k.beginOperation(opID, KindPrimitive)
	start := time.Now()

	var (
		out primitives.Output
		err error
	)
	defer func() {
		k.endOperation(opID)
	}()
	func() {
		opCtx, cancel := operationContext(ctx, limits)
		defer cancel()
		out, err = handler.Execute(opCtx, primitives.Input{
			OperationID:   opID,
			Parameters:    payload.Parameters,
			MaxInputBytes: limits.MaxInputBytes,
		})
		if err == nil && opCtx.Err() != nil {
			err = fmt.Errorf("%w: %s", ErrOperationTimeout, payload.OperationType)
		}
	}()

	k.monitor.RecordOperation(opID, KindPrimitive, time.Since(start), err == nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrOperationTimeout, payload.OperationType)
		}
		return commandReply{
			result: OperationResult{
				OperationID:   opID,
				OperationType: payload.OperationType,
				Status:        ResultStatusError,
			},
			err: err,
		}
	}
	return commandReply{result: OperationResult{
		OperationID:   opID,
		OperationType: payload.OperationType,
		Status:        ResultStatusSuccess,
		Output:        out.Data,
	}}
}

// runMethodology executes one captured methodology definition through the
// engine. The definition was snapshotted at dispatch, so a concurrent
// reload never changes what this run sees.
func (k *Kernel) runMethodology(ctx context.Context, m methodology.Methodology, params map[string]any) commandReply {
	opID := "op." + uuid.NewString()
	limits := k.beginOperation(opID, KindMethodology)
	start := time.Now()

	var (
		result methodology.Result
		err    error
	)
	defer func() {
		k.endOperation(opID)
	}()
	func() {
		opCtx, cancel := operationContext(ctx, limits)
		defer cancel()
		result, err = k.engine.Execute(opCtx, m, methodology.ExecutionContext{
			OperationID: opID,
			Parameters:  params,
			Coordinator: k.peers,
		})
	}()

	k.monitor.RecordOperation(opID, KindMethodology, time.Since(start), err == nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrOperationTimeout, m.ID)
		} else if !errors.Is(err, methodology.ErrExecutionFailed) {
			err = fmt.Errorf("%w: %s: %v", methodology.ErrExecutionFailed, m.ID, err)
		}
		return commandReply{
			result: OperationResult{
				OperationID:   opID,
				OperationType: KindMethodology,
				Status:        ResultStatusError,
			},
			err: err,
		}
	}

	status := ResultStatusSuccess
	if result.Status != methodology.StatusSuccess {
		status = ResultStatusError
	}
	return commandReply{result: OperationResult{
		OperationID:   opID,
		OperationType: KindMethodology,
		Status:        status,
		Output:        result.Output,
	}}
}

// beginOperation records the in-flight operation and captures the runtime
// limits in force at start.
func (k *Kernel) beginOperation(opID, kind string) state.RuntimeLimits {
	var limits state.RuntimeLimits
	k.store.Mutate(func(core *state.CoreState) {
		core.ActiveOperations[opID] = state.ActiveOperation{
			ID:        opID,
			Kind:      kind,
			StartedAt: time.Now(),
			Status:    state.OperationRunning,
		}
		limits = core.Limits
	})
	return limits
}

// endOperation removes the in-flight record. Paired with beginOperation via
// defer so no outcome can leak an entry.
func (k *Kernel) endOperation(opID string) {
	k.store.Mutate(func(core *state.CoreState) {
		delete(core.ActiveOperations, opID)
	})
}
