package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/concordkit/concord/internal/config"
	"github.com/concordkit/concord/internal/coordination"
	"github.com/concordkit/concord/internal/health"
	"github.com/concordkit/concord/internal/methodology"
	"github.com/concordkit/concord/internal/primitives"
	"github.com/concordkit/concord/internal/state"
)

// Kernel owns the dispatcher loop and everything it touches. One kernel,
// one store, one queue consumer.
type Kernel struct {
	store    *state.Store
	registry *primitives.Registry
	monitor  *health.Monitor
	engine   methodology.Engine
	peers    methodology.PeerCoordinator

	queue   chan *command
	workers chan struct{}

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}

	ops sync.WaitGroup
}

// New wires a kernel around the shared store. The engine and peer
// coordinator may be nil; the corresponding commands then fail with their
// sentinel errors.
func New(
	store *state.Store,
	registry *primitives.Registry,
	monitor *health.Monitor,
	engine methodology.Engine,
	peers methodology.PeerCoordinator,
	queueCapacity int,
	workerConcurrency int,
) *Kernel {
	if queueCapacity <= 0 {
		queueCapacity = 128
	}
	if workerConcurrency <= 0 {
		workerConcurrency = 8
	}
	return &Kernel{
		store:    store,
		registry: registry,
		monitor:  monitor,
		engine:   engine,
		peers:    peers,
		queue:    make(chan *command, queueCapacity),
		workers:  make(chan struct{}, workerConcurrency),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run consumes the queue until a shutdown command lands or the context
// ends. It is the sole queue consumer.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			k.shutdown()
			return nil
		case cmd := <-k.queue:
			if k.dispatch(ctx, cmd) {
				k.shutdown()
				return nil
			}
		}
	}
}

// submit enqueues one command and waits for its reply. A full queue fails
// immediately; submission after shutdown never hangs.
func (k *Kernel) submit(ctx context.Context, cmd *command) (commandReply, error) {
	select {
	case <-k.stopping:
		return commandReply{}, ErrKernelShutdown
	default:
	}

	select {
	case k.queue <- cmd:
	case <-k.stopping:
		return commandReply{}, ErrKernelShutdown
	default:
		return commandReply{}, ErrQueueFull
	}

	select {
	case reply := <-cmd.reply:
		return reply, reply.err
	case <-ctx.Done():
		// The caller abandoned the reply; the work still completes and the
		// buffered channel absorbs it.
		return commandReply{}, ctx.Err()
	case <-k.done:
		select {
		case reply := <-cmd.reply:
			return reply, reply.err
		default:
			return commandReply{}, ErrKernelShutdown
		}
	}
}

// dispatch handles one command. Short mutations run inline; long-running
// work is spawned. Returns true when the command was shutdown.
func (k *Kernel) dispatch(ctx context.Context, cmd *command) bool {
	switch cmd.kind {
	case cmdGetHealthStatus:
		k.handleHealthStatus(cmd)
	case cmdLoadMethodology:
		k.handleLoadMethodology(cmd)
	case cmdUpdateConfiguration:
		k.handleUpdateConfiguration(cmd)
	case cmdExecutePrimitive:
		k.spawn(ctx, cmd, func(opCtx context.Context) commandReply {
			return k.runPrimitive(opCtx, *cmd.primitive)
		})
	case cmdExecuteMethodology:
		k.dispatchMethodology(ctx, cmd)
	case cmdProcessCoordination:
		k.dispatchCoordination(ctx, cmd)
	case cmdShutdown:
		k.handleShutdown(cmd)
		return true
	default:
		cmd.deliver(commandReply{err: fmt.Errorf("kernel: unknown command kind %q", cmd.kind)})
	}
	return false
}

// spawn runs fn in a goroutine bounded by the worker semaphore. A panic in
// fn becomes an error reply; the reply is delivered exactly once.
func (k *Kernel) spawn(ctx context.Context, cmd *command, fn func(context.Context) commandReply) {
	k.ops.Add(1)
	go func() {
		defer k.ops.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("command", cmd.kind).Msg("operation panicked")
				cmd.deliver(commandReply{err: fmt.Errorf("kernel: operation panic: %v", r)})
			}
		}()

		select {
		case k.workers <- struct{}{}:
			defer func() { <-k.workers }()
		case <-ctx.Done():
			cmd.deliver(commandReply{err: ErrKernelShutdown})
			return
		}
		cmd.deliver(fn(ctx))
	}()
}

func (k *Kernel) handleHealthStatus(cmd *command) {
	report := k.monitor.Snapshot(k.store.Read())
	k.store.Mutate(func(core *state.CoreState) {
		core.LastHealthCheck = report.CheckedAt
	})
	cmd.deliver(commandReply{health: report})
}

// handleLoadMethodology validates then installs a definition. Rejection
// leaves no trace; a duplicate id replaces the stored definition for later
// executions only.
func (k *Kernel) handleLoadMethodology(cmd *command) {
	m := *cmd.load
	if err := m.Validate(); err != nil {
		cmd.deliver(commandReply{err: err})
		return
	}
	if k.engine == nil {
		cmd.deliver(commandReply{err: methodology.ErrNoEngine})
		return
	}
	if err := k.engine.Validate(m); err != nil {
		cmd.deliver(commandReply{err: fmt.Errorf("%w: %v", methodology.ErrInvalidMethodology, err)})
		return
	}

	stored := m.Clone()
	k.store.Mutate(func(core *state.CoreState) {
		if _, exists := core.Methodologies[stored.ID]; !exists {
			core.Coordination.ActiveMethodologies = append(core.Coordination.ActiveMethodologies, stored.ID)
		}
		core.Methodologies[stored.ID] = stored
	})
	log.Info().Str("methodology_id", stored.ID).Str("version", stored.Version).Msg("methodology loaded")
	cmd.deliver(commandReply{})
}

// handleUpdateConfiguration swaps the runtime limits wholesale after full
// validation; an invalid update changes nothing.
func (k *Kernel) handleUpdateConfiguration(cmd *command) {
	limits := *cmd.limits
	if err := validateLimits(limits); err != nil {
		cmd.deliver(commandReply{err: err})
		return
	}
	k.store.Mutate(func(core *state.CoreState) {
		core.Limits = limits
	})
	log.Info().
		Int64("max_input_bytes", limits.MaxInputBytes).
		Dur("processing_timeout", limits.ProcessingTimeout).
		Int("worker_concurrency", limits.WorkerConcurrency).
		Dur("heartbeat_interval", limits.HeartbeatInterval).
		Msg("runtime limits updated")
	cmd.deliver(commandReply{})
}

// dispatchMethodology captures the stored definition on the dispatcher
// goroutine so a concurrent reload cannot change what this run executes.
func (k *Kernel) dispatchMethodology(ctx context.Context, cmd *command) {
	payload := *cmd.execute
	core := k.store.Read()
	m, ok := core.Methodologies[payload.MethodologyID]
	if !ok {
		cmd.deliver(commandReply{err: fmt.Errorf("%w: %s", methodology.ErrNotFound, payload.MethodologyID)})
		return
	}
	if k.engine == nil {
		cmd.deliver(commandReply{err: methodology.ErrNoEngine})
		return
	}
	k.spawn(ctx, cmd, func(opCtx context.Context) commandReply {
		return k.runMethodology(opCtx, m, payload.Parameters)
	})
}

// dispatchCoordination routes an authenticated inbound request onto the
// same execution paths local callers use, against the one shared store.
func (k *Kernel) dispatchCoordination(ctx context.Context, cmd *command) {
	req := *cmd.coordination
	if err := req.Validate(); err != nil {
		cmd.deliver(commandReply{coordination: coordinationErrorResponse(req, err)})
		return
	}

	switch req.RequestType {
	case coordination.RequestTypePrimitive:
		operationType, _ := req.Parameters["operation_type"].(string)
		if operationType == "" {
			err := fmt.Errorf("%w: missing operation_type", coordination.ErrInvalidRequest)
			cmd.deliver(commandReply{coordination: coordinationErrorResponse(req, err)})
			return
		}
		k.spawn(ctx, cmd, func(opCtx context.Context) commandReply {
			reply := k.runPrimitive(opCtx, primitivePayload{
				OperationType: operationType,
				Parameters:    req.Parameters,
			})
			return commandReply{coordination: coordinationResponse(req, reply)}
		})
	case coordination.RequestTypeMethodology:
		methodologyID, _ := req.Parameters["methodology_id"].(string)
		if methodologyID == "" {
			err := fmt.Errorf("%w: missing methodology_id", coordination.ErrInvalidRequest)
			cmd.deliver(commandReply{coordination: coordinationErrorResponse(req, err)})
			return
		}
		core := k.store.Read()
		m, ok := core.Methodologies[methodologyID]
		if !ok {
			err := fmt.Errorf("%w: %s", methodology.ErrNotFound, methodologyID)
			cmd.deliver(commandReply{coordination: coordinationErrorResponse(req, err)})
			return
		}
		k.spawn(ctx, cmd, func(opCtx context.Context) commandReply {
			reply := k.runMethodology(opCtx, m, req.Parameters)
			return commandReply{coordination: coordinationResponse(req, reply)}
		})
	}
}

// handleShutdown flips the lifecycle and acknowledges. The drain happens in
// shutdown() after the loop exits.
func (k *Kernel) handleShutdown(cmd *command) {
	k.closeGate()
	if err := k.store.Transition(state.StatusShuttingDown); err != nil {
		cmd.deliver(commandReply{err: err})
		return
	}
	log.Info().Msg("kernel shutting down")
	cmd.deliver(commandReply{})
}

// shutdown drains queued commands, waits for in-flight operations, and
// settles the terminal status. Idempotent across the Run exit paths.
func (k *Kernel) shutdown() {
	k.closeGate()
	for {
		select {
		case cmd := <-k.queue:
			cmd.deliver(commandReply{err: ErrKernelShutdown})
		default:
			k.ops.Wait()
			// A second drain pass: waiting operations cannot enqueue, but a
			// submitter may have won the race into the buffer before the gate.
			select {
			case cmd := <-k.queue:
				cmd.deliver(commandReply{err: ErrKernelShutdown})
				continue
			default:
			}
			k.settleShutdownStatus()
			close(k.done)
			return
		}
	}
}

func (k *Kernel) closeGate() {
	k.stopOnce.Do(func() { close(k.stopping) })
}

// settleShutdownStatus walks the lifecycle to its terminal state from
// wherever the kernel currently is.
func (k *Kernel) settleShutdownStatus() {
	switch k.store.Status() {
	case state.StatusShutdown:
		return
	case state.StatusShuttingDown:
	default:
		if err := k.store.Transition(state.StatusShuttingDown); err != nil {
			log.Warn().Err(err).Msg("shutdown transition failed")
			return
		}
	}
	if err := k.store.Transition(state.StatusShutdown); err != nil {
		log.Warn().Err(err).Msg("terminal transition failed")
	}
	log.Info().Msg("kernel shut down")
}

// Done is closed once the dispatcher has fully shut down.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

func validateLimits(limits state.RuntimeLimits) error {
	if limits.MaxInputBytes <= 0 {
		return fmt.Errorf("%w: max_input_bytes must be > 0", config.ErrInvalidConfig)
	}
	if limits.ProcessingTimeout <= 0 {
		return fmt.Errorf("%w: processing_timeout must be > 0", config.ErrInvalidConfig)
	}
	if limits.WorkerConcurrency <= 0 {
		return fmt.Errorf("%w: worker_concurrency must be > 0", config.ErrInvalidConfig)
	}
	if limits.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be > 0", config.ErrInvalidConfig)
	}
	return nil
}

func coordinationResponse(req coordination.Request, reply commandReply) coordination.Response {
	if reply.err != nil {
		return coordinationErrorResponse(req, reply.err)
	}
	result := map[string]any{
		"operation_id":   reply.result.OperationID,
		"operation_type": reply.result.OperationType,
	}
	for key, value := range reply.result.Output {
		result[key] = value
	}
	status := coordination.ResponseStatusSuccess
	if reply.result.Status != ResultStatusSuccess {
		status = coordination.ResponseStatusError
	}
	return coordination.Response{
		RequestID:    req.RequestID,
		ResponseType: req.RequestType,
		Status:       status,
		Result:       result,
	}
}

func coordinationErrorResponse(req coordination.Request, err error) coordination.Response {
	return coordination.Response{
		RequestID:    req.RequestID,
		ResponseType: req.RequestType,
		Status:       coordination.ResponseStatusError,
		Errors:       []string{err.Error()},
	}
}

// operationDeadline derives the execution context for one operation from
// the runtime limits captured at dispatch time.
func operationContext(ctx context.Context, limits state.RuntimeLimits) (context.Context, context.CancelFunc) {
	timeout := limits.ProcessingTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
