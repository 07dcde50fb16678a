package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/concordkit/concord/internal/config"
	"github.com/concordkit/concord/internal/coordination"
	"github.com/concordkit/concord/internal/health"
	"github.com/concordkit/concord/internal/methodology"
	"github.com/concordkit/concord/internal/primitives"
	"github.com/concordkit/concord/internal/state"
	"github.com/concordkit/concord/internal/testutil/testlog"
)

func newTestKernel(t *testing.T, engine methodology.Engine) (*Kernel, *state.Store) {
	t.Helper()

	registry, err := primitives.BuildBuiltinRegistry(primitives.DefaultBuiltinIDs())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	store := state.NewStore(
		state.Identity{Name: "component.test", Type: "generic", Version: "0.0.1", Capabilities: registry.Capabilities()},
		state.RuntimeLimits{
			MaxInputBytes:     1 << 20,
			ProcessingTimeout: 5 * time.Second,
			WorkerConcurrency: 4,
			HeartbeatInterval: time.Second,
		},
	)
	if err := store.Transition(state.StatusReady); err != nil {
		t.Fatalf("transition ready: %v", err)
	}
	monitor := health.NewMonitor("component.test")

	k := New(store, registry, monitor, engine, nil, 64, 4)
	go func() { _ = k.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = k.Shutdown(context.Background())
		<-k.Done()
	})
	return k, store
}

func TestExecutePrimitiveParseCode(t *testing.T) {
	testlog.Start(t)
	k, _ := newTestKernel(t, methodology.ReferenceEngine{})

	result, err := k.ExecutePrimitiveOperation(context.Background(), "parse_code", map[string]any{"text": "a b c"})
	if err != nil {
		t.Fatalf("execute parse_code: %v", err)
	}
	if result.Status != ResultStatusSuccess {
		t.Fatalf("unexpected status: %q", result.Status)
	}
	if result.OperationType != "parse_code" {
		t.Fatalf("unexpected operation_type: %q", result.OperationType)
	}
	if result.OperationID == "" {
		t.Fatalf("missing operation id")
	}
	if count, ok := result.Output["token_count"].(int); !ok || count != 3 {
		t.Fatalf("unexpected token_count: %v", result.Output["token_count"])
	}
}

func TestExecuteUnknownPrimitive(t *testing.T) {
	testlog.Start(t)
	k, _ := newTestKernel(t, methodology.ReferenceEngine{})

	_, err := k.ExecutePrimitiveOperation(context.Background(), "transmute_lead", nil)
	if !errors.Is(err, ErrUnknownPrimitive) {
		t.Fatalf("expected ErrUnknownPrimitive, got %v", err)
	}
}

func TestLoadThenExecuteMethodology(t *testing.T) {
	testlog.Start(t)
	k, _ := newTestKernel(t, methodology.ReferenceEngine{})

	m := methodology.Methodology{ID: "m1", Version: "1", Body: json.RawMessage(`{"output":{"marker":"one"}}`)}
	if err := k.LoadMethodology(context.Background(), m); err != nil {
		t.Fatalf("load: %v", err)
	}

	result, err := k.ExecuteMethodology(context.Background(), "m1", map[string]any{"input": "x"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != ResultStatusSuccess {
		t.Fatalf("unexpected status: %q", result.Status)
	}
	if result.Output["marker"] != "one" {
		t.Fatalf("unexpected marker: %v", result.Output["marker"])
	}
}

func TestExecuteMethodologyNotFound(t *testing.T) {
	testlog.Start(t)
	k, _ := newTestKernel(t, methodology.ReferenceEngine{})

	_, err := k.ExecuteMethodology(context.Background(), "m.absent", nil)
	if !errors.Is(err, methodology.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadMethodologyRejectInvalidBody(t *testing.T) {
	testlog.Start(t)
	k, store := newTestKernel(t, methodology.ReferenceEngine{})

	err := k.LoadMethodology(context.Background(), methodology.Methodology{
		ID:   "m.bad",
		Body: json.RawMessage(`{not json`),
	})
	if !errors.Is(err, methodology.ErrInvalidMethodology) {
		t.Fatalf("expected ErrInvalidMethodology, got %v", err)
	}
	if _, ok := store.Read().Methodologies["m.bad"]; ok {
		t.Fatalf("rejected methodology must not be stored")
	}
}

// blockingEngine parks every execution until released so tests can overlap
// a reload with an in-flight run.
type blockingEngine struct {
	started chan methodology.Methodology
	release chan struct{}
}

func (blockingEngine) Validate(methodology.Methodology) error { return nil }

func (e blockingEngine) Execute(ctx context.Context, m methodology.Methodology, _ methodology.ExecutionContext) (methodology.Result, error) {
	e.started <- m
	select {
	case <-e.release:
	case <-ctx.Done():
		return methodology.Result{}, ctx.Err()
	}
	return methodology.Result{
		Status: methodology.StatusSuccess,
		Output: map[string]any{"version": m.Version},
	}, nil
}

func TestMethodologyReloadLastWriteWins(t *testing.T) {
	testlog.Start(t)
	engine := blockingEngine{
		started: make(chan methodology.Methodology, 1),
		release: make(chan struct{}),
	}
	k, _ := newTestKernel(t, engine)

	if err := k.LoadMethodology(context.Background(), methodology.Methodology{ID: "m1", Version: "1"}); err != nil {
		t.Fatalf("load v1: %v", err)
	}

	type outcome struct {
		result OperationResult
		err    error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		result, err := k.ExecuteMethodology(context.Background(), "m1", nil)
		firstDone <- outcome{result, err}
	}()

	inflight := <-engine.started
	if inflight.Version != "1" {
		t.Fatalf("in-flight run should hold v1, got %q", inflight.Version)
	}

	// Reload while the first run is still executing.
	if err := k.LoadMethodology(context.Background(), methodology.Methodology{ID: "m1", Version: "2"}); err != nil {
		t.Fatalf("load v2: %v", err)
	}
	close(engine.release)

	first := <-firstDone
	if first.err != nil {
		t.Fatalf("first execute: %v", first.err)
	}
	if first.result.Output["version"] != "1" {
		t.Fatalf("in-flight run must keep its captured definition, got %v", first.result.Output["version"])
	}

	second, err := k.ExecuteMethodology(context.Background(), "m1", nil)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	<-engine.started
	if second.Output["version"] != "2" {
		t.Fatalf("later execute must see the reloaded definition, got %v", second.Output["version"])
	}
}

func TestNoLeakedActiveOperations(t *testing.T) {
	testlog.Start(t)
	k, store := newTestKernel(t, methodology.ReferenceEngine{})

	if err := k.LoadMethodology(context.Background(), methodology.Methodology{ID: "m1", Version: "1"}); err != nil {
		t.Fatalf("load: %v", err)
	}

	const n = 120
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = k.ExecutePrimitiveOperation(context.Background(), "checksum", map[string]any{"text": fmt.Sprintf("payload-%d", i)})
				return
			}
			_, _ = k.ExecuteMethodology(context.Background(), "m1", map[string]any{"i": i})
		}(i)
	}
	wg.Wait()

	core := store.Read()
	if len(core.ActiveOperations) != 0 {
		t.Fatalf("leaked active operations: %d", len(core.ActiveOperations))
	}
}

// panicEngine panics on every execution.
type panicEngine struct{}

func (panicEngine) Validate(methodology.Methodology) error { return nil }
func (panicEngine) Execute(context.Context, methodology.Methodology, methodology.ExecutionContext) (methodology.Result, error) {
	panic("engine exploded")
}

func TestEnginePanicBecomesErrorReply(t *testing.T) {
	testlog.Start(t)
	k, store := newTestKernel(t, panicEngine{})

	if err := k.LoadMethodology(context.Background(), methodology.Methodology{ID: "m1"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err := k.ExecuteMethodology(context.Background(), "m1", nil)
	if err == nil {
		t.Fatalf("expected error reply from panicking engine")
	}
	if len(store.Read().ActiveOperations) != 0 {
		t.Fatalf("panic leaked an active operation")
	}

	// The kernel must stay serviceable afterwards.
	if _, err := k.ExecutePrimitiveOperation(context.Background(), "format_text", map[string]any{"text": " a  b "}); err != nil {
		t.Fatalf("kernel unusable after panic: %v", err)
	}
}

// slowEngine runs until its context expires.
type slowEngine struct{}

func (slowEngine) Validate(methodology.Methodology) error { return nil }
func (slowEngine) Execute(ctx context.Context, _ methodology.Methodology, _ methodology.ExecutionContext) (methodology.Result, error) {
	<-ctx.Done()
	return methodology.Result{}, ctx.Err()
}

func TestMethodologyProcessingTimeout(t *testing.T) {
	testlog.Start(t)
	k, store := newTestKernel(t, slowEngine{})
	store.Mutate(func(core *state.CoreState) {
		core.Limits.ProcessingTimeout = 20 * time.Millisecond
	})

	if err := k.LoadMethodology(context.Background(), methodology.Methodology{ID: "m.slow"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err := k.ExecuteMethodology(context.Background(), "m.slow", nil)
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("expected ErrOperationTimeout, got %v", err)
	}
	if len(store.Read().ActiveOperations) != 0 {
		t.Fatalf("timeout leaked an active operation")
	}
}

func TestShutdownFinality(t *testing.T) {
	testlog.Start(t)
	k, store := newTestKernel(t, methodology.ReferenceEngine{})

	if err := k.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	<-k.Done()

	if got := store.Status(); got != state.StatusShutdown {
		t.Fatalf("expected terminal status, got %q", got)
	}

	start := time.Now()
	if _, err := k.ExecutePrimitiveOperation(context.Background(), "checksum", map[string]any{"text": "x"}); !errors.Is(err, ErrKernelShutdown) {
		t.Fatalf("expected ErrKernelShutdown, got %v", err)
	}
	if err := k.LoadMethodology(context.Background(), methodology.Methodology{ID: "m1"}); !errors.Is(err, ErrKernelShutdown) {
		t.Fatalf("expected ErrKernelShutdown, got %v", err)
	}
	if _, err := k.GetHealthStatus(context.Background()); !errors.Is(err, ErrKernelShutdown) {
		t.Fatalf("expected ErrKernelShutdown, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("post-shutdown calls must fail immediately, took %v", elapsed)
	}
}

func TestQueueFull(t *testing.T) {
	testlog.Start(t)

	registry, err := primitives.BuildBuiltinRegistry(primitives.DefaultBuiltinIDs())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	store := state.NewStore(state.Identity{Name: "c", Type: "g"}, state.RuntimeLimits{
		MaxInputBytes:     1024,
		ProcessingTimeout: time.Second,
		WorkerConcurrency: 1,
		HeartbeatInterval: time.Second,
	})
	monitor := health.NewMonitor("c")
	// No dispatcher running: the queue cannot drain.
	k := New(store, registry, monitor, methodology.ReferenceEngine{}, nil, 2, 1)
	for i := 0; i < 2; i++ {
		k.queue <- newCommand(cmdGetHealthStatus)
	}

	_, err = k.ExecutePrimitiveOperation(context.Background(), "checksum", map[string]any{"text": "x"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestGetHealthStatus(t *testing.T) {
	testlog.Start(t)
	k, store := newTestKernel(t, methodology.ReferenceEngine{})

	if _, err := k.ExecutePrimitiveOperation(context.Background(), "checksum", map[string]any{"text": "x"}); err != nil {
		t.Fatalf("prime operation: %v", err)
	}

	report, err := k.GetHealthStatus(context.Background())
	if err != nil {
		t.Fatalf("health status: %v", err)
	}
	if report.ComponentStatus != state.StatusReady {
		t.Fatalf("unexpected status: %q", report.ComponentStatus)
	}
	if report.Metrics.TotalOperations == 0 {
		t.Fatalf("expected recorded operations")
	}
	if store.Read().LastHealthCheck.IsZero() {
		t.Fatalf("health check must stamp the state")
	}
}

func TestUpdateConfiguration(t *testing.T) {
	testlog.Start(t)
	k, store := newTestKernel(t, methodology.ReferenceEngine{})

	next := state.RuntimeLimits{
		MaxInputBytes:     2048,
		ProcessingTimeout: 2 * time.Second,
		WorkerConcurrency: 2,
		HeartbeatInterval: 2 * time.Second,
	}
	if err := k.UpdateConfiguration(context.Background(), next); err != nil {
		t.Fatalf("update configuration: %v", err)
	}
	if got := store.Read().Limits; got != next {
		t.Fatalf("limits not applied: %+v", got)
	}

	bad := next
	bad.MaxInputBytes = 0
	if err := k.UpdateConfiguration(context.Background(), bad); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if got := store.Read().Limits; got != next {
		t.Fatalf("invalid update must not change limits: %+v", got)
	}
}

func TestProcessCoordinationRequestPrimitive(t *testing.T) {
	testlog.Start(t)
	k, _ := newTestKernel(t, methodology.ReferenceEngine{})

	resp, err := k.ProcessCoordinationRequest(context.Background(), coordination.Request{
		RequestID:   "req.1",
		RequestType: coordination.RequestTypePrimitive,
		Parameters:  map[string]any{"operation_type": "parse_code", "text": "a b c"},
	})
	if err != nil {
		t.Fatalf("process coordination request: %v", err)
	}
	if resp.Status != coordination.ResponseStatusSuccess {
		t.Fatalf("unexpected status: %q errors=%v", resp.Status, resp.Errors)
	}
	if resp.RequestID != "req.1" {
		t.Fatalf("response must echo request id, got %q", resp.RequestID)
	}
	if resp.Result["token_count"] != 3 {
		t.Fatalf("unexpected token_count: %v", resp.Result["token_count"])
	}
}

func TestProcessCoordinationRequestInvalid(t *testing.T) {
	testlog.Start(t)
	k, store := newTestKernel(t, methodology.ReferenceEngine{})

	resp, err := k.ProcessCoordinationRequest(context.Background(), coordination.Request{
		RequestID:   "req.2",
		RequestType: "teleport",
	})
	if err != nil {
		t.Fatalf("invalid request should answer with an error response: %v", err)
	}
	if resp.Status != coordination.ResponseStatusError {
		t.Fatalf("unexpected status: %q", resp.Status)
	}
	if len(store.Read().ActiveOperations) != 0 {
		t.Fatalf("rejected request must not mutate state")
	}
}
