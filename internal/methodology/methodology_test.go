package methodology

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/concordkit/concord/internal/testutil/testlog"
)

func TestMethodologyValidate(t *testing.T) {
	testlog.Start(t)

	if err := (Methodology{ID: "m1"}).Validate(); err != nil {
		t.Fatalf("minimal methodology rejected: %v", err)
	}
	if err := (Methodology{ID: "  "}).Validate(); !errors.Is(err, ErrInvalidMethodology) {
		t.Fatalf("blank id accepted: %v", err)
	}
}

func TestMethodologyCloneIsolatesBody(t *testing.T) {
	testlog.Start(t)

	original := Methodology{ID: "m1", Version: "1", Body: json.RawMessage(`{"a":1}`)}
	clone := original.Clone()
	clone.Body[2] = 'x'
	if string(original.Body) != `{"a":1}` {
		t.Fatalf("clone shares body bytes: %s", original.Body)
	}
}

func TestReferenceEngineValidate(t *testing.T) {
	testlog.Start(t)

	engine := ReferenceEngine{}
	if err := engine.Validate(Methodology{ID: "m1"}); err != nil {
		t.Fatalf("empty body rejected: %v", err)
	}
	if err := engine.Validate(Methodology{ID: "m1", Body: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("valid body rejected: %v", err)
	}
	err := engine.Validate(Methodology{ID: "m1", Body: json.RawMessage(`{broken`)})
	if !errors.Is(err, ErrInvalidMethodology) {
		t.Fatalf("invalid body accepted: %v", err)
	}
}

func TestReferenceEngineExecute(t *testing.T) {
	testlog.Start(t)

	engine := ReferenceEngine{}
	m := Methodology{ID: "m1", Version: "2", Body: json.RawMessage(`{"output":{"mode":"echo"}}`)}
	res, err := engine.Execute(context.Background(), m, ExecutionContext{
		OperationID: "op.1",
		Parameters:  map[string]any{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status: %q", res.Status)
	}
	if res.Output["methodology_id"] != "m1" || res.Output["version"] != "2" {
		t.Fatalf("identity missing from output: %+v", res.Output)
	}
	if res.Output["mode"] != "echo" {
		t.Fatalf("body output not merged: %+v", res.Output)
	}
	params, ok := res.Output["parameters"].(map[string]any)
	if !ok || params["text"] != "hi" {
		t.Fatalf("parameters not echoed: %+v", res.Output["parameters"])
	}
}

func TestReferenceEngineExecuteFailFlag(t *testing.T) {
	testlog.Start(t)

	m := Methodology{ID: "m1", Body: json.RawMessage(`{"fail":true}`)}
	_, err := ReferenceEngine{}.Execute(context.Background(), m, ExecutionContext{})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed, got %v", err)
	}
}

type stubCoordinator struct {
	peer string
	req  PeerRequest
	resp PeerResponse
	err  error
}

func (s *stubCoordinator) RequestPeerCoordination(_ context.Context, peer string, req PeerRequest) (PeerResponse, error) {
	s.peer = peer
	s.req = req
	return s.resp, s.err
}

func TestReferenceEngineExecutePeerRoundTrip(t *testing.T) {
	testlog.Start(t)

	coord := &stubCoordinator{
		resp: PeerResponse{Status: "success", Result: map[string]any{"from": "component.beta"}},
	}
	m := Methodology{ID: "m1", Body: json.RawMessage(`{"peer":"component.beta","request_type":"primitive_operation"}`)}
	res, err := ReferenceEngine{}.Execute(context.Background(), m, ExecutionContext{
		Parameters:  map[string]any{"operation_type": "checksum", "text": "x"},
		Coordinator: coord,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if coord.peer != "component.beta" || coord.req.RequestType != "primitive_operation" {
		t.Fatalf("coordinator call: peer=%q req=%+v", coord.peer, coord.req)
	}
	if res.Output["peer_status"] != "success" {
		t.Fatalf("peer status missing: %+v", res.Output)
	}
	result, ok := res.Output["peer_result"].(map[string]any)
	if !ok || result["from"] != "component.beta" {
		t.Fatalf("peer result missing: %+v", res.Output["peer_result"])
	}
}

func TestReferenceEngineExecutePeerWithoutCoordinator(t *testing.T) {
	testlog.Start(t)

	m := Methodology{ID: "m1", Body: json.RawMessage(`{"peer":"component.beta"}`)}
	_, err := ReferenceEngine{}.Execute(context.Background(), m, ExecutionContext{})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed, got %v", err)
	}
}

func TestReferenceEngineExecuteCanceledContext(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReferenceEngine{}.Execute(ctx, Methodology{ID: "m1"}, ExecutionContext{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
