package methodology

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReferenceEngine is a minimal concrete Engine: bodies are JSON documents
// echoed back with the execution parameters. A body may name a peer to
// exercise the coordination callback. Real deployments substitute their own
// Engine at service construction.
type ReferenceEngine struct{}

type referenceBody struct {
	Peer        string         `json:"peer,omitempty"`
	RequestType string         `json:"request_type,omitempty"`
	Fail        bool           `json:"fail,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// Validate accepts any methodology whose body is absent or valid JSON.
func (ReferenceEngine) Validate(m Methodology) error {
	if len(m.Body) > 0 && !json.Valid(m.Body) {
		return fmt.Errorf("%w: body is not valid json", ErrInvalidMethodology)
	}
	return nil
}

// Execute interprets the body and returns a terminal result. A declared
// peer triggers one coordination round-trip through the injected
// coordinator before the result is assembled.
func (ReferenceEngine) Execute(ctx context.Context, m Methodology, ec ExecutionContext) (Result, error) {
	var body referenceBody
	if len(m.Body) > 0 {
		if err := json.Unmarshal(m.Body, &body); err != nil {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrExecutionFailed, m.ID, err)
		}
	}
	if body.Fail {
		return Result{}, fmt.Errorf("%w: %s: body requested failure", ErrExecutionFailed, m.ID)
	}

	output := map[string]any{
		"methodology_id": m.ID,
		"version":        m.Version,
	}
	for key, value := range body.Output {
		output[key] = value
	}
	if len(ec.Parameters) > 0 {
		output["parameters"] = ec.Parameters
	}

	if body.Peer != "" {
		if ec.Coordinator == nil {
			return Result{}, fmt.Errorf("%w: %s: no coordinator for peer %q", ErrExecutionFailed, m.ID, body.Peer)
		}
		resp, err := ec.Coordinator.RequestPeerCoordination(ctx, body.Peer, PeerRequest{
			RequestType: body.RequestType,
			Parameters:  ec.Parameters,
		})
		if err != nil {
			return Result{}, fmt.Errorf("%w: %s: peer %q: %v", ErrExecutionFailed, m.ID, body.Peer, err)
		}
		output["peer_status"] = resp.Status
		if resp.Result != nil {
			output["peer_result"] = resp.Result
		}
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	return Result{Status: StatusSuccess, Output: output}, nil
}
