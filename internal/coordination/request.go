package coordination

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRequest = errors.New("coordination: invalid coordination request")

const (
	RequestTypePrimitive   = "primitive_operation"
	RequestTypeMethodology = "methodology_execution"

	ResponseStatusSuccess = "success"
	ResponseStatusError   = "error"
)

// Request is an inbound coordination request from a peer or the
// orchestrator. Parameters carry the target (operation_type or
// methodology_id) plus the payload arguments.
type Request struct {
	RequestID   string         `json:"request_id"`
	RequestType string         `json:"request_type"`
	Parameters  map[string]any `json:"parameters"`
}

// Validate enforces required request fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("%w: missing request_id", ErrInvalidRequest)
	}
	switch r.RequestType {
	case RequestTypePrimitive, RequestTypeMethodology:
	default:
		return fmt.Errorf("%w: unknown request_type %q", ErrInvalidRequest, r.RequestType)
	}
	return nil
}

// Response answers one coordination request.
type Response struct {
	RequestID    string         `json:"request_id"`
	ResponseType string         `json:"response_type"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
}
