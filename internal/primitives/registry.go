// Package primitives holds the fixed set of built-in capability handlers.
//
// The registry is populated once during kernel bootstrap and read-only
// afterwards; handlers themselves are stateless.
package primitives

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrHandlerExists   = errors.New("primitives: handler already registered")
	ErrHandlerNil      = errors.New("primitives: handler is nil")
	ErrInvalidMetadata = errors.New("primitives: invalid handler metadata")
	ErrUnknownBuiltin  = errors.New("primitives: unknown builtin handler")
	ErrInputTooLarge   = errors.New("primitives: input exceeds configured limit")
	ErrMissingArgument = errors.New("primitives: missing argument")
)

// Metadata describes one primitive capability.
type Metadata struct {
	ID          string
	Name        string
	Description string
}

// Input carries one invocation's parameters plus the runtime input budget.
type Input struct {
	OperationID   string
	Parameters    map[string]any
	MaxInputBytes int64
}

// Output is a handler's structured result payload.
type Output struct {
	Data map[string]any
}

// Handler is one built-in capability. Execute must be safe for concurrent
// use; handlers hold no mutable state.
type Handler interface {
	Metadata() Metadata
	Execute(ctx context.Context, in Input) (Output, error)
}

// Registry stores handlers by stable identifier.
type Registry struct {
	items map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Handler)}
}

// ValidateMetadata checks required metadata fields and id format.
func ValidateMetadata(meta Metadata) error {
	id := strings.TrimSpace(meta.ID)
	name := strings.TrimSpace(meta.Name)
	desc := strings.TrimSpace(meta.Description)
	if id == "" || name == "" || desc == "" {
		return fmt.Errorf("%w: id, name, and description are required", ErrInvalidMetadata)
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid id format %q", ErrInvalidMetadata, id)
	}
	return nil
}

// Register adds a handler to the registry.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}

	meta := h.Metadata()
	if err := ValidateMetadata(meta); err != nil {
		return err
	}

	if _, ok := r.items[meta.ID]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, meta.ID)
	}
	r.items[meta.ID] = h
	return nil
}

// Resolve returns a handler by id.
func (r *Registry) Resolve(id string) (Handler, bool) {
	h, ok := r.items[id]
	return h, ok
}

// ListMetadata returns deterministic metadata ordering by id.
func (r *Registry) ListMetadata() []Metadata {
	list := make([]Metadata, 0, len(r.items))
	for _, h := range r.items {
		list = append(list, h.Metadata())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

// Capabilities returns the sorted capability id list for registration and
// heartbeat advertisement.
func (r *Registry) Capabilities() []string {
	out := make([]string, 0, len(r.items))
	for id := range r.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
