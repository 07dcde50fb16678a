package primitives

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// BuildBuiltinRegistry resolves configured builtin handler ids into a
// runtime registry. Unknown ids are fatal to bootstrap.
func BuildBuiltinRegistry(ids []string) (*Registry, error) {
	reg := NewRegistry()

	seen := make(map[string]struct{})
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || id == "none" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		switch id {
		case "parse_code":
			if err := reg.Register(ParseCode{}); err != nil {
				return nil, err
			}
		case "format_text":
			if err := reg.Register(FormatText{}); err != nil {
				return nil, err
			}
		case "validate_input":
			if err := reg.Register(ValidateInput{}); err != nil {
				return nil, err
			}
		case "checksum":
			if err := reg.Register(Checksum{}); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownBuiltin, id)
		}
	}

	return reg, nil
}

// DefaultBuiltinIDs lists every shipped handler.
func DefaultBuiltinIDs() []string {
	return []string{"parse_code", "format_text", "validate_input", "checksum"}
}

func textArgument(in Input) (string, error) {
	raw, ok := in.Parameters["text"]
	if !ok {
		return "", fmt.Errorf("%w: text", ErrMissingArgument)
	}
	text, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: text must be a string", ErrMissingArgument)
	}
	if in.MaxInputBytes > 0 && int64(len(text)) > in.MaxInputBytes {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrInputTooLarge, len(text), in.MaxInputBytes)
	}
	return text, nil
}

// ParseCode tokenizes source-like text into whitespace-delimited tokens.
type ParseCode struct{}

func (ParseCode) Metadata() Metadata {
	return Metadata{
		ID:          "parse_code",
		Name:        "Parse Code",
		Description: "Tokenizes input text and reports token and line counts.",
	}
}

func (ParseCode) Execute(_ context.Context, in Input) (Output, error) {
	text, err := textArgument(in)
	if err != nil {
		return Output{}, err
	}
	tokens := strings.Fields(text)
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}
	return Output{Data: map[string]any{
		"tokens":      tokens,
		"token_count": len(tokens),
		"line_count":  lines,
	}}, nil
}

// FormatText collapses runs of whitespace and trims the result.
type FormatText struct{}

func (FormatText) Metadata() Metadata {
	return Metadata{
		ID:          "format_text",
		Name:        "Format Text",
		Description: "Normalizes whitespace in input text.",
	}
}

func (FormatText) Execute(_ context.Context, in Input) (Output, error) {
	text, err := textArgument(in)
	if err != nil {
		return Output{}, err
	}
	formatted := strings.Join(strings.Fields(text), " ")
	return Output{Data: map[string]any{
		"formatted":      formatted,
		"original_bytes": len(text),
	}}, nil
}

// ValidateInput checks input text against the configured size budget.
type ValidateInput struct{}

func (ValidateInput) Metadata() Metadata {
	return Metadata{
		ID:          "validate_input",
		Name:        "Validate Input",
		Description: "Checks input text against the configured size limit.",
	}
}

func (ValidateInput) Execute(_ context.Context, in Input) (Output, error) {
	text, err := textArgument(in)
	if err != nil {
		return Output{}, err
	}
	return Output{Data: map[string]any{
		"valid":     true,
		"bytes":     len(text),
		"max_bytes": in.MaxInputBytes,
	}}, nil
}

// Checksum digests input text with FNV-1a.
type Checksum struct{}

func (Checksum) Metadata() Metadata {
	return Metadata{
		ID:          "checksum",
		Name:        "Checksum",
		Description: "Computes an FNV-1a digest over input text.",
	}
}

func (Checksum) Execute(_ context.Context, in Input) (Output, error) {
	text, err := textArgument(in)
	if err != nil {
		return Output{}, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return Output{Data: map[string]any{
		"algorithm": "fnv64a",
		"digest":    fmt.Sprintf("%016x", h.Sum64()),
		"bytes":     len(text),
	}}, nil
}
