// Package auth provides minimal authentication helpers for coordination
// channels.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token presented by a peer.
type Validator interface {
	Validate(peer, token string) error
}

// StaticToken validates a single shared token regardless of peer identity.
// It is intended only for development and proofs of concept.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(_, token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Keyring validates per-peer tokens. Unknown peers are rejected.
type Keyring struct {
	tokens map[string]string
}

// NewKeyring copies the peer->token map into a validator.
func NewKeyring(tokens map[string]string) Keyring {
	out := make(map[string]string, len(tokens))
	for peer, token := range tokens {
		out[peer] = token
	}
	return Keyring{tokens: out}
}

func (k Keyring) Validate(peer, token string) error {
	expected, ok := k.tokens[peer]
	if !ok || expected == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(peer, token string) error

func (f FuncValidator) Validate(peer, token string) error {
	return f(peer, token)
}

// AllowAll accepts every request. Test and headless use only.
type AllowAll struct{}

func (AllowAll) Validate(_, _ string) error { return nil }
