// Package session defines the component<->orchestrator control channel.
//
// Ownership boundary:
// - registration and heartbeat envelopes
//
// - session reliability defaults (timeouts, backoff)
//
// - transport security validation
//
// Envelopes travel as JSON lines over TCP, optionally inside TLS. Both ends
// validate every envelope before acting on it.
package session
