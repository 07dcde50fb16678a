// Package config loads and validates component configuration.
//
// Validation is all-or-nothing: an invalid file or invalid runtime update
// never leaves a partially applied configuration behind.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/concordkit/concord/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// OrchestratorPolicy controls component behavior when the orchestrator is
// unavailable.
type OrchestratorPolicy string

const (
	// PolicyHeadless skips registration entirely (local/dev runs).
	PolicyHeadless OrchestratorPolicy = "headless"
	// PolicyAuto registers when possible and reconnects in the background.
	PolicyAuto OrchestratorPolicy = "auto"
	// PolicyRequired aborts startup when registration fails.
	PolicyRequired OrchestratorPolicy = "required"
)

// TLSOptions is the file-based transport security surface for the
// orchestrator session.
type TLSOptions struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// OrchestratorConfig names the central orchestrator endpoint and posture.
type OrchestratorConfig struct {
	Policy             string     `toml:"policy"`
	Address            string     `toml:"address"`
	PeerIdentity       string     `toml:"peer_identity"`
	AuthToken          string     `toml:"auth_token"`
	MaxConnectAttempts int        `toml:"max_connect_attempts"`
	SecurityMode       string     `toml:"security_mode"`
	TLS                TLSOptions `toml:"tls"`
}

// SessionConfig maps the orchestrator transport options onto session
// defaults.
func (o OrchestratorConfig) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(o.SecurityMode))
	cfg.TLS = session.TLSConfig{
		Enabled:            o.TLS.Enabled,
		Mutual:             o.TLS.Mutual,
		CertFile:           o.TLS.CertFile,
		KeyFile:            o.TLS.KeyFile,
		CAFile:             o.TLS.CAFile,
		ServerName:         o.TLS.ServerName,
		InsecureSkipVerify: o.TLS.InsecureSkipVerify,
	}
	return cfg
}

// PeerConfig names one sibling component channel.
type PeerConfig struct {
	Name      string `toml:"name"`
	BaseURL   string `toml:"base_url"`
	AuthToken string `toml:"auth_token"`
}

// ComponentConfig is the full component configuration surface.
type ComponentConfig struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"`
	Version     string   `toml:"version"`
	HTTPAddr    string   `toml:"http_addr"`
	CorsOrigins []string `toml:"cors_origins"`
	AuthToken   string   `toml:"auth_token"`

	MaxInputBytes     int64  `toml:"max_input_bytes"`
	ProcessingTimeout string `toml:"processing_timeout"`
	WorkerConcurrency int    `toml:"worker_concurrency"`
	QueueCapacity     int    `toml:"queue_capacity"`
	HeartbeatInterval string `toml:"heartbeat_interval"`

	Primitives []string `toml:"primitives"`

	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Peers        []PeerConfig       `toml:"peers"`
}

// DefaultComponentConfig returns standalone-friendly defaults.
func DefaultComponentConfig() ComponentConfig {
	return ComponentConfig{
		Name:              "component.local",
		Type:              "generic",
		Version:           "0.1.0",
		HTTPAddr:          ":9200",
		MaxInputBytes:     1 << 20,
		ProcessingTimeout: "30s",
		WorkerConcurrency: 8,
		QueueCapacity:     128,
		HeartbeatInterval: "5s",
		Primitives:        []string{"parse_code", "format_text", "validate_input", "checksum"},
		Orchestrator: OrchestratorConfig{
			Policy:             string(PolicyHeadless),
			MaxConnectAttempts: 5,
		},
	}
}

// LoadComponentConfig reads, defaults, and validates one config file.
func LoadComponentConfig(path string) (ComponentConfig, error) {
	cfg := DefaultComponentConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return ComponentConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ComponentConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := ValidateComponentConfig(cfg); err != nil {
		return ComponentConfig{}, err
	}
	return cfg, nil
}

// ValidateComponentConfig enforces the startup invariants.
func ValidateComponentConfig(cfg ComponentConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidConfig)
	}
	if cfg.MaxInputBytes <= 0 {
		return fmt.Errorf("%w: max_input_bytes must be > 0", ErrInvalidConfig)
	}
	if _, err := parsePositiveDuration(cfg.ProcessingTimeout, "processing_timeout"); err != nil {
		return err
	}
	if cfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("%w: worker_concurrency must be > 0", ErrInvalidConfig)
	}
	if cfg.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue_capacity must be > 0", ErrInvalidConfig)
	}
	if _, err := parsePositiveDuration(cfg.HeartbeatInterval, "heartbeat_interval"); err != nil {
		return err
	}
	policy, err := ParsePolicy(cfg.Orchestrator.Policy)
	if err != nil {
		return err
	}
	if policy != PolicyHeadless && strings.TrimSpace(cfg.Orchestrator.Address) == "" {
		return fmt.Errorf("%w: orchestrator.address is required for policy %q", ErrInvalidConfig, policy)
	}
	if cfg.Orchestrator.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: orchestrator.max_connect_attempts must be >= 0", ErrInvalidConfig)
	}
	for i, peer := range cfg.Peers {
		if strings.TrimSpace(peer.Name) == "" {
			return fmt.Errorf("%w: peers[%d] missing name", ErrInvalidConfig, i)
		}
		if strings.TrimSpace(peer.BaseURL) == "" {
			return fmt.Errorf("%w: peers[%d] missing base_url", ErrInvalidConfig, i)
		}
	}
	return nil
}

// ParsePolicy normalizes and validates the orchestrator policy value.
func ParsePolicy(raw string) (OrchestratorPolicy, error) {
	switch OrchestratorPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyHeadless:
		return PolicyHeadless, nil
	case PolicyAuto:
		return PolicyAuto, nil
	case PolicyRequired:
		return PolicyRequired, nil
	default:
		return "", fmt.Errorf("%w: unknown orchestrator policy %q", ErrInvalidConfig, raw)
	}
}

// ProcessingTimeoutDuration returns the parsed processing timeout.
func (c ComponentConfig) ProcessingTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ProcessingTimeout)
	return d
}

// HeartbeatIntervalDuration returns the parsed heartbeat interval.
func (c ComponentConfig) HeartbeatIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.HeartbeatInterval)
	return d
}

func parsePositiveDuration(raw, field string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, field)
	}
	return d, nil
}
