package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/concordkit/concord/internal/protocol/session"
	"github.com/concordkit/concord/internal/testutil/testlog"
)

func TestDefaultConfigIsValid(t *testing.T) {
	testlog.Start(t)

	if err := ValidateComponentConfig(DefaultComponentConfig()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	// Zero would mean unbounded registration retries; the default bounds it
	// so a required-policy component aborts instead of hanging startup.
	if got := DefaultComponentConfig().Orchestrator.MaxConnectAttempts; got <= 0 {
		t.Fatalf("default max_connect_attempts must be positive, got %d", got)
	}
}

func TestValidateRejections(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name   string
		mutate func(*ComponentConfig)
	}{
		{"empty name", func(c *ComponentConfig) { c.Name = " " }},
		{"empty type", func(c *ComponentConfig) { c.Type = "" }},
		{"zero max input", func(c *ComponentConfig) { c.MaxInputBytes = 0 }},
		{"negative max input", func(c *ComponentConfig) { c.MaxInputBytes = -1 }},
		{"bad processing timeout", func(c *ComponentConfig) { c.ProcessingTimeout = "soon" }},
		{"zero processing timeout", func(c *ComponentConfig) { c.ProcessingTimeout = "0s" }},
		{"zero workers", func(c *ComponentConfig) { c.WorkerConcurrency = 0 }},
		{"zero queue", func(c *ComponentConfig) { c.QueueCapacity = 0 }},
		{"bad heartbeat", func(c *ComponentConfig) { c.HeartbeatInterval = "-1s" }},
		{"unknown policy", func(c *ComponentConfig) { c.Orchestrator.Policy = "maybe" }},
		{"negative connect attempts", func(c *ComponentConfig) { c.Orchestrator.MaxConnectAttempts = -1 }},
		{"auto without address", func(c *ComponentConfig) {
			c.Orchestrator.Policy = string(PolicyAuto)
			c.Orchestrator.Address = ""
		}},
		{"peer missing name", func(c *ComponentConfig) {
			c.Peers = []PeerConfig{{BaseURL: "http://peer:9200"}}
		}},
		{"peer missing base_url", func(c *ComponentConfig) {
			c.Peers = []PeerConfig{{Name: "peer.a"}}
		}},
	}
	for _, tc := range cases {
		cfg := DefaultComponentConfig()
		tc.mutate(&cfg)
		if err := ValidateComponentConfig(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	testlog.Start(t)

	for raw, want := range map[string]OrchestratorPolicy{
		"":          PolicyHeadless,
		"headless":  PolicyHeadless,
		" AUTO ":    PolicyAuto,
		"required":  PolicyRequired,
		"Required ": PolicyRequired,
	} {
		got, err := ParsePolicy(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %q want %q", raw, got, want)
		}
	}

	if _, err := ParsePolicy("sometimes"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadComponentConfig(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "component.toml")
	body := `
name = "component.alpha"
type = "parser"
max_input_bytes = 4096
processing_timeout = "10s"
worker_concurrency = 2
queue_capacity = 16
heartbeat_interval = "2s"
primitives = ["parse_code", "checksum"]

[orchestrator]
policy = "auto"
address = "127.0.0.1:9300"
peer_identity = "component.alpha"

[[peers]]
name = "component.beta"
base_url = "http://127.0.0.1:9201"
auth_token = "beta-token"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadComponentConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "component.alpha" || cfg.Type != "parser" {
		t.Fatalf("identity not loaded: %+v", cfg)
	}
	if cfg.MaxInputBytes != 4096 {
		t.Fatalf("unexpected max_input_bytes: %d", cfg.MaxInputBytes)
	}
	if cfg.ProcessingTimeoutDuration() != 10*time.Second {
		t.Fatalf("unexpected processing timeout: %v", cfg.ProcessingTimeoutDuration())
	}
	if cfg.HeartbeatIntervalDuration() != 2*time.Second {
		t.Fatalf("unexpected heartbeat interval: %v", cfg.HeartbeatIntervalDuration())
	}
	if cfg.Orchestrator.Address != "127.0.0.1:9300" {
		t.Fatalf("orchestrator address not loaded: %q", cfg.Orchestrator.Address)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Name != "component.beta" {
		t.Fatalf("peers not loaded: %+v", cfg.Peers)
	}
	// HTTP addr keeps the default when absent from the file.
	if cfg.HTTPAddr != ":9200" {
		t.Fatalf("unexpected http_addr default: %q", cfg.HTTPAddr)
	}
}

func TestLoadComponentConfigInvalidFile(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("max_input_bytes = -5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadComponentConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	if _, err := LoadComponentConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestSessionConfigMapping(t *testing.T) {
	testlog.Start(t)

	orch := OrchestratorConfig{
		SecurityMode: "production",
		TLS: TLSOptions{
			Enabled:  true,
			Mutual:   true,
			CertFile: "cert.pem",
			KeyFile:  "key.pem",
			CAFile:   "ca.pem",
		},
	}
	sc := orch.SessionConfig()
	if sc.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("unexpected security mode: %q", sc.SecurityMode)
	}
	if !sc.TLS.Enabled || !sc.TLS.Mutual || sc.TLS.CAFile != "ca.pem" {
		t.Fatalf("tls options not mapped: %+v", sc.TLS)
	}
	if sc.ConnectTimeout <= 0 || sc.AckTimeout <= 0 {
		t.Fatalf("session defaults missing: %+v", sc)
	}
}
