package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/concordkit/concord/internal/auth"
	"github.com/concordkit/concord/internal/orchestrator"
	"github.com/concordkit/concord/internal/protocol/session"
)

type fileTLS struct {
	Enabled  bool   `toml:"enabled"`
	Mutual   bool   `toml:"mutual"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

type fileConfig struct {
	ListenAddr             string            `toml:"listen_addr"`
	OrchestratorID         string            `toml:"id"`
	RequireIdentityBinding bool              `toml:"require_identity_binding"`
	SecurityMode           string            `toml:"security_mode"`
	ComponentTokens        map[string]string `toml:"component_tokens"`
	TLS                    fileTLS           `toml:"tls"`
}

// loadServiceConfig overlays file values onto the listener defaults.
func loadServiceConfig(path string) (orchestrator.ServiceConfig, error) {
	cfg := orchestrator.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return orchestrator.ServiceConfig{}, fmt.Errorf("load orchestrator config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		if v := strings.TrimSpace(raw.ListenAddr); v != "" {
			cfg.ListenAddr = v
		}
	}
	if meta.IsDefined("id") {
		if v := strings.TrimSpace(raw.OrchestratorID); v != "" {
			cfg.OrchestratorID = v
		}
	}
	if meta.IsDefined("require_identity_binding") {
		cfg.RequireIdentityBinding = raw.RequireIdentityBinding
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("component_tokens") {
		cfg.Validator = auth.NewKeyring(raw.ComponentTokens)
	}
	if meta.IsDefined("tls") {
		cfg.Session.TLS = session.TLSConfig{
			Enabled:  raw.TLS.Enabled,
			Mutual:   raw.TLS.Mutual,
			CertFile: strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:  strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:   strings.TrimSpace(raw.TLS.CAFile),
		}
	}
	return cfg, nil
}
