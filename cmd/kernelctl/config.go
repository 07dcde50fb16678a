package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/concordkit/concord/internal/config"
)

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileOrchestrator struct {
	Policy             string  `toml:"policy"`
	Address            string  `toml:"address"`
	PeerIdentity       string  `toml:"peer_identity"`
	AuthToken          string  `toml:"auth_token"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	SecurityMode       string  `toml:"security_mode"`
	TLS                fileTLS `toml:"tls"`
}

type filePeer struct {
	Name      string `toml:"name"`
	BaseURL   string `toml:"base_url"`
	AuthToken string `toml:"auth_token"`
}

type fileConfig struct {
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

	Orchestrator fileOrchestrator `toml:"orchestrator"`
	Peers        []filePeer       `toml:"peers"`
}

// loadComponentConfig overlays file values onto the defaults: a key changes
// the default only when it is actually present in the file.
func loadComponentConfig(path string) (config.ComponentConfig, error) {
	cfg := config.DefaultComponentConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.ComponentConfig{}, fmt.Errorf("load component config: %w", err)
	}

	if meta.IsDefined("name") {
		if v := strings.TrimSpace(raw.Name); v != "" {
			cfg.Name = v
		}
	}
	if meta.IsDefined("type") {
		if v := strings.TrimSpace(raw.Type); v != "" {
			cfg.Type = v
		}
	}
	if meta.IsDefined("version") {
		cfg.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = raw.AuthToken
	}
	if meta.IsDefined("max_input_bytes") {
		cfg.MaxInputBytes = raw.MaxInputBytes
	}
	if meta.IsDefined("processing_timeout") {
		cfg.ProcessingTimeout = strings.TrimSpace(raw.ProcessingTimeout)
	}
	if meta.IsDefined("worker_concurrency") {
		cfg.WorkerConcurrency = raw.WorkerConcurrency
	}
	if meta.IsDefined("queue_capacity") {
		cfg.QueueCapacity = raw.QueueCapacity
	}
	if meta.IsDefined("heartbeat_interval") {
		cfg.HeartbeatInterval = strings.TrimSpace(raw.HeartbeatInterval)
	}
	if meta.IsDefined("primitives") {
		cfg.Primitives = normalizeList(raw.Primitives)
	}

	if meta.IsDefined("orchestrator", "policy") {
		cfg.Orchestrator.Policy = strings.TrimSpace(raw.Orchestrator.Policy)
	}
	if meta.IsDefined("orchestrator", "address") {
		cfg.Orchestrator.Address = strings.TrimSpace(raw.Orchestrator.Address)
	}
	if meta.IsDefined("orchestrator", "peer_identity") {
		cfg.Orchestrator.PeerIdentity = strings.TrimSpace(raw.Orchestrator.PeerIdentity)
	}
	if meta.IsDefined("orchestrator", "auth_token") {
		cfg.Orchestrator.AuthToken = raw.Orchestrator.AuthToken
	}
	if meta.IsDefined("orchestrator", "max_connect_attempts") {
		cfg.Orchestrator.MaxConnectAttempts = raw.Orchestrator.MaxConnectAttempts
	}
	if meta.IsDefined("orchestrator", "security_mode") {
		cfg.Orchestrator.SecurityMode = strings.TrimSpace(raw.Orchestrator.SecurityMode)
	}
	if meta.IsDefined("orchestrator", "tls") {
		cfg.Orchestrator.TLS = config.TLSOptions{
			Enabled:            raw.Orchestrator.TLS.Enabled,
			Mutual:             raw.Orchestrator.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.Orchestrator.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.Orchestrator.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.Orchestrator.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.Orchestrator.TLS.ServerName),
			InsecureSkipVerify: raw.Orchestrator.TLS.InsecureSkipVerify,
		}
	}
	if meta.IsDefined("peers") {
		peers := make([]config.PeerConfig, 0, len(raw.Peers))
		for _, peer := range raw.Peers {
			peers = append(peers, config.PeerConfig{
				Name:      strings.TrimSpace(peer.Name),
				BaseURL:   strings.TrimSpace(peer.BaseURL),
				AuthToken: peer.AuthToken,
			})
		}
		cfg.Peers = peers
	}

	if err := config.ValidateComponentConfig(cfg); err != nil {
		return config.ComponentConfig{}, err
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
