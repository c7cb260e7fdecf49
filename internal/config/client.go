// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig representa a configuração completa do CLI vibemq.
type ClientConfig struct {
	Server   ClientServerConfig `yaml:"server"`
	Auth     ClientAuthConfig   `yaml:"auth"`
	ClientID string             `yaml:"clientId"`
	Timing   ClientTimingConfig `yaml:"timing"`

	// Compression define o content-encoding dos payloads publicados:
	// "" (sem compressão), "gzip" ou "zstd".
	Compression string `yaml:"compression"`

	MaxMessageSize string `yaml:"maxMessageSize"`
	// MaxMessageSizeRaw é o limite de frame parseado em bytes.
	MaxMessageSizeRaw uint32 `yaml:"-"`

	TLS     TLSClientConfig `yaml:"tls"`
	Logging LoggingConfig   `yaml:"logging"`
}

// ClientServerConfig contém o endereço do broker.
type ClientServerConfig struct {
	Address string `yaml:"address"`
}

// ClientAuthConfig contém o token apresentado no Connect.
type ClientAuthConfig struct {
	Token string `yaml:"token"`
}

// ClientTimingConfig contém timeouts e a política de reconexão do client.
type ClientTimingConfig struct {
	CommandTimeout       time.Duration `yaml:"commandTimeout"`
	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	InitialBackoff       time.Duration `yaml:"initialBackoff"`
	MaxBackoff           time.Duration `yaml:"maxBackoff"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
}

// TLSClientConfig contém os certificados do lado client.
// CaFile vazio usa o pool de CAs do sistema; CertFile+KeyFile habilitam mTLS.
type TLSClientConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CaFile     string `yaml:"caFile"`
	CertFile   string `yaml:"certFile"`
	KeyFile    string `yaml:"keyFile"`
	ServerName string `yaml:"serverName"`
}

// LoadClientConfig lê e valida o arquivo YAML de configuração do client.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e rejeita valores inválidos. Exportado porque o
// CLI sobrepõe campos via flags antes de validar.
func (c *ClientConfig) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	if c.Timing.CommandTimeout <= 0 {
		c.Timing.CommandTimeout = 10 * time.Second
	}
	if c.Timing.HandshakeTimeout <= 0 {
		c.Timing.HandshakeTimeout = 5 * time.Second
	}
	if c.Timing.InitialBackoff <= 0 {
		c.Timing.InitialBackoff = 1 * time.Second
	}
	if c.Timing.MaxBackoff <= 0 {
		c.Timing.MaxBackoff = 5 * time.Minute
	}
	if c.Timing.MaxBackoff < c.Timing.InitialBackoff {
		return fmt.Errorf("timing.maxBackoff (%s) must be >= timing.initialBackoff (%s)",
			c.Timing.MaxBackoff, c.Timing.InitialBackoff)
	}
	if c.Timing.MaxReconnectAttempts <= 0 {
		c.Timing.MaxReconnectAttempts = 5
	}

	c.Compression = strings.ToLower(strings.TrimSpace(c.Compression))
	switch c.Compression {
	case "", "gzip", "zstd":
	default:
		return fmt.Errorf("compression must be empty, gzip or zstd, got %q", c.Compression)
	}

	if c.MaxMessageSize == "" {
		c.MaxMessageSize = "1mb"
	}
	frameMax, err := ParseByteSize(c.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("maxMessageSize: %w", err)
	}
	if frameMax <= 0 || frameMax > 64*1024*1024 {
		return fmt.Errorf("maxMessageSize must be between 1b and 64mb, got %s", c.MaxMessageSize)
	}
	c.MaxMessageSizeRaw = uint32(frameMax)

	if c.TLS.Enabled {
		if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
			return fmt.Errorf("tls.certFile and tls.keyFile must be set together")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}
