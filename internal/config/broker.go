// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// BrokerConfig representa a configuração completa do vibemq-server.
type BrokerConfig struct {
	Listener      ListenerConfig      `yaml:"listener"`
	Auth          AuthConfig          `yaml:"auth"`
	QueueDefaults QueueDefaultsConfig `yaml:"queueDefaults"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Timing        TimingConfig        `yaml:"timing"`
	Dlq           DlqConfig           `yaml:"dlq"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`

	MemoryLimit string `yaml:"memoryLimit"` // ex: "1gb"
	// MemoryLimitRaw é preenchido em validate(); não vem do YAML.
	MemoryLimitRaw int64 `yaml:"-"`
}

// ListenerConfig contém o listener TCP principal do broker.
type ListenerConfig struct {
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"maxConnections"`
	MaxMessageSize string `yaml:"maxMessageSize"` // ex: "1mb"
	// MaxMessageSizeRaw é o limite de frame parseado em bytes.
	MaxMessageSizeRaw uint32 `yaml:"-"`

	// MaxEgressBytesPerSec limita a banda de saída por conexão (0 = ilimitado).
	MaxEgressBytesPerSec int64 `yaml:"maxEgressBytesPerSec"`

	// DSCP marca os sockets aceitos (nomes RFC 4594: EF, AF41, CS0..CS7).
	// Vazio = sem marcação. Validado no startup do broker.
	DSCP string `yaml:"dscp"`

	TLS TLSListenerConfig `yaml:"tls"`
}

// Addr retorna o endereço de bind (":{port}").
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf(":%d", l.Port)
}

// TLSListenerConfig contém os caminhos dos certificados do listener.
// ClientCaFile habilita mTLS quando presente.
type TLSListenerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"certFile"`
	KeyFile      string `yaml:"keyFile"`
	ClientCaFile string `yaml:"clientCaFile"`
}

// AuthConfig contém o token compartilhado do handshake.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// QueueDefaultsConfig são os defaults aplicados a filas auto-criadas e a
// opções omitidas em CreateQueue.
type QueueDefaultsConfig struct {
	DeliveryMode     string        `yaml:"deliveryMode"`
	MaxSize          int           `yaml:"maxSize"`
	AutoCreate       *bool         `yaml:"autoCreate"` // default: true
	MessageTTL       time.Duration `yaml:"messageTtl"` // 0 = sem TTL
	DlqEnabled       *bool         `yaml:"dlqEnabled"` // default: true
	MaxRetryAttempts *int          `yaml:"maxRetryAttempts"`
	OverflowStrategy string        `yaml:"overflowStrategy"`

	// Parseados em validate(); não vêm do YAML.
	ParsedMode     queue.DeliveryMode     `yaml:"-"`
	ParsedOverflow queue.OverflowStrategy `yaml:"-"`
}

// Options converte os defaults de config para as opções do queue core.
func (q QueueDefaultsConfig) Options() queue.Options {
	opts := queue.Options{
		Mode:       q.ParsedMode,
		MaxSize:    q.MaxSize,
		Overflow:   q.ParsedOverflow,
		TTL:        q.MessageTTL,
		DlqEnabled: q.DlqEnabled == nil || *q.DlqEnabled,
	}
	if q.MaxRetryAttempts != nil {
		opts.MaxRetries = *q.MaxRetryAttempts
	}
	return opts
}

// AutoCreateEnabled reporta se publish em fila inexistente cria a fila.
func (q QueueDefaultsConfig) AutoCreateEnabled() bool {
	return q.AutoCreate == nil || *q.AutoCreate
}

// RateLimitConfig contém os limites fixed-window de conexão e publish.
type RateLimitConfig struct {
	Enabled                       *bool `yaml:"enabled"` // default: true
	MaxConnectionsPerIPPerWindow  int   `yaml:"maxConnectionsPerIpPerWindow"`
	ConnectionWindowSeconds       int   `yaml:"connectionWindowSeconds"`
	MaxMessagesPerClientPerSecond int   `yaml:"maxMessagesPerClientPerSecond"`
}

// LimitingEnabled reporta se os limiters estão ativos.
func (r RateLimitConfig) LimitingEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// TimingConfig concentra todos os timeouts e intervalos do broker.
type TimingConfig struct {
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	AckTimeout        time.Duration `yaml:"ackTimeout"`
	PublishTimeout    time.Duration `yaml:"publishTimeout"` // espera máxima de BlockPublisher
	ShutdownGrace     time.Duration `yaml:"shutdownGrace"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	TickInterval      time.Duration `yaml:"tickInterval"` // resolução do clock interno
}

// DlqConfig contém a capacidade do ring global de dead letters.
type DlqConfig struct {
	MaxSize int `yaml:"maxSize"`
}

// MaintenanceConfig configura o scheduler de manutenção periódica.
type MaintenanceConfig struct {
	Schedule     string        `yaml:"schedule"`     // cron padrão de 5 campos
	DlqRetention time.Duration `yaml:"dlqRetention"` // idade máxima de um dead letter
}

// ArchiveConfig configura o arquivamento de dead letters em S3.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`

	// Endpoint aponta para um storage S3-compatível; vazio = AWS.
	Endpoint string `yaml:"endpoint"`
	// Credenciais estáticas; vazias = default credential chain.
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`

	Compression   string        `yaml:"compression"` // zstd|gzip
	FlushInterval time.Duration `yaml:"flushInterval"`
	BufferSize    int           `yaml:"bufferSize"` // máximo de records em buffer
}

// ObservabilityConfig configura o listener HTTP de observabilidade.
type ObservabilityConfig struct {
	Listen         string   `yaml:"listen"`       // vazio = desabilitado
	AllowedCidrs   []string `yaml:"allowedCidrs"` // IP ou CIDR (deny-by-default)
	EventsFile     string   `yaml:"eventsFile"`   // persistência JSONL; vazio = só ring
	EventsMaxLines int      `yaml:"eventsMaxLines"`

	// ParsedCIDRs é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// Enabled reporta se o listener de observabilidade deve subir.
func (o ObservabilityConfig) Enabled() bool {
	return o.Listen != ""
}

// LoggingConfig contém configurações de logging compartilhadas entre
// broker e client. ConnectionLogDir só tem efeito no broker.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // vazio = só stdout

	// ConnectionLogDir habilita trace logs por conexão em
	// {dir}/{clientID}/{connID}.log quando não-vazio.
	ConnectionLogDir string `yaml:"connectionLogDir"`
}

// LoadBrokerConfig lê e valida o arquivo YAML de configuração do broker.
func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading broker config: %w", err)
	}

	var cfg BrokerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing broker config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating broker config: %w", err)
	}

	return &cfg, nil
}

// DefaultBrokerConfig retorna uma configuração com todos os defaults
// aplicados, pronta para uso em testes e embedding.
func DefaultBrokerConfig() *BrokerConfig {
	var cfg BrokerConfig
	if err := cfg.validate(); err != nil {
		// validate() de uma config vazia só aplica defaults; nunca falha.
		panic(err)
	}
	return &cfg
}

func (c *BrokerConfig) validate() error {
	if c.Listener.Port == 0 {
		c.Listener.Port = 8080
	}
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("listener.port must be between 1 and 65535, got %d", c.Listener.Port)
	}
	if c.Listener.MaxConnections <= 0 {
		c.Listener.MaxConnections = 1024
	}
	if c.Listener.MaxMessageSize == "" {
		c.Listener.MaxMessageSize = "1mb"
	}
	frameMax, err := ParseByteSize(c.Listener.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("listener.maxMessageSize: %w", err)
	}
	if frameMax <= 0 || frameMax > 64*1024*1024 {
		return fmt.Errorf("listener.maxMessageSize must be between 1b and 64mb, got %s", c.Listener.MaxMessageSize)
	}
	c.Listener.MaxMessageSizeRaw = uint32(frameMax)
	if c.Listener.MaxEgressBytesPerSec < 0 {
		return fmt.Errorf("listener.maxEgressBytesPerSec must be >= 0, got %d", c.Listener.MaxEgressBytesPerSec)
	}
	c.Listener.DSCP = strings.ToUpper(strings.TrimSpace(c.Listener.DSCP))

	if c.Listener.TLS.Enabled {
		if c.Listener.TLS.CertFile == "" {
			return fmt.Errorf("listener.tls.certFile is required when tls is enabled")
		}
		if c.Listener.TLS.KeyFile == "" {
			return fmt.Errorf("listener.tls.keyFile is required when tls is enabled")
		}
	}

	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required when auth is enabled")
	}

	// Queue defaults
	if c.QueueDefaults.DeliveryMode == "" {
		c.QueueDefaults.DeliveryMode = string(queue.RoundRobin)
	}
	mode, err := queue.ParseDeliveryMode(c.QueueDefaults.DeliveryMode)
	if err != nil {
		return fmt.Errorf("queueDefaults.deliveryMode: %w", err)
	}
	c.QueueDefaults.ParsedMode = mode
	if c.QueueDefaults.MaxSize <= 0 {
		c.QueueDefaults.MaxSize = 10000
	}
	if c.QueueDefaults.MessageTTL < 0 {
		return fmt.Errorf("queueDefaults.messageTtl must be >= 0, got %s", c.QueueDefaults.MessageTTL)
	}
	if c.QueueDefaults.MaxRetryAttempts == nil {
		retries := 3
		c.QueueDefaults.MaxRetryAttempts = &retries
	}
	if *c.QueueDefaults.MaxRetryAttempts < 0 {
		return fmt.Errorf("queueDefaults.maxRetryAttempts must be >= 0, got %d", *c.QueueDefaults.MaxRetryAttempts)
	}
	if c.QueueDefaults.OverflowStrategy == "" {
		c.QueueDefaults.OverflowStrategy = string(queue.DropOldest)
	}
	overflow, err := queue.ParseOverflowStrategy(c.QueueDefaults.OverflowStrategy)
	if err != nil {
		return fmt.Errorf("queueDefaults.overflowStrategy: %w", err)
	}
	c.QueueDefaults.ParsedOverflow = overflow

	// Rate limiting
	if c.RateLimit.MaxConnectionsPerIPPerWindow <= 0 {
		c.RateLimit.MaxConnectionsPerIPPerWindow = 20
	}
	if c.RateLimit.ConnectionWindowSeconds <= 0 {
		c.RateLimit.ConnectionWindowSeconds = 60
	}
	if c.RateLimit.MaxMessagesPerClientPerSecond <= 0 {
		c.RateLimit.MaxMessagesPerClientPerSecond = 100
	}

	// Timing
	if c.Timing.KeepAliveInterval <= 0 {
		c.Timing.KeepAliveInterval = 30 * time.Second
	}
	if c.Timing.HandshakeTimeout <= 0 {
		c.Timing.HandshakeTimeout = 5 * time.Second
	}
	if c.Timing.AckTimeout <= 0 {
		c.Timing.AckTimeout = 30 * time.Second
	}
	if c.Timing.PublishTimeout <= 0 {
		c.Timing.PublishTimeout = 30 * time.Second
	}
	if c.Timing.ShutdownGrace <= 0 {
		c.Timing.ShutdownGrace = 30 * time.Second
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
	if c.Timing.TickInterval <= 0 {
		c.Timing.TickInterval = 100 * time.Millisecond
	}
	if c.Timing.TickInterval > time.Second {
		return fmt.Errorf("timing.tickInterval must be <= 1s, got %s", c.Timing.TickInterval)
	}

	if c.Dlq.MaxSize <= 0 {
		c.Dlq.MaxSize = 10000
	}

	if c.MemoryLimit == "" {
		c.MemoryLimit = "1gb"
	}
	memLimit, err := ParseByteSize(c.MemoryLimit)
	if err != nil {
		return fmt.Errorf("memoryLimit: %w", err)
	}
	if memLimit <= 0 {
		return fmt.Errorf("memoryLimit must be > 0, got %s", c.MemoryLimit)
	}
	c.MemoryLimitRaw = memLimit

	// Maintenance
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "*/5 * * * *"
	}
	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	if c.Maintenance.DlqRetention <= 0 {
		c.Maintenance.DlqRetention = 24 * time.Hour
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if c.Archive.Prefix == "" {
			c.Archive.Prefix = "vibemq/dlq"
		}
		if c.Archive.Compression == "" {
			c.Archive.Compression = "zstd"
		}
		c.Archive.Compression = strings.ToLower(strings.TrimSpace(c.Archive.Compression))
		if c.Archive.Compression != "zstd" && c.Archive.Compression != "gzip" {
			return fmt.Errorf("archive.compression must be zstd or gzip, got %q", c.Archive.Compression)
		}
		if c.Archive.FlushInterval <= 0 {
			c.Archive.FlushInterval = 5 * time.Minute
		}
		if c.Archive.BufferSize <= 0 {
			c.Archive.BufferSize = 4096
		}
	}

	// Observability
	if c.Observability.Listen != "" {
		if c.Observability.EventsMaxLines <= 0 {
			c.Observability.EventsMaxLines = 10000
		}
		if len(c.Observability.AllowedCidrs) == 0 {
			return fmt.Errorf("observability.allowedCidrs is required when observability is enabled (deny-by-default)")
		}
		for _, origin := range c.Observability.AllowedCidrs {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("observability.allowedCidrs: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Observability.ParsedCIDRs = append(c.Observability.ParsedCIDRs, cidr)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
