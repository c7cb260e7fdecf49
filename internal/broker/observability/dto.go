// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

// MetricsSnapshot é o snapshot publicado pelo broker a cada tick do clock.
// A API HTTP e o collector Prometheus apenas leem o último publicado;
// nenhum contador é computado sob demanda.
type MetricsSnapshot struct {
	ActiveConnections        int     `json:"active_connections"`
	QueueCount               int     `json:"queue_count"`
	InFlightMessages         int     `json:"in_flight_messages"`
	MemoryUsageBytes         uint64  `json:"memory_usage_bytes"`
	TotalPublished           int64   `json:"total_published"`
	TotalDelivered           int64   `json:"total_delivered"`
	TotalAcknowledged        int64   `json:"total_acknowledged"`
	TotalRetries             int64   `json:"total_retries"`
	TotalDeadLettered        int64   `json:"total_dead_lettered"`
	TotalErrors              int64   `json:"total_errors"`
	TotalConnectionsAccepted int64   `json:"total_connections_accepted"`
	TotalConnectionsRejected int64   `json:"total_connections_rejected"`
	AverageDeliveryLatencyMs float64 `json:"average_delivery_latency_ms"`
	DroppedTTL               int64   `json:"dropped_ttl"`
	DroppedOverflow          int64   `json:"dropped_overflow"`
	DlqSize                  int     `json:"dlq_size"`
	DlqEvicted               int64   `json:"dlq_evicted"`
	UptimeSeconds            int64   `json:"uptime_seconds"`
}

// HealthResponse é retornado por GET /api/v1/health. Status é "ok" enquanto
// o RSS do processo fica abaixo de 90% do memoryLimit configurado;
// "degraded" a partir daí.
type HealthResponse struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Version          string `json:"version"`
	Go               string `json:"go"`
	MemoryUsageBytes uint64 `json:"memory_usage_bytes"`
	MemoryLimitBytes int64  `json:"memory_limit_bytes"`
	Goroutines       int    `json:"goroutines"`
}

// EventEntry representa um evento operacional no ring buffer.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // QUEUE_CREATED | DEAD_LETTERED | CONNECTION_CLOSED | ...
	Queue     string `json:"queue,omitempty"`
	Conn      string `json:"conn,omitempty"`
	Message   string `json:"message"`
}

// ConfigEffective é retornado por GET /api/v1/config/effective.
// Segredos (token, credenciais de archive) nunca aparecem aqui.
type ConfigEffective struct {
	Listener      ListenerSafe      `json:"listener"`
	AuthEnabled   bool              `json:"auth_enabled"`
	QueueDefaults QueueDefaultsSafe `json:"queue_defaults"`
	RateLimit     RateLimitSafe     `json:"rate_limit"`
	Timing        TimingSafe        `json:"timing"`
	DlqMaxSize    int               `json:"dlq_max_size"`
	MemoryLimit   string            `json:"memory_limit"`
	Maintenance   MaintenanceSafe   `json:"maintenance"`
	Archive       ArchiveSafe       `json:"archive"`
	LogLevel      string            `json:"log_level"`
}

// ListenerSafe é a visão segura do listener principal.
type ListenerSafe struct {
	Port                 int    `json:"port"`
	MaxConnections       int    `json:"max_connections"`
	MaxMessageSize       string `json:"max_message_size"`
	MaxEgressBytesPerSec int64  `json:"max_egress_bytes_per_sec,omitempty"`
	DSCP                 string `json:"dscp,omitempty"`
	TLSEnabled           bool   `json:"tls_enabled"`
}

// QueueDefaultsSafe espelha os defaults aplicados a filas auto-criadas.
type QueueDefaultsSafe struct {
	DeliveryMode     string `json:"delivery_mode"`
	MaxSize          int    `json:"max_size"`
	AutoCreate       bool   `json:"auto_create"`
	MessageTTL       string `json:"message_ttl,omitempty"`
	DlqEnabled       bool   `json:"dlq_enabled"`
	MaxRetryAttempts int    `json:"max_retry_attempts"`
	OverflowStrategy string `json:"overflow_strategy"`
}

// RateLimitSafe espelha a configuração dos limiters fixed-window.
type RateLimitSafe struct {
	Enabled                       bool `json:"enabled"`
	MaxConnectionsPerIPPerWindow  int  `json:"max_connections_per_ip_per_window"`
	ConnectionWindowSeconds       int  `json:"connection_window_seconds"`
	MaxMessagesPerClientPerSecond int  `json:"max_messages_per_client_per_second"`
}

// TimingSafe espelha timeouts e intervalos, como strings de duração.
type TimingSafe struct {
	KeepAliveInterval string `json:"keep_alive_interval"`
	HandshakeTimeout  string `json:"handshake_timeout"`
	AckTimeout        string `json:"ack_timeout"`
	PublishTimeout    string `json:"publish_timeout"`
	ShutdownGrace     string `json:"shutdown_grace"`
	InitialBackoff    string `json:"initial_backoff"`
	MaxBackoff        string `json:"max_backoff"`
	TickInterval      string `json:"tick_interval"`
}

// MaintenanceSafe espelha o scheduler de manutenção.
type MaintenanceSafe struct {
	Schedule     string `json:"schedule"`
	DlqRetention string `json:"dlq_retention"`
}

// ArchiveSafe é a visão segura do archiver (sem credenciais).
type ArchiveSafe struct {
	Enabled       bool   `json:"enabled"`
	Bucket        string `json:"bucket,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Region        string `json:"region,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	Compression   string `json:"compression,omitempty"`
	FlushInterval string `json:"flush_interval,omitempty"`
}
