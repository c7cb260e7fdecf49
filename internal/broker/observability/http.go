// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/config"
	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// BrokerView define a interface read-only que o router precisa do broker.
// Isso desacopla o pacote observability do broker sem expor o Broker inteiro.
type BrokerView interface {
	// Snapshot retorna o último snapshot de métricas publicado pelo clock.
	Snapshot() MetricsSnapshot
	// Queues retorna os snapshots de todas as filas, ordenados por nome.
	Queues() []queue.Info
	// QueueInfo retorna o snapshot de uma fila específica.
	QueueInfo(name string) (queue.Info, bool)
	// DeadLetters lista registros da DLQ já na forma wire.
	DeadLetters(f queue.DlqFilter) []protocol.DeadLetterEntry
}

// EventSource fornece eventos operacionais recentes. EventRing e EventStore
// implementam ambos.
type EventSource interface {
	Recent(limit int) []EventEntry
	Len() int
}

// NewRouter cria o http.Handler da API de observabilidade.
// Aplica middleware ACL em todas as rotas. events pode ser nil (lista vazia).
func NewRouter(view BrokerView, cfg *config.BrokerConfig, events EventSource, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	// API v1
	mux.HandleFunc("GET /api/v1/health", makeHealthHandler(view, cfg.MemoryLimitRaw))
	mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(view))
	mux.HandleFunc("GET /api/v1/queues", makeQueuesHandler(view))
	mux.HandleFunc("GET /api/v1/queues/{name}", makeQueueDetailHandler(view))
	mux.HandleFunc("GET /api/v1/dlq", makeDlqHandler(view))
	mux.HandleFunc("GET /api/v1/events", makeEventsHandler(events))
	mux.HandleFunc("GET /api/v1/config/effective", makeConfigHandler(cfg))

	// Export Prometheus (registry próprio, sem collectors de processo)
	mux.Handle("GET /metrics", newPrometheusHandler(view))

	return acl.Middleware(mux)
}

// makeHealthHandler retorna status do processo, uptime e versão. "degraded"
// quando o RSS passa de 90% do memoryLimit configurado.
func makeHealthHandler(view BrokerView, memoryLimit int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := view.Snapshot()

		status := "ok"
		if memoryLimit > 0 && float64(snap.MemoryUsageBytes) >= 0.9*float64(memoryLimit) {
			status = "degraded"
		}

		writeJSON(w, http.StatusOK, HealthResponse{
			Status:           status,
			Uptime:           (time.Duration(snap.UptimeSeconds) * time.Second).String(),
			Version:          Version,
			Go:               runtime.Version(),
			MemoryUsageBytes: snap.MemoryUsageBytes,
			MemoryLimitBytes: memoryLimit,
			Goroutines:       runtime.NumGoroutine(),
		})
	}
}

// makeMetricsHandler serve o último snapshot publicado, como JSON.
func makeMetricsHandler(view BrokerView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, view.Snapshot())
	}
}

func makeQueuesHandler(view BrokerView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, view.Queues())
	}
}

func makeQueueDetailHandler(view BrokerView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := view.QueueInfo(r.PathValue("name"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// makeDlqHandler lista dead letters com filtros opcionais
// (?queue=orders&reason=TtlExpired&limit=50).
func makeDlqHandler(view BrokerView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := queue.DlqFilter{Queue: q.Get("queue")}
		if raw := q.Get("reason"); raw != "" {
			reason, err := queue.ParseFailReason(raw)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			filter.Reason = reason
		}

		limit, ok := parseLimit(w, q.Get("limit"))
		if !ok {
			return
		}
		filter.Limit = limit

		writeJSON(w, http.StatusOK, view.DeadLetters(filter))
	}
}

func makeEventsHandler(events EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if events == nil {
			writeJSON(w, http.StatusOK, []EventEntry{})
			return
		}

		limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, events.Recent(limit))
	}
}

// makeConfigHandler expõe a configuração efetiva com segredos redigidos.
func makeConfigHandler(cfg *config.BrokerConfig) http.HandlerFunc {
	effective := buildConfigEffective(cfg)
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, effective)
	}
}

func buildConfigEffective(cfg *config.BrokerConfig) ConfigEffective {
	ttl := ""
	if cfg.QueueDefaults.MessageTTL > 0 {
		ttl = cfg.QueueDefaults.MessageTTL.String()
	}

	eff := ConfigEffective{
		Listener: ListenerSafe{
			Port:                 cfg.Listener.Port,
			MaxConnections:       cfg.Listener.MaxConnections,
			MaxMessageSize:       cfg.Listener.MaxMessageSize,
			MaxEgressBytesPerSec: cfg.Listener.MaxEgressBytesPerSec,
			DSCP:                 cfg.Listener.DSCP,
			TLSEnabled:           cfg.Listener.TLS.Enabled,
		},
		AuthEnabled: cfg.Auth.Enabled,
		QueueDefaults: QueueDefaultsSafe{
			DeliveryMode:     string(cfg.QueueDefaults.ParsedMode),
			MaxSize:          cfg.QueueDefaults.MaxSize,
			AutoCreate:       cfg.QueueDefaults.AutoCreateEnabled(),
			MessageTTL:       ttl,
			DlqEnabled:       cfg.QueueDefaults.DlqEnabled == nil || *cfg.QueueDefaults.DlqEnabled,
			MaxRetryAttempts: *cfg.QueueDefaults.MaxRetryAttempts,
			OverflowStrategy: string(cfg.QueueDefaults.ParsedOverflow),
		},
		RateLimit: RateLimitSafe{
			Enabled:                       cfg.RateLimit.LimitingEnabled(),
			MaxConnectionsPerIPPerWindow:  cfg.RateLimit.MaxConnectionsPerIPPerWindow,
			ConnectionWindowSeconds:       cfg.RateLimit.ConnectionWindowSeconds,
			MaxMessagesPerClientPerSecond: cfg.RateLimit.MaxMessagesPerClientPerSecond,
		},
		Timing: TimingSafe{
			KeepAliveInterval: cfg.Timing.KeepAliveInterval.String(),
			HandshakeTimeout:  cfg.Timing.HandshakeTimeout.String(),
			AckTimeout:        cfg.Timing.AckTimeout.String(),
			PublishTimeout:    cfg.Timing.PublishTimeout.String(),
			ShutdownGrace:     cfg.Timing.ShutdownGrace.String(),
			InitialBackoff:    cfg.Timing.InitialBackoff.String(),
			MaxBackoff:        cfg.Timing.MaxBackoff.String(),
			TickInterval:      cfg.Timing.TickInterval.String(),
		},
		DlqMaxSize:  cfg.Dlq.MaxSize,
		MemoryLimit: cfg.MemoryLimit,
		Maintenance: MaintenanceSafe{
			Schedule:     cfg.Maintenance.Schedule,
			DlqRetention: cfg.Maintenance.DlqRetention.String(),
		},
		Archive: ArchiveSafe{
			Enabled: cfg.Archive.Enabled,
		},
		LogLevel: cfg.Logging.Level,
	}

	if cfg.Archive.Enabled {
		eff.Archive = ArchiveSafe{
			Enabled:       true,
			Bucket:        cfg.Archive.Bucket,
			Prefix:        cfg.Archive.Prefix,
			Region:        cfg.Archive.Region,
			Endpoint:      cfg.Archive.Endpoint,
			Compression:   cfg.Archive.Compression,
			FlushInterval: cfg.Archive.FlushInterval.String(),
		}
	}

	return eff
}

// parseLimit interpreta o query param limit; vazio = 0 (sem limite).
// Escreve 400 e retorna ok=false quando o valor não é um inteiro >= 0.
func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return limit, true
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
