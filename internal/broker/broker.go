// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package broker implementa o servidor VibeMQ: listener TCP (com TLS
// opcional), ciclo de vida das conexões, despacho de comandos para o queue
// core, clock interno e os serviços auxiliares (observabilidade HTTP,
// manutenção periódica e arquivamento de DLQ).
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/broker/observability"
	"github.com/Bobsans/VibeMQ-sub000/internal/config"
	"github.com/Bobsans/VibeMQ-sub000/internal/pki"
	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// eventLog é o destino dos eventos operacionais do broker. EventRing (só
// memória) e EventStore (memória + JSONL) implementam ambos.
type eventLog interface {
	PushEvent(level, eventType, queueName, message string)
	Recent(limit int) []observability.EventEntry
	Len() int
}

// Broker é o servidor VibeMQ montado a partir de uma config validada.
type Broker struct {
	cfg    *config.BrokerConfig
	logger *slog.Logger

	auth        *Authenticator
	manager     *queue.Manager
	registry    *registry
	metrics     *metrics
	connLimiter *ConnLimiter
	sysmon      *SystemMonitor
	dscp        int

	events       eventLog
	eventsCloser io.Closer

	janitor  *Janitor
	archiver *Archiver

	obsServer *http.Server

	connWg    sync.WaitGroup
	closing   chan struct{}
	clockDone chan struct{}
}

// Run sobe o broker no endereço da config e bloqueia até o context ser
// cancelado. TLS é habilitado pela config do listener.
func Run(ctx context.Context, cfg *config.BrokerConfig, logger *slog.Logger) error {
	var (
		ln  net.Listener
		err error
	)
	if cfg.Listener.TLS.Enabled {
		tlsCfg, tlsErr := pki.NewServerTLSConfig(cfg.Listener.TLS.CertFile, cfg.Listener.TLS.KeyFile, cfg.Listener.TLS.ClientCaFile)
		if tlsErr != nil {
			return fmt.Errorf("configuring TLS: %w", tlsErr)
		}
		ln, err = tls.Listen("tcp", cfg.Listener.Addr(), tlsCfg)
	} else {
		ln, err = net.Listen("tcp", cfg.Listener.Addr())
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listener.Addr(), err)
	}
	defer ln.Close()

	return RunWithListener(ctx, ln, cfg, logger)
}

// RunWithListener sobe o broker sobre um listener já aberto (testes usam
// portas efêmeras) e bloqueia até o context ser cancelado.
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.BrokerConfig, logger *slog.Logger) error {
	b, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	return b.run(ctx, ln)
}

// newBroker monta o broker: valida o DSCP, abre o event log e liga o queue
// core aos timeouts da config.
func newBroker(cfg *config.BrokerConfig, logger *slog.Logger) (*Broker, error) {
	dscp, err := ParseDSCP(cfg.Listener.DSCP)
	if err != nil {
		return nil, fmt.Errorf("listener.dscp: %w", err)
	}

	now := time.Now()
	connWindow := time.Duration(cfg.RateLimit.ConnectionWindowSeconds) * time.Second
	b := &Broker{
		cfg:         cfg,
		logger:      logger,
		auth:        NewAuthenticator(cfg.Auth),
		registry:    newRegistry(),
		metrics:     newMetrics(now),
		connLimiter: NewConnLimiter(cfg.RateLimit.LimitingEnabled(), cfg.RateLimit.MaxConnectionsPerIPPerWindow, connWindow, now),
		sysmon:      NewSystemMonitor(logger),
		dscp:        dscp,
		closing:     make(chan struct{}),
		clockDone:   make(chan struct{}),
	}

	if path := cfg.Observability.EventsFile; path != "" {
		store, err := observability.NewEventStore(path, observability.DefaultEventRingCapacity, cfg.Observability.EventsMaxLines)
		if err != nil {
			return nil, fmt.Errorf("opening events file: %w", err)
		}
		b.events = store
		b.eventsCloser = store
	} else {
		b.events = observability.NewEventRing(observability.DefaultEventRingCapacity)
	}

	b.manager = queue.NewManager(queue.ManagerConfig{
		Defaults:    cfg.QueueDefaults.Options(),
		AutoCreate:  cfg.QueueDefaults.AutoCreateEnabled(),
		DlqCapacity: cfg.Dlq.MaxSize,
		Tracker: queue.TrackerConfig{
			AckTimeout:     cfg.Timing.AckTimeout,
			InitialBackoff: cfg.Timing.InitialBackoff,
			MaxBackoff:     cfg.Timing.MaxBackoff,
		},
		OnEvent: b.onCoreEvent,
	})

	if cfg.Archive.Enabled {
		archiver, err := NewArchiver(cfg.Archive, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring dlq archiver: %w", err)
		}
		b.archiver = archiver
		b.manager.Dlq().OnEvict(archiver.Offer)
	}

	b.janitor = NewJanitor(b, cfg.Maintenance, logger)
	return b, nil
}

// run executa o broker sobre o listener até o context cancelar e então
// conduz o shutdown gracioso.
func (b *Broker) run(ctx context.Context, ln net.Listener) error {
	b.logger.Info("broker listening",
		"address", ln.Addr().String(),
		"tls", b.cfg.Listener.TLS.Enabled,
		"auth", b.auth.Enabled(),
		"maxConnections", b.cfg.Listener.MaxConnections)

	b.sysmon.Start()

	if b.archiver != nil {
		b.archiver.Start()
	}

	if b.cfg.Observability.Enabled() {
		acl := observability.NewACL(b.cfg.Observability.ParsedCIDRs)
		b.obsServer = &http.Server{
			Addr:    b.cfg.Observability.Listen,
			Handler: observability.NewRouter(b, b.cfg, b.events, acl),
		}
		go func() {
			b.logger.Info("observability api listening", "address", b.cfg.Observability.Listen)
			if err := b.obsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("observability api failed", "error", err)
			}
		}()
	}

	if err := b.janitor.Start(); err != nil {
		return fmt.Errorf("starting maintenance scheduler: %w", err)
	}

	go b.clock()

	// Fecha o listener quando o context cancelar; o Accept retorna e o
	// accept loop encaminha para o shutdown.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		sock, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return b.shutdown()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return b.shutdown()
			}
			b.logger.Error("accepting connection", "error", err)
			continue
		}
		b.accept(sock)
	}
}

// accept aplica o limiter por IP e o teto global antes de entregar o socket
// para a goroutine da conexão.
func (b *Broker) accept(sock net.Conn) {
	now := time.Now()
	ip := remoteIP(sock)

	if !b.connLimiter.Allow(ip) {
		b.metrics.connectionsRejected.Add(1)
		b.emitEvent("warn", "CONNECTION_REJECTED", "",
			fmt.Sprintf("connection from %s rejected (per-ip window)", ip))
		b.logger.Warn("connection rejected by rate limit", "remote", ip)
		_ = sock.Close()
		return
	}

	if b.registry.Len() >= b.cfg.Listener.MaxConnections {
		b.metrics.connectionsRejected.Add(1)
		b.emitEvent("warn", "CONNECTION_REJECTED", "",
			fmt.Sprintf("connection from %s rejected (maxConnections=%d)", ip, b.cfg.Listener.MaxConnections))
		b.logger.Warn("connection rejected, at capacity", "remote", ip, "max", b.cfg.Listener.MaxConnections)
		_ = sock.Close()
		return
	}

	if b.dscp > 0 {
		if err := ApplyDSCP(sock, b.dscp); err != nil {
			// Marcação é best-effort; a conexão segue sem DSCP.
			b.logger.Warn("applying dscp", "error", err)
		}
	}

	c := newConnection(b, sock, now)
	b.connWg.Add(1)
	go func() {
		defer b.connWg.Done()
		c.serve()
	}()
}

// clock é a goroutine de tempo do broker: expira TTLs, varre deadlines de
// ACK, vira janelas de rate limit, checa keep-alive e publica o snapshot de
// métricas. Tudo que depende de tempo passa por aqui com o mesmo now.
func (b *Broker) clock() {
	defer close(b.clockDone)

	ticker := time.NewTicker(b.cfg.Timing.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closing:
			return
		case now := <-ticker.C:
			b.tick(now)
		}
	}
}

func (b *Broker) tick(now time.Time) {
	b.manager.Tick(now)
	b.connLimiter.Roll(now)

	interval := b.cfg.Timing.KeepAliveInterval
	b.registry.Each(func(c *Connection) {
		c.rollWindows(now)
		c.keepalive(now, interval)
	})

	b.metrics.publish(now, b.manager, b.registry.Len(), b.sysmon.MemoryRSS())
}

// shutdown conduz o desligamento gracioso: para de aceitar (listener já
// fechado), avisa os clients, espera os in-flight dentro do grace period,
// fecha as filas (publishers bloqueados acordam com SHUTTING_DOWN) e então
// derruba o que sobrou.
func (b *Broker) shutdown() error {
	b.logger.Info("broker shutting down", "connections", b.registry.Len())
	b.emitEvent("info", "SHUTDOWN", "", "broker shutting down")

	b.janitor.Stop()

	b.registry.Each(func(c *Connection) { c.disconnectAdvisory() })

	deadline := time.Now().Add(b.cfg.Timing.ShutdownGrace)
	tracker := b.manager.Tracker()
	for tracker.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(b.cfg.Timing.TickInterval)
	}
	if n := tracker.Size(); n > 0 {
		b.logger.Warn("shutdown grace expired with deliveries in flight", "in_flight", n)
	}

	b.manager.Close("shutting down")

	b.registry.Each(func(c *Connection) { c.beginClose("broker shutdown") })
	b.connWg.Wait()

	close(b.closing)
	<-b.clockDone

	if b.archiver != nil {
		// A DLQ é memória volátil: o que ficou no ring desce junto no
		// flush final.
		for _, rec := range b.manager.Dlq().List(queue.DlqFilter{}) {
			b.archiver.Offer(rec)
		}
		b.archiver.Stop()
	}

	if b.obsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = b.obsServer.Shutdown(shutdownCtx)
		cancel()
	}

	b.sysmon.Stop()

	if b.eventsCloser != nil {
		_ = b.eventsCloser.Close()
	}

	b.logger.Info("broker stopped")
	return nil
}

// emitEvent registra um evento operacional no event log.
func (b *Broker) emitEvent(level, eventType, queueName, message string) {
	b.events.PushEvent(level, eventType, queueName, message)
}

// onCoreEvent encaminha eventos do queue core para o event log e para o
// logger estruturado. Roda no caminho de publish/entrega: só enfileira.
func (b *Broker) onCoreEvent(e queue.Event) {
	b.emitEvent(e.Level, string(e.Type), e.Queue, e.Message)
	switch e.Level {
	case "warn":
		b.logger.Warn(e.Message, "event", string(e.Type), "queue", e.Queue)
	case "error":
		b.logger.Error(e.Message, "event", string(e.Type), "queue", e.Queue)
	default:
		b.logger.Info(e.Message, "event", string(e.Type), "queue", e.Queue)
	}
}

// Snapshot implementa observability.BrokerView.
func (b *Broker) Snapshot() observability.MetricsSnapshot {
	return b.metrics.snapshot()
}

// Queues implementa observability.BrokerView.
func (b *Broker) Queues() []queue.Info {
	return b.manager.List()
}

// QueueInfo implementa observability.BrokerView.
func (b *Broker) QueueInfo(name string) (queue.Info, bool) {
	return b.manager.InfoOf(name)
}

// DeadLetters implementa observability.BrokerView.
func (b *Broker) DeadLetters(f queue.DlqFilter) []protocol.DeadLetterEntry {
	return wireDeadLetters(b.manager.Dlq().List(f))
}

// remoteIP extrai o IP (sem porta) do endereço remoto de um socket.
func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
