// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/logging"
	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// outboundQueueSize é a capacidade da fila de saída de cada conexão.
// Deliveries são descartadas (e seguem o ciclo de retry) quando a fila
// enche; replies bloqueiam o read loop, o que segura novos comandos do
// client até o writer drenar.
const outboundQueueSize = 256

// saturationThreshold marca a conexão como saturada para o round-robin
// quando a fila de saída passa de 3/4 da capacidade.
const saturationThreshold = outboundQueueSize * 3 / 4

// closeDrainGrace é o teto de tempo para drenar o outbound de uma conexão
// que está fechando. Depois disso, frames restantes são descartados.
const closeDrainGrace = 1 * time.Second

// Estados do ciclo de vida de uma conexão. Transições só avançam:
// Accepted → AwaitingConnect → Authenticated → Closing → Closed.
const (
	stateAccepted int32 = iota
	stateAwaitingConnect
	stateAuthenticated
	stateClosing
	stateClosed
)

// Connection é uma conexão de client aceita pelo broker. Uma goroutine de
// leitura decodifica e despacha comandos; uma de escrita drena a fila de
// saída pelo frame writer. A conexão implementa queue.Sink: é o destino
// das entregas das suas subscriptions.
type Connection struct {
	b    *Broker
	sock net.Conn

	id       string
	clientID string

	reader *protocol.FrameReader
	writer *protocol.FrameWriter

	outbound     chan *protocol.Message
	closing      chan struct{}
	closeOnce    sync.Once
	writeDone    chan struct{}
	writeStarted atomic.Bool

	// ctx cobre a vida da conexão; o cancel destrava o throttle de egress
	// e os publishes bloqueados em BlockPublisher.
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	lastRead  atomic.Int64 // UnixNano do último frame recebido
	lastWrite atomic.Int64 // UnixNano do último frame escrito

	// clean marca fechamentos limpos (Disconnect do client ou shutdown do
	// broker); o trace log por conexão só é removido nesses casos.
	clean atomic.Bool

	pubWindow *MessageWindow

	subsMu sync.Mutex
	subs   map[string]*queue.Subscription // fila → subscription (idempotente)

	logger     *slog.Logger
	traceClose io.Closer
}

// newConnection prepara uma conexão recém-aceita. O reader é limitado ao
// maxMessageSize da config; o writer passa pelo throttle de egress quando
// configurado.
func newConnection(b *Broker, sock net.Conn, now time.Time) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		b:         b,
		sock:      sock,
		id:        newUUID(),
		outbound:  make(chan *protocol.Message, outboundQueueSize),
		closing:   make(chan struct{}),
		writeDone: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		pubWindow: NewMessageWindow(b.cfg.RateLimit.LimitingEnabled(), b.cfg.RateLimit.MaxMessagesPerClientPerSecond, now),
		subs:      make(map[string]*queue.Subscription),
	}
	c.reader = protocol.NewFrameReader(sock, b.cfg.Listener.MaxMessageSizeRaw)
	c.writer = protocol.NewFrameWriter(NewThrottledWriter(ctx, sock, b.cfg.Listener.MaxEgressBytesPerSec))
	c.logger = b.logger.With("conn", c.id, "remote", sock.RemoteAddr().String())
	c.lastRead.Store(now.UnixNano())
	c.lastWrite.Store(now.UnixNano())
	return c
}

// ID implementa queue.Sink.
func (c *Connection) ID() string { return c.id }

// ClientID retorna o client-id apresentado no Connect.
func (c *Connection) ClientID() string { return c.clientID }

// serve conduz a conexão do handshake ao fechamento. Roda na goroutine
// aceita pelo listener e vira o read loop após autenticar.
func (c *Connection) serve() {
	defer c.finish()

	c.state.Store(stateAwaitingConnect)
	if err := c.handshake(); err != nil {
		c.b.metrics.connectionsRejected.Add(1)
		c.logger.Warn("handshake failed", "error", err)
		return
	}

	c.state.Store(stateAuthenticated)
	c.b.registry.Add(c)
	c.b.metrics.connectionsAccepted.Add(1)
	c.b.emitEvent("info", "CONNECTION_ACCEPTED", "",
		fmt.Sprintf("client %s connected (conn=%s)", c.clientID, c.id))
	c.logger.Info("client connected", "client", c.clientID)

	c.writer.StartAutoFlush(protocol.DefaultFlushInterval)
	c.writeStarted.Store(true)
	go c.writeLoop()

	c.readLoop()
}

// handshake espera o frame Connect dentro do handshakeTimeout, valida o
// token e responde ConnectAck com o connection-id atribuído. Qualquer
// outra coisa fecha a conexão; erros são respondidos de forma síncrona
// porque o write loop ainda não está rodando.
func (c *Connection) handshake() error {
	if err := c.sock.SetReadDeadline(time.Now().Add(c.b.cfg.Timing.HandshakeTimeout)); err != nil {
		return fmt.Errorf("arming handshake deadline: %w", err)
	}

	m, err := c.reader.ReadMessage()
	if err != nil {
		if isProtocolError(err) {
			c.replyNow(protocol.NewError("", protocol.CodeInvalidMsg, err.Error()))
		}
		return fmt.Errorf("reading connect frame: %w", err)
	}
	c.lastRead.Store(time.Now().UnixNano())

	if m.Command != protocol.CmdConnect {
		c.replyNow(protocol.NewError(m.ID, protocol.CodeInvalidMsg,
			fmt.Sprintf("expected CONNECT, got %s", m.Command)))
		return fmt.Errorf("first frame is %s, not CONNECT", m.Command)
	}

	if !c.b.auth.Verify(m.Header(protocol.HeaderToken)) {
		c.replyNow(protocol.NewError(m.ID, protocol.CodeAuthFailed, "invalid token"))
		return errors.New("authentication failed")
	}

	c.clientID = m.Header(protocol.HeaderClientID)
	if c.clientID == "" {
		c.clientID = "anonymous"
	}

	// Trace log por conexão, quando habilitado. Falha não derruba o
	// handshake: o logger global continua valendo.
	if dir := c.b.cfg.Logging.ConnectionLogDir; dir != "" {
		traceLogger, closer, path, err := logging.NewConnectionLogger(c.b.logger, dir, c.clientID, c.id)
		if err != nil {
			c.logger.Warn("connection trace log unavailable", "error", err)
		} else {
			c.logger = traceLogger.With("conn", c.id, "remote", c.sock.RemoteAddr().String())
			c.traceClose = closer
			c.logger.Debug("connection trace log started", "path", path)
		}
	}

	ack := protocol.NewMessage(protocol.CmdConnectAck)
	ack.ID = m.ID
	ack.SetHeader(protocol.HeaderConnectionID, c.id)
	if err := c.replyNow(ack); err != nil {
		return fmt.Errorf("writing connect ack: %w", err)
	}

	// Desarma o deadline do handshake; keep-alive assume a partir daqui.
	if err := c.sock.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clearing handshake deadline: %w", err)
	}
	return nil
}

// replyNow escreve e flusha um frame de forma síncrona. Usado só durante o
// handshake, antes do write loop existir.
func (c *Connection) replyNow(m *protocol.Message) error {
	if err := c.writer.WriteMessage(m); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return c.writer.Flush()
}

// readLoop decodifica frames e os despacha até a conexão fechar. Erros de
// protocolo são fatais: o client recebe INVALID_MESSAGE e a conexão cai.
func (c *Connection) readLoop() {
	for {
		m, err := c.reader.ReadMessage()
		if err != nil {
			if c.isClosing() {
				return
			}
			switch {
			case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
				c.logger.Info("client closed connection")
				c.beginClose("peer closed")
			case isProtocolError(err):
				c.b.metrics.errorsTotal.Add(1)
				c.enqueueReply(protocol.NewError("", protocol.CodeInvalidMsg, err.Error()))
				c.logger.Warn("protocol error", "error", err)
				c.beginClose("protocol error")
			default:
				c.logger.Warn("read failed", "error", err)
				c.beginClose("read error")
			}
			return
		}

		c.lastRead.Store(time.Now().UnixNano())

		if m.Command == protocol.CmdDisconnect {
			c.clean.Store(true)
			c.logger.Info("client disconnecting")
			c.beginClose("client disconnect")
			return
		}

		c.dispatch(m)
		if c.isClosing() {
			return
		}
	}
}

// writeLoop drena a fila de saída pelo frame writer. No fechamento, drena o
// que restar com teto de closeDrainGrace e dá o flush final.
func (c *Connection) writeLoop() {
	defer close(c.writeDone)

	for {
		select {
		case m := <-c.outbound:
			if err := c.writer.WriteMessage(m); err != nil {
				if !c.isClosing() {
					c.logger.Warn("write failed", "error", err)
				}
				c.beginClose("write error")
				return
			}
			c.lastWrite.Store(time.Now().UnixNano())

		case <-c.closing:
			deadline := time.Now().Add(closeDrainGrace)
			for {
				select {
				case m := <-c.outbound:
					if time.Now().After(deadline) {
						return
					}
					if err := c.writer.WriteMessage(m); err != nil {
						return
					}
				default:
					_ = c.writer.Flush()
					return
				}
			}
		}
	}
}

// enqueueReply enfileira um frame de resposta. Respostas não podem ser
// descartadas: se o outbound está cheio, o read loop bloqueia aqui e o
// client para de ter comandos atendidos até o writer drenar.
func (c *Connection) enqueueReply(m *protocol.Message) {
	select {
	case c.outbound <- m:
	case <-c.closing:
	}
}

// enqueueFrame tenta enfileirar sem bloquear. Usado por deliveries e avisos
// best-effort; false devolve a mensagem ao ciclo normal de retry.
func (c *Connection) enqueueFrame(m *protocol.Message) bool {
	select {
	case c.outbound <- m:
		return true
	case <-c.closing:
		return false
	default:
		return false
	}
}

// Deliver implementa queue.Sink. Monta o frame DELIVER e o enfileira sem
// bloquear; false faz a mensagem seguir para retry em outro subscriber.
func (c *Connection) Deliver(sub *queue.Subscription, msg *queue.Message, attempt uint32) bool {
	if c.isClosing() {
		return false
	}
	return c.enqueueFrame(deliverFrame(sub, msg, attempt))
}

// Saturated implementa queue.Sink.
func (c *Connection) Saturated() bool {
	return len(c.outbound) >= saturationThreshold
}

// QueueDeleted implementa queue.Sink: avisa o client que a subscription
// morreu junto com a fila. Best-effort; o registro local sai de qualquer
// forma.
func (c *Connection) QueueDeleted(sub *queue.Subscription, reason string) {
	c.subsMu.Lock()
	delete(c.subs, sub.Queue())
	c.subsMu.Unlock()

	m := protocol.NewMessage(protocol.CmdUnsubscribeAck)
	m.Queue = sub.Queue()
	m.SetHeader(protocol.HeaderSubscriptionID, formatSubID(sub.ID()))
	m.SetHeader(protocol.HeaderReason, reason)
	c.enqueueFrame(m)
}

// deliverFrame monta o frame DELIVER de uma entrega. Headers da aplicação
// são copiados; subscription-id e published-at são metadados do broker.
func deliverFrame(sub *queue.Subscription, msg *queue.Message, attempt uint32) *protocol.Message {
	m := protocol.NewMessage(protocol.CmdDeliver)
	m.ID = msg.ID
	m.Queue = msg.Queue
	m.Priority = msg.Priority
	m.DeliveryAttempts = attempt
	m.Payload = msg.Payload
	if !msg.ExpiresAt.IsZero() {
		m.ExpiresAt = msg.ExpiresAt.UnixNano()
	}

	m.Headers = make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		m.Headers[k] = v
	}
	m.Headers[protocol.HeaderSubscriptionID] = formatSubID(sub.ID())
	m.Headers[protocol.HeaderPublishedAt] = msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	return m
}

// keepalive é chamado pelo clock do broker a cada tick. Envia Ping quando
// nada foi escrito há keepAliveInterval e fecha a conexão quando nada foi
// recebido há 2x esse intervalo.
func (c *Connection) keepalive(now time.Time, interval time.Duration) {
	if c.state.Load() != stateAuthenticated {
		return
	}

	idleRead := now.UnixNano() - c.lastRead.Load()
	if idleRead >= 2*interval.Nanoseconds() {
		c.logger.Warn("keepalive timeout", "idle", time.Duration(idleRead).Round(time.Millisecond))
		c.b.emitEvent("warn", "KEEPALIVE_TIMEOUT", "",
			fmt.Sprintf("conn %s idle for %s", c.id, time.Duration(idleRead).Round(time.Second)))
		c.beginClose("keepalive timeout")
		return
	}

	if now.UnixNano()-c.lastWrite.Load() >= interval.Nanoseconds() {
		c.enqueueFrame(protocol.NewMessage(protocol.CmdPing))
	}
}

// rollWindows vira a janela de publish da conexão. Chamado pelo clock.
func (c *Connection) rollWindows(now time.Time) {
	c.pubWindow.Roll(now)
}

// disconnectAdvisory avisa o client que o broker vai cair. Best-effort.
func (c *Connection) disconnectAdvisory() {
	m := protocol.NewMessage(protocol.CmdDisconnect)
	m.SetHeader(protocol.HeaderReason, "broker shutting down")
	c.enqueueFrame(m)
	c.clean.Store(true)
}

// beginClose inicia o fechamento uma única vez: marca o estado, acorda o
// read loop via deadline no passado e cancela o ctx (destrava throttle e
// publishes bloqueados).
func (c *Connection) beginClose(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosing)
		c.logger.Debug("closing connection", "reason", reason)
		close(c.closing)
		c.cancel()
		// Acorda um Read bloqueado; o read loop vê isClosing e sai limpo.
		_ = c.sock.SetReadDeadline(time.Unix(0, 0))
	})
}

func (c *Connection) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// finish desmonta a conexão: remove do registry, espera o writer, fecha o
// socket e devolve as subscriptions (in-flight viram retry via tracker).
// Todo caminho de saída do serve passa por aqui exatamente uma vez.
func (c *Connection) finish() {
	c.beginClose("connection teardown")

	authenticated := c.state.Swap(stateClosed) >= stateAuthenticated
	if authenticated {
		c.b.registry.Remove(c.id)
	}

	if c.writeStarted.Load() {
		select {
		case <-c.writeDone:
		case <-time.After(closeDrainGrace + time.Second):
			// writer travado num socket morto; o Close abaixo o destrava
		}
	}

	_ = c.writer.Close()
	_ = c.sock.Close()

	c.subsMu.Lock()
	subs := make([]*queue.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*queue.Subscription)
	c.subsMu.Unlock()

	for _, sub := range subs {
		c.b.manager.Unsubscribe(sub)
	}

	if authenticated {
		c.b.emitEvent("info", "CONNECTION_CLOSED", "",
			fmt.Sprintf("client %s disconnected (conn=%s)", c.clientID, c.id))
		c.logger.Info("connection closed", "clean", c.clean.Load())
	}

	if c.traceClose != nil {
		_ = c.traceClose.Close()
		if c.clean.Load() {
			logging.RemoveConnectionLog(c.b.cfg.Logging.ConnectionLogDir, c.clientID, c.id)
		}
	}
}

// isProtocolError reporta se o erro de leitura é uma violação de protocolo
// (frame inválido), distinta de erros de I/O.
func isProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrInvalidMessage) ||
		errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrEmptyFrame) ||
		errors.Is(err, protocol.ErrUnsupportedVersion)
}

// newUUID gera um UUID v4 para ids de conexão e de mensagens publicadas
// sem id do client.
func newUUID() string {
	b := make([]byte, 16)
	rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant RFC 4122
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func formatSubID(id uint64) string {
	return fmt.Sprintf("%d", id)
}
