// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa o lado consumidor/produtor do protocolo VibeMQ:
// handshake, publish com confirmação, subscriptions com workers dedicados,
// keep-alive e reconexão automática com replay de publishes pendentes.
package client

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/config"
	"github.com/Bobsans/VibeMQ-sub000/internal/pki"
	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

var (
	// ErrClosed indica operação sobre um client já fechado por Close.
	ErrClosed = errors.New("client: closed")
	// ErrConnectionLost indica que a conexão caiu e a operação não
	// sobreviveu à reconexão.
	ErrConnectionLost = errors.New("client: connection lost")
	// ErrReconnectFailed indica que o ciclo de reconexão esgotou as
	// tentativas configuradas. O client está morto.
	ErrReconnectFailed = errors.New("client: reconnect failed")
	// ErrReject, retornado por um Handler, manda a entrega direto para a
	// DLQ em vez de esperar o ciclo de retry.
	ErrReject = errors.New("client: delivery rejected")
)

// ServerError é um frame Error devolvido pelo broker em resposta a um
// comando.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// pendingCall correlaciona um comando em voo com a resposta do broker.
// Comandos com replay != nil (publishes) sobrevivem a uma queda de conexão:
// o frame é reenviado após o handshake da reconexão.
type pendingCall struct {
	ch     chan *protocol.Message
	replay *protocol.Message
}

// PublishOptions ajusta uma publicação. Priority é usada como está (o zero
// value é PriorityLow); com opts nil a mensagem sai com PriorityNormal.
type PublishOptions struct {
	Priority protocol.Priority
	TTL      time.Duration
	Headers  map[string]string
}

// QueueOptions parametriza QueueCreate. Campos zero herdam os defaults do
// broker; DlqEnabled e MaxRetries são ponteiros para distinguir "não
// informado" de "false"/"zero".
type QueueOptions struct {
	Mode       queue.DeliveryMode
	MaxSize    int
	Overflow   queue.OverflowStrategy
	TTL        time.Duration
	DlqEnabled *bool
	MaxRetries *int
}

func (o *QueueOptions) applyHeaders(m *protocol.Message) {
	if o.Mode != "" {
		m.SetHeader(protocol.HeaderQueueMode, string(o.Mode))
	}
	if o.MaxSize > 0 {
		m.SetHeader(protocol.HeaderQueueMaxSize, strconv.Itoa(o.MaxSize))
	}
	if o.Overflow != "" {
		m.SetHeader(protocol.HeaderQueueOverflow, string(o.Overflow))
	}
	if o.TTL > 0 {
		m.SetHeader(protocol.HeaderQueueTTL, o.TTL.String())
	}
	if o.DlqEnabled != nil {
		m.SetHeader(protocol.HeaderQueueDlqEnabled, strconv.FormatBool(*o.DlqEnabled))
	}
	if o.MaxRetries != nil {
		m.SetHeader(protocol.HeaderQueueMaxRetries, strconv.Itoa(*o.MaxRetries))
	}
}

// DlqFilter restringe DlqList e DlqReplay. Campos zero não filtram.
type DlqFilter struct {
	Queue  string
	Reason queue.FailReason
	Limit  int
}

// Client é uma conexão com o broker. Seguro para uso concorrente; todas as
// operações bloqueantes respeitam o context e o command timeout configurado.
type Client struct {
	cfg    *config.ClientConfig
	logger *slog.Logger
	codec  *payloadCodec

	mu       sync.Mutex
	sock     net.Conn
	writer   *protocol.FrameWriter
	connID   string
	terminal error

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	subsMu sync.Mutex
	subs   map[string]*Subscription

	seq          atomic.Uint64
	lastActivity atomic.Int64

	closed  atomic.Bool
	closing chan struct{}
}

// Dial conecta, faz o handshake e devolve um client pronto. logger nil usa
// slog.Default().
func Dial(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := newPayloadCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger.With("component", "client"),
		codec:   codec,
		pending: make(map[string]*pendingCall),
		subs:    make(map[string]*Subscription),
		closing: make(chan struct{}),
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// dial abre o socket, negocia o handshake e arma o read pump. Usado tanto
// pela conexão inicial quanto pelo ciclo de reconexão.
func (c *Client) dial(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.cfg.Timing.HandshakeTimeout}

	var (
		sock net.Conn
		err  error
	)
	if c.cfg.TLS.Enabled {
		tlsCfg, tlsErr := pki.NewClientTLSConfig(c.cfg.TLS.CaFile, c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile, c.cfg.TLS.ServerName)
		if tlsErr != nil {
			return fmt.Errorf("configuring TLS: %w", tlsErr)
		}
		td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
		sock, err = td.DialContext(ctx, "tcp", c.cfg.Server.Address)
	} else {
		sock, err = dialer.DialContext(ctx, "tcp", c.cfg.Server.Address)
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.Server.Address, err)
	}

	reader := protocol.NewFrameReader(sock, c.cfg.MaxMessageSizeRaw)
	writer := protocol.NewFrameWriter(sock)

	connID, err := c.handshake(sock, reader, writer)
	if err != nil {
		_ = sock.Close()
		return err
	}

	c.mu.Lock()
	c.sock, c.writer, c.connID = sock, writer, connID
	c.mu.Unlock()
	c.lastActivity.Store(time.Now().UnixNano())

	go c.readPump(sock, reader)
	c.logger.Info("connected", "address", c.cfg.Server.Address, "conn", connID)
	return nil
}

// handshake envia Connect e espera o ConnectAck dentro do handshake timeout.
func (c *Client) handshake(sock net.Conn, r *protocol.FrameReader, w *protocol.FrameWriter) (string, error) {
	m := protocol.NewMessage(protocol.CmdConnect)
	m.ID = c.nextID()
	if c.cfg.Auth.Token != "" {
		m.SetHeader(protocol.HeaderToken, c.cfg.Auth.Token)
	}
	if c.cfg.ClientID != "" {
		m.SetHeader(protocol.HeaderClientID, c.cfg.ClientID)
	}
	if err := w.WriteMessage(m); err != nil {
		return "", fmt.Errorf("sending connect: %w", err)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("sending connect: %w", err)
	}

	_ = sock.SetReadDeadline(time.Now().Add(c.cfg.Timing.HandshakeTimeout))
	reply, err := r.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("waiting connect ack: %w", err)
	}
	_ = sock.SetReadDeadline(time.Time{})

	switch reply.Command {
	case protocol.CmdConnectAck:
		return reply.Header(protocol.HeaderConnectionID), nil
	case protocol.CmdError:
		return "", &ServerError{Code: reply.ErrorCode, Message: reply.ErrorMessage}
	default:
		return "", fmt.Errorf("unexpected %s during handshake", reply.Command)
	}
}

// readPump consome frames até a conexão cair. Roda uma goroutine por
// conexão física; a reconexão arma um pump novo.
func (c *Client) readPump(sock net.Conn, r *protocol.FrameReader) {
	for {
		m, err := r.ReadMessage()
		if err != nil {
			c.connectionLost(sock, err)
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())

		switch m.Command {
		case protocol.CmdPing:
			pong := protocol.NewMessage(protocol.CmdPong)
			pong.ID = m.ID
			if err := c.writeFrame(pong); err != nil && !c.closed.Load() {
				c.logger.Warn("answering ping", "error", err)
			}
		case protocol.CmdPong:
			// resolve um Ping iniciado por nós; pongs soltos são inofensivos
			c.route(m)
		case protocol.CmdDeliver:
			c.routeDeliver(m)
		case protocol.CmdDisconnect:
			c.logger.Info("broker disconnect advisory", "reason", m.Header(protocol.HeaderReason))
		default:
			c.route(m)
		}
	}
}

// route entrega a resposta à chamada pendente correlacionada pelo id do
// frame. UnsubscribeAck sem correlação é o broker avisando que a fila da
// subscription foi deletada.
func (c *Client) route(m *protocol.Message) {
	c.pendingMu.Lock()
	call := c.pending[m.ID]
	if call != nil {
		delete(c.pending, m.ID)
	}
	c.pendingMu.Unlock()

	if call != nil {
		call.ch <- m
		return
	}

	if m.Command == protocol.CmdUnsubscribeAck && m.Header(protocol.HeaderReason) != "" {
		c.dropSubscription(m.Queue, m.Header(protocol.HeaderReason))
		return
	}
	c.logger.Debug("uncorrelated frame", "command", m.Command.String(), "id", m.ID)
}

// routeDeliver roteia a entrega pelo nome da fila, estável através de
// reconexões (o subscription-id muda a cada reassinatura).
func (c *Client) routeDeliver(m *protocol.Message) {
	c.subsMu.Lock()
	sub := c.subs[m.Queue]
	c.subsMu.Unlock()

	if sub == nil {
		// Entrega tardia de uma subscription já fechada; sem ACK o broker
		// reentrega em outro subscriber ou dead-letter.
		c.logger.Debug("delivery without subscription", "queue", m.Queue, "message", m.ID)
		return
	}
	if !sub.offer(m) {
		c.logger.Debug("delivery buffer full, leaving redelivery to the broker",
			"queue", m.Queue, "message", m.ID)
	}
}

func (c *Client) dropSubscription(queueName, reason string) {
	c.subsMu.Lock()
	sub := c.subs[queueName]
	if sub != nil {
		delete(c.subs, queueName)
	}
	c.subsMu.Unlock()

	if sub != nil {
		c.logger.Warn("subscription dropped by broker", "queue", queueName, "reason", reason)
		sub.detach()
	}
}

// connectionLost limpa o estado da conexão caída e dispara a reconexão.
// Chamadas não-replayáveis falham agora; publishes ficam registrados para o
// replay pós-handshake.
func (c *Client) connectionLost(sock net.Conn, cause error) {
	_ = sock.Close()
	if c.closed.Load() {
		return
	}
	c.logger.Warn("connection lost", "error", cause)

	c.mu.Lock()
	if c.sock == sock {
		c.sock, c.writer, c.connID = nil, nil, ""
	}
	c.mu.Unlock()

	c.failPending(false)
	go c.reconnect()
}

// reconnect refaz a conexão com backoff exponencial limitado por MaxBackoff
// e MaxReconnectAttempts. Sucesso reassina as subscriptions vivas e reenvia
// os publishes não confirmados; o contador zera a cada handshake bem
// sucedido porque cada queda dispara um ciclo novo.
func (c *Client) reconnect() {
	for attempt := 1; ; attempt++ {
		if c.closed.Load() {
			return
		}
		if attempt > c.cfg.Timing.MaxReconnectAttempts {
			c.fail(fmt.Errorf("%w: gave up after %d attempts", ErrReconnectFailed, c.cfg.Timing.MaxReconnectAttempts))
			return
		}

		backoff := reconnectBackoff(c.cfg.Timing.InitialBackoff, c.cfg.Timing.MaxBackoff, attempt)
		c.logger.Info("reconnecting", "attempt", attempt, "backoff", backoff.String())
		select {
		case <-time.After(backoff):
		case <-c.closing:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timing.HandshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			var srvErr *ServerError
			if errors.As(err, &srvErr) && srvErr.Code == protocol.CodeAuthFailed {
				// Token rejeitado não melhora com retry
				c.fail(err)
				return
			}
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		// Close pode ter vencido a corrida com o dial; não deixa socket órfão
		if c.closed.Load() {
			c.mu.Lock()
			sock := c.sock
			c.sock, c.writer = nil, nil
			c.mu.Unlock()
			if sock != nil {
				_ = sock.Close()
			}
			return
		}

		c.resubscribeAll()
		c.replayPublishes()
		return
	}
}

// reconnectBackoff devolve min(initial * 2^(attempt-1), max).
func reconnectBackoff(initial, max time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// fail marca o client como irrecuperável: falha as chamadas pendentes e
// desliga os workers. Operações subsequentes devolvem o erro terminal.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.terminal == nil {
		c.terminal = err
	}
	c.mu.Unlock()
	c.logger.Error("client gave up", "error", err)

	if c.closed.CompareAndSwap(false, true) {
		close(c.closing)
	}
	c.failPending(true)
	c.stopSubscriptions()
}

func (c *Client) resubscribeAll() {
	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	for _, sub := range subs {
		m := protocol.NewMessage(protocol.CmdSubscribe)
		m.ID = c.nextID()
		m.Queue = sub.queue

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timing.CommandTimeout)
		reply, err := c.call(ctx, m, nil)
		cancel()
		if err != nil {
			c.logger.Warn("resubscribe failed", "queue", sub.queue, "error", err)
			continue
		}
		sub.setID(reply.Header(protocol.HeaderSubscriptionID))
		c.logger.Info("resubscribed", "queue", sub.queue, "subscription", sub.SubscriptionID())
	}
}

// replayPublishes reenvia os frames de publish que perderam a conexão antes
// do PublishAck. Entrega at-least-once: o broker pode receber duplicatas.
func (c *Client) replayPublishes() {
	c.pendingMu.Lock()
	frames := make([]*protocol.Message, 0, len(c.pending))
	for _, call := range c.pending {
		if call.replay != nil {
			frames = append(frames, call.replay)
		}
	}
	c.pendingMu.Unlock()

	for _, m := range frames {
		if err := c.writeFrame(m); err != nil {
			c.logger.Warn("replaying publish", "message", m.ID, "error", err)
			return
		}
	}
	if len(frames) > 0 {
		c.logger.Info("replayed unacknowledged publishes", "count", len(frames))
	}
}

// call envia um comando e espera a resposta correlacionada. replay != nil
// mantém a chamada viva através de uma reconexão.
func (c *Client) call(ctx context.Context, m *protocol.Message, replay *protocol.Message) (*protocol.Message, error) {
	if err := c.liveErr(); err != nil {
		return nil, err
	}

	call := &pendingCall{ch: make(chan *protocol.Message, 1), replay: replay}
	c.pendingMu.Lock()
	c.pending[m.ID] = call
	c.pendingMu.Unlock()

	if err := c.writeFrame(m); err != nil && replay == nil {
		c.pendingMu.Lock()
		delete(c.pending, m.ID)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-call.ch:
		if !ok || reply == nil {
			return nil, c.brokenErr()
		}
		if reply.Command == protocol.CmdError {
			return nil, &ServerError{Code: reply.ErrorCode, Message: reply.ErrorMessage}
		}
		return reply, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, m.ID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.closing:
		return nil, c.brokenErr()
	}
}

func (c *Client) writeFrame(m *protocol.Message) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()

	if w == nil {
		return ErrConnectionLost
	}
	if err := w.WriteMessage(m); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// failPending fecha os canais das chamadas pendentes. all=false preserva as
// replayáveis para o ciclo de reconexão.
func (c *Client) failPending(all bool) {
	c.pendingMu.Lock()
	for id, call := range c.pending {
		if all || call.replay == nil {
			delete(c.pending, id)
			close(call.ch)
		}
	}
	c.pendingMu.Unlock()
}

func (c *Client) stopSubscriptions() {
	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]*Subscription)
	c.subsMu.Unlock()

	for _, sub := range subs {
		sub.detach()
	}
}

func (c *Client) liveErr() error {
	c.mu.Lock()
	terminal := c.terminal
	c.mu.Unlock()
	if terminal != nil {
		return terminal
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// brokenErr qualifica uma chamada interrompida: erro terminal, fechamento
// pelo usuário ou queda de conexão.
func (c *Client) brokenErr() error {
	if err := c.liveErr(); err != nil {
		return err
	}
	return ErrConnectionLost
}

func (c *Client) nextID() string {
	return fmt.Sprintf("req-%d", c.seq.Add(1))
}

// newMessageID gera um UUID v4 para identificar mensagens publicadas.
func newMessageID() string {
	b := make([]byte, 16)
	rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant RFC 4122
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func (c *Client) commandCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.cfg.Timing.CommandTimeout)
}

// ConnectionID retorna o id atribuído pelo broker no handshake corrente.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// LastActivity retorna o instante do último frame trocado com o broker.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Publish envia uma mensagem e bloqueia até o PublishAck (ou frame de erro)
// do broker. Retorna o id da mensagem, útil para correlação com a DLQ.
func (c *Client) Publish(ctx context.Context, queueName string, payload []byte, opts *PublishOptions) (string, error) {
	body, encoding, err := c.codec.encode(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	m := protocol.NewMessage(protocol.CmdPublish)
	m.ID = newMessageID()
	m.Queue = queueName
	m.Payload = body
	if opts != nil {
		m.Priority = opts.Priority
		if opts.TTL > 0 {
			m.ExpiresAt = time.Now().Add(opts.TTL).UnixNano()
		}
		for k, v := range opts.Headers {
			m.SetHeader(k, v)
		}
	}
	if encoding != "" {
		m.SetHeader(protocol.HeaderContentEncoding, encoding)
	}

	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	if _, err := c.call(cctx, m, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// PublishJSON serializa v como JSON e publica.
func (c *Client) PublishJSON(ctx context.Context, queueName string, v any, opts *PublishOptions) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	return c.Publish(ctx, queueName, payload, opts)
}

// Subscribe assina uma fila e entrega as mensagens ao handler em um worker
// dedicado. Uma subscription por fila por client.
func (c *Client) Subscribe(ctx context.Context, queueName string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("client: nil handler")
	}
	if err := c.liveErr(); err != nil {
		return nil, err
	}

	sub := newSubscription(c, queueName, handler)

	c.subsMu.Lock()
	if _, exists := c.subs[queueName]; exists {
		c.subsMu.Unlock()
		return nil, fmt.Errorf("client: already subscribed to %s", queueName)
	}
	c.subs[queueName] = sub
	c.subsMu.Unlock()

	// O worker precisa existir antes do SubscribeAck: o broker despacha o
	// backlog da fila assim que a subscription nasce do lado dele.
	sub.start()

	m := protocol.NewMessage(protocol.CmdSubscribe)
	m.ID = c.nextID()
	m.Queue = queueName

	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	reply, err := c.call(cctx, m, nil)
	if err != nil {
		c.subsMu.Lock()
		if c.subs[queueName] == sub {
			delete(c.subs, queueName)
		}
		c.subsMu.Unlock()
		sub.detach()
		return nil, err
	}

	sub.setID(reply.Header(protocol.HeaderSubscriptionID))
	return sub, nil
}

// unsubscribe remove a subscription do roteamento e avisa o broker.
func (c *Client) unsubscribe(sub *Subscription) error {
	c.subsMu.Lock()
	if c.subs[sub.queue] == sub {
		delete(c.subs, sub.queue)
	}
	c.subsMu.Unlock()

	if err := c.liveErr(); err != nil {
		// Client morto: não há quem avisar
		return nil
	}

	m := protocol.NewMessage(protocol.CmdUnsubscribe)
	m.ID = c.nextID()
	m.Queue = sub.queue

	ctx, cancel := c.commandCtx(context.Background())
	defer cancel()
	_, err := c.call(ctx, m, nil)
	return err
}

// sendAck confirma (reason vazio) ou rejeita (reason preenchido) uma
// entrega. Perda aqui não é fatal: sem ACK o broker retenta.
func (c *Client) sendAck(msgID, subID string, reason queue.FailReason) {
	m := protocol.NewMessage(protocol.CmdAck)
	m.ID = msgID
	if subID != "" {
		m.SetHeader(protocol.HeaderSubscriptionID, subID)
	}
	if reason != "" {
		m.SetHeader(protocol.HeaderReason, string(reason))
	}
	if err := c.writeFrame(m); err != nil && !c.closed.Load() {
		c.logger.Debug("ack not sent", "message", msgID, "error", err)
	}
}

// QueueCreate cria uma fila com as opções dadas. Fila existente com
// configuração diferente devolve *ServerError com código QUEUE_EXISTS.
func (c *Client) QueueCreate(ctx context.Context, queueName string, opts *QueueOptions) error {
	m := protocol.NewMessage(protocol.CmdCreateQueue)
	m.ID = c.nextID()
	m.Queue = queueName
	if opts != nil {
		opts.applyHeaders(m)
	}

	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	_, err := c.call(cctx, m, nil)
	return err
}

// QueueDelete remove uma fila. Subscribers ativos são desconectados da fila
// pelo broker; mensagens pendentes são descartadas.
func (c *Client) QueueDelete(ctx context.Context, queueName string) error {
	m := protocol.NewMessage(protocol.CmdDeleteQueue)
	m.ID = c.nextID()
	m.Queue = queueName

	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	_, err := c.call(cctx, m, nil)
	return err
}

// QueueInfo retorna o snapshot de configuração e contadores de uma fila.
func (c *Client) QueueInfo(ctx context.Context, queueName string) (queue.Info, error) {
	m := protocol.NewMessage(protocol.CmdQueueInfo)
	m.ID = c.nextID()
	m.Queue = queueName

	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	reply, err := c.call(cctx, m, nil)
	if err != nil {
		return queue.Info{}, err
	}

	var info queue.Info
	if err := json.Unmarshal(reply.Payload, &info); err != nil {
		return queue.Info{}, fmt.Errorf("decoding queue info: %w", err)
	}
	return info, nil
}

// QueuesList retorna o snapshot de todas as filas do broker.
func (c *Client) QueuesList(ctx context.Context) ([]queue.Info, error) {
	m := protocol.NewMessage(protocol.CmdListQueues)
	m.ID = c.nextID()

	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	reply, err := c.call(cctx, m, nil)
	if err != nil {
		return nil, err
	}

	var infos []queue.Info
	if err := json.Unmarshal(reply.Payload, &infos); err != nil {
		return nil, fmt.Errorf("decoding queue list: %w", err)
	}
	return infos, nil
}

// DlqList retorna as entradas da dead letter queue que casam com o filtro.
func (c *Client) DlqList(ctx context.Context, filter DlqFilter) ([]protocol.DeadLetterEntry, error) {
	m := protocol.NewMessage(protocol.CmdListDlq)
	m.ID = c.nextID()
	m.Queue = filter.Queue
	if filter.Reason != "" {
		m.SetHeader(protocol.HeaderReason, string(filter.Reason))
	}
	if filter.Limit > 0 {
		m.SetHeader(protocol.HeaderLimit, strconv.Itoa(filter.Limit))
	}

	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	reply, err := c.call(cctx, m, nil)
	if err != nil {
		return nil, err
	}

	var entries []protocol.DeadLetterEntry
	if err := json.Unmarshal(reply.Payload, &entries); err != nil {
		return nil, fmt.Errorf("decoding dlq entries: %w", err)
	}
	return entries, nil
}

// DlqReplay reinjeta as entradas da DLQ que casam com o filtro na fila de
// origem (ou em target, se informado) e retorna quantas voltaram.
func (c *Client) DlqReplay(ctx context.Context, filter DlqFilter, target string) (int, error) {
	m := protocol.NewMessage(protocol.CmdReplayDlq)
	m.ID = c.nextID()
	m.Queue = filter.Queue
	if filter.Reason != "" {
		m.SetHeader(protocol.HeaderReason, string(filter.Reason))
	}
	if filter.Limit > 0 {
		m.SetHeader(protocol.HeaderLimit, strconv.Itoa(filter.Limit))
	}
	if target != "" {
		m.SetHeader(protocol.HeaderTargetQueue, target)
	}

	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	reply, err := c.call(cctx, m, nil)
	if err != nil {
		return 0, err
	}

	var result protocol.ReplayResult
	if err := json.Unmarshal(reply.Payload, &result); err != nil {
		return 0, fmt.Errorf("decoding replay result: %w", err)
	}
	return result.Replayed, nil
}

// Ping mede a latência de ida e volta até o broker.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	m := protocol.NewMessage(protocol.CmdPing)
	m.ID = c.nextID()

	start := time.Now()
	cctx, cancel := c.commandCtx(ctx)
	defer cancel()
	if _, err := c.call(cctx, m, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close encerra o client: avisa o broker, derruba a conexão e desliga os
// workers. Idempotente.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Aviso best-effort; o broker fecha limpo ao receber Disconnect
	bye := protocol.NewMessage(protocol.CmdDisconnect)
	bye.ID = c.nextID()
	_ = c.writeFrame(bye)

	close(c.closing)

	c.mu.Lock()
	sock := c.sock
	c.sock, c.writer = nil, nil
	c.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}

	c.failPending(true)
	c.stopSubscriptions()
	c.logger.Info("client closed")
	return nil
}
