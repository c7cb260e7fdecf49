// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// dispatchTable mapeia comandos de client para seus handlers. Comandos fora
// da tabela (Connect repetido, frames broker→client ecoados de volta) são
// violação de protocolo e derrubam a conexão.
var dispatchTable = map[protocol.Command]func(*Connection, *protocol.Message){
	protocol.CmdPing:        (*Connection).handlePing,
	protocol.CmdPong:        (*Connection).handlePong,
	protocol.CmdPublish:     (*Connection).handlePublish,
	protocol.CmdSubscribe:   (*Connection).handleSubscribe,
	protocol.CmdUnsubscribe: (*Connection).handleUnsubscribe,
	protocol.CmdAck:         (*Connection).handleAck,
	protocol.CmdCreateQueue: (*Connection).handleCreateQueue,
	protocol.CmdDeleteQueue: (*Connection).handleDeleteQueue,
	protocol.CmdQueueInfo:   (*Connection).handleQueueInfo,
	protocol.CmdListQueues:  (*Connection).handleListQueues,
	protocol.CmdListDlq:     (*Connection).handleListDlq,
	protocol.CmdReplayDlq:   (*Connection).handleReplayDlq,
}

// dispatch roteia um frame decodificado para o handler do comando. Panics de
// handler são contidos aqui: a conexão responde SERVER_ERROR e cai, o broker
// continua de pé.
func (c *Connection) dispatch(m *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.b.metrics.errorsTotal.Add(1)
			c.logger.Error("handler panic", "command", m.Command.String(), "panic", r)
			c.enqueueReply(protocol.NewError(m.ID, protocol.CodeServerError, "internal error"))
			c.beginClose("handler panic")
		}
	}()

	handler, ok := dispatchTable[m.Command]
	if !ok {
		c.fatalError(m.ID, fmt.Sprintf("unexpected command %s", m.Command))
		return
	}
	handler(c, m)
}

// fatalError responde INVALID_MESSAGE e fecha a conexão. Violações de
// protocolo não são recuperáveis: o estado do stream não é confiável.
func (c *Connection) fatalError(id, detail string) {
	c.b.metrics.errorsTotal.Add(1)
	c.enqueueReply(protocol.NewError(id, protocol.CodeInvalidMsg, detail))
	c.logger.Warn("protocol violation", "detail", detail)
	c.beginClose("protocol violation")
}

// replyError traduz um erro do core para um frame Error. Erros transientes
// (fila cheia, rate limit, fila inexistente) mantêm a conexão; violações e
// erros internos a derrubam.
func (c *Connection) replyError(id string, err error) {
	code, fatal := classifyError(err)
	c.b.metrics.errorsTotal.Add(1)
	c.enqueueReply(protocol.NewError(id, code, err.Error()))
	if fatal {
		c.logger.Warn("closing after command error", "code", code, "error", err)
		c.beginClose("command error: " + code)
	}
}

// classifyError mapeia erros do queue core para códigos wire e decide se a
// conexão sobrevive ao erro.
func classifyError(err error) (code string, fatal bool) {
	switch {
	case errors.Is(err, queue.ErrQueueNotFound):
		return protocol.CodeQueueNotFound, false
	case errors.Is(err, queue.ErrQueueExists):
		return protocol.CodeQueueExists, false
	case errors.Is(err, queue.ErrQueueFull):
		return protocol.CodeQueueFull, false
	case errors.Is(err, queue.ErrShuttingDown):
		return protocol.CodeShuttingDown, false
	case errors.Is(err, queue.ErrNotSubscribed):
		// Sem código próprio no protocolo; o mais próximo da semântica.
		return protocol.CodeQueueNotFound, false
	case errors.Is(err, queue.ErrInvalidName):
		return protocol.CodeInvalidMsg, true
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeTimeout, false
	default:
		return protocol.CodeServerError, true
	}
}

func (c *Connection) handlePing(m *protocol.Message) {
	pong := protocol.NewMessage(protocol.CmdPong)
	pong.ID = m.ID
	c.enqueueReply(pong)
}

// handlePong é no-op: a liveness já foi renovada pelo read loop.
func (c *Connection) handlePong(m *protocol.Message) {}

func (c *Connection) handlePublish(m *protocol.Message) {
	if !c.pubWindow.Allow() {
		c.b.metrics.errorsTotal.Add(1)
		c.b.emitEvent("warn", "RATE_LIMIT_HIT", m.Queue,
			fmt.Sprintf("conn %s exceeded publish window", c.id))
		c.enqueueReply(protocol.NewError(m.ID, protocol.CodeRateLimited, "publish rate limit exceeded"))
		return
	}
	if m.Queue == "" {
		c.fatalError(m.ID, "publish requires a queue")
		return
	}

	msg := &queue.Message{
		ID:       m.ID,
		Payload:  m.Payload,
		Headers:  m.Headers,
		Priority: m.Priority,
	}
	if msg.ID == "" {
		// Client não correlaciona; o id atribuído volta no PublishAck.
		msg.ID = newUUID()
	}
	if m.ExpiresAt > 0 {
		msg.ExpiresAt = time.Unix(0, m.ExpiresAt)
	}

	// O timeout limita apenas BlockPublisher; os outros modos retornam
	// imediatamente. O ctx da conexão destrava publishers no fechamento.
	ctx, cancel := context.WithTimeout(c.ctx, c.b.cfg.Timing.PublishTimeout)
	err := c.b.manager.Publish(ctx, m.Queue, msg)
	cancel()
	if err != nil {
		c.replyError(m.ID, err)
		return
	}

	ack := protocol.NewMessage(protocol.CmdPublishAck)
	ack.ID = msg.ID
	ack.Queue = m.Queue
	c.enqueueReply(ack)
}

func (c *Connection) handleSubscribe(m *protocol.Message) {
	if m.Queue == "" {
		c.fatalError(m.ID, "subscribe requires a queue")
		return
	}

	// Re-subscribe na mesma fila é idempotente: devolve a subscription viva.
	c.subsMu.Lock()
	existing := c.subs[m.Queue]
	c.subsMu.Unlock()
	if existing != nil {
		c.subscribeAck(m.ID, m.Queue, existing.ID())
		return
	}

	sub, err := c.b.manager.Subscribe(m.Queue, c)
	if err != nil {
		c.replyError(m.ID, err)
		return
	}

	c.subsMu.Lock()
	c.subs[m.Queue] = sub
	c.subsMu.Unlock()

	c.subscribeAck(m.ID, m.Queue, sub.ID())
	c.logger.Debug("subscribed", "queue", m.Queue, "subscription", sub.ID())
}

func (c *Connection) subscribeAck(id, queueName string, subID uint64) {
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = id
	ack.Queue = queueName
	ack.SetHeader(protocol.HeaderSubscriptionID, formatSubID(subID))
	c.enqueueReply(ack)
}

func (c *Connection) handleUnsubscribe(m *protocol.Message) {
	if m.Queue == "" {
		c.fatalError(m.ID, "unsubscribe requires a queue")
		return
	}

	c.subsMu.Lock()
	sub := c.subs[m.Queue]
	delete(c.subs, m.Queue)
	c.subsMu.Unlock()

	if sub == nil {
		c.replyError(m.ID, fmt.Errorf("%w: %s", queue.ErrNotSubscribed, m.Queue))
		return
	}
	c.b.manager.Unsubscribe(sub)

	ack := protocol.NewMessage(protocol.CmdUnsubscribeAck)
	ack.ID = m.ID
	ack.Queue = m.Queue
	ack.SetHeader(protocol.HeaderSubscriptionID, formatSubID(sub.ID()))
	c.enqueueReply(ack)
	c.logger.Debug("unsubscribed", "queue", m.Queue, "subscription", sub.ID())
}

// handleAck confirma (ou rejeita, via header reason) uma entrega. ACK não
// tem resposta; tardios e duplicados são no-ops.
func (c *Connection) handleAck(m *protocol.Message) {
	msgID := m.Header(protocol.HeaderMessageID)
	if msgID == "" {
		msgID = m.ID
	}
	if msgID == "" {
		c.fatalError(m.ID, "ack requires message-id header or frame id")
		return
	}

	var reason queue.FailReason
	if raw := m.Header(protocol.HeaderReason); raw != "" {
		parsed, err := queue.ParseFailReason(raw)
		if err != nil {
			c.fatalError(m.ID, err.Error())
			return
		}
		reason = parsed
	}

	now := time.Now()
	if raw := m.Header(protocol.HeaderSubscriptionID); raw != "" {
		subID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.fatalError(m.ID, "malformed subscription-id header")
			return
		}
		c.settle(msgID, subID, reason, now)
		return
	}

	// Sem subscription-id: acerta contra qualquer subscription da conexão.
	c.subsMu.Lock()
	subs := make([]*queue.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.Unlock()

	for _, sub := range subs {
		if c.settle(msgID, sub.ID(), reason, now) {
			return
		}
	}
}

// settle aplica um ACK (reason vazio) ou NACK na entrega in-flight.
func (c *Connection) settle(msgID string, subID uint64, reason queue.FailReason, now time.Time) bool {
	tracker := c.b.manager.Tracker()
	if reason == "" {
		return tracker.Ack(msgID, subID, now)
	}
	return tracker.Nack(msgID, subID, reason)
}

func (c *Connection) handleCreateQueue(m *protocol.Message) {
	if m.Queue == "" {
		c.fatalError(m.ID, "create-queue requires a queue")
		return
	}

	opts, err := queueOptionsFromHeaders(c.b.manager.Defaults(), m)
	if err != nil {
		c.fatalError(m.ID, err.Error())
		return
	}

	if _, err := c.b.manager.Create(m.Queue, opts); err != nil {
		c.replyError(m.ID, err)
		return
	}
	c.adminAck(m.ID, m.Queue)
}

// queueOptionsFromHeaders resolve as opções de CreateQueue: começa dos
// defaults do broker e sobrepõe cada header presente.
func queueOptionsFromHeaders(opts queue.Options, m *protocol.Message) (queue.Options, error) {
	if v := m.Header(protocol.HeaderQueueMode); v != "" {
		mode, err := queue.ParseDeliveryMode(v)
		if err != nil {
			return opts, err
		}
		opts.Mode = mode
	}
	if v := m.Header(protocol.HeaderQueueMaxSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid max-size %q", v)
		}
		opts.MaxSize = n
	}
	if v := m.Header(protocol.HeaderQueueOverflow); v != "" {
		strategy, err := queue.ParseOverflowStrategy(v)
		if err != nil {
			return opts, err
		}
		opts.Overflow = strategy
	}
	if v := m.Header(protocol.HeaderQueueTTL); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl < 0 {
			return opts, fmt.Errorf("invalid ttl %q", v)
		}
		opts.TTL = ttl
	}
	if v := m.Header(protocol.HeaderQueueDlqEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid dlq-enabled %q", v)
		}
		opts.DlqEnabled = enabled
	}
	if v := m.Header(protocol.HeaderQueueMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid max-retries %q", v)
		}
		opts.MaxRetries = n
	}
	return opts, nil
}

func (c *Connection) handleDeleteQueue(m *protocol.Message) {
	if m.Queue == "" {
		c.fatalError(m.ID, "delete-queue requires a queue")
		return
	}

	if _, err := c.b.manager.Delete(m.Queue, "queue deleted"); err != nil {
		c.replyError(m.ID, err)
		return
	}
	c.adminAck(m.ID, m.Queue)
}

// adminAck é a resposta de sucesso de CreateQueue/DeleteQueue: um frame Ack
// correlacionado pelo id, com a fila alvo ecoada.
func (c *Connection) adminAck(id, queueName string) {
	m := protocol.NewMessage(protocol.CmdAck)
	m.ID = id
	m.Queue = queueName
	c.enqueueReply(m)
}

func (c *Connection) handleQueueInfo(m *protocol.Message) {
	if m.Queue == "" {
		c.fatalError(m.ID, "queue-info requires a queue")
		return
	}

	info, ok := c.b.manager.InfoOf(m.Queue)
	if !ok {
		c.replyError(m.ID, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, m.Queue))
		return
	}
	c.jsonReply(protocol.CmdQueueInfo, m.ID, m.Queue, info)
}

func (c *Connection) handleListQueues(m *protocol.Message) {
	c.jsonReply(protocol.CmdListQueues, m.ID, "", c.b.manager.List())
}

func (c *Connection) handleListDlq(m *protocol.Message) {
	f, err := dlqFilterFromHeaders(m)
	if err != nil {
		c.fatalError(m.ID, err.Error())
		return
	}
	entries := wireDeadLetters(c.b.manager.Dlq().List(f))
	c.jsonReply(protocol.CmdListDlq, m.ID, m.Queue, entries)
}

func (c *Connection) handleReplayDlq(m *protocol.Message) {
	f, err := dlqFilterFromHeaders(m)
	if err != nil {
		c.fatalError(m.ID, err.Error())
		return
	}
	target := m.Header(protocol.HeaderTargetQueue)

	ctx, cancel := context.WithTimeout(c.ctx, c.b.cfg.Timing.PublishTimeout)
	replayed, err := c.b.manager.ReplayDlq(ctx, f, target)
	cancel()
	if err != nil && replayed == 0 {
		c.replyError(m.ID, err)
		return
	}
	// Replay parcial ainda responde com a contagem; os que falharam
	// voltaram para a DLQ.
	c.jsonReply(protocol.CmdReplayDlq, m.ID, m.Queue, protocol.ReplayResult{Replayed: replayed})
}

// dlqFilterFromHeaders monta o filtro de ListDlq/ReplayDlq a partir do frame.
// A fila vem do campo queue; reason e limit vêm de headers.
func dlqFilterFromHeaders(m *protocol.Message) (queue.DlqFilter, error) {
	f := queue.DlqFilter{Queue: m.Queue}
	if raw := m.Header(protocol.HeaderReason); raw != "" {
		reason, err := queue.ParseFailReason(raw)
		if err != nil {
			return f, err
		}
		f.Reason = reason
	}
	if raw := m.Header(protocol.HeaderLimit); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = n
	}
	return f, nil
}

// wireDeadLetters converte registros da DLQ para a forma JSON compartilhada
// com o client e com a API HTTP.
func wireDeadLetters(records []*queue.DeadLetterRecord) []protocol.DeadLetterEntry {
	entries := make([]protocol.DeadLetterEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, protocol.DeadLetterEntry{
			ID:               rec.Message.ID,
			Queue:            rec.Queue,
			Reason:           string(rec.Reason),
			SubscriptionID:   rec.SubscriptionID,
			FailedAt:         rec.FailedAt,
			DeliveryAttempts: rec.Message.DeliveryAttempts,
			Priority:         rec.Message.Priority.String(),
			Headers:          rec.Message.Headers,
			Payload:          rec.Message.Payload,
		})
	}
	return entries
}

// jsonReply responde um comando administrativo com payload JSON.
func (c *Connection) jsonReply(cmd protocol.Command, id, queueName string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.b.metrics.errorsTotal.Add(1)
		c.logger.Error("encoding admin response", "command", cmd.String(), "error", err)
		c.enqueueReply(protocol.NewError(id, protocol.CodeServerError, "encoding response"))
		c.beginClose("encode error")
		return
	}

	m := protocol.NewMessage(cmd)
	m.ID = id
	m.Queue = queueName
	m.Payload = payload
	c.enqueueReply(m)
}
