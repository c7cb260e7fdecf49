// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// deliveryBufferSize é a capacidade do buffer de entregas de uma
// subscription. Cheio, a entrega é deixada para o ciclo de retry do broker:
// o read pump nunca bloqueia atrás de um handler lento.
const deliveryBufferSize = 64

// Handler processa uma entrega. Retorno nil envia ACK; ErrReject envia um
// NACK que manda a mensagem direto para a DLQ; qualquer outro erro (ou
// panic) segura o ACK e deixa o broker retentar após o ack timeout.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery é uma mensagem entregue, com o payload já descomprimido.
type Delivery struct {
	ID             string
	Queue          string
	Payload        []byte
	Headers        map[string]string
	Priority       protocol.Priority
	Attempts       uint32
	PublishedAt    time.Time
	SubscriptionID string
}

// JSON decodifica o payload como JSON no destino dado.
func (d *Delivery) JSON(v any) error {
	return json.Unmarshal(d.Payload, v)
}

// Subscription é o lado client de uma assinatura: um worker consome as
// entregas roteadas pelo read pump e invoca o handler. Close envia
// Unsubscribe e desliga o worker.
type Subscription struct {
	c       *Client
	queue   string
	handler Handler

	mu sync.Mutex
	id string // subscription-id corrente; muda após resubscribe

	deliveries chan *protocol.Message
	closing    chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once

	// ctx é o contexto passado aos handlers; cancela quando a subscription
	// desliga, destravando handlers em espera.
	ctx    context.Context
	cancel context.CancelFunc
}

func newSubscription(c *Client, queueName string, handler Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		c:          c,
		queue:      queueName,
		handler:    handler,
		deliveries: make(chan *protocol.Message, deliveryBufferSize),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Queue retorna o nome da fila assinada.
func (s *Subscription) Queue() string { return s.queue }

// SubscriptionID retorna o id atribuído pelo broker. Pode mudar quando o
// client reconecta e reassina.
func (s *Subscription) SubscriptionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Subscription) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *Subscription) start() {
	go s.loop()
}

// offer entrega um frame ao worker sem bloquear. false deixa a reentrega
// com o broker.
func (s *Subscription) offer(m *protocol.Message) bool {
	select {
	case s.deliveries <- m:
		return true
	case <-s.closing:
		return false
	default:
		return false
	}
}

func (s *Subscription) loop() {
	defer close(s.done)

	for {
		select {
		case <-s.closing:
			return
		case m := <-s.deliveries:
			s.handle(m)
		}
	}
}

// handle decodifica a entrega e invoca o handler, traduzindo o resultado em
// ACK, NACK ou silêncio (retry do broker).
func (s *Subscription) handle(m *protocol.Message) {
	subID := m.Header(protocol.HeaderSubscriptionID)

	payload, err := s.c.codec.decode(m)
	if err != nil {
		s.c.logger.Warn("undecodable delivery", "queue", s.queue, "message", m.ID, "error", err)
		s.c.sendAck(m.ID, subID, queue.ReasonDeserializationError)
		return
	}

	d := &Delivery{
		ID:             m.ID,
		Queue:          m.Queue,
		Payload:        payload,
		Headers:        m.Headers,
		Priority:       m.Priority,
		Attempts:       m.DeliveryAttempts,
		SubscriptionID: subID,
	}
	if raw := m.Header(protocol.HeaderPublishedAt); raw != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			d.PublishedAt = ts
		}
	}

	switch err := s.invoke(d); {
	case err == nil:
		s.c.sendAck(m.ID, subID, "")
	case errors.Is(err, ErrReject):
		s.c.sendAck(m.ID, subID, queue.ReasonHandlerRejected)
	default:
		s.c.logger.Warn("handler failed, leaving redelivery to the broker",
			"queue", s.queue, "message", m.ID, "attempt", m.DeliveryAttempts, "error", err)
	}
}

// invoke chama o handler contendo panics: um handler quebrado não derruba o
// worker nem vira um ACK indevido.
func (s *Subscription) invoke(d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(s.ctx, d)
}

// detach desliga o worker sem falar com o broker. Não bloqueia: é chamado
// pelo read pump quando a fila morre do lado do broker.
func (s *Subscription) detach() {
	s.stopOnce.Do(func() {
		close(s.closing)
		s.cancel()
	})
}

// stop desliga o worker e espera o handler corrente terminar.
func (s *Subscription) stop() {
	s.detach()
	<-s.done
}

// Close envia Unsubscribe, espera a confirmação do broker e desliga o
// worker. Idempotente; seguro chamar de qualquer goroutine.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.c.unsubscribe(s)
		s.stop()
	})
	return err
}
