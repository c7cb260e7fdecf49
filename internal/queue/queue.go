// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Queue é uma fila nomeada com política de entrega fixa.
// Toda mutação é serializada pelo mutex da própria fila; nenhuma operação
// faz I/O segurando o lock (Deliver apenas enfileira no outbound da conexão).
type Queue struct {
	name      string
	opts      Options
	createdAt time.Time

	mu      sync.Mutex
	pending *pendingBuffer
	subs    []*Subscription
	cursor  int
	waiters []chan struct{} // publishers bloqueados (BlockPublisher), FIFO
	closed  bool

	tracker *AckTracker
	dlq     *DeadLetterRing
	emit    EventFn

	published       atomic.Int64
	delivered       atomic.Int64
	droppedOverflow atomic.Int64
	droppedTTL      atomic.Int64
	droppedRetries  atomic.Int64
	deadLettered    atomic.Int64
}

func newQueue(name string, opts Options, tracker *AckTracker, dlq *DeadLetterRing, emit EventFn) *Queue {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Queue{
		name:      name,
		opts:      opts,
		createdAt: time.Now(),
		pending:   newPendingBuffer(opts.Mode),
		tracker:   tracker,
		dlq:       dlq,
		emit:      emit,
	}
}

// Name retorna o nome da fila.
func (q *Queue) Name() string { return q.name }

// Mode retorna o delivery mode (imutável após a criação).
func (q *Queue) Mode() DeliveryMode { return q.opts.Mode }

// DlqEnabled reporta se falhas terminais vão para a DLQ.
func (q *Queue) DlqEnabled() bool { return q.opts.DlqEnabled }

// MaxRetries retorna o número máximo de retries antes da DLQ.
func (q *Queue) MaxRetries() int { return q.opts.MaxRetries }

// TTL retorna o TTL default de mensagens da fila (0 = sem TTL).
func (q *Queue) TTL() time.Duration { return q.opts.TTL }

// Pending retorna o tamanho atual do buffer de pendentes.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.len()
}

// Publish aplica a overflow strategy e adiciona a mensagem ao buffer.
// Com BlockPublisher, suspende até haver espaço, o deadline do ctx vencer
// (ErrQueueFull) ou a fila fechar (ErrShuttingDown).
func (q *Queue) Publish(ctx context.Context, m *Message) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrShuttingDown
		}
		if q.pending.len() < q.opts.MaxSize {
			break
		}

		switch q.opts.Overflow {
		case DropOldest:
			if dropped := q.pending.evictOldest(); dropped != nil {
				q.droppedOverflow.Add(1)
				q.emit(Event{Level: "warn", Type: EventMessageDropped, Queue: q.name,
					Message: fmt.Sprintf("message %s dropped (overflow, drop-oldest)", dropped.ID)})
			}
			continue

		case DropNewest:
			q.mu.Unlock()
			return fmt.Errorf("%w: %s at max size %d", ErrQueueFull, q.name, q.opts.MaxSize)

		case RedirectToDlq:
			q.mu.Unlock()
			q.deadLetter(m, ReasonQueueOverflow, 0)
			return nil

		case BlockPublisher:
			ch := make(chan struct{})
			q.waiters = append(q.waiters, ch)
			q.mu.Unlock()

			select {
			case <-ch:
				q.mu.Lock()
				continue
			case <-ctx.Done():
				if q.takeWaiter(ch) {
					return fmt.Errorf("%w: publish timed out waiting for space on %s", ErrQueueFull, q.name)
				}
				// Sinalizado entre o deadline e a remoção: consome o wakeup.
				q.mu.Lock()
				continue
			}

		default:
			q.mu.Unlock()
			return fmt.Errorf("%w: %s at max size %d", ErrQueueFull, q.name, q.opts.MaxSize)
		}
	}

	q.pending.push(m)
	q.published.Add(1)
	q.dispatchLocked(time.Now())
	q.mu.Unlock()
	return nil
}

// takeWaiter remove o waiter da fila de espera. Retorna false se ele já foi
// sinalizado (o slot liberado é consumido pelo caller).
func (q *Queue) takeWaiter(ch chan struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) wakeWaitersLocked() {
	free := q.opts.MaxSize - q.pending.len()
	for free > 0 && len(q.waiters) > 0 {
		close(q.waiters[0])
		q.waiters = q.waiters[1:]
		free--
	}
}

// Dispatch executa uma passada de entrega (mensagem nova, subscriber novo
// ou outbound drenado).
func (q *Queue) Dispatch(now time.Time) {
	q.mu.Lock()
	q.dispatchLocked(now)
	q.wakeWaitersLocked()
	q.mu.Unlock()
}

// dispatchLocked atribui mensagens pendentes a subscribers prontos até o
// buffer esvaziar ou não haver subscriber disponível.
func (q *Queue) dispatchLocked(now time.Time) {
	if q.closed {
		return
	}

	for q.pending.len() > 0 && len(q.subs) > 0 {
		head := q.pending.peek()
		if head.Expired(now) {
			q.pending.pop()
			q.deadLetter(head, ReasonTtlExpired, 0)
			continue
		}

		if q.opts.Mode.fanOut() {
			m := q.pending.pop()
			for _, sub := range q.subs {
				if q.opts.Mode == FanOutAck {
					if err := q.tracker.Track(m, sub, q.name, 1, now); err != nil {
						continue
					}
				}
				q.delivered.Add(1)
				sub.sink.Deliver(sub, m, 1)
			}
			continue
		}

		sub := q.nextReadySubLocked(head)
		if sub == nil {
			return
		}

		m := q.pending.pop()
		m.DeliveryAttempts++
		m.lastSubID = sub.id
		if err := q.tracker.Track(m, sub, q.name, m.DeliveryAttempts, now); err != nil {
			// (msgID, subscriptionID) já in-flight: devolve e espera o ciclo de retry.
			m.DeliveryAttempts--
			q.pending.pushFront(m)
			return
		}
		q.delivered.Add(1)
		sub.sink.Deliver(sub, m, m.DeliveryAttempts)
	}

	q.wakeWaitersLocked()
}

// nextReadySubLocked escolhe o próximo subscriber na ordem do cursor,
// pulando saturados por uma rodada e evitando (best-effort) repetir o
// subscriber da última tentativa quando existe alternativa.
func (q *Queue) nextReadySubLocked(m *Message) *Subscription {
	n := len(q.subs)
	fallbackIdx := -1

	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		s := q.subs[idx]
		if s.sink.Saturated() {
			continue
		}
		if n > 1 && m.lastSubID != 0 && m.lastSubID == s.id {
			if fallbackIdx == -1 {
				fallbackIdx = idx
			}
			continue
		}
		q.cursor = (idx + 1) % n
		return s
	}

	if fallbackIdx >= 0 {
		q.cursor = (fallbackIdx + 1) % n
		return q.subs[fallbackIdx]
	}
	return nil
}

// RequeueFront reinsere uma mensagem na cabeça do buffer (retry).
// Nunca descarta o retry: com a fila cheia, a mensagem mais antiga é
// descartada para abrir espaço, mantendo pending ≤ maxSize.
func (q *Queue) RequeueFront(m *Message, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if m.Expired(now) {
		q.deadLetter(m, ReasonTtlExpired, 0)
		return
	}

	if q.pending.len() >= q.opts.MaxSize {
		if dropped := q.pending.evictOldest(); dropped != nil {
			q.droppedOverflow.Add(1)
			q.emit(Event{Level: "warn", Type: EventMessageDropped, Queue: q.name,
				Message: fmt.Sprintf("message %s dropped to requeue retry %s", dropped.ID, m.ID)})
		}
	}
	q.pending.pushFront(m)
	q.dispatchLocked(now)
}

// ExpireTTL remove mensagens pendentes com TTL vencido, roteando cada uma
// para a DLQ (TtlExpired) quando habilitada; caso contrário conta o drop.
func (q *Queue) ExpireTTL(now time.Time) int {
	q.mu.Lock()
	expired := q.pending.removeExpired(now)
	for _, m := range expired {
		q.deadLetter(m, ReasonTtlExpired, 0)
	}
	if len(expired) > 0 {
		q.wakeWaitersLocked()
	}
	q.mu.Unlock()
	return len(expired)
}

// deadLetter roteia uma falha terminal. Overflow redirecionado (RedirectToDlq)
// vai sempre para a DLQ; TTL e retries esgotados respeitam DlqEnabled e, sem
// DLQ, viram apenas contadores. Não toca em q.mu: é chamado com e sem o lock.
func (q *Queue) deadLetter(m *Message, reason FailReason, subID uint64) {
	if reason != ReasonQueueOverflow && !q.opts.DlqEnabled {
		switch reason {
		case ReasonTtlExpired:
			q.droppedTTL.Add(1)
		default:
			q.droppedRetries.Add(1)
		}
		q.emit(Event{Level: "warn", Type: EventMessageDropped, Queue: q.name,
			Message: fmt.Sprintf("message %s dropped (%s, dlq disabled)", m.ID, reason)})
		return
	}

	q.deadLettered.Add(1)
	q.dlq.Push(&DeadLetterRecord{Message: m, Queue: q.name, Reason: reason, SubscriptionID: subID})
	q.emit(Event{Level: "warn", Type: EventDeadLettered, Queue: q.name,
		Message: fmt.Sprintf("message %s dead-lettered (%s)", m.ID, reason)})
}

// AddSubscriber registra uma subscription. Idempotente por id.
func (q *Queue) AddSubscriber(sub *Subscription) {
	q.mu.Lock()
	for _, s := range q.subs {
		if s.id == sub.id {
			q.mu.Unlock()
			return
		}
	}
	q.subs = append(q.subs, sub)
	q.dispatchLocked(time.Now())
	q.mu.Unlock()
}

// RemoveSubscriber remove a subscription do conjunto. Idempotente.
// A redistribuição das mensagens in-flight é disparada pelo manager via
// ack tracker (SubscriberGone).
func (q *Queue) RemoveSubscriber(subID uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.subs {
		if s.id != subID {
			continue
		}
		q.subs = append(q.subs[:i], q.subs[i+1:]...)
		if q.cursor > i {
			q.cursor--
		}
		if len(q.subs) == 0 {
			q.cursor = 0
		} else {
			q.cursor %= len(q.subs)
		}
		return true
	}
	return false
}

// Subscribers retorna o número de subscriptions ativas.
func (q *Queue) Subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

func (q *Queue) hasSubscriber(subID uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.subs {
		if s.id == subID {
			return true
		}
	}
	return false
}

// close fecha a fila: acorda publishers bloqueados, drena pendentes e
// notifica subscribers. Retorna as mensagens pendentes descartadas.
func (q *Queue) close(reason string) []*Message {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = nil
	dropped := q.pending.drain()
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()

	for _, s := range subs {
		s.sink.QueueDeleted(s, reason)
	}
	return dropped
}

// Info retorna um snapshot da fila para QueueInfo e para a API HTTP.
func (q *Queue) Info() Info {
	q.mu.Lock()
	pending := q.pending.len()
	subscribers := len(q.subs)
	q.mu.Unlock()

	info := Info{
		Name:            q.name,
		Mode:            q.opts.Mode,
		Pending:         pending,
		InFlight:        q.tracker.QueueInFlight(q.name),
		Subscribers:     subscribers,
		MaxSize:         q.opts.MaxSize,
		Overflow:        q.opts.Overflow,
		DlqEnabled:      q.opts.DlqEnabled,
		MaxRetries:      q.opts.MaxRetries,
		CreatedAt:       q.createdAt.UTC().Format(time.RFC3339),
		Published:       q.published.Load(),
		Delivered:       q.delivered.Load(),
		DroppedOverflow: q.droppedOverflow.Load(),
		DroppedTTL:      q.droppedTTL.Load(),
		DeadLettered:    q.deadLettered.Load(),
	}
	if q.opts.TTL > 0 {
		info.TTL = q.opts.TTL.String()
	}
	return info
}

// Info é o snapshot serializável de uma fila.
type Info struct {
	Name            string           `json:"name"`
	Mode            DeliveryMode     `json:"mode"`
	Pending         int              `json:"pending"`
	InFlight        int              `json:"in_flight"`
	Subscribers     int              `json:"subscribers"`
	MaxSize         int              `json:"max_size"`
	Overflow        OverflowStrategy `json:"overflow"`
	TTL             string           `json:"ttl,omitempty"`
	DlqEnabled      bool             `json:"dlq_enabled"`
	MaxRetries      int              `json:"max_retries"`
	CreatedAt       string           `json:"created_at"`
	Published       int64            `json:"published"`
	Delivered       int64            `json:"delivered"`
	DroppedOverflow int64            `json:"dropped_overflow"`
	DroppedTTL      int64            `json:"dropped_ttl"`
	DeadLettered    int64            `json:"dead_lettered"`
}
