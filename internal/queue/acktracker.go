// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// Defaults do ciclo de confirmação.
const (
	DefaultAckTimeout     = 30 * time.Second
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute

	latencyAlpha = 0.25
)

// TrackerConfig parametriza deadlines e backoff do AckTracker.
type TrackerConfig struct {
	AckTimeout     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// inflightKey identifica uma entrega aguardando ACK. Em fan-out com ACK a
// mesma mensagem aparece uma vez por subscription.
type inflightKey struct {
	msgID string
	subID uint64
}

type inflightEntry struct {
	key      inflightKey
	msg      *Message
	sub      *Subscription
	queue    string
	attempt  uint32
	sentAt   time.Time
	deadline time.Time
}

// retryEntry é uma reentrega agendada após backoff exponencial.
type retryEntry struct {
	msg     *Message
	sub     *Subscription // alvo fixo em fan-out; nil nos modos single
	queue   string
	attempt uint32
	dueAt   time.Time
}

// AckTracker mantém as entregas in-flight e dirige o ciclo
// timeout -> backoff -> reentrega -> DLQ. Todas as varreduras recebem o
// relógio explicitamente para manter os testes determinísticos.
//
// Disciplina de locks: o tracker nunca chama de volta para uma fila ou sink
// segurando t.mu. A ordem global é sempre Queue.mu -> AckTracker.mu.
type AckTracker struct {
	cfg TrackerConfig
	mgr *Manager // preenchido por NewManager

	mu       sync.Mutex
	inflight map[inflightKey]*inflightEntry
	bySub    map[uint64]map[inflightKey]struct{}
	byQueue  map[string]int
	delayed  []*retryEntry

	acked   atomic.Int64
	retries atomic.Int64

	latencyMs  float64 // EWMA, protegido por mu
	latencySet bool
}

func newAckTracker(cfg TrackerConfig) *AckTracker {
	return &AckTracker{
		cfg:      cfg.withDefaults(),
		inflight: make(map[inflightKey]*inflightEntry),
		bySub:    make(map[uint64]map[inflightKey]struct{}),
		byQueue:  make(map[string]int),
	}
}

// Track registra uma entrega aguardando ACK. Retorna ErrDuplicateInFlight se
// o par (mensagem, subscription) já está pendente.
func (t *AckTracker) Track(m *Message, sub *Subscription, queueName string, attempt uint32, now time.Time) error {
	key := inflightKey{msgID: m.ID, subID: sub.id}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.inflight[key]; dup {
		return ErrDuplicateInFlight
	}
	t.inflight[key] = &inflightEntry{
		key:      key,
		msg:      m,
		sub:      sub,
		queue:    queueName,
		attempt:  attempt,
		sentAt:   now,
		deadline: now.Add(t.cfg.AckTimeout),
	}
	if t.bySub[sub.id] == nil {
		t.bySub[sub.id] = make(map[inflightKey]struct{})
	}
	t.bySub[sub.id][key] = struct{}{}
	t.byQueue[queueName]++
	return nil
}

// Ack confirma uma entrega. Retorna false se não havia entrada in-flight
// (ACK tardio ou duplicado, tratado como no-op).
func (t *AckTracker) Ack(msgID string, subID uint64, now time.Time) bool {
	t.mu.Lock()
	entry, ok := t.inflight[inflightKey{msgID: msgID, subID: subID}]
	if ok {
		t.removeLocked(entry)
		t.observeLatencyLocked(now.Sub(entry.sentAt))
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.acked.Add(1)
	return true
}

// Nack descarta a entrega e roteia a mensagem direto para a DLQ com o motivo
// informado. É o caminho do ACK negativo: o consumidor declarou que nunca vai
// processar a mensagem (payload indecifrável, handler rejeitou), então não há
// retry.
func (t *AckTracker) Nack(msgID string, subID uint64, reason FailReason) bool {
	t.mu.Lock()
	entry, ok := t.inflight[inflightKey{msgID: msgID, subID: subID}]
	if ok {
		t.removeLocked(entry)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.routeDeadLetter(entry, reason)
	return true
}

// Sweep processa deadlines vencidos e reentregas cujo backoff venceu.
// Deve ser chamado pelo relógio do broker; todo o trabalho que toca filas ou
// sinks acontece fora do lock do tracker.
func (t *AckTracker) Sweep(now time.Time) {
	var expired []*inflightEntry
	var due []*retryEntry

	t.mu.Lock()
	for _, e := range t.inflight {
		if !e.deadline.After(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		t.removeLocked(e)
	}
	if len(t.delayed) > 0 {
		rest := t.delayed[:0]
		for _, r := range t.delayed {
			if !r.dueAt.After(now) {
				due = append(due, r)
			} else {
				rest = append(rest, r)
			}
		}
		t.delayed = rest
	}
	t.mu.Unlock()

	for _, e := range expired {
		t.expire(e, now)
	}
	for _, r := range due {
		t.redeliver(r, now)
	}
}

// expire decide o destino de uma entrega sem ACK: backoff e reentrega
// enquanto houver retries, DLQ (MaxRetriesExceeded) quando esgotar.
func (t *AckTracker) expire(e *inflightEntry, now time.Time) {
	q := t.queueOf(e.queue)
	if q == nil {
		// Fila removida com a entrega em voo: nada a reapresentar.
		return
	}

	if int(e.attempt) > q.MaxRetries() {
		q.deadLetter(e.msg, ReasonMaxRetriesExceeded, e.key.subID)
		return
	}

	t.retries.Add(1)
	retry := &retryEntry{
		msg:     e.msg,
		queue:   e.queue,
		attempt: e.attempt + 1,
		dueAt:   now.Add(t.backoff(e.attempt)),
	}
	if q.Mode().fanOut() {
		retry.sub = e.sub
	}

	t.mu.Lock()
	t.delayed = append(t.delayed, retry)
	t.mu.Unlock()
}

// redeliver reapresenta uma mensagem cujo backoff venceu. Nos modos single a
// mensagem volta para a cabeça do buffer; em fan-out a reentrega vai direto
// para a mesma subscription que falhou.
func (t *AckTracker) redeliver(r *retryEntry, now time.Time) {
	q := t.queueOf(r.queue)
	if q == nil {
		return
	}

	if r.sub == nil {
		q.RequeueFront(r.msg, now)
		return
	}

	// Fan-out: a subscription pode ter saído durante o backoff.
	if !q.hasSubscriber(r.sub.id) {
		return
	}
	if r.msg.Expired(now) {
		q.deadLetter(r.msg, ReasonTtlExpired, r.sub.id)
		return
	}
	if err := t.Track(r.msg, r.sub, r.queue, r.attempt, now); err != nil {
		return
	}
	q.delivered.Add(1)
	r.sub.sink.Deliver(r.sub, r.msg, r.attempt)
}

// SubscriberGone libera todas as entregas in-flight de uma subscription
// (disconnect ou unsubscribe). Modos single devolvem a mensagem na cabeça do
// buffer sem backoff; cópias de fan-out morrem com a subscription.
func (t *AckTracker) SubscriberGone(subID uint64, now time.Time) {
	var released []*inflightEntry

	t.mu.Lock()
	for key := range t.bySub[subID] {
		if e, ok := t.inflight[key]; ok {
			released = append(released, e)
		}
	}
	for _, e := range released {
		t.removeLocked(e)
	}
	if len(t.delayed) > 0 {
		rest := t.delayed[:0]
		for _, r := range t.delayed {
			if r.sub != nil && r.sub.id == subID {
				continue
			}
			rest = append(rest, r)
		}
		t.delayed = rest
	}
	t.mu.Unlock()

	for _, e := range released {
		q := t.queueOf(e.queue)
		if q == nil || q.Mode().fanOut() {
			continue
		}
		q.RequeueFront(e.msg, now)
	}
}

// ReleaseQueue descarta o estado in-flight e as reentregas agendadas de uma
// fila removida.
func (t *AckTracker) ReleaseQueue(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var victims []*inflightEntry
	for _, e := range t.inflight {
		if e.queue == name {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		t.removeLocked(e)
	}

	rest := t.delayed[:0]
	for _, r := range t.delayed {
		if r.queue == name {
			continue
		}
		rest = append(rest, r)
	}
	t.delayed = rest
	return len(victims)
}

// QueueInFlight retorna quantas entregas da fila aguardam ACK.
func (t *AckTracker) QueueInFlight(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byQueue[name]
}

// Size retorna o total de entregas aguardando ACK.
func (t *AckTracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Acked retorna o total acumulado de ACKs aceitos.
func (t *AckTracker) Acked() int64 { return t.acked.Load() }

// Retries retorna o total acumulado de reentregas agendadas.
func (t *AckTracker) Retries() int64 { return t.retries.Load() }

// AverageLatencyMs retorna a EWMA da latência publish->ack em milissegundos.
func (t *AckTracker) AverageLatencyMs() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latencyMs
}

// backoff calcula min(initial * 2^(attempt-1), max).
func (t *AckTracker) backoff(attempt uint32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := t.cfg.InitialBackoff << shift
	if d <= 0 || d > t.cfg.MaxBackoff {
		return t.cfg.MaxBackoff
	}
	return d
}

func (t *AckTracker) removeLocked(e *inflightEntry) {
	delete(t.inflight, e.key)
	if set := t.bySub[e.key.subID]; set != nil {
		delete(set, e.key)
		if len(set) == 0 {
			delete(t.bySub, e.key.subID)
		}
	}
	if n := t.byQueue[e.queue]; n <= 1 {
		delete(t.byQueue, e.queue)
	} else {
		t.byQueue[e.queue] = n - 1
	}
}

func (t *AckTracker) observeLatencyLocked(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	if ms < 0 {
		ms = 0
	}
	if !t.latencySet {
		t.latencyMs = ms
		t.latencySet = true
		return
	}
	t.latencyMs = t.latencyMs*(1-latencyAlpha) + ms*latencyAlpha
}

func (t *AckTracker) queueOf(name string) *Queue {
	if t.mgr == nil {
		return nil
	}
	q, ok := t.mgr.Get(name)
	if !ok {
		return nil
	}
	return q
}

func (t *AckTracker) routeDeadLetter(e *inflightEntry, reason FailReason) {
	if q := t.queueOf(e.queue); q != nil {
		q.deadLetter(e.msg, reason, e.key.subID)
	}
}
