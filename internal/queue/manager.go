// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ManagerConfig parametriza o diretório de filas.
type ManagerConfig struct {
	Defaults    Options // base para filas auto-criadas e campos omitidos
	AutoCreate  bool    // publish/subscribe em fila inexistente cria com defaults
	DlqCapacity int
	Tracker     TrackerConfig
	OnEvent     EventFn
}

// Manager é o diretório de filas do broker. Criação e remoção são
// serializadas; o caminho quente (publish/lookup) usa apenas o RLock.
type Manager struct {
	defaults   Options
	autoCreate bool

	mu     sync.RWMutex
	queues map[string]*Queue

	nextSubID atomic.Uint64
	tracker   *AckTracker
	dlq       *DeadLetterRing
	emit      EventFn
}

// NewManager monta o diretório, a DLQ global e o ack tracker.
func NewManager(cfg ManagerConfig) *Manager {
	emit := cfg.OnEvent
	if emit == nil {
		emit = func(Event) {}
	}
	m := &Manager{
		defaults:   cfg.Defaults.withDefaults(),
		autoCreate: cfg.AutoCreate,
		queues:     make(map[string]*Queue),
		tracker:    newAckTracker(cfg.Tracker),
		dlq:        NewDeadLetterRing(cfg.DlqCapacity),
		emit:       emit,
	}
	m.tracker.mgr = m
	return m
}

// Defaults retorna as opções base aplicadas a filas auto-criadas.
func (m *Manager) Defaults() Options { return m.defaults }

// Tracker expõe o ack tracker (ACKs chegam pela camada de conexão).
func (m *Manager) Tracker() *AckTracker { return m.tracker }

// Dlq expõe o ring de dead-letters.
func (m *Manager) Dlq() *DeadLetterRing { return m.dlq }

// Get retorna a fila pelo nome.
func (m *Manager) Get(name string) (*Queue, bool) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	return q, ok
}

// Create cria uma fila com as opções dadas (campos zero herdam dos defaults
// do manager). Retorna ErrQueueExists se o nome já está em uso.
func (m *Manager) Create(name string, opts Options) (*Queue, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	opts = m.resolve(opts)

	m.mu.Lock()
	if _, exists := m.queues[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	q := newQueue(name, opts, m.tracker, m.dlq, m.emit)
	m.queues[name] = q
	m.mu.Unlock()

	m.emit(Event{Level: "info", Type: EventQueueCreated, Queue: name,
		Message: fmt.Sprintf("queue created (mode=%s, maxSize=%d, overflow=%s)", opts.Mode, opts.MaxSize, opts.Overflow)})
	return q, nil
}

// Ensure retorna a fila existente ou cria uma nova com os defaults.
func (m *Manager) Ensure(name string) (*Queue, error) {
	if q, ok := m.Get(name); ok {
		return q, nil
	}
	q, err := m.Create(name, m.defaults)
	if err == nil {
		return q, nil
	}
	// Corrida entre dois Ensure: o perdedor usa a fila do vencedor.
	if q, ok := m.Get(name); ok {
		return q, nil
	}
	return nil, err
}

// Delete remove a fila: pendentes são descartadas, in-flight liberadas e
// subscribers notificados. Retorna o número de mensagens descartadas.
func (m *Manager) Delete(name, reason string) (int, error) {
	m.mu.Lock()
	q, ok := m.queues[name]
	if ok {
		delete(m.queues, name)
	}
	m.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	dropped := q.close(reason)
	m.tracker.ReleaseQueue(name)
	m.emit(Event{Level: "info", Type: EventQueueDeleted, Queue: name,
		Message: fmt.Sprintf("queue deleted (%s), %d pending dropped", reason, len(dropped))})
	return len(dropped), nil
}

// Publish roteia uma mensagem para a fila. Com autoCreate desligado, fila
// inexistente é ErrQueueNotFound. CreatedAt e ExpiresAt (TTL default da fila)
// são carimbados aqui.
func (m *Manager) Publish(ctx context.Context, queueName string, msg *Message) error {
	q, err := m.lookup(queueName)
	if err != nil {
		return err
	}

	now := time.Now()
	msg.Queue = queueName
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.ExpiresAt.IsZero() && q.TTL() > 0 {
		msg.ExpiresAt = now.Add(q.TTL())
	}
	return q.Publish(ctx, msg)
}

// Subscribe cria uma subscription e a registra na fila. A idempotência por
// conexão (mesma fila duas vezes devolve a mesma subscription) fica na camada
// de conexão, que conhece o seu próprio conjunto.
func (m *Manager) Subscribe(queueName string, sink Sink) (*Subscription, error) {
	q, err := m.lookup(queueName)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:    m.nextSubID.Add(1),
		queue: queueName,
		sink:  sink,
	}
	q.AddSubscriber(sub)
	return sub, nil
}

// Unsubscribe remove a subscription e devolve as entregas in-flight dela para
// a cabeça do buffer (modos single).
func (m *Manager) Unsubscribe(sub *Subscription) bool {
	q, ok := m.Get(sub.queue)
	if !ok {
		return false
	}
	removed := q.RemoveSubscriber(sub.id)
	m.tracker.SubscriberGone(sub.id, time.Now())
	if removed {
		q.Dispatch(time.Now())
	}
	return removed
}

// List retorna snapshots de todas as filas, ordenados por nome.
func (m *Manager) List() []Info {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(queues))
	for _, q := range queues {
		infos = append(infos, q.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// InfoOf retorna o snapshot de uma fila.
func (m *Manager) InfoOf(name string) (Info, bool) {
	q, ok := m.Get(name)
	if !ok {
		return Info{}, false
	}
	return q.Info(), true
}

// Count retorna o número de filas ativas.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}

// Tick executa a passada periódica do core: expira TTLs, tenta entregar
// pendentes represadas (outbound drenado, subscriber novo) e varre deadlines
// de ACK e reentregas agendadas.
func (m *Manager) Tick(now time.Time) {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	for _, q := range queues {
		q.ExpireTTL(now)
		q.Dispatch(now)
	}
	m.tracker.Sweep(now)
}

// ReplayDlq move registros da DLQ de volta para uma fila como mensagens
// novas: mesmo id, payload, headers e prioridade, attempts zerados e TTL
// recalculado pela fila de destino. target vazio devolve cada registro à sua
// fila de origem. Registros cujo publish falhar voltam para a DLQ.
func (m *Manager) ReplayDlq(ctx context.Context, f DlqFilter, target string) (int, error) {
	if target != "" {
		if _, err := m.lookup(target); err != nil {
			return 0, err
		}
	}

	records := m.dlq.RemoveMatching(f)
	replayed := 0
	var firstErr error

	for _, rec := range records {
		dest := target
		if dest == "" {
			dest = rec.Queue
		}

		msg := &Message{
			ID:       rec.Message.ID,
			Payload:  rec.Message.Payload,
			Headers:  rec.Message.Headers,
			Priority: rec.Message.Priority,
		}
		if err := m.Publish(ctx, dest, msg); err != nil {
			m.dlq.Push(rec)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		replayed++
	}

	if replayed > 0 {
		m.emit(Event{Level: "info", Type: EventDlqReplayed, Queue: target,
			Message: fmt.Sprintf("%d dead-letter(s) replayed", replayed)})
	}
	return replayed, firstErr
}

// Totals agrega os contadores de todas as filas para o snapshot de métricas.
func (m *Manager) Totals() Totals {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	var t Totals
	for _, q := range queues {
		t.Published += q.published.Load()
		t.Delivered += q.delivered.Load()
		t.DroppedOverflow += q.droppedOverflow.Load()
		t.DroppedTTL += q.droppedTTL.Load()
		t.DroppedRetries += q.droppedRetries.Load()
		t.DeadLettered += q.deadLettered.Load()
	}
	return t
}

// Totals são os contadores agregados do core.
type Totals struct {
	Published       int64
	Delivered       int64
	DroppedOverflow int64
	DroppedTTL      int64
	DroppedRetries  int64
	DeadLettered    int64
}

// Close fecha todas as filas (shutdown do broker).
func (m *Manager) Close(reason string) {
	m.mu.Lock()
	queues := m.queues
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()

	for name, q := range queues {
		q.close(reason)
		m.tracker.ReleaseQueue(name)
	}
}

func (m *Manager) lookup(name string) (*Queue, error) {
	if q, ok := m.Get(name); ok {
		return q, nil
	}
	if m.autoCreate {
		return m.Ensure(name)
	}
	return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
}

func (m *Manager) resolve(opts Options) Options {
	if opts.Mode == "" {
		opts.Mode = m.defaults.Mode
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = m.defaults.MaxSize
	}
	if opts.Overflow == "" {
		opts.Overflow = m.defaults.Overflow
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = m.defaults.MaxRetries
	}
	return opts
}
