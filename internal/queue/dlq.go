// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDlqCapacity é a capacidade default da dead-letter queue do broker.
const DefaultDlqCapacity = 10000

// DeadLetterRecord é uma mensagem que falhou terminalmente, com o motivo.
type DeadLetterRecord struct {
	Message        *Message
	Queue          string
	Reason         FailReason
	SubscriptionID uint64 // 0 quando a falha não está ligada a um subscriber
	FailedAt       time.Time
}

// DlqFilter restringe List/Replay/Purge. Campos zero não filtram.
type DlqFilter struct {
	Queue  string
	Reason FailReason
	Limit  int
}

func (f DlqFilter) matches(r *DeadLetterRecord) bool {
	if f.Queue != "" && r.Queue != f.Queue {
		return false
	}
	if f.Reason != "" && r.Reason != f.Reason {
		return false
	}
	return true
}

// DeadLetterRing é o buffer circular bounded de dead letters do broker.
// Quando cheio, a entrada mais antiga é descartada (contador) e entregue ao
// hook de evict, se configurado (ex.: archiver).
type DeadLetterRing struct {
	mu       sync.RWMutex
	records  []*DeadLetterRecord // ordem de chegada; head = mais antigo
	capacity int

	total   atomic.Int64 // total de pushes desde o start
	evicted atomic.Int64

	onEvict func(*DeadLetterRecord)
}

// NewDeadLetterRing cria um ring com a capacidade dada (<=0 usa o default).
func NewDeadLetterRing(capacity int) *DeadLetterRing {
	if capacity <= 0 {
		capacity = DefaultDlqCapacity
	}
	return &DeadLetterRing{capacity: capacity}
}

// OnEvict registra um hook chamado (fora do lock) para cada registro
// descartado por overflow ou retention. Deve ser definido antes do uso.
func (d *DeadLetterRing) OnEvict(fn func(*DeadLetterRecord)) {
	d.mu.Lock()
	d.onEvict = fn
	d.mu.Unlock()
}

// Push adiciona um registro, descartando o mais antigo quando cheio.
func (d *DeadLetterRing) Push(rec *DeadLetterRecord) {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}

	var evicted *DeadLetterRecord
	d.mu.Lock()
	if len(d.records) >= d.capacity {
		evicted = d.records[0]
		d.records = d.records[1:]
	}
	d.records = append(d.records, rec)
	hook := d.onEvict
	d.mu.Unlock()

	d.total.Add(1)
	if evicted != nil {
		d.evicted.Add(1)
		if hook != nil {
			hook(evicted)
		}
	}
}

// List retorna snapshots dos registros que casam com o filtro, do mais
// antigo para o mais recente. Limit <= 0 retorna todos.
func (d *DeadLetterRing) List(f DlqFilter) []*DeadLetterRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*DeadLetterRecord, 0, 16)
	for _, r := range d.records {
		if !f.matches(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// RemoveMatching remove e retorna os registros que casam com o filtro.
// Usado pelo replay: registros que falham ao republicar voltam via Push.
func (d *DeadLetterRing) RemoveMatching(f DlqFilter) []*DeadLetterRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	var taken []*DeadLetterRecord
	kept := d.records[:0]
	for _, r := range d.records {
		if f.matches(r) && (f.Limit <= 0 || len(taken) < f.Limit) {
			taken = append(taken, r)
		} else {
			kept = append(kept, r)
		}
	}
	d.records = kept
	return taken
}

// PurgeOlderThan remove registros com FailedAt anterior a cutoff,
// entregando cada um ao hook de evict. Retorna quantos foram removidos.
func (d *DeadLetterRing) PurgeOlderThan(cutoff time.Time) int {
	d.mu.Lock()
	var purged []*DeadLetterRecord
	kept := d.records[:0]
	for _, r := range d.records {
		if r.FailedAt.Before(cutoff) {
			purged = append(purged, r)
		} else {
			kept = append(kept, r)
		}
	}
	d.records = kept
	hook := d.onEvict
	d.mu.Unlock()

	if hook != nil {
		for _, r := range purged {
			hook(r)
		}
	}
	d.evicted.Add(int64(len(purged)))
	return len(purged)
}

// Size retorna o número de registros retidos.
func (d *DeadLetterRing) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Capacity retorna a capacidade configurada.
func (d *DeadLetterRing) Capacity() int {
	return d.capacity
}

// Total retorna o total de registros já empurrados.
func (d *DeadLetterRing) Total() int64 {
	return d.total.Load()
}

// Evicted retorna quantos registros foram descartados por overflow/retention.
func (d *DeadLetterRing) Evicted() int64 {
	return d.evicted.Load()
}
