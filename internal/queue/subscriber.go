// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

// Sink é o destino das entregas de uma subscription — implementado pela
// conexão do broker. Deliver NÃO pode bloquear: enfileira o frame no
// outbound da conexão e retorna false quando não há espaço ou a conexão
// está fechando (a mensagem segue o ciclo de retry normal).
type Sink interface {
	// ID identifica a conexão dona da subscription.
	ID() string

	// Deliver enfileira uma entrega. attempt é o número desta tentativa (1 = inicial).
	Deliver(sub *Subscription, msg *Message, attempt uint32) bool

	// Saturated reporta se o outbound da conexão passou do threshold.
	// Subscribers saturados são pulados por uma rodada no round-robin.
	Saturated() bool

	// QueueDeleted notifica que a fila da subscription foi removida.
	QueueDeleted(sub *Subscription, reason string)
}

// Subscription é o vínculo entre uma conexão e uma fila.
// IDs são monotônicos por broker run; re-subscribe é idempotente e devolve
// a subscription existente.
type Subscription struct {
	id    uint64
	queue string
	sink  Sink
}

// ID retorna o id monotônico da subscription.
func (s *Subscription) ID() uint64 { return s.id }

// Queue retorna o nome da fila.
func (s *Subscription) Queue() string { return s.queue }

// ConnectionID retorna o id da conexão dona.
func (s *Subscription) ConnectionID() string { return s.sink.ID() }
