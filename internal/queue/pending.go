// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

import (
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
)

// pendingBuffer é o buffer de mensagens aguardando entrega de uma fila.
// Em modo priority mantém quatro níveis FIFO (Critical..Low); nos demais
// modos um único FIFO. Não é thread-safe: o lock da Queue serializa o acesso.
type pendingBuffer struct {
	priority bool
	fifo     []*Message
	levels   [4][]*Message // índice = protocol.Priority
	size     int
}

func newPendingBuffer(mode DeliveryMode) *pendingBuffer {
	return &pendingBuffer{priority: mode == PriorityBased}
}

func (b *pendingBuffer) len() int {
	return b.size
}

// push adiciona no fim da ordem de entrega (tail do nível, em modo priority).
func (b *pendingBuffer) push(m *Message) {
	if b.priority {
		b.levels[m.Priority] = append(b.levels[m.Priority], m)
	} else {
		b.fifo = append(b.fifo, m)
	}
	b.size++
}

// pushFront reinsere na cabeça da ordem de entrega. Retries preservam a
// prioridade original, não a ordem de chegada.
func (b *pendingBuffer) pushFront(m *Message) {
	if b.priority {
		b.levels[m.Priority] = append([]*Message{m}, b.levels[m.Priority]...)
	} else {
		b.fifo = append([]*Message{m}, b.fifo...)
	}
	b.size++
}

// pop remove e retorna a próxima mensagem na ordem de entrega:
// maior prioridade primeiro, FIFO dentro do nível.
func (b *pendingBuffer) pop() *Message {
	if b.size == 0 {
		return nil
	}
	if b.priority {
		for p := int(protocol.PriorityCritical); p >= 0; p-- {
			if len(b.levels[p]) > 0 {
				m := b.levels[p][0]
				b.levels[p] = b.levels[p][1:]
				b.size--
				return m
			}
		}
		return nil
	}
	m := b.fifo[0]
	b.fifo = b.fifo[1:]
	b.size--
	return m
}

// peek retorna a próxima mensagem sem remover.
func (b *pendingBuffer) peek() *Message {
	if b.size == 0 {
		return nil
	}
	if b.priority {
		for p := int(protocol.PriorityCritical); p >= 0; p-- {
			if len(b.levels[p]) > 0 {
				return b.levels[p][0]
			}
		}
		return nil
	}
	return b.fifo[0]
}

// evictOldest remove a mensagem mais antiga por CreatedAt (DropOldest).
// Em FIFO é a cabeça; em priority, a cabeça mais antiga entre os níveis.
func (b *pendingBuffer) evictOldest() *Message {
	if b.size == 0 {
		return nil
	}
	if !b.priority {
		return b.pop()
	}

	oldest := -1
	var oldestAt time.Time
	for p := 0; p < 4; p++ {
		if len(b.levels[p]) == 0 {
			continue
		}
		head := b.levels[p][0]
		if oldest == -1 || head.CreatedAt.Before(oldestAt) {
			oldest = p
			oldestAt = head.CreatedAt
		}
	}
	m := b.levels[oldest][0]
	b.levels[oldest] = b.levels[oldest][1:]
	b.size--
	return m
}

// removeExpired remove e retorna todas as mensagens com TTL vencido em now.
func (b *pendingBuffer) removeExpired(now time.Time) []*Message {
	var expired []*Message

	filter := func(msgs []*Message) []*Message {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Expired(now) {
				expired = append(expired, m)
			} else {
				kept = append(kept, m)
			}
		}
		return kept
	}

	if b.priority {
		for p := 0; p < 4; p++ {
			b.levels[p] = filter(b.levels[p])
		}
	} else {
		b.fifo = filter(b.fifo)
	}
	b.size -= len(expired)
	return expired
}

// drain remove e retorna todas as mensagens pendentes (delete da fila).
func (b *pendingBuffer) drain() []*Message {
	out := make([]*Message, 0, b.size)
	if b.priority {
		for p := int(protocol.PriorityCritical); p >= 0; p-- {
			out = append(out, b.levels[p]...)
			b.levels[p] = nil
		}
	} else {
		out = append(out, b.fifo...)
		b.fifo = nil
	}
	b.size = 0
	return out
}
