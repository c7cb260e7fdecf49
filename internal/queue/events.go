// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

// EventType classifica eventos operacionais emitidos pelo manager e pelas filas.
type EventType string

// Tipos de evento expostos na API de observabilidade.
const (
	EventQueueCreated   EventType = "QUEUE_CREATED"
	EventQueueDeleted   EventType = "QUEUE_DELETED"
	EventMessageDropped EventType = "MESSAGE_DROPPED"
	EventDeadLettered   EventType = "DEAD_LETTERED"
	EventDlqReplayed    EventType = "DLQ_REPLAYED"
	EventRetryExhausted EventType = "RETRY_EXHAUSTED"
)

// Event é um evento operacional. Os consumidores (ring de eventos, logs)
// nunca bloqueiam o caminho de entrega.
type Event struct {
	Level   string
	Type    EventType
	Queue   string
	Message string
}

// EventFn recebe eventos do core. Implementações devem retornar rápido;
// o fan-out para sinks lentos é responsabilidade de quem registra o callback.
type EventFn func(Event)
