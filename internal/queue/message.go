// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package queue implementa o núcleo de roteamento do broker: filas nomeadas
// com políticas de entrega, buffer de pendentes com overflow e TTL, tracking
// de mensagens in-flight com retry e a dead-letter queue.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
)

// Erros do núcleo de filas.
var (
	ErrQueueNotFound     = errors.New("queue: not found")
	ErrQueueExists       = errors.New("queue: already exists")
	ErrQueueFull         = errors.New("queue: full")
	ErrShuttingDown      = errors.New("queue: shutting down")
	ErrDuplicateInFlight = errors.New("queue: message already in flight for subscription")
	ErrInvalidName       = errors.New("queue: invalid queue name")
	ErrNotSubscribed     = errors.New("queue: connection not subscribed")
)

// Message é o envelope interno de uma mensagem aceita pelo broker.
// Payload é opaco; CreatedAt é o timestamp de ingresso (base do TTL).
type Message struct {
	ID               string
	Queue            string
	Payload          []byte
	Headers          map[string]string
	Priority         protocol.Priority
	CreatedAt        time.Time
	ExpiresAt        time.Time // zero = sem TTL
	DeliveryAttempts uint32

	// lastSubID registra a última subscription que recebeu a mensagem,
	// para anti-afinidade best-effort em retries.
	lastSubID uint64
}

// Expired reporta se o TTL da mensagem venceu em now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// DeliveryMode define como mensagens pendentes são atribuídas a subscribers.
type DeliveryMode string

// Delivery modes.
const (
	RoundRobin    DeliveryMode = "round-robin"
	FanOutAck     DeliveryMode = "fanout-ack"
	FanOutNoAck   DeliveryMode = "fanout-noack"
	PriorityBased DeliveryMode = "priority"
)

// ParseDeliveryMode valida e normaliza um delivery mode vindo de config ou wire.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(strings.ToLower(strings.TrimSpace(s))) {
	case RoundRobin:
		return RoundRobin, nil
	case FanOutAck:
		return FanOutAck, nil
	case FanOutNoAck:
		return FanOutNoAck, nil
	case PriorityBased:
		return PriorityBased, nil
	}
	return "", fmt.Errorf("unknown delivery mode %q (valid: round-robin, fanout-ack, fanout-noack, priority)", s)
}

// fanOut reporta se o modo entrega cópias para todos os subscribers.
func (m DeliveryMode) fanOut() bool {
	return m == FanOutAck || m == FanOutNoAck
}

// OverflowStrategy define o que acontece quando um publish encontra a fila cheia.
type OverflowStrategy string

// Overflow strategies.
const (
	DropOldest     OverflowStrategy = "drop-oldest"
	DropNewest     OverflowStrategy = "drop-newest"
	BlockPublisher OverflowStrategy = "block"
	RedirectToDlq  OverflowStrategy = "redirect-dlq"
)

// ParseOverflowStrategy valida e normaliza uma overflow strategy.
func ParseOverflowStrategy(s string) (OverflowStrategy, error) {
	switch OverflowStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case DropOldest:
		return DropOldest, nil
	case DropNewest:
		return DropNewest, nil
	case BlockPublisher:
		return BlockPublisher, nil
	case RedirectToDlq:
		return RedirectToDlq, nil
	}
	return "", fmt.Errorf("unknown overflow strategy %q (valid: drop-oldest, drop-newest, block, redirect-dlq)", s)
}

// FailReason classifica por que uma mensagem terminou na DLQ.
type FailReason string

// Failure reasons.
const (
	ReasonMaxRetriesExceeded   FailReason = "MaxRetriesExceeded"
	ReasonTtlExpired           FailReason = "TtlExpired"
	ReasonDeserializationError FailReason = "DeserializationError"
	ReasonHandlerRejected      FailReason = "HandlerRejected"
	ReasonQueueOverflow        FailReason = "QueueOverflow"
)

// ParseFailReason valida um failure reason usado em filtros de ListDlq/ReplayDlq.
func ParseFailReason(s string) (FailReason, error) {
	switch FailReason(s) {
	case ReasonMaxRetriesExceeded, ReasonTtlExpired, ReasonDeserializationError,
		ReasonHandlerRejected, ReasonQueueOverflow:
		return FailReason(s), nil
	}
	return "", fmt.Errorf("unknown failure reason %q", s)
}

// Options são os parâmetros de criação de uma fila.
type Options struct {
	Mode       DeliveryMode
	MaxSize    int
	Overflow   OverflowStrategy
	TTL        time.Duration // 0 = sem TTL
	DlqEnabled bool
	MaxRetries int
}

// DefaultOptions são os defaults aplicados em filas auto-criadas.
func DefaultOptions() Options {
	return Options{
		Mode:       RoundRobin,
		MaxSize:    10000,
		Overflow:   DropOldest,
		TTL:        0,
		DlqEnabled: true,
		MaxRetries: 3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.MaxSize <= 0 {
		o.MaxSize = d.MaxSize
	}
	if o.Overflow == "" {
		o.Overflow = d.Overflow
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = d.MaxRetries
	}
	return o
}

const maxQueueNameLength = 255

// ValidateName valida que um nome de fila é seguro para uso como chave de
// diretório e em logs. Nomes vazios, com controle/whitespace ou path-like
// são rejeitados.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > maxQueueNameLength {
		return fmt.Errorf("%w: exceeds max length %d", ErrInvalidName, maxQueueNameLength)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if r <= 0x20 || r == 0x7F {
			return fmt.Errorf("%w: control or whitespace character", ErrInvalidName)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("%w: path separator", ErrInvalidName)
		}
	}
	return nil
}
