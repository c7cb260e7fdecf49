// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário VibeMQ: frames
// length-prefixed sobre TCP e a codificação das mensagens de comando
// trocadas entre clients e o broker.
package protocol

import "errors"

// SchemaVersion é a versão atual do schema de mensagens.
const SchemaVersion byte = 1

// DefaultMaxMessageSize é o tamanho máximo default de um frame (1 MiB).
const DefaultMaxMessageSize = 1 * 1024 * 1024

// Command identifica o tipo de uma mensagem do protocolo.
type Command byte

// Command codes.
const (
	CmdConnect        Command = 0x01
	CmdConnectAck     Command = 0x02
	CmdDisconnect     Command = 0x03
	CmdPing           Command = 0x04
	CmdPong           Command = 0x05
	CmdPublish        Command = 0x10
	CmdPublishAck     Command = 0x11
	CmdSubscribe      Command = 0x12
	CmdSubscribeAck   Command = 0x13
	CmdUnsubscribe    Command = 0x14
	CmdUnsubscribeAck Command = 0x15
	CmdDeliver        Command = 0x16
	CmdAck            Command = 0x17
	CmdCreateQueue    Command = 0x20
	CmdDeleteQueue    Command = 0x21
	CmdQueueInfo      Command = 0x22
	CmdListQueues     Command = 0x23
	CmdListDlq        Command = 0x24
	CmdReplayDlq      Command = 0x25
	CmdError          Command = 0xFF
)

var commandNames = map[Command]string{
	CmdConnect:        "CONNECT",
	CmdConnectAck:     "CONNECT_ACK",
	CmdDisconnect:     "DISCONNECT",
	CmdPing:           "PING",
	CmdPong:           "PONG",
	CmdPublish:        "PUBLISH",
	CmdPublishAck:     "PUBLISH_ACK",
	CmdSubscribe:      "SUBSCRIBE",
	CmdSubscribeAck:   "SUBSCRIBE_ACK",
	CmdUnsubscribe:    "UNSUBSCRIBE",
	CmdUnsubscribeAck: "UNSUBSCRIBE_ACK",
	CmdDeliver:        "DELIVER",
	CmdAck:            "ACK",
	CmdCreateQueue:    "CREATE_QUEUE",
	CmdDeleteQueue:    "DELETE_QUEUE",
	CmdQueueInfo:      "QUEUE_INFO",
	CmdListQueues:     "LIST_QUEUES",
	CmdListDlq:        "LIST_DLQ",
	CmdReplayDlq:      "REPLAY_DLQ",
	CmdError:          "ERROR",
}

// String retorna o nome do comando para logs.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reporta se o código é um comando conhecido.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// Priority é a prioridade de entrega de uma mensagem publicada.
type Priority uint8

// Priorities, em ordem crescente de precedência.
const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String retorna o nome da prioridade.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// Valid reporta se o valor é uma prioridade conhecida.
func (p Priority) Valid() bool {
	return p <= PriorityCritical
}

// Error codes transportados em frames Error (campo errorCode).
const (
	CodeAuthFailed    = "AUTH_FAILED"
	CodeInvalidMsg    = "INVALID_MESSAGE"
	CodeQueueNotFound = "QUEUE_NOT_FOUND"
	CodeQueueExists   = "QUEUE_EXISTS"
	CodeQueueFull     = "QUEUE_FULL"
	CodeRateLimited   = "RATE_LIMITED"
	CodeTimeout       = "TIMEOUT"
	CodeServerError   = "SERVER_ERROR"
	CodeShuttingDown  = "SHUTTING_DOWN"
)

// Header keys com significado no protocolo.
const (
	HeaderToken            = "token"
	HeaderClientID         = "client-id"
	HeaderConnectionID     = "connection-id"
	HeaderSubscriptionID   = "subscription-id"
	HeaderMessageID        = "message-id"
	HeaderDeliveryAttempts = "delivery-attempts"
	HeaderPublishedAt      = "published-at"
	HeaderContentEncoding  = "content-encoding"
	HeaderReason           = "reason"
	HeaderLimit            = "limit"
	HeaderTargetQueue      = "target-queue"

	// Opções de CreateQueue.
	HeaderQueueMode       = "mode"
	HeaderQueueMaxSize    = "max-size"
	HeaderQueueOverflow   = "overflow"
	HeaderQueueTTL        = "ttl"
	HeaderQueueDlqEnabled = "dlq-enabled"
	HeaderQueueMaxRetries = "max-retries"
)

// Erros do protocolo.
var (
	ErrFrameTooLarge      = errors.New("protocol: frame exceeds max message size")
	ErrEmptyFrame         = errors.New("protocol: empty frame")
	ErrInvalidMessage     = errors.New("protocol: invalid message encoding")
	ErrUnsupportedVersion = errors.New("protocol: unsupported schema version")
)

// Message é o envelope de todas as mensagens do protocolo.
// Payload é opaco para o broker; headers transportam metadados por comando.
type Message struct {
	Version          byte
	Command          Command
	ID               string
	Queue            string
	ErrorCode        string
	ErrorMessage     string
	Priority         Priority
	DeliveryAttempts uint32
	ExpiresAt        int64 // UnixNano; 0 = sem TTL
	Headers          map[string]string
	Payload          []byte
}

// NewMessage cria uma mensagem do comando dado com a versão atual do schema.
func NewMessage(cmd Command) *Message {
	return &Message{
		Version:  SchemaVersion,
		Command:  cmd,
		Priority: PriorityNormal,
	}
}

// NewError cria um frame Error correlacionado ao id dado.
func NewError(id, code, message string) *Message {
	m := NewMessage(CmdError)
	m.ID = id
	m.ErrorCode = code
	m.ErrorMessage = message
	return m
}

// Header retorna o valor do header ou "" quando ausente.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader define um header, alocando o map sob demanda.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string, 4)
	}
	m.Headers[key] = value
}
