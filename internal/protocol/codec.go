// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Layout do corpo de um frame (todos os inteiros big-endian):
//
//	[Version 1B] [Command 1B]
//	[ID str16] [Queue str16] [ErrorCode str16] [ErrorMessage str16]
//	[Priority 1B] [DeliveryAttempts uint32 4B] [ExpiresAt int64 8B]
//	[HeaderCount uint16 2B] ([Key str16] [Value str16])...
//	[Payload bytes32]
//
// str16 = [Length uint16 2B] [bytes]; bytes32 = [Length uint32 4B] [bytes].
// Length 0 representa string/payload vazio.

const (
	maxStringLen = 1<<16 - 1
	maxHeaders   = 1<<16 - 1
)

// EncodeMessage serializa a mensagem no formato wire.
func EncodeMessage(m *Message) ([]byte, error) {
	if len(m.ID) > maxStringLen || len(m.Queue) > maxStringLen ||
		len(m.ErrorCode) > maxStringLen || len(m.ErrorMessage) > maxStringLen {
		return nil, fmt.Errorf("%w: string field exceeds %d bytes", ErrInvalidMessage, maxStringLen)
	}
	if len(m.Headers) > maxHeaders {
		return nil, fmt.Errorf("%w: too many headers (%d)", ErrInvalidMessage, len(m.Headers))
	}

	size := 1 + 1 // version + command
	size += 2 + len(m.ID)
	size += 2 + len(m.Queue)
	size += 2 + len(m.ErrorCode)
	size += 2 + len(m.ErrorMessage)
	size += 1 + 4 + 8 // priority + attempts + expiresAt
	size += 2         // header count
	for k, v := range m.Headers {
		if len(k) > maxStringLen || len(v) > maxStringLen {
			return nil, fmt.Errorf("%w: header exceeds %d bytes", ErrInvalidMessage, maxStringLen)
		}
		size += 2 + len(k) + 2 + len(v)
	}
	size += 4 + len(m.Payload)

	buf := make([]byte, size)
	off := 0

	buf[off] = m.Version
	off++
	buf[off] = byte(m.Command)
	off++

	off = putString16(buf, off, m.ID)
	off = putString16(buf, off, m.Queue)
	off = putString16(buf, off, m.ErrorCode)
	off = putString16(buf, off, m.ErrorMessage)

	buf[off] = byte(m.Priority)
	off++
	binary.BigEndian.PutUint32(buf[off:], m.DeliveryAttempts)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(m.ExpiresAt))
	off += 8

	binary.BigEndian.PutUint16(buf[off:], uint16(len(m.Headers)))
	off += 2
	// Ordena as chaves para encoding determinístico (round-trip estável em testes).
	if len(m.Headers) > 0 {
		keys := make([]string, 0, len(m.Headers))
		for k := range m.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			off = putString16(buf, off, k)
			off = putString16(buf, off, m.Headers[k])
		}
	}

	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Payload)))
	off += 4
	copy(buf[off:], m.Payload)

	return buf, nil
}

// DecodeMessage desserializa o corpo de um frame.
// Rejeita versões de schema desconhecidas e truncamentos em qualquer campo.
func DecodeMessage(body []byte) (*Message, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: body too short (%d bytes)", ErrInvalidMessage, len(body))
	}

	m := &Message{}
	off := 0

	m.Version = body[off]
	off++
	if m.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, m.Version, SchemaVersion)
	}

	m.Command = Command(body[off])
	off++
	if !m.Command.Valid() {
		return nil, fmt.Errorf("%w: unknown command 0x%02x", ErrInvalidMessage, byte(m.Command))
	}

	var err error
	if m.ID, off, err = getString16(body, off, "id"); err != nil {
		return nil, err
	}
	if m.Queue, off, err = getString16(body, off, "queue"); err != nil {
		return nil, err
	}
	if m.ErrorCode, off, err = getString16(body, off, "errorCode"); err != nil {
		return nil, err
	}
	if m.ErrorMessage, off, err = getString16(body, off, "errorMessage"); err != nil {
		return nil, err
	}

	if off+13 > len(body) {
		return nil, fmt.Errorf("%w: truncated fixed fields", ErrInvalidMessage)
	}
	m.Priority = Priority(body[off])
	off++
	if !m.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %d", ErrInvalidMessage, body[off-1])
	}
	m.DeliveryAttempts = binary.BigEndian.Uint32(body[off:])
	off += 4
	m.ExpiresAt = int64(binary.BigEndian.Uint64(body[off:]))
	off += 8

	if off+2 > len(body) {
		return nil, fmt.Errorf("%w: truncated header count", ErrInvalidMessage)
	}
	count := int(binary.BigEndian.Uint16(body[off:]))
	off += 2
	if count > 0 {
		m.Headers = make(map[string]string, count)
		for i := 0; i < count; i++ {
			var k, v string
			if k, off, err = getString16(body, off, "header key"); err != nil {
				return nil, err
			}
			if v, off, err = getString16(body, off, "header value"); err != nil {
				return nil, err
			}
			m.Headers[k] = v
		}
	}

	if off+4 > len(body) {
		return nil, fmt.Errorf("%w: truncated payload length", ErrInvalidMessage)
	}
	plen := int(binary.BigEndian.Uint32(body[off:]))
	off += 4
	if off+plen > len(body) {
		return nil, fmt.Errorf("%w: truncated payload (want %d bytes, have %d)", ErrInvalidMessage, plen, len(body)-off)
	}
	if plen > 0 {
		m.Payload = make([]byte, plen)
		copy(m.Payload, body[off:off+plen])
	}
	off += plen

	if off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidMessage, len(body)-off)
	}

	return m, nil
}

func putString16(buf []byte, off int, s string) int {
	binary.BigEndian.PutUint16(buf[off:], uint16(len(s)))
	off += 2
	copy(buf[off:], s)
	return off + len(s)
}

func getString16(body []byte, off int, field string) (string, int, error) {
	if off+2 > len(body) {
		return "", 0, fmt.Errorf("%w: truncated %s length", ErrInvalidMessage, field)
	}
	n := int(binary.BigEndian.Uint16(body[off:]))
	off += 2
	if off+n > len(body) {
		return "", 0, fmt.Errorf("%w: truncated %s (want %d bytes, have %d)", ErrInvalidMessage, field, n, len(body)-off)
	}
	return string(body[off : off+n]), off + n, nil
}
