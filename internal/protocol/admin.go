// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "time"

// DTOs dos payloads JSON das respostas administrativas (ListDlq, ReplayDlq).
// QueueInfo e ListQueues usam queue.Info diretamente; estes tipos vivem aqui
// porque broker e client compartilham o formato mas não os tipos internos
// do queue core.

// DeadLetterEntry é a forma wire de um dead letter em respostas ListDlq.
// Payload vai como base64 (encoding default de []byte no encoding/json).
type DeadLetterEntry struct {
	ID               string            `json:"id"`
	Queue            string            `json:"queue"`
	Reason           string            `json:"reason"`
	SubscriptionID   uint64            `json:"subscription_id,omitempty"`
	FailedAt         time.Time         `json:"failed_at"`
	DeliveryAttempts uint32            `json:"delivery_attempts"`
	Priority         string            `json:"priority"`
	Headers          map[string]string `json:"headers,omitempty"`
	Payload          []byte            `json:"payload"`
}

// ReplayResult é a forma wire da resposta de ReplayDlq.
type ReplayResult struct {
	Replayed int `json:"replayed"`
}
