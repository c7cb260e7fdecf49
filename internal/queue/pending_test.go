// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

import (
	"testing"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
)

func prioMsg(id string, p protocol.Priority, createdAt time.Time) *Message {
	return &Message{ID: id, Priority: p, CreatedAt: createdAt}
}

func popAll(b *pendingBuffer) []string {
	var out []string
	for {
		m := b.pop()
		if m == nil {
			return out
		}
		out = append(out, m.ID)
	}
}

func TestPendingBuffer_FifoOrder(t *testing.T) {
	b := newPendingBuffer(RoundRobin)
	now := time.Now()
	b.push(prioMsg("a", protocol.PriorityLow, now))
	b.push(prioMsg("b", protocol.PriorityCritical, now)) // prioridade ignorada fora do modo priority
	b.push(prioMsg("c", protocol.PriorityNormal, now))

	got := popAll(b)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fifo order broken: got %v", got)
		}
	}
	if b.len() != 0 {
		t.Errorf("expected empty buffer, len=%d", b.len())
	}
}

func TestPendingBuffer_PriorityOrder(t *testing.T) {
	b := newPendingBuffer(PriorityBased)
	now := time.Now()
	b.push(prioMsg("low", protocol.PriorityLow, now))
	b.push(prioMsg("crit-1", protocol.PriorityCritical, now))
	b.push(prioMsg("norm", protocol.PriorityNormal, now))
	b.push(prioMsg("crit-2", protocol.PriorityCritical, now))
	b.push(prioMsg("high", protocol.PriorityHigh, now))

	got := popAll(b)
	want := []string{"crit-1", "crit-2", "high", "norm", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order: got %v, want %v", got, want)
		}
	}
}

func TestPendingBuffer_PushFront(t *testing.T) {
	b := newPendingBuffer(RoundRobin)
	now := time.Now()
	b.push(prioMsg("a", protocol.PriorityNormal, now))
	b.pushFront(prioMsg("retry", protocol.PriorityNormal, now))

	if m := b.peek(); m.ID != "retry" {
		t.Fatalf("pushFront should take the head, got %s", m.ID)
	}
}

func TestPendingBuffer_PushFrontKeepsPriorityLevel(t *testing.T) {
	b := newPendingBuffer(PriorityBased)
	now := time.Now()
	b.push(prioMsg("crit", protocol.PriorityCritical, now))
	b.push(prioMsg("norm", protocol.PriorityNormal, now))

	// Retry de prioridade normal volta à frente do seu nível, não do buffer.
	b.pushFront(prioMsg("norm-retry", protocol.PriorityNormal, now))

	got := popAll(b)
	want := []string{"crit", "norm-retry", "norm"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPendingBuffer_EvictOldestPriority(t *testing.T) {
	b := newPendingBuffer(PriorityBased)
	base := time.Now()
	b.push(prioMsg("crit-new", protocol.PriorityCritical, base.Add(2*time.Second)))
	b.push(prioMsg("low-old", protocol.PriorityLow, base))
	b.push(prioMsg("norm-mid", protocol.PriorityNormal, base.Add(time.Second)))

	if m := b.evictOldest(); m.ID != "low-old" {
		t.Fatalf("expected oldest by created_at, got %s", m.ID)
	}
	if b.len() != 2 {
		t.Errorf("expected len 2, got %d", b.len())
	}
}

func TestPendingBuffer_RemoveExpired(t *testing.T) {
	b := newPendingBuffer(RoundRobin)
	now := time.Now()

	fresh := prioMsg("fresh", protocol.PriorityNormal, now)
	fresh.ExpiresAt = now.Add(time.Hour)
	stale := prioMsg("stale", protocol.PriorityNormal, now)
	stale.ExpiresAt = now.Add(-time.Second)
	forever := prioMsg("forever", protocol.PriorityNormal, now) // sem TTL

	b.push(fresh)
	b.push(stale)
	b.push(forever)

	expired := b.removeExpired(now)
	if len(expired) != 1 || expired[0].ID != "stale" {
		t.Fatalf("expected only stale expired, got %+v", expired)
	}
	if b.len() != 2 {
		t.Errorf("expected 2 kept, got %d", b.len())
	}
}

func TestPendingBuffer_Drain(t *testing.T) {
	b := newPendingBuffer(PriorityBased)
	now := time.Now()
	b.push(prioMsg("low", protocol.PriorityLow, now))
	b.push(prioMsg("crit", protocol.PriorityCritical, now))

	out := b.drain()
	if len(out) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(out))
	}
	if b.len() != 0 || b.pop() != nil {
		t.Error("buffer should be empty after drain")
	}
}
