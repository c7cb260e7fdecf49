// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"sync"
	"time"
)

// idleWindowSweep é o número de janelas sem atividade após o qual a entrada
// de um IP é removida do limiter de conexões.
const idleWindowSweep = 10

// ipWindow é a janela corrente de um IP no limiter de conexões.
type ipWindow struct {
	count int
	idle  int // janelas consecutivas sem tentativas
}

// ConnLimiter é um rate limiter fixed-window por IP de origem para novas
// conexões. As janelas NÃO são resetadas lazily em Allow: o clock do broker
// chama Roll a cada virada de janela, o que mantém a semântica de janela
// fixa estrita e permite o sweep de IPs ociosos.
type ConnLimiter struct {
	mu        sync.Mutex
	enabled   bool
	max       int
	window    time.Duration
	nextRoll  time.Time
	perSource map[string]*ipWindow
}

// NewConnLimiter cria o limiter. max conexões por window por IP.
// enabled=false admite tudo.
func NewConnLimiter(enabled bool, max int, window time.Duration, now time.Time) *ConnLimiter {
	return &ConnLimiter{
		enabled:   enabled,
		max:       max,
		window:    window,
		nextRoll:  now.Add(window),
		perSource: make(map[string]*ipWindow),
	}
}

// Allow registra uma tentativa de conexão do IP e reporta se ela cabe na
// janela corrente.
func (l *ConnLimiter) Allow(ip string) bool {
	if !l.enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.perSource[ip]
	if w == nil {
		w = &ipWindow{}
		l.perSource[ip] = w
	}
	w.idle = 0
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Roll avança a janela quando o período venceu e remove IPs ociosos.
// Chamado pelo clock do broker a cada tick.
func (l *ConnLimiter) Roll(now time.Time) {
	if !l.enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.nextRoll) {
		return
	}
	// Ticks podem atrasar; realinha a próxima virada a partir de now.
	l.nextRoll = now.Add(l.window)

	for ip, w := range l.perSource {
		if w.count == 0 {
			w.idle++
			if w.idle >= idleWindowSweep {
				delete(l.perSource, ip)
			}
			continue
		}
		w.count = 0
	}
}

// Tracked retorna quantos IPs têm entrada viva no limiter.
func (l *ConnLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perSource)
}

// MessageWindow é o limiter fixed-window de frames Publish de uma conexão.
// Janela de 1 segundo, virada pelo clock do broker via Roll.
type MessageWindow struct {
	mu       sync.Mutex
	enabled  bool
	max      int
	count    int
	nextRoll time.Time
}

// NewMessageWindow cria o limiter de publish da conexão.
func NewMessageWindow(enabled bool, max int, now time.Time) *MessageWindow {
	return &MessageWindow{
		enabled:  enabled,
		max:      max,
		nextRoll: now.Add(time.Second),
	}
}

// Allow registra um Publish e reporta se ele cabe na janela corrente.
func (w *MessageWindow) Allow() bool {
	if !w.enabled {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count >= w.max {
		return false
	}
	w.count++
	return true
}

// Roll zera a janela quando o segundo venceu. Chamado pelo clock do broker.
func (w *MessageWindow) Roll(now time.Time) {
	if !w.enabled {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Before(w.nextRoll) {
		return
	}
	w.nextRoll = now.Add(time.Second)
	w.count = 0
}
