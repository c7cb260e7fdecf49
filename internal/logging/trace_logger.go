// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler é um slog.Handler que despacha cada registro para dois handlers.
// Usado pelo trace logger para gravar simultaneamente no handler global e no
// arquivo de log dedicado da conexão.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Verifica Enabled() de cada handler individualmente antes de despachar.
	// Isso garante que registros DEBUG não são enviados ao handler primário
	// quando este aceita apenas INFO (ou superior).
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Erros de escrita no arquivo de trace não devem impedir o log global.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewConnectionLogger cria um logger que grava tanto no logger base (global)
// quanto em um arquivo de trace dedicado à conexão. O arquivo é criado em:
//
//	{connLogDir}/{clientID}/{connID}.log
//
// Retorna o logger enriched, um io.Closer para fechar o arquivo de trace e o
// path absoluto do arquivo criado. O Closer DEVE ser chamado (defer) quando a
// conexão terminar.
//
// Se connLogDir for vazio, retorna o logger base sem modificações (no-op).
func NewConnectionLogger(baseLogger *slog.Logger, connLogDir, clientID, connID string) (*slog.Logger, io.Closer, string, error) {
	if connLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(connLogDir, sanitizePathComponent(clientID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating connection log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, connID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening connection log file %s: %w", logPath, err)
	}

	// Arquivo de trace sempre usa JSON com nível DEBUG para captura máxima.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan-out: despacha para o handler do logger base + handler do arquivo.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveConnectionLog remove o arquivo de trace de uma conexão encerrada
// normalmente. Traces de conexões com erro são mantidos para diagnóstico.
// É no-op se connLogDir for vazio ou o arquivo não existir.
func RemoveConnectionLog(connLogDir, clientID, connID string) {
	if connLogDir == "" {
		return
	}
	logPath := filepath.Join(connLogDir, sanitizePathComponent(clientID), connID+".log")
	os.Remove(logPath)
}

// sanitizePathComponent neutraliza client IDs que poderiam escapar do
// diretório de trace ("../", separadores, host:porta de remote addrs).
func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '/', '\\', ':', 0:
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	if out[0] == '.' {
		out[0] = '_'
	}
	return string(out)
}
