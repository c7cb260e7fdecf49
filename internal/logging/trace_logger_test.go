// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConnectionLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewConnectionLogger(base, "", "client", "conn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when connLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewConnectionLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewConnectionLogger(base, dir, "orders-worker", "conn-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verifica que o diretório do client foi criado
	clientDir := filepath.Join(dir, "orders-worker")
	if _, err := os.Stat(clientDir); os.IsNotExist(err) {
		t.Fatalf("client dir not created: %s", clientDir)
	}

	// Verifica que o path retornado está correto
	expectedPath := filepath.Join(clientDir, "conn-abc.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	// Escreve um log
	logger.Info("test message", "key", "value")

	// Fecha o arquivo de trace para garantir flush
	closer.Close()

	// Verifica que o log aparece no buffer do handler base
	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	// Verifica que o log aparece no arquivo de trace
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading trace log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in trace file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in trace file: %s", content)
	}
}

func TestNewConnectionLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	// Base logger com nível INFO — não aceita DEBUG
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewConnectionLogger(base, dir, "client", "conn-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Escreve log DEBUG
	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	// DEBUG NÃO deve aparecer no handler base (filtrado por nível INFO)
	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	// INFO DEVE aparecer no handler base
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	// Ambos DEVEM aparecer no arquivo de trace (nível DEBUG)
	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from trace file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from trace file: %s", content)
	}
}

func TestNewConnectionLogger_SanitizesClientID(t *testing.T) {
	dir := t.TempDir()
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Remote addrs usados como client ID contêm ':'; path traversal usa '/'.
	_, closer, logPath, err := NewConnectionLogger(base, dir, "127.0.0.1:54321", "conn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	closer.Close()

	if strings.Contains(filepath.Base(filepath.Dir(logPath)), ":") {
		t.Errorf("client dir should not contain ':': %s", logPath)
	}
	if !strings.HasPrefix(logPath, dir) {
		t.Errorf("trace file escaped the log dir: %s", logPath)
	}

	_, closer2, logPath2, err := NewConnectionLogger(base, dir, "../evil", "conn-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	closer2.Close()
	if !strings.HasPrefix(logPath2, dir) {
		t.Errorf("trace file escaped the log dir: %s", logPath2)
	}
}

func TestRemoveConnectionLog(t *testing.T) {
	dir := t.TempDir()
	clientDir := filepath.Join(dir, "client")
	os.MkdirAll(clientDir, 0755)

	logPath := filepath.Join(clientDir, "conn-to-remove.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	// Verifica que o arquivo existe
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemoveConnectionLog(dir, "client", "conn-to-remove")

	// Verifica que o arquivo foi removido
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("trace log file should have been removed")
	}
}

func TestRemoveConnectionLog_NoOpWhenEmpty(t *testing.T) {
	// Não deve panic ou erro quando connLogDir é vazio
	RemoveConnectionLog("", "client", "conn")
}

func TestRemoveConnectionLog_NoOpWhenFileMissing(t *testing.T) {
	// Não deve panic ou erro quando o arquivo não existe
	RemoveConnectionLog(t.TempDir(), "client", "nonexistent-conn")
}

func TestNewConnectionLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewConnectionLogger(base, dir, "client", "conn-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Adiciona attrs (como a connection faz com logger.With("conn", connID))
	enriched := logger.With("conn", "conn-attrs", "remote", "127.0.0.1:9999")
	enriched.Info("enriched message")

	closer.Close()

	// Verifica que os attrs aparecem em ambos
	if !strings.Contains(baseBuf.String(), "conn-attrs") {
		t.Error("conn attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "conn-attrs") {
		t.Errorf("conn attr missing from trace file: %s", content)
	}
	if !strings.Contains(content, "127.0.0.1") {
		t.Errorf("remote attr missing from trace file: %s", content)
	}
}
