// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/Bobsans/VibeMQ-sub000/internal/config"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// archiveFlushTimeout limita cada upload de batch.
const archiveFlushTimeout = 30 * time.Second

// uploader é o subconjunto do client S3 usado pelo archiver. Testes injetam
// um fake aqui; produção usa *s3.Client.
type uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver envia dead letters descartadas (eviction do ring ou retenção do
// janitor) para um bucket S3 como JSONL comprimido. O buffer é bounded com
// drop-oldest: arquivar nunca pressiona a memória do broker. Uploads que
// falham voltam para o buffer e são retentados no próximo flush.
type Archiver struct {
	cfg    config.ArchiveConfig
	logger *slog.Logger
	client uploader
	zenc   *zstd.Encoder // nil quando compression=gzip

	mu  sync.Mutex
	buf []*queue.DeadLetterRecord

	flushMu sync.Mutex // serializa flushes do ticker e do janitor

	dropped  atomic.Int64
	uploads  atomic.Int64
	failures atomic.Int64

	started  atomic.Bool
	stopOnce sync.Once
	close    chan struct{}
	done     chan struct{}
}

// NewArchiver monta o archiver com um client S3 real. Credenciais estáticas
// da config têm precedência; vazias caem na default chain do SDK. Endpoint
// não-vazio aponta para storage S3-compatível (path-style).
func NewArchiver(cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newArchiverWithUploader(cfg, logger, client)
}

// newArchiverWithUploader é o construtor interno compartilhado com os testes.
func newArchiverWithUploader(cfg config.ArchiveConfig, logger *slog.Logger, client uploader) (*Archiver, error) {
	a := &Archiver{
		cfg:    cfg,
		logger: logger.With("component", "archiver"),
		client: client,
		close:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.Compression == "zstd" {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		a.zenc = enc
	}
	return a, nil
}

// Offer enfileira um dead letter para arquivamento. Chamado pelo hook de
// evict da DLQ, dentro do caminho de entrega: nunca bloqueia. Buffer cheio
// descarta o mais antigo.
func (a *Archiver) Offer(rec *queue.DeadLetterRecord) {
	a.mu.Lock()
	if len(a.buf) >= a.cfg.BufferSize {
		a.buf = a.buf[1:]
		a.dropped.Add(1)
	}
	a.buf = append(a.buf, rec)
	a.mu.Unlock()
}

// Start sobe o flush periódico.
func (a *Archiver) Start() {
	a.started.Store(true)
	go a.loop()
	a.logger.Info("dlq archiver started",
		"bucket", a.cfg.Bucket, "prefix", a.cfg.Prefix,
		"compression", a.cfg.Compression, "flushInterval", a.cfg.FlushInterval.String())
}

func (a *Archiver) loop() {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.close:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), archiveFlushTimeout)
			a.Flush(ctx)
			cancel()
		}
	}
}

// Stop encerra o loop e dá um flush final do que sobrou no buffer.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.close) })
	if a.started.Load() {
		<-a.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveFlushTimeout)
	a.Flush(ctx)
	cancel()

	if n := a.dropped.Load(); n > 0 {
		a.logger.Warn("dlq archiver dropped records under buffer pressure", "dropped", n)
	}
}

// Flush encoda o buffer corrente e sobe um objeto para o bucket. Em caso de
// falha, o batch volta para o buffer e será retentado no próximo flush.
func (a *Archiver) Flush(ctx context.Context) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	body, ext, err := a.encode(batch)
	if err != nil {
		a.logger.Error("encoding archive batch", "error", err, "records", len(batch))
		a.requeue(batch)
		return
	}

	key := a.objectKey(time.Now().UTC(), ext)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		a.failures.Add(1)
		a.logger.Warn("dlq archive upload failed, batch will retry next flush",
			"error", err, "key", key, "records", len(batch))
		a.requeue(batch)
		return
	}

	a.uploads.Add(1)
	a.logger.Info("dlq archive uploaded", "key", key, "records", len(batch), "bytes", len(body))
}

// requeue devolve um batch que falhou para a frente do buffer (são os
// registros mais antigos), respeitando o teto.
func (a *Archiver) requeue(batch []*queue.DeadLetterRecord) {
	a.mu.Lock()
	combined := append(batch, a.buf...)
	if over := len(combined) - a.cfg.BufferSize; over > 0 {
		a.dropped.Add(int64(over))
		combined = combined[over:]
	}
	a.buf = combined
	a.mu.Unlock()
}

// encode serializa o batch como JSONL (uma DeadLetterEntry por linha) e
// comprime com o codec configurado.
func (a *Archiver) encode(batch []*queue.DeadLetterRecord) ([]byte, string, error) {
	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	for _, entry := range wireDeadLetters(batch) {
		if err := enc.Encode(entry); err != nil {
			return nil, "", fmt.Errorf("encoding dead letter %s: %w", entry.ID, err)
		}
	}

	if a.zenc != nil {
		return a.zenc.EncodeAll(raw.Bytes(), nil), ".jsonl.zst", nil
	}

	var out bytes.Buffer
	gz := pgzip.NewWriter(&out)
	if _, err := gz.Write(raw.Bytes()); err != nil {
		return nil, "", fmt.Errorf("gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("gzip close: %w", err)
	}
	return out.Bytes(), ".jsonl.gz", nil
}

// objectKey monta a chave {prefix}/{data}/dlq-{timestamp}{ext}.
func (a *Archiver) objectKey(now time.Time, ext string) string {
	ts := now.Format("2006-01-02T15-04-05.000")
	// Substitui ponto decimal por traço para chaves uniformes
	ts = strings.ReplaceAll(ts, ".", "-")
	return path.Join(a.cfg.Prefix, now.Format("2006-01-02"), "dlq-"+ts+ext)
}

// Buffered retorna o tamanho corrente do buffer (visibilidade para testes e
// para a linha de stats).
func (a *Archiver) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}
