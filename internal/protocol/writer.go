package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultFlushInterval é o intervalo do auto-flush do batcher (1ms).
// Frames enfileirados dentro da mesma janela saem em um único syscall.
const DefaultFlushInterval = time.Millisecond

const writerBufSize = 64 * 1024

// FrameWriter escreve frames length-prefixed com batching opcional.
// Cada WriteFrame é atômico: prefix e body entram juntos no buffer sob o
// mutex, preservando os limites de frame mesmo com writers concorrentes.
type FrameWriter struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	dirty  bool
	err    error // primeiro erro de escrita; curto-circuita writes seguintes
	stopCh chan struct{}
	done   chan struct{}
}

// NewFrameWriter cria um writer sem auto-flush. Chamadas a WriteFrame ficam
// no buffer até Flush (ou até o buffer encher). Para latência bounded, usar
// StartAutoFlush.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{bw: bufio.NewWriterSize(w, writerBufSize)}
}

// WriteFrame enfileira um frame no buffer de saída.
func (fw *FrameWriter) WriteFrame(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.err != nil {
		return fw.err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := fw.bw.Write(lenBuf[:]); err != nil {
		fw.err = fmt.Errorf("writing frame length: %w", err)
		return fw.err
	}
	if _, err := fw.bw.Write(body); err != nil {
		fw.err = fmt.Errorf("writing frame body: %w", err)
		return fw.err
	}
	fw.dirty = true
	return nil
}

// WriteMessage codifica e enfileira uma mensagem.
func (fw *FrameWriter) WriteMessage(m *Message) error {
	body, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return fw.WriteFrame(body)
}

// Flush força a escrita do buffer no stream subjacente.
func (fw *FrameWriter) Flush() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.flushLocked()
}

func (fw *FrameWriter) flushLocked() error {
	if fw.err != nil {
		return fw.err
	}
	if !fw.dirty {
		return nil
	}
	if err := fw.bw.Flush(); err != nil {
		fw.err = fmt.Errorf("flushing frames: %w", err)
		return fw.err
	}
	fw.dirty = false
	return nil
}

// StartAutoFlush inicia uma goroutine que faz flush a cada interval.
// interval <= 0 usa DefaultFlushInterval. Idempotente enquanto ativa.
func (fw *FrameWriter) StartAutoFlush(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	fw.mu.Lock()
	if fw.stopCh != nil {
		fw.mu.Unlock()
		return
	}
	fw.stopCh = make(chan struct{})
	fw.done = make(chan struct{})
	stopCh, done := fw.stopCh, fw.done
	fw.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fw.Flush()
			case <-stopCh:
				return
			}
		}
	}()
}

// Close para o auto-flush e drena o buffer. O stream subjacente não é fechado.
func (fw *FrameWriter) Close() error {
	fw.mu.Lock()
	stopCh, done := fw.stopCh, fw.done
	fw.stopCh, fw.done = nil, nil
	fw.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
	}
	return fw.Flush()
}
