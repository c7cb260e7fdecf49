package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameReader lê frames length-prefixed de um stream.
// Formato: [Length uint32 4B] [Body]
type FrameReader struct {
	r       io.Reader
	maxSize uint32
	lenBuf  [4]byte
}

// NewFrameReader cria um reader com o limite de tamanho dado.
// maxSize 0 usa DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame lê o próximo frame completo do stream.
// Retorna ErrFrameTooLarge se o length prefix excede o máximo configurado e
// io.ErrUnexpectedEOF (wrapped) se o stream termina no meio de um frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(fr.lenBuf[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > fr.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, n, fr.maxSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// ReadMessage lê e decodifica a próxima mensagem do stream.
func (fr *FrameReader) ReadMessage() (*Message, error) {
	body, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(body)
}
