// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
)

// Valores do header content-encoding.
const (
	encodingGzip = "gzip"
	encodingZstd = "zstd"
)

// payloadCodec comprime payloads publicados conforme a config e descomprime
// entregas pelo content-encoding do frame. A descompressão é independente da
// config local: outro publisher pode ter usado outro codec.
type payloadCodec struct {
	encoding string // "", gzip ou zstd

	zenc *zstd.Encoder // só quando encoding=zstd
	zdec *zstd.Decoder // sempre; deliveries podem vir em zstd
}

func newPayloadCodec(encoding string) (*payloadCodec, error) {
	co := &payloadCodec{encoding: encoding}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	co.zdec = dec

	if encoding == encodingZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		co.zenc = enc
	}
	return co, nil
}

// encode comprime o payload e retorna o valor do header content-encoding
// ("" quando o frame sai sem compressão). Payloads vazios nunca são
// comprimidos.
func (co *payloadCodec) encode(payload []byte) ([]byte, string, error) {
	if len(payload) == 0 || co.encoding == "" {
		return payload, "", nil
	}

	switch co.encoding {
	case encodingZstd:
		return co.zenc.EncodeAll(payload, nil), encodingZstd, nil
	case encodingGzip:
		var buf bytes.Buffer
		gz := pgzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			return nil, "", fmt.Errorf("gzip write: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), encodingGzip, nil
	default:
		return nil, "", fmt.Errorf("unknown compression %q", co.encoding)
	}
}

// decode expande o payload de uma entrega conforme seu content-encoding.
// Encoding desconhecido ou payload corrompido retornam erro; o caller
// converte em NACK DeserializationError.
func (co *payloadCodec) decode(m *protocol.Message) ([]byte, error) {
	switch enc := m.Header(protocol.HeaderContentEncoding); enc {
	case "":
		return m.Payload, nil
	case encodingZstd:
		out, err := co.zdec.DecodeAll(m.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	case encodingGzip:
		gz, err := pgzip.NewReader(bytes.NewReader(m.Payload))
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown content-encoding %q", enc)
	}
}
