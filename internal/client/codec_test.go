// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"bytes"
	"testing"

	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
)

func deliverWithEncoding(payload []byte, encoding string) *protocol.Message {
	m := protocol.NewMessage(protocol.CmdDeliver)
	m.Payload = payload
	if encoding != "" {
		m.SetHeader(protocol.HeaderContentEncoding, encoding)
	}
	return m
}

// Testa que sem compressão configurada o payload passa intacto.
func TestPayloadCodec_Identity(t *testing.T) {
	co, err := newPayloadCodec("")
	if err != nil {
		t.Fatalf("newPayloadCodec: %v", err)
	}

	payload := []byte("dados crus")
	out, enc, err := co.encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc != "" {
		t.Errorf("encoding = %q, esperava vazio", enc)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("payload alterado: %q", out)
	}

	got, err := co.decode(deliverWithEncoding(payload, ""))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decode alterou o payload: %q", got)
	}
}

// Testa o roundtrip encode/decode nos dois codecs suportados.
func TestPayloadCodec_Roundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte("mensagem repetitiva "), 64)

	for _, encoding := range []string{encodingZstd, encodingGzip} {
		t.Run(encoding, func(t *testing.T) {
			co, err := newPayloadCodec(encoding)
			if err != nil {
				t.Fatalf("newPayloadCodec: %v", err)
			}

			compressed, enc, err := co.encode(payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if enc != encoding {
				t.Errorf("encoding = %q, esperava %q", enc, encoding)
			}
			if bytes.Equal(compressed, payload) {
				t.Error("payload não foi comprimido")
			}
			if len(compressed) >= len(payload) {
				t.Errorf("payload repetitivo cresceu: %d -> %d bytes", len(payload), len(compressed))
			}

			got, err := co.decode(deliverWithEncoding(compressed, encoding))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("roundtrip não devolveu o payload original")
			}
		})
	}
}

// Testa que o decode é independente da config local: um client sem
// compressão precisa ler entregas comprimidas por outro publisher.
func TestPayloadCodec_DecodesForeignEncoding(t *testing.T) {
	zst, err := newPayloadCodec(encodingZstd)
	if err != nil {
		t.Fatalf("newPayloadCodec: %v", err)
	}
	plain, err := newPayloadCodec("")
	if err != nil {
		t.Fatalf("newPayloadCodec: %v", err)
	}

	payload := []byte("publicado por outro client")
	compressed, enc, err := zst.encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := plain.decode(deliverWithEncoding(compressed, enc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, esperava %q", got, payload)
	}
}

// Testa que payload vazio nunca ganha content-encoding.
func TestPayloadCodec_EmptyPayloadPassthrough(t *testing.T) {
	co, err := newPayloadCodec(encodingZstd)
	if err != nil {
		t.Fatalf("newPayloadCodec: %v", err)
	}

	out, enc, err := co.encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc != "" || len(out) != 0 {
		t.Errorf("encode(nil) = (%q, %q)", out, enc)
	}
}

// Testa que encoding desconhecido e payload corrompido retornam erro (o
// worker converte em NACK DeserializationError).
func TestPayloadCodec_DecodeFailures(t *testing.T) {
	co, err := newPayloadCodec("")
	if err != nil {
		t.Fatalf("newPayloadCodec: %v", err)
	}

	if _, err := co.decode(deliverWithEncoding([]byte("x"), "br")); err == nil {
		t.Error("encoding desconhecido deveria falhar")
	}
	if _, err := co.decode(deliverWithEncoding([]byte("não é zstd"), encodingZstd)); err == nil {
		t.Error("payload zstd corrompido deveria falhar")
	}
	if _, err := co.decode(deliverWithEncoding([]byte("não é gzip"), encodingGzip)); err == nil {
		t.Error("payload gzip corrompido deveria falhar")
	}
}
