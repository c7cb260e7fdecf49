// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Bobsans/VibeMQ-sub000/internal/config"
	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

// fakeBroker fala o protocolo cru em um listener local. O accept loop faz o
// handshake sozinho (configurável via onConnect) e entrega a conexão pronta
// para o teste dirigir frame a frame.
type fakeBroker struct {
	t         *testing.T
	ln        net.Listener
	accepted  chan *fakeConn
	connects  chan *protocol.Message
	onConnect func(fc *fakeConn, m *protocol.Message)
}

type fakeConn struct {
	t    *testing.T
	sock net.Conn
	r    *protocol.FrameReader
	w    *protocol.FrameWriter
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBroker{
		t:        t,
		ln:       ln,
		accepted: make(chan *fakeConn, 4),
		connects: make(chan *protocol.Message, 4),
	}
	fb.onConnect = func(fc *fakeConn, m *protocol.Message) {
		ack := protocol.NewMessage(protocol.CmdConnectAck)
		ack.ID = m.ID
		ack.SetHeader(protocol.HeaderConnectionID, "conn-test")
		fc.write(ack)
	}
	go fb.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return fb
}

func (fb *fakeBroker) addr() string { return fb.ln.Addr().String() }

func (fb *fakeBroker) acceptLoop() {
	for {
		sock, err := fb.ln.Accept()
		if err != nil {
			return
		}
		fc := &fakeConn{
			t:    fb.t,
			sock: sock,
			r:    protocol.NewFrameReader(sock, protocol.DefaultMaxMessageSize),
			w:    protocol.NewFrameWriter(sock),
		}
		_ = sock.SetReadDeadline(time.Now().Add(3 * time.Second))
		m, err := fc.r.ReadMessage()
		if err != nil {
			_ = sock.Close()
			continue
		}
		if m.Command != protocol.CmdConnect {
			fb.t.Errorf("fake broker: primeiro frame = %s, esperava Connect", m.Command)
			_ = sock.Close()
			continue
		}
		fb.connects <- m
		fb.onConnect(fc, m)
		fb.accepted <- fc
	}
}

// conn espera a próxima conexão completar o handshake.
func (fb *fakeBroker) conn() *fakeConn {
	fb.t.Helper()
	select {
	case fc := <-fb.accepted:
		return fc
	case <-time.After(3 * time.Second):
		fb.t.Fatalf("fake broker: nenhum client conectou")
		return nil
	}
}

// connectFrame devolve o frame Connect consumido no handshake.
func (fb *fakeBroker) connectFrame() *protocol.Message {
	fb.t.Helper()
	select {
	case m := <-fb.connects:
		return m
	case <-time.After(3 * time.Second):
		fb.t.Fatalf("fake broker: nenhum Connect chegou")
		return nil
	}
}

// read devolve o próximo frame ou nil após timeout/erro.
func (fc *fakeConn) read() *protocol.Message {
	_ = fc.sock.SetReadDeadline(time.Now().Add(3 * time.Second))
	m, err := fc.r.ReadMessage()
	if err != nil {
		return nil
	}
	return m
}

func (fc *fakeConn) mustRead() *protocol.Message {
	fc.t.Helper()
	m := fc.read()
	if m == nil {
		fc.t.Fatalf("fake broker: esperava um frame do client")
	}
	return m
}

// expect lê o próximo frame e confere o comando.
func (fc *fakeConn) expect(cmd protocol.Command) *protocol.Message {
	fc.t.Helper()
	m := fc.mustRead()
	if m.Command != cmd {
		fc.t.Fatalf("frame = %s, esperava %s (id=%s)", m.Command, cmd, m.ID)
	}
	return m
}

// expectSilence garante que nenhum frame chega dentro da janela.
func (fc *fakeConn) expectSilence(d time.Duration) {
	fc.t.Helper()
	_ = fc.sock.SetReadDeadline(time.Now().Add(d))
	if m, err := fc.r.ReadMessage(); err == nil {
		fc.t.Fatalf("fake broker: frame inesperado %s id=%s", m.Command, m.ID)
	}
}

// write é seguro de qualquer goroutine: reporta via Errorf.
func (fc *fakeConn) write(m *protocol.Message) {
	if err := fc.w.WriteMessage(m); err != nil {
		fc.t.Errorf("fake broker write: %v", err)
		return
	}
	if err := fc.w.Flush(); err != nil {
		fc.t.Errorf("fake broker flush: %v", err)
	}
}

// drop derruba a conexão do lado do broker.
func (fc *fakeConn) drop() { _ = fc.sock.Close() }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClientConfig(t *testing.T, addr string, mutate func(cfg *config.ClientConfig)) *config.ClientConfig {
	t.Helper()
	cfg := &config.ClientConfig{}
	cfg.Server.Address = addr
	cfg.Auth.Token = "test-token"
	cfg.ClientID = "cli-test"
	// Backoffs curtos para os testes de reconexão não arrastarem a suite
	cfg.Timing.InitialBackoff = 20 * time.Millisecond
	cfg.Timing.MaxBackoff = 100 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config inválida: %v", err)
	}
	return cfg
}

func dialTestClient(t *testing.T, fb *fakeBroker, mutate func(cfg *config.ClientConfig)) *Client {
	t.Helper()
	cfg := testClientConfig(t, fb.addr(), mutate)
	cli, err := Dial(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func deliverFrame(id, queueName, payload, subID string, attempts uint32) *protocol.Message {
	m := protocol.NewMessage(protocol.CmdDeliver)
	m.ID = id
	m.Queue = queueName
	m.Payload = []byte(payload)
	m.DeliveryAttempts = attempts
	m.SetHeader(protocol.HeaderSubscriptionID, subID)
	m.SetHeader(protocol.HeaderPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	return m
}

// Testa que Dial apresenta token e client-id e captura o connection-id.
func TestClient_DialHandshake(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)

	connect := fb.connectFrame()
	if got := connect.Header(protocol.HeaderToken); got != "test-token" {
		t.Errorf("token = %q, esperava test-token", got)
	}
	if got := connect.Header(protocol.HeaderClientID); got != "cli-test" {
		t.Errorf("client-id = %q, esperava cli-test", got)
	}
	if got := cli.ConnectionID(); got != "conn-test" {
		t.Errorf("ConnectionID = %q, esperava conn-test", got)
	}
	if cli.LastActivity().IsZero() {
		t.Error("LastActivity deveria estar preenchido após o handshake")
	}
}

// Testa que um Error AUTH_FAILED no handshake vira *ServerError no Dial.
func TestClient_DialAuthRejected(t *testing.T) {
	fb := newFakeBroker(t)
	fb.onConnect = func(fc *fakeConn, m *protocol.Message) {
		nack := protocol.NewError(m.ID, protocol.CodeAuthFailed, "invalid token")
		fc.write(nack)
	}

	cfg := testClientConfig(t, fb.addr(), nil)
	_, err := Dial(context.Background(), cfg, testLogger())
	if err == nil {
		t.Fatal("Dial deveria falhar com token rejeitado")
	}
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("erro = %v (%T), esperava *ServerError", err, err)
	}
	if srvErr.Code != protocol.CodeAuthFailed {
		t.Errorf("código = %q, esperava %q", srvErr.Code, protocol.CodeAuthFailed)
	}
}

// Testa o ciclo Publish -> PublishAck com o id devolvido ao chamador.
func TestClient_PublishAcked(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := cli.Publish(context.Background(), "jobs", []byte("hello"), nil)
		done <- result{id, err}
	}()

	frame := fc.expect(protocol.CmdPublish)
	if frame.Queue != "jobs" {
		t.Errorf("queue = %q, esperava jobs", frame.Queue)
	}
	if string(frame.Payload) != "hello" {
		t.Errorf("payload = %q, esperava hello", frame.Payload)
	}
	if frame.ID == "" {
		t.Error("publish sem id de mensagem")
	}
	if enc := frame.Header(protocol.HeaderContentEncoding); enc != "" {
		t.Errorf("content-encoding = %q, esperava vazio", enc)
	}
	if frame.Priority != protocol.PriorityNormal {
		t.Errorf("priority = %s, esperava normal", frame.Priority)
	}

	ack := protocol.NewMessage(protocol.CmdPublishAck)
	ack.ID = frame.ID
	fc.write(ack)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Publish: %v", res.err)
		}
		if res.id != frame.ID {
			t.Errorf("id retornado = %q, frame id = %q", res.id, frame.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout esperando o Publish retornar")
	}
}

// Testa que PublishOptions viram priority, TTL e headers no frame.
func TestClient_PublishOptions(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.Publish(context.Background(), "jobs", []byte("x"), &PublishOptions{
			Priority: protocol.PriorityCritical,
			TTL:      time.Minute,
			Headers:  map[string]string{"trace-id": "abc-123"},
		})
		errCh <- err
	}()

	frame := fc.expect(protocol.CmdPublish)
	if frame.Priority != protocol.PriorityCritical {
		t.Errorf("priority = %s, esperava critical", frame.Priority)
	}
	if frame.ExpiresAt <= time.Now().UnixNano() {
		t.Errorf("expiresAt = %d, esperava no futuro", frame.ExpiresAt)
	}
	if got := frame.Header("trace-id"); got != "abc-123" {
		t.Errorf("header trace-id = %q", got)
	}

	ack := protocol.NewMessage(protocol.CmdPublishAck)
	ack.ID = frame.ID
	fc.write(ack)
	if err := <-errCh; err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

// Testa que compression=zstd comprime o payload e marca o content-encoding.
func TestClient_PublishCompressed(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, func(cfg *config.ClientConfig) {
		cfg.Compression = "zstd"
	})
	fc := fb.conn()

	plain := []byte("payload comprimível comprimível comprimível comprimível")
	errCh := make(chan error, 1)
	go func() {
		_, err := cli.Publish(context.Background(), "jobs", plain, nil)
		errCh <- err
	}()

	frame := fc.expect(protocol.CmdPublish)
	if enc := frame.Header(protocol.HeaderContentEncoding); enc != "zstd" {
		t.Fatalf("content-encoding = %q, esperava zstd", enc)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	got, err := dec.DecodeAll(frame.Payload, nil)
	if err != nil {
		t.Fatalf("descomprimindo payload: %v", err)
	}
	if string(got) != string(plain) {
		t.Errorf("payload decodificado = %q, esperava %q", got, plain)
	}

	ack := protocol.NewMessage(protocol.CmdPublishAck)
	ack.ID = frame.ID
	fc.write(ack)
	if err := <-errCh; err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

// Testa que um frame Error do broker vira *ServerError no Publish.
func TestClient_PublishServerError(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.Publish(context.Background(), "jobs", []byte("x"), nil)
		errCh <- err
	}()

	frame := fc.expect(protocol.CmdPublish)
	fc.write(protocol.NewError(frame.ID, protocol.CodeQueueFull, "queue jobs is full"))

	err := <-errCh
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("erro = %v (%T), esperava *ServerError", err, err)
	}
	if srvErr.Code != protocol.CodeQueueFull {
		t.Errorf("código = %q, esperava %q", srvErr.Code, protocol.CodeQueueFull)
	}
}

// Testa Subscribe -> Deliver -> handler -> ACK com os campos da entrega.
func TestClient_SubscribeDeliverAck(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	got := make(chan *Delivery, 1)
	handler := func(ctx context.Context, d *Delivery) error {
		got <- d
		return nil
	}

	type result struct {
		sub *Subscription
		err error
	}
	subCh := make(chan result, 1)
	go func() {
		sub, err := cli.Subscribe(context.Background(), "jobs", handler)
		subCh <- result{sub, err}
	}()

	subFrame := fc.expect(protocol.CmdSubscribe)
	if subFrame.Queue != "jobs" {
		t.Fatalf("queue = %q, esperava jobs", subFrame.Queue)
	}
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = subFrame.ID
	ack.Queue = "jobs"
	ack.SetHeader(protocol.HeaderSubscriptionID, "sub-1")
	fc.write(ack)

	var res result
	select {
	case res = <-subCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout esperando o Subscribe retornar")
	}
	if res.err != nil {
		t.Fatalf("Subscribe: %v", res.err)
	}
	if id := res.sub.SubscriptionID(); id != "sub-1" {
		t.Errorf("SubscriptionID = %q, esperava sub-1", id)
	}

	fc.write(deliverFrame("msg-1", "jobs", "trabalho", "sub-1", 1))

	var d *Delivery
	select {
	case d = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("handler não recebeu a entrega")
	}
	if d.ID != "msg-1" || d.Queue != "jobs" || string(d.Payload) != "trabalho" {
		t.Errorf("entrega = %+v", d)
	}
	if d.Attempts != 1 {
		t.Errorf("attempts = %d, esperava 1", d.Attempts)
	}
	if d.SubscriptionID != "sub-1" {
		t.Errorf("subscription = %q, esperava sub-1", d.SubscriptionID)
	}
	if d.PublishedAt.IsZero() {
		t.Error("PublishedAt não foi parseado do header")
	}

	ackFrame := fc.expect(protocol.CmdAck)
	if ackFrame.ID != "msg-1" {
		t.Errorf("ack id = %q, esperava msg-1", ackFrame.ID)
	}
	if got := ackFrame.Header(protocol.HeaderSubscriptionID); got != "sub-1" {
		t.Errorf("ack subscription = %q, esperava sub-1", got)
	}
	if reason := ackFrame.Header(protocol.HeaderReason); reason != "" {
		t.Errorf("ack com reason %q, esperava ACK positivo", reason)
	}
}

// Testa que ErrReject vira NACK com reason HandlerRejected.
func TestClient_HandlerRejectSendsNack(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	subCh := make(chan *Subscription, 1)
	go func() {
		sub, err := cli.Subscribe(context.Background(), "jobs", func(ctx context.Context, d *Delivery) error {
			return ErrReject
		})
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		subCh <- sub
	}()

	subFrame := fc.expect(protocol.CmdSubscribe)
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = subFrame.ID
	ack.Queue = "jobs"
	ack.SetHeader(protocol.HeaderSubscriptionID, "sub-1")
	fc.write(ack)
	<-subCh

	fc.write(deliverFrame("msg-1", "jobs", "ruim", "sub-1", 1))

	nack := fc.expect(protocol.CmdAck)
	if nack.ID != "msg-1" {
		t.Errorf("nack id = %q, esperava msg-1", nack.ID)
	}
	if reason := nack.Header(protocol.HeaderReason); reason != string(queue.ReasonHandlerRejected) {
		t.Errorf("reason = %q, esperava %s", reason, queue.ReasonHandlerRejected)
	}
}

// Testa que um erro comum do handler segura o ACK (o broker vai retentar) e
// que o worker sobrevive para processar a reentrega.
func TestClient_HandlerErrorWithholdsAck(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	calls := make(chan uint32, 2)
	subCh := make(chan *Subscription, 1)
	go func() {
		sub, err := cli.Subscribe(context.Background(), "jobs", func(ctx context.Context, d *Delivery) error {
			calls <- d.Attempts
			if d.Attempts == 1 {
				return errors.New("banco fora do ar")
			}
			return nil
		})
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		subCh <- sub
	}()

	subFrame := fc.expect(protocol.CmdSubscribe)
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = subFrame.ID
	ack.Queue = "jobs"
	ack.SetHeader(protocol.HeaderSubscriptionID, "sub-1")
	fc.write(ack)
	<-subCh

	// Primeira tentativa falha: nada deve chegar
	fc.write(deliverFrame("msg-1", "jobs", "x", "sub-1", 1))
	if got := <-calls; got != 1 {
		t.Fatalf("primeira chamada com attempts = %d", got)
	}
	fc.expectSilence(200 * time.Millisecond)

	// Reentrega do broker: agora o handler aceita e o ACK sai
	fc.write(deliverFrame("msg-1", "jobs", "x", "sub-1", 2))
	if got := <-calls; got != 2 {
		t.Fatalf("segunda chamada com attempts = %d", got)
	}
	ackFrame := fc.expect(protocol.CmdAck)
	if ackFrame.ID != "msg-1" || ackFrame.Header(protocol.HeaderReason) != "" {
		t.Errorf("esperava ACK positivo de msg-1, veio id=%q reason=%q",
			ackFrame.ID, ackFrame.Header(protocol.HeaderReason))
	}
}

// Testa que um panic no handler não derruba o worker nem vira ACK.
func TestClient_HandlerPanicWithholdsAck(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	subCh := make(chan *Subscription, 1)
	go func() {
		sub, err := cli.Subscribe(context.Background(), "jobs", func(ctx context.Context, d *Delivery) error {
			if d.Attempts == 1 {
				panic("handler quebrado")
			}
			return nil
		})
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		subCh <- sub
	}()

	subFrame := fc.expect(protocol.CmdSubscribe)
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = subFrame.ID
	ack.Queue = "jobs"
	ack.SetHeader(protocol.HeaderSubscriptionID, "sub-1")
	fc.write(ack)
	<-subCh

	fc.write(deliverFrame("msg-1", "jobs", "x", "sub-1", 1))
	fc.expectSilence(200 * time.Millisecond)

	fc.write(deliverFrame("msg-1", "jobs", "x", "sub-1", 2))
	ackFrame := fc.expect(protocol.CmdAck)
	if ackFrame.ID != "msg-1" {
		t.Errorf("worker não sobreviveu ao panic: ack id = %q", ackFrame.ID)
	}
}

// Testa que payload indecodificável vira NACK DeserializationError sem
// invocar o handler.
func TestClient_UndecodableDeliveryNacks(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	subCh := make(chan *Subscription, 1)
	go func() {
		sub, err := cli.Subscribe(context.Background(), "jobs", func(ctx context.Context, d *Delivery) error {
			t.Errorf("handler não deveria ser invocado para payload indecodificável")
			return nil
		})
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		subCh <- sub
	}()

	subFrame := fc.expect(protocol.CmdSubscribe)
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = subFrame.ID
	ack.Queue = "jobs"
	ack.SetHeader(protocol.HeaderSubscriptionID, "sub-1")
	fc.write(ack)
	<-subCh

	bad := deliverFrame("msg-1", "jobs", "isto não é zstd", "sub-1", 1)
	bad.SetHeader(protocol.HeaderContentEncoding, "zstd")
	fc.write(bad)

	nack := fc.expect(protocol.CmdAck)
	if nack.ID != "msg-1" {
		t.Errorf("nack id = %q, esperava msg-1", nack.ID)
	}
	if reason := nack.Header(protocol.HeaderReason); reason != string(queue.ReasonDeserializationError) {
		t.Errorf("reason = %q, esperava %s", reason, queue.ReasonDeserializationError)
	}
}

// Testa que o client responde Pong aos Pings de keep-alive do broker.
func TestClient_ServerPingAnswered(t *testing.T) {
	fb := newFakeBroker(t)
	dialTestClient(t, fb, nil)
	fc := fb.conn()

	ping := protocol.NewMessage(protocol.CmdPing)
	ping.ID = "ping-9"
	fc.write(ping)

	pong := fc.expect(protocol.CmdPong)
	if pong.ID != "ping-9" {
		t.Errorf("pong id = %q, esperava ping-9", pong.ID)
	}
}

// Testa o Ping iniciado pelo client.
func TestClient_Ping(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	type result struct {
		rtt time.Duration
		err error
	}
	done := make(chan result, 1)
	go func() {
		rtt, err := cli.Ping(context.Background())
		done <- result{rtt, err}
	}()

	ping := fc.expect(protocol.CmdPing)
	pong := protocol.NewMessage(protocol.CmdPong)
	pong.ID = ping.ID
	fc.write(pong)

	res := <-done
	if res.err != nil {
		t.Fatalf("Ping: %v", res.err)
	}
	if res.rtt <= 0 {
		t.Errorf("rtt = %s, esperava > 0", res.rtt)
	}
}

// Testa a queda de conexão: a chamada em voo falha, o client reconecta,
// reassina a fila e reenvia o publish não confirmado na conexão nova.
func TestClient_ReconnectResubscribeReplay(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc1 := fb.conn()

	// Subscription viva que deve sobreviver à reconexão
	subCh := make(chan *Subscription, 1)
	go func() {
		sub, err := cli.Subscribe(context.Background(), "jobs", func(ctx context.Context, d *Delivery) error {
			return nil
		})
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		subCh <- sub
	}()
	subFrame := fc1.expect(protocol.CmdSubscribe)
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = subFrame.ID
	ack.Queue = "jobs"
	ack.SetHeader(protocol.HeaderSubscriptionID, "sub-1")
	fc1.write(ack)
	sub := <-subCh

	// Publish que vai perder a conexão antes do ack
	type result struct {
		id  string
		err error
	}
	pubCh := make(chan result, 1)
	go func() {
		id, err := cli.Publish(context.Background(), "jobs", []byte("sobrevivente"), nil)
		pubCh <- result{id, err}
	}()
	lost := fc1.expect(protocol.CmdPublish)

	// Chamada não-replayável em voo: deve falhar com a queda
	infoCh := make(chan error, 1)
	go func() {
		_, err := cli.QueueInfo(context.Background(), "jobs")
		infoCh <- err
	}()
	fc1.expect(protocol.CmdQueueInfo)

	fc1.drop()

	select {
	case err := <-infoCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("QueueInfo após queda = %v, esperava ErrConnectionLost", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("QueueInfo não falhou após a queda")
	}

	// Conexão nova: primeiro a reassinatura, depois o replay do publish
	fc2 := fb.conn()
	resub := fc2.expect(protocol.CmdSubscribe)
	if resub.Queue != "jobs" {
		t.Fatalf("resubscribe para %q, esperava jobs", resub.Queue)
	}
	ack2 := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack2.ID = resub.ID
	ack2.Queue = "jobs"
	ack2.SetHeader(protocol.HeaderSubscriptionID, "sub-2")
	fc2.write(ack2)

	replayed := fc2.expect(protocol.CmdPublish)
	if replayed.ID != lost.ID {
		t.Errorf("replay com id %q, original era %q", replayed.ID, lost.ID)
	}
	if string(replayed.Payload) != "sobrevivente" {
		t.Errorf("payload do replay = %q", replayed.Payload)
	}
	pubAck := protocol.NewMessage(protocol.CmdPublishAck)
	pubAck.ID = replayed.ID
	fc2.write(pubAck)

	select {
	case res := <-pubCh:
		if res.err != nil {
			t.Fatalf("Publish deveria sobreviver à reconexão: %v", res.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout esperando o Publish retornar após o replay")
	}

	if got := sub.SubscriptionID(); got != "sub-2" {
		t.Errorf("SubscriptionID após reconexão = %q, esperava sub-2", got)
	}
}

// Testa que o ciclo de reconexão desiste após MaxReconnectAttempts e o
// client fica terminalmente morto.
func TestClient_ReconnectGivesUp(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, func(cfg *config.ClientConfig) {
		cfg.Timing.MaxReconnectAttempts = 2
	})
	fc := fb.conn()

	// Sem listener não há para onde reconectar
	_ = fb.ln.Close()
	fc.drop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := cli.Publish(context.Background(), "jobs", []byte("x"), nil)
		if errors.Is(err, ErrReconnectFailed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client não desistiu: último erro = %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Testa os helpers administrativos: headers de request e decode das
// respostas JSON.
func TestClient_QueueAdminHelpers(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	// QueueCreate com todas as opções
	errCh := make(chan error, 1)
	go func() {
		dlq := true
		retries := 7
		errCh <- cli.QueueCreate(context.Background(), "jobs", &QueueOptions{
			Mode:       queue.FanOutAck,
			MaxSize:    500,
			Overflow:   queue.BlockPublisher,
			TTL:        2 * time.Minute,
			DlqEnabled: &dlq,
			MaxRetries: &retries,
		})
	}()
	create := fc.expect(protocol.CmdCreateQueue)
	if create.Queue != "jobs" {
		t.Errorf("queue = %q", create.Queue)
	}
	wantHeaders := map[string]string{
		protocol.HeaderQueueMode:       string(queue.FanOutAck),
		protocol.HeaderQueueMaxSize:    "500",
		protocol.HeaderQueueOverflow:   string(queue.BlockPublisher),
		protocol.HeaderQueueTTL:        "2m0s",
		protocol.HeaderQueueDlqEnabled: "true",
		protocol.HeaderQueueMaxRetries: "7",
	}
	for k, want := range wantHeaders {
		if got := create.Header(k); got != want {
			t.Errorf("header %s = %q, esperava %q", k, got, want)
		}
	}
	ok := protocol.NewMessage(protocol.CmdAck)
	ok.ID = create.ID
	ok.Queue = "jobs"
	fc.write(ok)
	if err := <-errCh; err != nil {
		t.Fatalf("QueueCreate: %v", err)
	}

	// QueueInfo decodifica o snapshot JSON
	type infoResult struct {
		info queue.Info
		err  error
	}
	infoCh := make(chan infoResult, 1)
	go func() {
		info, err := cli.QueueInfo(context.Background(), "jobs")
		infoCh <- infoResult{info, err}
	}()
	infoReq := fc.expect(protocol.CmdQueueInfo)
	payload, _ := json.Marshal(queue.Info{Name: "jobs", Mode: queue.FanOutAck, MaxSize: 500, Pending: 3})
	infoReply := protocol.NewMessage(protocol.CmdQueueInfo)
	infoReply.ID = infoReq.ID
	infoReply.Queue = "jobs"
	infoReply.Payload = payload
	fc.write(infoReply)
	infoRes := <-infoCh
	if infoRes.err != nil {
		t.Fatalf("QueueInfo: %v", infoRes.err)
	}
	if infoRes.info.Name != "jobs" || infoRes.info.Mode != queue.FanOutAck || infoRes.info.Pending != 3 {
		t.Errorf("info = %+v", infoRes.info)
	}

	// QueuesList decodifica o array
	type listResult struct {
		infos []queue.Info
		err   error
	}
	listCh := make(chan listResult, 1)
	go func() {
		infos, err := cli.QueuesList(context.Background())
		listCh <- listResult{infos, err}
	}()
	listReq := fc.expect(protocol.CmdListQueues)
	listPayload, _ := json.Marshal([]queue.Info{{Name: "jobs"}, {Name: "events"}})
	listReply := protocol.NewMessage(protocol.CmdListQueues)
	listReply.ID = listReq.ID
	listReply.Payload = listPayload
	fc.write(listReply)
	listRes := <-listCh
	if listRes.err != nil {
		t.Fatalf("QueuesList: %v", listRes.err)
	}
	if len(listRes.infos) != 2 || listRes.infos[1].Name != "events" {
		t.Errorf("lista = %+v", listRes.infos)
	}

	// DlqList propaga o filtro nos headers
	type dlqResult struct {
		entries []protocol.DeadLetterEntry
		err     error
	}
	dlqCh := make(chan dlqResult, 1)
	go func() {
		entries, err := cli.DlqList(context.Background(), DlqFilter{
			Queue:  "jobs",
			Reason: queue.ReasonTtlExpired,
			Limit:  50,
		})
		dlqCh <- dlqResult{entries, err}
	}()
	dlqReq := fc.expect(protocol.CmdListDlq)
	if dlqReq.Queue != "jobs" {
		t.Errorf("dlq queue = %q", dlqReq.Queue)
	}
	if got := dlqReq.Header(protocol.HeaderReason); got != string(queue.ReasonTtlExpired) {
		t.Errorf("dlq reason = %q", got)
	}
	if got := dlqReq.Header(protocol.HeaderLimit); got != "50" {
		t.Errorf("dlq limit = %q", got)
	}
	dlqPayload, _ := json.Marshal([]protocol.DeadLetterEntry{{ID: "msg-1", Queue: "jobs", Reason: "TtlExpired"}})
	dlqReply := protocol.NewMessage(protocol.CmdListDlq)
	dlqReply.ID = dlqReq.ID
	dlqReply.Payload = dlqPayload
	fc.write(dlqReply)
	dlqRes := <-dlqCh
	if dlqRes.err != nil {
		t.Fatalf("DlqList: %v", dlqRes.err)
	}
	if len(dlqRes.entries) != 1 || dlqRes.entries[0].ID != "msg-1" {
		t.Errorf("entradas = %+v", dlqRes.entries)
	}

	// DlqReplay envia o target e decodifica o contador
	type replayResult struct {
		n   int
		err error
	}
	replayCh := make(chan replayResult, 1)
	go func() {
		n, err := cli.DlqReplay(context.Background(), DlqFilter{Queue: "jobs"}, "jobs-retry")
		replayCh <- replayResult{n, err}
	}()
	replayReq := fc.expect(protocol.CmdReplayDlq)
	if got := replayReq.Header(protocol.HeaderTargetQueue); got != "jobs-retry" {
		t.Errorf("target = %q", got)
	}
	replayPayload, _ := json.Marshal(protocol.ReplayResult{Replayed: 3})
	replayReply := protocol.NewMessage(protocol.CmdReplayDlq)
	replayReply.ID = replayReq.ID
	replayReply.Payload = replayPayload
	fc.write(replayReply)
	replayRes := <-replayCh
	if replayRes.err != nil {
		t.Fatalf("DlqReplay: %v", replayRes.err)
	}
	if replayRes.n != 3 {
		t.Errorf("replayed = %d, esperava 3", replayRes.n)
	}
}

// Testa que Subscription.Close envia Unsubscribe e para as entregas.
func TestClient_UnsubscribeOnClose(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	subCh := make(chan *Subscription, 1)
	go func() {
		sub, err := cli.Subscribe(context.Background(), "jobs", func(ctx context.Context, d *Delivery) error {
			return nil
		})
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		subCh <- sub
	}()
	subFrame := fc.expect(protocol.CmdSubscribe)
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = subFrame.ID
	ack.Queue = "jobs"
	ack.SetHeader(protocol.HeaderSubscriptionID, "sub-1")
	fc.write(ack)
	sub := <-subCh

	closeCh := make(chan error, 1)
	go func() { closeCh <- sub.Close() }()

	unsub := fc.expect(protocol.CmdUnsubscribe)
	if unsub.Queue != "jobs" {
		t.Errorf("unsubscribe queue = %q", unsub.Queue)
	}
	unsubAck := protocol.NewMessage(protocol.CmdUnsubscribeAck)
	unsubAck.ID = unsub.ID
	unsubAck.Queue = "jobs"
	fc.write(unsubAck)

	if err := <-closeCh; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("Close repetido: %v", err)
	}

	// Entrega tardia não gera ACK: a subscription morreu
	fc.write(deliverFrame("msg-9", "jobs", "tarde", "sub-1", 1))
	fc.expectSilence(200 * time.Millisecond)
}

// Testa que um UnsubscribeAck não solicitado (fila deletada no broker)
// desliga a subscription local.
func TestClient_QueueDeletedDropsSubscription(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	subCh := make(chan *Subscription, 1)
	go func() {
		sub, err := cli.Subscribe(context.Background(), "jobs", func(ctx context.Context, d *Delivery) error {
			return nil
		})
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		subCh <- sub
	}()
	subFrame := fc.expect(protocol.CmdSubscribe)
	ack := protocol.NewMessage(protocol.CmdSubscribeAck)
	ack.ID = subFrame.ID
	ack.Queue = "jobs"
	ack.SetHeader(protocol.HeaderSubscriptionID, "sub-1")
	fc.write(ack)
	<-subCh

	evict := protocol.NewMessage(protocol.CmdUnsubscribeAck)
	evict.ID = "evict-1"
	evict.Queue = "jobs"
	evict.SetHeader(protocol.HeaderReason, "queue deleted")
	fc.write(evict)

	// O pump é sequencial: quando a entrega abaixo for lida, a evicção já
	// foi processada e ninguém responde por jobs.
	fc.write(deliverFrame("msg-1", "jobs", "x", "sub-1", 1))
	fc.expectSilence(200 * time.Millisecond)
}

// Testa que Close avisa o broker e trava operações subsequentes.
func TestClient_CloseSendsDisconnect(t *testing.T) {
	fb := newFakeBroker(t)
	cli := dialTestClient(t, fb, nil)
	fc := fb.conn()

	if err := cli.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	bye := fc.expect(protocol.CmdDisconnect)
	if bye.Command != protocol.CmdDisconnect {
		t.Fatalf("frame = %s", bye.Command)
	}

	if err := cli.Close(); err != nil {
		t.Errorf("Close repetido: %v", err)
	}
	if _, err := cli.Publish(context.Background(), "jobs", []byte("x"), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish após Close = %v, esperava ErrClosed", err)
	}
	if _, err := cli.Subscribe(context.Background(), "jobs", func(ctx context.Context, d *Delivery) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe após Close = %v, esperava ErrClosed", err)
	}
}
