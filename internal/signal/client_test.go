package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"supportcall/native/internal/domain"
	"supportcall/native/internal/logging"
	"supportcall/native/internal/retry"

	"github.com/gorilla/websocket"
)

// relay is a test websocket server recording what clients send.
type relay struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	auth     []string
	conns    []*websocket.Conn
	received []envelope
	got      chan envelope
}

func newRelay(t *testing.T) (*relay, *httptest.Server) {
	r := &relay{t: t, got: make(chan envelope, 16)}
	srv := httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(func() {
		r.closeAll()
		srv.Close()
	})
	return r, srv
}

func (r *relay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		r.mu.Lock()
		r.received = append(r.received, env)
		r.mu.Unlock()
		r.got <- env
	}
}

func (r *relay) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *relay) last() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[len(r.conns)-1]
}

func (r *relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recordingHandler struct {
	got chan string
	mu  sync.Mutex
	pl  []domain.SignalPayload
}

func (h *recordingHandler) OnSignal(event string, payload domain.SignalPayload) {
	h.mu.Lock()
	h.pl = append(h.pl, payload)
	h.mu.Unlock()
	h.got <- event
}

func testOptions() Options {
	return Options{
		WriteTimeout: time.Second,
		Redial:       retry.Policy{Attempts: 3, Backoff: 10 * time.Millisecond},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_EmitSendsEnvelope(t *testing.T) {
	r, srv := newRelay(t)
	c := NewClient(wsURL(srv), "tok", testOptions(), logging.Nop())
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Connected() {
		t.Fatal("expected connected")
	}

	err := c.Emit(domain.EventJoinCall, domain.SignalPayload{CallID: "42", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-r.got:
		if env.Event != "join-call" {
			t.Errorf("expected join-call, got %q", env.Event)
		}
		var p domain.SignalPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.CallID != "42" || p.UserID != "u1" {
			t.Errorf("unexpected payload %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay received nothing")
	}

	r.mu.Lock()
	auth := r.auth[0]
	r.mu.Unlock()
	if auth != "Bearer tok" {
		t.Errorf("expected bearer header, got %q", auth)
	}
}

func TestClient_DispatchesInboundEvents(t *testing.T) {
	r, srv := newRelay(t)
	c := NewClient(wsURL(srv), "tok", testOptions(), logging.Nop())
	defer c.Close()
	h := &recordingHandler{got: make(chan string, 4)}
	c.SetHandler(h)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.connCount() == 1 })

	server := r.last()
	msgs := []string{
		`not json`,
		`{"data":{"callId":"x"}}`,
		`{"event":"offer","data":{"callId":"42","from":"u1","sdp":{"type":"offer","sdp":"v=0"}}}`,
	}
	for _, m := range msgs {
		if err := server.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case ev := <-h.got:
		if ev != "offer" {
			t.Fatalf("expected offer, got %q", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	h.mu.Lock()
	p := h.pl[0]
	h.mu.Unlock()
	if p.CallID != "42" || p.SDP == nil || p.SDP.SDP != "v=0" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestClient_EmitWithoutConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/", "tok", testOptions(), logging.Nop())
	defer c.Close()

	err := c.Emit(domain.EventCallEnd, domain.SignalPayload{CallID: "1"})
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_RedialsAfterDrop(t *testing.T) {
	r, srv := newRelay(t)
	c := NewClient(wsURL(srv), "tok", testOptions(), logging.Nop())
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.connCount() == 1 })

	r.last().Close()

	waitFor(t, func() bool { return r.connCount() == 2 && c.Connected() })
	if err := c.Emit(domain.EventCallStart, domain.SignalPayload{CallID: "9"}); err != nil {
		t.Fatalf("emit after redial: %v", err)
	}
}

func TestClient_ReconnectIsNoopWhenConnected(t *testing.T) {
	r, srv := newRelay(t)
	c := NewClient(wsURL(srv), "tok", testOptions(), logging.Nop())
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.connCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := r.connCount(); n != 1 {
		t.Errorf("expected a single connection, got %d", n)
	}
}

func TestClient_ReconnectGivesUp(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/", "tok", testOptions(), logging.Nop())
	defer c.Close()

	if err := c.Reconnect(context.Background()); err == nil {
		t.Fatal("expected redial to fail")
	}
	if c.Connected() {
		t.Error("expected not connected")
	}
}

func TestClient_CloseStopsRedial(t *testing.T) {
	r, srv := newRelay(t)
	c := NewClient(wsURL(srv), "tok", testOptions(), logging.Nop())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.connCount() == 1 })
	c.Close()
	c.Close()

	time.Sleep(50 * time.Millisecond)
	if n := r.connCount(); n != 1 {
		t.Errorf("expected no redial after close, got %d connections", n)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("expected connect after close to fail")
	}
}
