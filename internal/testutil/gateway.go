// Package testutil provides an in-process NDAX gateway for tests.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/ndaxstream/internal/wire"
)

// Responder reacts to a frame received by the gateway.
type Responder func(g *Gateway, env wire.Envelope)

// Gateway is a websocket server speaking the NDAX envelope protocol. It
// records every inbound frame and lets tests push frames and drop sockets.
type Gateway struct {
	t       testing.TB
	srv     *httptest.Server
	respond Responder

	mu          sync.Mutex
	conns       []*websocket.Conn
	received    []wire.Envelope
	connections int
	notify      chan struct{}
}

// NewGateway starts a gateway; respond may be nil.
func NewGateway(t testing.TB, respond Responder) *Gateway {
	t.Helper()
	g := &Gateway{t: t, respond: respond, notify: make(chan struct{}, 1)}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.Close)
	return g
}

// URL returns the ws:// endpoint.
func (g *Gateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.connections++
	g.mu.Unlock()
	g.signal()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		env, ok := wire.Decode(data)
		if !ok {
			continue
		}
		g.mu.Lock()
		g.received = append(g.received, env)
		g.mu.Unlock()
		g.signal()
		if g.respond != nil {
			g.respond(g, env)
		}
	}
}

func (g *Gateway) signal() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// Send writes an envelope to the most recent socket.
func (g *Gateway) Send(kind wire.Kind, seq int64, name wire.Op, payload any) {
	data, err := wire.Encode(kind, seq, name, payload)
	require.NoError(g.t, err)
	g.SendRaw(data)
}

// Reply answers env with a reply-kind envelope echoing its sequence.
func (g *Gateway) Reply(env wire.Envelope, payload any) {
	g.Send(wire.KindReply, env.Sequence, env.Name, payload)
}

// SendRaw writes bytes verbatim to the most recent socket.
func (g *Gateway) SendRaw(data []byte) {
	g.mu.Lock()
	var conn *websocket.Conn
	if len(g.conns) > 0 {
		conn = g.conns[len(g.conns)-1]
	}
	g.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// DropConnections closes every open socket without a close handshake.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, conn := range conns {
		_ = conn.CloseNow()
	}
}

// Connections returns how many sockets have been accepted.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connections
}

// Received returns every frame named name, in arrival order. An empty name
// returns all frames.
func (g *Gateway) Received(name wire.Op) []wire.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]wire.Envelope, 0, len(g.received))
	for _, env := range g.received {
		if name == "" || env.Name == name {
			out = append(out, env)
		}
	}
	return out
}

// Count returns how many frames named name arrived.
func (g *Gateway) Count(name wire.Op) int {
	return len(g.Received(name))
}

// WaitFor blocks until at least n frames named name have arrived and
// returns them.
func (g *Gateway) WaitFor(name wire.Op, n int, timeout time.Duration) []wire.Envelope {
	g.t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if frames := g.Received(name); len(frames) >= n {
			return frames
		}
		select {
		case <-g.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline.C:
			require.FailNowf(g.t, "gateway timeout", "waited for %d %s frames, got %d", n, name, g.Count(name))
			return nil
		}
	}
}

// WaitConnections blocks until n sockets have been accepted.
func (g *Gateway) WaitConnections(n int, timeout time.Duration) {
	g.t.Helper()
	require.Eventually(g.t, func() bool { return g.Connections() >= n }, timeout, 5*time.Millisecond,
		"expected %d gateway connections", n)
}

// Close drops every socket and stops the server.
func (g *Gateway) Close() {
	g.DropConnections()
	g.srv.Close()
}

// PongResponder answers keep-alive pings.
func PongResponder(g *Gateway, env wire.Envelope) {
	if env.Name == wire.OpPing {
		g.Reply(env, map[string]string{"msg": "PONG"})
	}
}

// Chain runs responders in order.
func Chain(responders ...Responder) Responder {
	return func(g *Gateway, env wire.Envelope) {
		for _, r := range responders {
			if r != nil {
				r(g, env)
			}
		}
	}
}
