/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package socket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tejzpr/verto-go-sdk/verto"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeGateway answers logins and records every request it receives.
type fakeGateway struct {
	server *httptest.Server

	mu       sync.Mutex
	writeMu  sync.Mutex
	conns    []*websocket.Conn
	received []*verto.Message
	reject   bool
	greeting *verto.Message
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	upgrader := websocket.Upgrader{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.serve(conn)
	}))
	t.Cleanup(func() {
		g.dropAll()
		g.server.Close()
	})
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) serve(conn *websocket.Conn) {
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := verto.Decode(data)
		if err != nil {
			continue
		}
		g.mu.Lock()
		g.received = append(g.received, msg)
		reject := g.reject
		greeting := g.greeting
		g.mu.Unlock()

		if msg.Method != verto.MethodLogin {
			continue
		}
		if greeting != nil {
			g.write(conn, greeting)
		}
		reply := &verto.Message{JSONRPC: verto.ProtocolVersion, ID: msg.ID}
		if reject {
			reply.Error = json.RawMessage(`{"code":-32001,"message":"Authentication Required"}`)
		} else {
			reply.Result = json.RawMessage(`{"message":"logged in","sessid":"srv-sess"}`)
		}
		g.write(conn, reply)
	}
}

func (g *fakeGateway) write(conn *websocket.Conn, msg *verto.Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (g *fakeGateway) writeRaw(data string) {
	g.mu.Lock()
	conn := g.conns[len(g.conns)-1]
	g.mu.Unlock()
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (g *fakeGateway) push(msg *verto.Message) {
	g.mu.Lock()
	conn := g.conns[len(g.conns)-1]
	g.mu.Unlock()
	g.write(conn, msg)
}

func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	conns := g.conns
	g.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (g *fakeGateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *fakeGateway) byMethod(method verto.Method) []*verto.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*verto.Message
	for _, m := range g.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// inbox collects dispatched messages.
type inbox struct {
	mu   sync.Mutex
	msgs []*verto.Message
}

func (in *inbox) handle(msg *verto.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, msg)
}

func (in *inbox) all() []*verto.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*verto.Message, len(in.msgs))
	copy(out, in.msgs)
	return out
}

func testSocketConfig() *Config {
	return &Config{
		HandshakeTimeout:            time.Second,
		LoginTimeout:                time.Second,
		WriteTimeout:                time.Second,
		PingInterval:                20 * time.Millisecond,
		PongTimeout:                 time.Second,
		BackoffTimeMax:              40 * time.Millisecond,
		BackoffTimeReset:            10 * time.Millisecond,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 0,
	}
}

func newTestClient(t *testing.T, url, token string) (*Client, *inbox) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	c := New(url, token, testSocketConfig(), logger)
	in := &inbox{}
	c.OnMessage(in.handle)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, in
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.PongTimeout)
	assert.Equal(t, 32*time.Second, cfg.BackoffTimeMax)
	assert.Equal(t, time.Second, cfg.BackoffTimeReset)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5, cfg.InitialConnectionMaxRetries)

	c := New("wss://example.invalid", "", nil, nil)
	assert.Equal(t, cfg, c.config)
	assert.False(t, c.IsConnected())
}

func TestConnect(t *testing.T) {
	t.Run("Login", func(t *testing.T) {
		g := newFakeGateway(t)
		c, in := newTestClient(t, g.url(), "secret-token")
		var connects []bool
		var mu sync.Mutex
		c.OnConnect(func(reconnected bool) {
			mu.Lock()
			connects = append(connects, reconnected)
			mu.Unlock()
		})

		require.NoError(t, c.Connect())
		assert.True(t, c.IsConnected())
		assert.Equal(t, "srv-sess", c.SessionID())

		logins := g.byMethod(verto.MethodLogin)
		require.Len(t, logins, 1)
		var params map[string]any
		require.NoError(t, json.Unmarshal(logins[0].Params, &params))
		assert.Equal(t, "secret-token", params["login_token"])
		assert.Equal(t, verto.UserAgent, params["User-Agent"])

		require.Eventually(t, func() bool { return len(in.all()) == 1 }, waitFor, tick)
		assert.Equal(t, "srv-sess", in.all()[0].SessionID())
		mu.Lock()
		assert.Equal(t, []bool{false}, connects)
		mu.Unlock()

		// a second Connect is a no-op
		require.NoError(t, c.Connect())
		assert.Equal(t, 1, g.connCount())
	})

	t.Run("Messages before the login response are kept", func(t *testing.T) {
		g := newFakeGateway(t)
		g.greeting = &verto.Message{
			JSONRPC: verto.ProtocolVersion,
			ID:      "ready-1",
			Method:  verto.MethodClientReady,
			Params:  json.RawMessage(`{}`),
		}
		c, in := newTestClient(t, g.url(), "secret-token")

		require.NoError(t, c.Connect())
		require.Eventually(t, func() bool { return len(in.all()) == 2 }, waitFor, tick)
		msgs := in.all()
		assert.Equal(t, verto.MethodClientReady, msgs[0].Method)
		assert.True(t, msgs[1].IsResponse())
	})

	t.Run("Login rejected", func(t *testing.T) {
		g := newFakeGateway(t)
		g.reject = true
		c, _ := newTestClient(t, g.url(), "bad-token")

		err := c.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "login rejected")
		assert.False(t, c.IsConnected())
	})

	t.Run("Without a token", func(t *testing.T) {
		g := newFakeGateway(t)
		c, _ := newTestClient(t, g.url(), "")

		require.NoError(t, c.Connect())
		assert.True(t, c.IsConnected())
		assert.Empty(t, g.byMethod(verto.MethodLogin))
	})

	t.Run("Invalid URL", func(t *testing.T) {
		c, _ := newTestClient(t, "http://example.invalid", "")
		err := c.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheme")
	})

	t.Run("Unreachable gateway", func(t *testing.T) {
		g := newFakeGateway(t)
		url := g.url()
		g.server.Close()

		c, _ := newTestClient(t, url, "")
		err := c.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect after 1 attempts")
	})
}

func TestSendAndReceive(t *testing.T) {
	g := newFakeGateway(t)
	c, in := newTestClient(t, g.url(), "secret-token")

	t.Run("Not connected", func(t *testing.T) {
		msg, err := verto.NewReAttach()
		require.NoError(t, err)
		assert.True(t, errors.Is(c.Send(msg), ErrNotConnected))
	})

	require.NoError(t, c.Connect())

	t.Run("Send reaches the gateway", func(t *testing.T) {
		msg, err := verto.NewReAttach()
		require.NoError(t, err)
		require.NoError(t, c.Send(msg))
		require.Eventually(t, func() bool { return len(g.byMethod(verto.MethodAttachCalls)) == 1 }, waitFor, tick)
		assert.Equal(t, msg.ID, g.byMethod(verto.MethodAttachCalls)[0].ID)
	})

	t.Run("Inbound messages keep their order", func(t *testing.T) {
		before := len(in.all())
		for _, id := range []string{"a", "b", "c"} {
			g.push(&verto.Message{
				JSONRPC: verto.ProtocolVersion,
				ID:      id,
				Method:  verto.MethodPing,
				Params:  json.RawMessage(`{}`),
			})
		}
		require.Eventually(t, func() bool { return len(in.all()) == before+3 }, waitFor, tick)
		var ids []string
		for _, m := range in.all()[before:] {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("Malformed frames are skipped", func(t *testing.T) {
		before := len(in.all())
		g.writeRaw("not json")
		g.push(&verto.Message{JSONRPC: verto.ProtocolVersion, ID: "after", Method: verto.MethodPing})
		require.Eventually(t, func() bool { return len(in.all()) == before+1 }, waitFor, tick)
		assert.Equal(t, "after", in.all()[before].ID)
		assert.True(t, c.IsConnected())
	})

	t.Run("Keepalive", func(t *testing.T) {
		time.Sleep(100 * time.Millisecond)
		assert.True(t, c.IsConnected())
		assert.Equal(t, 1, g.connCount())
	})
}

func TestReconnect(t *testing.T) {
	t.Run("Dropped connection is re-established", func(t *testing.T) {
		g := newFakeGateway(t)
		c, _ := newTestClient(t, g.url(), "secret-token")
		reconnected := make(chan bool, 4)
		c.OnConnect(func(r bool) { reconnected <- r })

		require.NoError(t, c.Connect())
		assert.False(t, <-reconnected)

		g.dropAll()
		select {
		case r := <-reconnected:
			assert.True(t, r)
		case <-time.After(waitFor):
			t.Fatal("client did not reconnect")
		}
		assert.True(t, c.IsConnected())
		assert.Equal(t, 2, g.connCount())

		logins := g.byMethod(verto.MethodLogin)
		require.Len(t, logins, 2)
		var params map[string]any
		require.NoError(t, json.Unmarshal(logins[1].Params, &params))
		assert.Equal(t, "srv-sess", params["sessid"])
	})

	t.Run("Disconnect stops reconnecting", func(t *testing.T) {
		g := newFakeGateway(t)
		c, _ := newTestClient(t, g.url(), "secret-token")
		require.NoError(t, c.Connect())

		require.NoError(t, c.Disconnect())
		assert.False(t, c.IsConnected())
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, g.connCount())
		assert.False(t, c.IsConnected())

		// disconnecting twice is fine
		require.NoError(t, c.Disconnect())
	})
}
