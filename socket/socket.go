/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package socket carries Verto JSON-RPC messages over a websocket. It logs
// in, keeps the connection alive with ping/pong, reconnects with
// exponential backoff and hands every inbound message to its handlers.
package socket

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/verto"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

// ErrNotConnected is returned by Send while no connection is up
var ErrNotConnected = errors.New("socket is not connected")

// Config holds the configuration of the socket client
type Config struct {
	HandshakeTimeout            time.Duration // Timeout of the websocket handshake
	LoginTimeout                time.Duration // Timeout for the login response
	WriteTimeout                time.Duration // Deadline of a single write
	PingInterval                time.Duration // Interval between ping messages
	PongTimeout                 time.Duration // Timeout for receiving a pong response
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Number of times to retry before giving up
	InitialConnectionMaxRetries int           // Number of times to retry before giving up on the initial connection
}

// DefaultConfig returns the default configuration of the socket client
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:            10 * time.Second,
		LoginTimeout:                10 * time.Second,
		WriteTimeout:                5 * time.Second,
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
	}
}

// MessageHandler receives every inbound message
type MessageHandler func(msg *verto.Message)

// ConnectHandler runs after each successful login. reconnected is false
// for the first connection.
type ConnectHandler func(reconnected bool)

// Client is a Verto websocket client. It implements calling.Sender.
type Client struct {
	url    string
	token  string
	config *Config
	log    *logrus.Entry

	mu              sync.Mutex
	writeMu         sync.Mutex
	conn            *websocket.Conn
	connected       bool
	connecting      bool
	hasConnected    bool
	closeCh         chan struct{}
	sessionID       string
	retryCount      int
	currentBackoff  time.Duration
	handlers        []MessageHandler
	connectHandlers []ConnectHandler
}

// New creates a socket client for the gateway at wsURL. An empty token
// skips the login exchange.
func New(wsURL, token string, config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		url:            wsURL,
		token:          token,
		config:         config,
		log:            vertosdk.ComponentLogger(logger, "socket"),
		closeCh:        make(chan struct{}),
		currentBackoff: config.BackoffTimeReset,
	}
}

// OnMessage registers a handler for inbound messages. Handlers run on the
// read loop in arrival order.
func (c *Client) OnMessage(handler MessageHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// OnConnect registers a handler run after each successful login
func (c *Client) OnConnect(handler ConnectHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectHandlers = append(c.connectHandlers, handler)
}

// IsConnected returns whether the client is connected to the gateway
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the session id assigned by the gateway at login. It
// is sent again on reconnect so the gateway can re-attach live calls.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect dials the gateway and logs in, retrying with backoff
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.connecting = true
	c.mu.Unlock()

	return c.connectWithBackoff()
}

// Disconnect closes the connection and stops reconnecting
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}

	// Signal all goroutines to stop
	close(c.closeCh)
	c.closeCh = make(chan struct{})

	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.log.WithField("function", "Disconnect").Info("Disconnected from gateway")
	return nil
}

// Send writes one message to the gateway
func (c *Client) Send(msg *verto.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Method, err)
	}
	c.log.WithFields(logrus.Fields{
		"function": "Send",
		"method":   msg.Method,
		"msg_id":   msg.ID,
	}).Trace("Sent message")
	return nil
}

// connectWithBackoff attempts to connect with exponential backoff
func (c *Client) connectWithBackoff() error {
	c.mu.Lock()
	c.retryCount = 0
	c.currentBackoff = c.config.BackoffTimeReset
	maxRetries := c.config.MaxRetries
	if !c.hasConnected {
		maxRetries = c.config.InitialConnectionMaxRetries
	}
	closeCh := c.closeCh
	c.mu.Unlock()

	log := c.log.WithField("function", "connectWithBackoff")
	var err error
	for {
		err = c.attemptConnection(closeCh)
		if err == nil {
			return nil
		}

		c.retryCount++
		if c.retryCount > maxRetries {
			break
		}
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": c.retryCount,
			"backoff": c.currentBackoff,
		}).Warn("Connection attempt failed, retrying")

		select {
		case <-time.After(c.currentBackoff):
			c.currentBackoff *= 2
			if c.currentBackoff > c.config.BackoffTimeMax {
				c.currentBackoff = c.config.BackoffTimeMax
			}
		case <-closeCh:
			return nil // Stopped by user
		}
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", c.retryCount, err)
}

// attemptConnection makes a single connection attempt
func (c *Client) attemptConnection(closeCh chan struct{}) error {
	wsURL, err := prepareWebSocketURL(c.url)
	if err != nil {
		return err
	}
	conn, err := c.dialWebSocket(wsURL)
	if err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	pending, err := c.login(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	select {
	case <-closeCh:
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	default:
	}
	c.conn = conn
	c.connected = true
	c.connecting = false
	reconnected := c.hasConnected
	c.hasConnected = true
	connectHandlers := make([]ConnectHandler, len(c.connectHandlers))
	copy(connectHandlers, c.connectHandlers)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function":    "attemptConnection",
		"reconnected": reconnected,
		"session_id":  c.SessionID(),
	}).Info("Connected to gateway")

	done := make(chan struct{})
	go c.startPingPong(conn, closeCh, done)
	go c.listen(conn, pending, done)

	for _, handler := range connectHandlers {
		handler(reconnected)
	}
	return nil
}

// prepareWebSocketURL validates the gateway URL
func prepareWebSocketURL(wsURL string) (string, error) {
	parsedURL, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	if parsedURL.Scheme != "ws" && parsedURL.Scheme != "wss" {
		return "", fmt.Errorf("invalid WebSocket URL scheme %q", parsedURL.Scheme)
	}
	return parsedURL.String(), nil
}

// dialWebSocket establishes the websocket connection
func (c *Client) dialWebSocket(wsURL string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("User-Agent", verto.UserAgent)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, _, err := dialer.Dial(wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	return conn, nil
}

// login sends the login request and waits for its response. Messages the
// gateway sends before the response are returned for dispatch, followed by
// the response itself.
func (c *Client) login(conn *websocket.Conn) ([]*verto.Message, error) {
	if c.token == "" {
		return nil, nil
	}
	req, err := verto.NewLogin(c.token, c.SessionID())
	if err != nil {
		return nil, err
	}
	data, err := req.Encode()
	if err != nil {
		return nil, err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("failed to send login: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.config.LoginTimeout)); err != nil {
		return nil, err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var pending []*verto.Message
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("error reading login response: %w", err)
		}
		msg, err := verto.Decode(data)
		if err != nil {
			continue
		}
		if msg.ID != req.ID || !msg.IsResponse() {
			pending = append(pending, msg)
			continue
		}
		if err := msg.ServerError(); err != nil {
			return nil, fmt.Errorf("login rejected: %w", err)
		}
		if sessionID := msg.SessionID(); sessionID != "" {
			c.mu.Lock()
			c.sessionID = sessionID
			c.mu.Unlock()
		}
		return append(pending, msg), nil
	}
}

// listen reads messages until the connection fails
func (c *Client) listen(conn *websocket.Conn, pending []*verto.Message, done chan struct{}) {
	defer close(done)

	for _, msg := range pending {
		c.dispatch(msg)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(conn, err)
			return
		}
		msg, err := verto.Decode(data)
		if err != nil {
			c.log.WithField("function", "listen").WithError(err).Warn("Dropping malformed message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *verto.Message) {
	c.mu.Lock()
	handlers := make([]MessageHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// handleConnectionError triggers a reconnect unless the client was
// deliberately disconnected
func (c *Client) handleConnectionError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	closeCh := c.closeCh
	c.mu.Unlock()
	_ = conn.Close()

	if !wasConnected {
		return
	}
	select {
	case <-closeCh:
	default:
		c.log.WithField("function", "handleConnectionError").WithError(err).Warn("Connection lost, reconnecting")
		go c.reconnect()
	}
}

// startPingPong keeps the connection alive. A failed ping closes the
// connection, which makes the read loop reconnect.
func (c *Client) startPingPong(conn *websocket.Conn, closeCh, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(conn); err != nil {
				c.log.WithField("function", "startPingPong").WithError(err).Warn("Ping failed")
				_ = conn.Close()
				return
			}
		case <-closeCh:
			return
		case <-done:
			return
		}
	}
}

// ping sends a ping and arms the pong deadline
func (c *Client) ping(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
		return err
	}
	pingData := fmt.Sprintf("%d", time.Now().UnixMilli())
	return conn.WriteControl(websocket.PingMessage, []byte(pingData), time.Now().Add(c.config.WriteTimeout))
}

// reconnect re-establishes a dropped connection
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	if err := c.connectWithBackoff(); err != nil {
		c.log.WithField("function", "reconnect").WithError(err).Error("Giving up reconnecting")
	}
}
