/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package verto is the entry point of the SDK. NewClient wires the
// signaling socket, the calling core, logging and metrics together.
package verto

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/calling"
	"github.com/tejzpr/verto-go-sdk/socket"
	"github.com/tejzpr/verto-go-sdk/verto"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

// Client is the top-level client of the SDK
type Client struct {
	config   *vertosdk.Config
	logger   *logrus.Logger
	log      *logrus.Entry
	registry *prometheus.Registry

	socket  *socket.Client
	calling *calling.CallingClient
}

// NewClient creates a client from config. A nil config is loaded from
// the environment. Options are passed on to the calling client.
func NewClient(config *vertosdk.Config, opts ...calling.ClientOption) (*Client, error) {
	if config == nil {
		var err error
		if config, err = vertosdk.LoadConfig(); err != nil {
			return nil, err
		}
	}
	if config.SignalingURL == "" {
		return nil, errors.New("signaling URL is required")
	}

	logger := vertosdk.NewLogger(config.LogLevel, config.LogFormat)
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sock := socket.New(config.SignalingURL, config.LoginToken, nil, logger)
	clientOpts := []calling.ClientOption{
		calling.WithLogger(logger),
		calling.WithMetrics(calling.NewMetrics(config.MetricsNamespace, registry)),
	}
	cc := calling.NewCallingClient(sock, calling.ConfigFromSDK(config), append(clientOpts, opts...)...)

	c := &Client{
		config:   config,
		logger:   logger,
		log:      vertosdk.ComponentLogger(logger, "client"),
		registry: registry,
		socket:   sock,
		calling:  cc,
	}
	sock.OnMessage(c.handleMessage)
	sock.OnConnect(c.handleConnect)
	return c, nil
}

func (c *Client) handleMessage(msg *verto.Message) {
	if err := c.calling.HandleMessage(msg); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleMessage",
			"method":   msg.Method,
		}).WithError(err).Warn("Failed to handle message")
	}
}

// handleConnect adopts the session id of a fresh login. After a reconnect
// the gateway is asked to re-attach the calls that were live.
func (c *Client) handleConnect(reconnected bool) {
	if sessionID := c.socket.SessionID(); sessionID != "" {
		c.calling.SetSessionID(sessionID)
	}
	if !reconnected || len(c.calling.GetActiveCalls()) == 0 {
		return
	}
	if err := c.calling.ReAttach(); err != nil {
		c.log.WithField("function", "handleConnect").WithError(err).Warn("Failed to request re-attach")
	}
}

// Connect opens the signaling connection and logs in
func (c *Client) Connect() error {
	if err := c.socket.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.config.SignalingURL, err)
	}
	return nil
}

// Disconnect hangs up every call and closes the signaling connection
func (c *Client) Disconnect() error {
	err := c.calling.Shutdown()
	return errors.Join(err, c.socket.Disconnect())
}

// Calling returns the calling client
func (c *Client) Calling() *calling.CallingClient {
	return c.calling
}

// Socket returns the signaling socket (internal)
func (c *Client) Socket() *socket.Client {
	return c.socket
}

// Logger returns the SDK logger
func (c *Client) Logger() *logrus.Logger {
	return c.logger
}

// Config returns the configuration the client was built from
func (c *Client) Config() *vertosdk.Config {
	return c.config
}

// Registry returns the prometheus registry holding the SDK metrics
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

// MetricsHandler serves the SDK metrics in the prometheus text format
func (c *Client) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
