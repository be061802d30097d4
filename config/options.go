package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kleeedolinux/courier.go/auth"
	"github.com/kleeedolinux/courier.go/socket"
	"github.com/kleeedolinux/courier.go/socket/transport"
	"github.com/rs/zerolog"
)

// ClientOptions maps the reconnect and queue sections onto client options.
func (c *Config) ClientOptions() []socket.ClientOption {
	return []socket.ClientOption{
		socket.WithReconnectDelay(c.Reconnect.Delay.Duration),
		socket.WithMaxReconnectDelay(c.Reconnect.MaxDelay.Duration),
		socket.WithReconnectAttempts(c.Reconnect.Attempts),
		socket.WithConnectTimeout(c.Reconnect.ConnectTimeout.Duration),
		socket.WithQueueCapacity(c.Queue.Capacity),
		socket.WithMaxCommandAttempts(c.Queue.MaxAttempts),
	}
}

// WebSocketURL rewrites the server URL to the ws(s) scheme.
func (c *Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return "", fmt.Errorf("server.url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// HTTPURL rewrites the server URL to the http(s) scheme.
func (c *Config) HTTPURL() (string, error) {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return "", fmt.Errorf("server.url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

// NewTransport builds the client transport selected by transport.kind.
func (c *Config) NewTransport(logger zerolog.Logger) (socket.Transport, error) {
	switch c.Transport.Kind {
	case TransportLongPolling:
		base, err := c.HTTPURL()
		if err != nil {
			return nil, err
		}
		return transport.NewLongPollingTransport(base,
			transport.WithTimeout(c.Transport.PollTimeout.Duration),
			transport.WithLongPollingLogger(logger),
		), nil
	case TransportWebSocket:
		wsURL, err := c.WebSocketURL()
		if err != nil {
			return nil, err
		}
		return transport.NewWebSocketTransport(wsURL,
			transport.WithReadTimeout(c.Transport.ReadTimeout.Duration),
			transport.WithWriteTimeout(c.Transport.WriteTimeout.Duration),
			transport.WithPingInterval(c.Transport.PingInterval.Duration),
			transport.WithCompression(c.Transport.Compression),
			transport.WithLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind)
	}
}

// TokenSource prefers a token file, then an environment variable, then the
// literal token.
func (c *Config) TokenSource(logger zerolog.Logger) auth.TokenSource {
	switch {
	case c.Auth.TokenFile != "":
		return auth.NewFileTokenSource(c.Auth.TokenFile, logger)
	case c.Auth.TokenEnv != "":
		return auth.EnvToken(c.Auth.TokenEnv)
	default:
		return auth.StaticToken(c.Auth.Token)
	}
}

// ServerOptions maps the relay section onto relay options. Tokens are verified
// only when auth.secret is set.
func (c *Config) ServerOptions(logger zerolog.Logger) []socket.ServerOption {
	opts := []socket.ServerOption{
		socket.WithSessionTimeout(c.Relay.SessionTimeout.Duration),
		socket.WithPollTimeout(c.Relay.PollTimeout.Duration),
		socket.WithPingInterval(c.Relay.PingInterval.Duration),
		socket.WithMaxConcurrency(c.Relay.MaxConcurrency),
		socket.WithBufferSize(c.Relay.BufferSize),
		socket.WithCompression(c.Transport.Compression),
		socket.WithServerLogger(logger),
	}
	if c.Auth.Secret != "" {
		opts = append(opts, socket.WithVerifier(auth.NewVerifier(c.Auth.Secret)))
	}
	return opts
}
