package main

import (
	"fmt"

	"github.com/kleeedolinux/courier.go/auth"
	"github.com/kleeedolinux/courier.go/config"
	"github.com/kleeedolinux/courier.go/debug"
	"github.com/kleeedolinux/courier.go/socket"
	"github.com/urfave/cli/v3"
)

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "server",
			Usage: "Relay URL (overrides server.url)",
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Bearer token (overrides auth settings)",
			Sources: cli.EnvVars("COURIER_TOKEN"),
		},
		&cli.StringFlag{
			Name:  "token-file",
			Usage: "File holding the bearer token, reloaded when it changes",
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "websocket or longpolling (overrides transport.kind)",
		},
	}
}

// applyClientFlags folds the shared client flags into cfg.
func applyClientFlags(c *cli.Command, cfg *config.Config) error {
	if v := c.String("server"); v != "" {
		cfg.Server.URL = v
	}
	if v := c.String("token"); v != "" {
		cfg.Auth.Token = v
		cfg.Auth.TokenFile = ""
		cfg.Auth.TokenEnv = ""
	}
	if v := c.String("token-file"); v != "" {
		cfg.Auth.TokenFile = v
	}
	if v := c.String("transport"); v != "" {
		cfg.Transport.Kind = v
	}
	return cfg.Validate()
}

// newClient builds a client over the configured transport and reads the
// current token from the configured source.
func newClient(cfg *config.Config) (*socket.Client, auth.TokenSource, string, error) {
	logger := debug.Logger()

	tr, err := cfg.NewTransport(logger)
	if err != nil {
		return nil, nil, "", err
	}

	src := cfg.TokenSource(logger)
	token, err := src.Token()
	if err != nil {
		return nil, nil, "", fmt.Errorf("reading token: %w", err)
	}

	errLog := debug.For("cli")
	opts := append(cfg.ClientOptions(),
		socket.WithLogger(logger),
		socket.WithErrorHandler(func(err error) {
			errLog.Warn().Err(err).Msg("Client error")
		}),
	)
	return socket.NewClient(tr, opts...), src, token, nil
}
