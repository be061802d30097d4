package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kleeedolinux/courier.go/debug"
	"github.com/kleeedolinux/courier.go/socket"
	"github.com/kleeedolinux/courier.go/socket/distributed"
	"github.com/urfave/cli/v3"
)

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Run a relay that fans events out to subscribed clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides relay.addr)",
			},
			&cli.StringFlag{
				Name:  "amqp",
				Usage: "AMQP URL to consume events from (overrides relay.amqp.url)",
			},
			&cli.StringFlag{
				Name:  "secret",
				Usage: "HMAC secret used to verify bearer tokens (overrides auth.secret)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if v := c.String("addr"); v != "" {
				cfg.Relay.Addr = v
			}
			if v := c.String("amqp"); v != "" {
				cfg.Relay.AMQP.URL = v
			}
			if v := c.String("secret"); v != "" {
				cfg.Auth.Secret = v
			}

			logger := debug.For("relay")
			server := socket.NewServer(cfg.ServerOptions(debug.Logger())...)

			mux := http.NewServeMux()
			path := "/" + strings.Trim(cfg.Relay.Path, "/")
			mux.Handle(path, server)
			mux.Handle(path+"/", server)

			httpServer := &http.Server{
				Addr:              cfg.Relay.Addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errs := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.Relay.Addr).Str("path", path).
					Bool("verify_tokens", cfg.Auth.Secret != "").Msg("Relay listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errs <- fmt.Errorf("http server: %w", err)
				}
			}()

			if cfg.Relay.AMQP.URL != "" {
				source := distributed.NewSource(cfg.Relay.AMQP.URL, server,
					distributed.WithExchange(cfg.Relay.AMQP.Exchange),
					distributed.WithQueue(cfg.Relay.AMQP.Queue),
					distributed.WithBindings(cfg.Relay.AMQP.Bindings...),
					distributed.WithLogger(debug.Logger()),
				)
				go source.Run(ctx)
			}

			var runErr error
			select {
			case <-ctx.Done():
			case runErr = <-errs:
			}
			logger.Info().Msg("Shutting down relay")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Relay shutdown")
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}
