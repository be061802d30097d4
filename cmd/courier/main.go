package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kleeedolinux/courier.go/config"
	"github.com/kleeedolinux/courier.go/debug"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "courier",
		Usage: "Realtime order tracking, chat and notification relay",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Configuration file path (.yaml, .yml or .toml)",
				Sources: cli.EnvVars("COURIER_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			relayCommand(),
			tailCommand(),
			publishCommand(),
			sendCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

// loadConfig reads the --config file and points the process logger at stderr.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	envDebug := debug.Debug
	pretty := cfg.Log.Pretty || isatty.IsTerminal(os.Stderr.Fd())
	debug.SetOutput(os.Stderr, pretty)
	if err := debug.SetLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if envDebug || c.Bool("debug") {
		debug.Enable()
	}
	return cfg, nil
}
