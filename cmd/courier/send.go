package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kleeedolinux/courier.go/debug"
	"github.com/kleeedolinux/courier.go/socket"
	"github.com/urfave/cli/v3"
)

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send a command through the relay",
		Commands: []*cli.Command{
			{
				Name:  "message",
				Usage: "Post a chat message into a user's conversation",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "Conversation owner", Required: true},
					&cli.StringFlag{Name: "sender", Usage: "Sender id (defaults to the token identity)"},
					&cli.StringFlag{Name: "text", Usage: "Message text", Required: true},
					waitFlag(),
				}, clientFlags()...),
				Action: func(ctx context.Context, c *cli.Command) error {
					return sendOne(ctx, c, func(conn *socket.Connection) socket.Command {
						sender := c.String("sender")
						if sender == "" {
							sender = conn.Identity()
						}
						return socket.SendMessage{
							UserID:   c.String("user"),
							SenderID: sender,
							Text:     c.String("text"),
						}
					})
				},
			},
			{
				Name:  "location",
				Usage: "Report a driver position for an order",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "order", Usage: "Order id", Required: true},
					&cli.StringFlag{Name: "driver", Usage: "Driver id (defaults to the token identity)"},
					&cli.FloatFlag{Name: "lat", Usage: "Latitude", Required: true},
					&cli.FloatFlag{Name: "lng", Usage: "Longitude", Required: true},
					&cli.FloatFlag{Name: "heading", Usage: "Heading in degrees"},
					waitFlag(),
				}, clientFlags()...),
				Action: func(ctx context.Context, c *cli.Command) error {
					return sendOne(ctx, c, func(conn *socket.Connection) socket.Command {
						driver := c.String("driver")
						if driver == "" {
							driver = conn.Identity()
						}
						return socket.UpdateDriverLocation{
							OrderID:  c.String("order"),
							DriverID: driver,
							Location: socket.Location{
								Latitude:  c.Float("lat"),
								Longitude: c.Float("lng"),
								Heading:   c.Float("heading"),
							},
						}
					})
				},
			},
			{
				Name:  "notification",
				Usage: "Push a notification into a user's inbox",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "Recipient", Required: true},
					&cli.StringFlag{Name: "title", Usage: "Title", Required: true},
					&cli.StringFlag{Name: "body", Usage: "Body"},
					&cli.StringFlag{Name: "kind", Usage: "Notification kind", Value: "general"},
					waitFlag(),
				}, clientFlags()...),
				Action: func(ctx context.Context, c *cli.Command) error {
					return sendOne(ctx, c, func(*socket.Connection) socket.Command {
						return socket.SendNotification{
							UserID: c.String("user"),
							Title:  c.String("title"),
							Body:   c.String("body"),
							Kind:   c.String("kind"),
						}
					})
				},
			},
		},
	}
}

func waitFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "wait",
		Usage: "How long to wait for the command to be written",
		Value: 15 * time.Second,
	}
}

// sendOne connects, enqueues the command built by build and waits for it to
// be written.
func sendOne(ctx context.Context, c *cli.Command, build func(*socket.Connection) socket.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := applyClientFlags(c, cfg); err != nil {
		return err
	}

	client, _, token, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	conn, err := client.Connect(ctx, token)
	if conn == nil {
		return err
	}
	if err != nil {
		logger := debug.For("send")
		logger.Warn().Err(err).Msg("Connect failed, command stays queued while retrying")
	}

	cmd := build(conn)
	waitCtx, cancel := context.WithTimeout(ctx, c.Duration("wait"))
	defer cancel()

	if err := client.Enqueue(cmd).Wait(waitCtx); err != nil {
		return fmt.Errorf("%s: %w", cmd.Action(), err)
	}

	fmt.Fprintln(os.Stderr, connectedStyle.Render("✓ sent "+cmd.Action()))
	return nil
}
