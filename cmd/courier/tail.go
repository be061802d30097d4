package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/kleeedolinux/courier.go/auth"
	"github.com/kleeedolinux/courier.go/debug"
	"github.com/kleeedolinux/courier.go/socket"
	"github.com/urfave/cli/v3"
)

// TailCommand subscribes to topics and prints every event on stdout. The
// connectivity indicator goes to stderr so stdout stays pipeable.
//
//	courier tail --order abc123
//	courier tail --user 7 --topic promotions --json | jq .payload
func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Subscribe to topics and print their events",
		Flags: append([]cli.Flag{
			&cli.StringSliceFlag{
				Name:  "topic",
				Usage: "Topic to subscribe to (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "order",
				Usage: "Track an order (repeatable)",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "Follow a user's notification inbox",
			},
			&cli.StringFlag{
				Name:  "conversation",
				Usage: "Follow the support conversation of a user",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print one JSON frame per line instead of styled output",
			},
		}, clientFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := applyClientFlags(c, cfg); err != nil {
				return err
			}

			topics := c.StringSlice("topic")
			for _, id := range c.StringSlice("order") {
				topics = append(topics, socket.OrderTopic(id))
			}
			if id := c.String("user"); id != "" {
				topics = append(topics, socket.NotificationsTopic(id))
			}
			if id := c.String("conversation"); id != "" {
				topics = append(topics, socket.ConversationTopic(id))
			}
			if len(topics) == 0 {
				return errors.New("nothing to tail: pass --topic, --order, --user or --conversation")
			}

			client, src, token, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			logger := debug.For("tail")
			printer := &eventPrinter{json: c.Bool("json")}

			unwatch := client.OnStateChange(func(s socket.State) {
				fmt.Fprintln(os.Stderr, renderState(s))
			})
			defer unwatch()

			for _, topic := range topics {
				if _, err := client.Subscribe(topic, printer.print); err != nil {
					return fmt.Errorf("subscribe %s: %w", topic, err)
				}
			}

			if _, err := client.Connect(ctx, token); err != nil {
				logger.Warn().Err(err).Msg("Initial connect failed, retrying in background")
			}

			if fileSrc, ok := src.(*auth.FileTokenSource); ok {
				go func() {
					err := fileSrc.Watch(ctx, func(token string) {
						logger.Info().Msg("Token rotated, reconnecting")
						if _, err := client.Connect(ctx, token); err != nil {
							logger.Warn().Err(err).Msg("Reconnect with rotated token failed")
						}
					})
					if err != nil {
						logger.Error().Err(err).Msg("Token watcher stopped")
					}
				}()
			}

			<-ctx.Done()
			return nil
		},
	}
}

type eventPrinter struct {
	mu   sync.Mutex
	json bool
}

type printedFrame struct {
	Topic   string           `json:"topic"`
	Type    socket.EventType `json:"type"`
	Seq     *uint64          `json:"seq,omitempty"`
	Payload json.RawMessage  `json:"payload"`
}

func (p *eventPrinter) print(ev socket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.json {
		_, err := fmt.Fprintln(os.Stdout, renderEvent(ev))
		return err
	}

	frame := printedFrame{Topic: ev.Topic, Type: ev.Type, Payload: ev.Raw}
	if ev.HasSeq {
		seq := ev.Seq
		frame.Seq = &seq
	}
	return json.NewEncoder(os.Stdout).Encode(frame)
}
