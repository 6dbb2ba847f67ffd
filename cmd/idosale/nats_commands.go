package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/idosale/service/nats"
	"github.com/urfave/cli/v2"
)

// subscribeCommand subscribes to purchase events on JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to purchase events",
		ArgsUsage: "[account]",
		Description: `Subscribe to purchase events published to NATS JetStream.

Events are published to the subject purchases.{account}, with the account in
lowercase hex. Without an account every purchase is delivered.

Example:
  idosale nats subscribe 0x742d35Cc6634C0532925a3b844Bc454e4438f44e --replay --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "replay",
				Aliases: []string{"r"},
				Usage:   "Deliver retained events before new ones",
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			match, err := compileFilter(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			account := c.Args().First()
			jsonOutput := c.Bool("json")

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Subscribed to %s on %s (Ctrl+C to stop)\n\n", natsTarget(account), c.String("nats-url"))
			}

			return natspkg.Subscribe(ctx, c.String("nats-url"), natspkg.SubscribeOptions{
				Account: account,
				Replay:  c.Bool("replay"),
			}, logger, func(e *natspkg.PurchaseEvent) {
				if !match.Match(e) {
					return
				}
				if jsonOutput {
					_ = printJSON(c.App.Writer, e)
					return
				}
				printEvent(c.App.Writer, e)
			})
		},
	}
}

func natsTarget(account string) string {
	if account == "" {
		return natspkg.StreamSubjects
	}
	return natspkg.Subject(account)
}
