package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/idosale/client"
	natspkg "github.com/brojonat/idosale/service/nats"
	"github.com/urfave/cli/v2"
)

func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

func jqFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "jq",
		Usage: "Only show records for which this jq expression is truthy (repeatable, all must match)",
	}
}

func sessionCommands() *cli.Command {
	show := func(c *cli.Context, s *client.Session) error {
		if c.Bool("json") {
			return printJSON(c.App.Writer, s)
		}
		printSession(c.App.Writer, s)
		return nil
	}

	return &cli.Command{
		Name:  "session",
		Usage: "Inspect and manage the server's wallet session",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show the current session",
				Action: func(c *cli.Context) error {
					s, err := newClient(c).Session(c.Context)
					if err != nil {
						return fmt.Errorf("failed to get session: %w", err)
					}
					return show(c, s)
				},
			},
			{
				Name:  "connect",
				Usage: "Authorize the server's wallet and load sale data",
				Action: func(c *cli.Context) error {
					s, err := newClient(c).Connect(c.Context)
					if err != nil {
						return fmt.Errorf("failed to connect: %w", err)
					}
					return show(c, s)
				},
			},
			{
				Name:  "disconnect",
				Usage: "Forget the connected account",
				Action: func(c *cli.Context) error {
					s, err := newClient(c).Disconnect(c.Context)
					if err != nil {
						return fmt.Errorf("failed to disconnect: %w", err)
					}
					return show(c, s)
				},
			},
			{
				Name:  "clear-error",
				Usage: "Dismiss the session's last error",
				Action: func(c *cli.Context) error {
					if err := newClient(c).ClearError(c.Context); err != nil {
						return fmt.Errorf("failed to clear error: %w", err)
					}
					if !c.Bool("json") {
						fmt.Fprintln(c.App.Writer, "✓ Error cleared")
					}
					return nil
				},
			},
		},
	}
}

func saleCommands() *cli.Command {
	show := func(c *cli.Context, sale *client.Sale) error {
		if c.Bool("json") {
			return printJSON(c.App.Writer, sale)
		}
		printSale(c.App.Writer, sale)
		return nil
	}

	return &cli.Command{
		Name:  "sale",
		Usage: "Inspect sale progress and balances",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show the cached sale snapshot",
				Action: func(c *cli.Context) error {
					sale, err := newClient(c).Sale(c.Context)
					if err != nil {
						return fmt.Errorf("failed to get sale: %w", err)
					}
					return show(c, sale)
				},
			},
			{
				Name:  "refresh",
				Usage: "Re-read the sale from chain",
				Action: func(c *cli.Context) error {
					sale, err := newClient(c).Refresh(c.Context)
					if err != nil {
						return fmt.Errorf("failed to refresh sale: %w", err)
					}
					return show(c, sale)
				},
			},
		},
	}
}

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:      "quote",
		Usage:     "Estimate how many tokens an amount buys",
		ArgsUsage: "AMOUNT",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("amount is required")
			}
			q, err := newClient(c).Quote(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to quote: %w", err)
			}
			if c.Bool("json") {
				return printJSON(c.App.Writer, q)
			}
			printQuote(c.App.Writer, q)
			return nil
		},
	}
}

func buyCommand() *cli.Command {
	return &cli.Command{
		Name:      "buy",
		Usage:     "Buy tokens through the server's wallet",
		ArgsUsage: "AMOUNT",
		Description: `Submit a purchase paying AMOUNT of the native currency.

By default the command waits until the transaction is mined. With --no-wait it
returns as soon as the purchase is accepted; follow it with "idosale purchases"
or "idosale watch".`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-wait",
				Usage: "Return once the purchase is accepted",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for confirmation",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("amount is required")
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			tx, err := newClient(c).Buy(ctx, c.Args().First(), !c.Bool("no-wait"))
			if tx != nil {
				if c.Bool("json") {
					if perr := printJSON(c.App.Writer, tx); perr != nil {
						return perr
					}
				} else {
					printTransaction(c.App.Writer, tx)
				}
			}
			if err != nil {
				return fmt.Errorf("purchase failed: %w", err)
			}
			return nil
		},
	}
}

func purchasesCommand() *cli.Command {
	return &cli.Command{
		Name:  "purchases",
		Usage: "List recent purchases, most recent first",
		Flags: []cli.Flag{jqFlag()},
		Action: func(c *cli.Context) error {
			match, err := compileFilter(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			list, err := newClient(c).Purchases(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list purchases: %w", err)
			}

			txs := make([]client.Transaction, 0, len(list.Transactions))
			for _, tx := range list.Transactions {
				if match.Match(tx) {
					txs = append(txs, tx)
				}
			}

			if c.Bool("json") {
				return printJSON(c.App.Writer, txs)
			}
			if len(txs) == 0 {
				fmt.Fprintln(c.App.Writer, "No purchases")
				return nil
			}
			for i := range txs {
				printTransaction(c.App.Writer, &txs[i])
			}
			if list.InFlight {
				fmt.Fprintln(c.App.Writer, "\nA purchase is awaiting confirmation.")
			}
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream purchase events from the server (SSE)",
		ArgsUsage: "[account]",
		Flags: []cli.Flag{
			jqFlag(),
			&cli.IntFlag{
				Name:  "count",
				Usage: "Exit after this many matching events (0 streams forever)",
			},
		},
		Action: func(c *cli.Context) error {
			match, err := compileFilter(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			jsonOutput := c.Bool("json")
			limit := c.Int("count")

			// Create context that cancels on interrupt
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming purchases... (Ctrl+C to stop)\n\n")
			}

			seen := 0
			err = newClient(c).StreamPurchases(ctx, c.Args().First(), func(e *natspkg.PurchaseEvent) error {
				if !match.Match(e) {
					return nil
				}
				if jsonOutput {
					if err := printJSON(c.App.Writer, e); err != nil {
						return err
					}
				} else {
					printEvent(c.App.Writer, e)
				}
				seen++
				if limit > 0 && seen >= limit {
					return errLimitReached
				}
				return nil
			})
			if err == errLimitReached {
				return nil
			}
			return err
		},
	}
}
