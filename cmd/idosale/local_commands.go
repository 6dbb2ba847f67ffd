package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brojonat/idosale/service/chain"
	"github.com/brojonat/idosale/service/config"
	"github.com/brojonat/idosale/service/display"
	natspkg "github.com/brojonat/idosale/service/nats"
	"github.com/brojonat/idosale/service/purchase"
	"github.com/brojonat/idosale/service/wallet"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

func localCommands() *cli.Command {
	return &cli.Command{
		Name:  "local",
		Usage: "Run the wallet session in-process and sign locally",
		Description: `Local commands read the same environment as the server (ETH_RPC_URL,
WALLET_PRIVATE_KEY or WALLET_KEYSTORE, contract addresses, ...). A keystore
without WALLET_PASSPHRASE is unlocked by prompting on the terminal.`,
		Subcommands: []*cli.Command{
			localStatusCommand(),
			localBuyCommand(),
		},
	}
}

// localStack is the in-process wallet session and purchase flow.
type localStack struct {
	cfg       *config.Config
	wallet    *wallet.Manager
	flow      *purchase.Controller
	formatter display.Formatter
	events    natspkg.Publisher
}

func (s *localStack) Close() error {
	if s.events == nil {
		return nil
	}
	return s.events.Close()
}

func newLocalStack(prompt chain.Prompter) (*localStack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))

	detector := &chain.Detector{
		RPCURL:    cfg.RPCURL,
		Contracts: cfg.Contracts(),
		Keys:      cfg.Keys(prompt),
		Logger:    logger,
	}
	mgr := wallet.NewManager(detector, cfg.Scale(), nil, logger)

	stack := &localStack{cfg: cfg, wallet: mgr, formatter: cfg.Formatter()}
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, nil, logger)
		if err != nil {
			return nil, err
		}
		stack.events = publisher
	}
	stack.flow = purchase.NewController(mgr, stack.events, cfg.PurchaseOptions(), nil, logger)
	return stack, nil
}

// connect adopts an already unlocked account, or unlocks one, prompting if
// necessary.
func (s *localStack) connect(ctx context.Context) error {
	if err := s.wallet.Init(ctx); err != nil {
		return err
	}
	if !s.wallet.Session().Connected {
		if err := s.wallet.Connect(ctx); err != nil {
			return err
		}
	}
	if s.wallet.Snapshot() == nil {
		return fmt.Errorf("failed to load sale data: %s", s.wallet.Session().LastError)
	}
	return nil
}

// terminalPrompter reads a passphrase from in without echo. It reports
// chain.ErrNoPrompter when in is not a terminal.
func terminalPrompter(in *os.File, out io.Writer) chain.Prompter {
	return func(ctx context.Context, message string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", chain.ErrNoPrompter
		}
		fmt.Fprint(out, message)

		type result struct {
			secret []byte
			err    error
		}
		done := make(chan result, 1)
		go func() {
			secret, err := term.ReadPassword(fd)
			done <- result{secret, err}
		}()

		select {
		case r := <-done:
			fmt.Fprintln(out)
			if r.err != nil {
				return "", fmt.Errorf("failed to read passphrase: %w", r.err)
			}
			return string(r.secret), nil
		case <-ctx.Done():
			fmt.Fprintln(out)
			return "", ctx.Err()
		}
	}
}

func localStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Connect and show the sale snapshot",
		Action: func(c *cli.Context) error {
			stack, err := newLocalStack(terminalPrompter(os.Stdin, os.Stderr))
			if err != nil {
				return err
			}
			defer stack.Close()

			ctx, cancel := context.WithTimeout(c.Context, 2*time.Minute)
			defer cancel()
			if err := stack.connect(ctx); err != nil {
				return fmt.Errorf("failed to connect wallet: %w", err)
			}

			snap := stack.wallet.Snapshot()
			if c.Bool("json") {
				return printJSON(c.App.Writer, map[string]any{
					"session": stack.wallet.Session(),
					"sale":    snap,
				})
			}
			printSnapshot(c.App.Writer, stack.wallet.Session(), snap, stack.formatter)
			return nil
		},
	}
}

func localBuyCommand() *cli.Command {
	return &cli.Command{
		Name:      "buy",
		Usage:     "Sign and submit a purchase with the local key",
		ArgsUsage: "AMOUNT",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Skip the confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("amount is required")
			}
			amount := c.Args().First()

			stack, err := newLocalStack(terminalPrompter(os.Stdin, os.Stderr))
			if err != nil {
				return err
			}
			defer stack.Close()

			ctx, cancel := context.WithTimeout(c.Context, stack.cfg.PurchaseTimeout)
			defer cancel()
			if err := stack.connect(ctx); err != nil {
				return fmt.Errorf("failed to connect wallet: %w", err)
			}

			q, err := stack.flow.Quote(amount)
			if err != nil {
				return err
			}
			if !c.Bool("yes") {
				fmt.Fprintf(os.Stderr, "Spend %s for about %s? [y/N] ",
					stack.formatter.SpendAmount(q.SpendAmount), stack.formatter.TokenAmount(q.ReceiveAmount))
				if !confirm(os.Stdin) {
					return errors.New("purchase cancelled")
				}
			}

			stack.flow.SetDraft(amount)
			tx, err := stack.flow.Submit(ctx, amount)
			if tx.ID == "" && err != nil {
				return err
			}

			if c.Bool("json") {
				if perr := printJSON(c.App.Writer, tx); perr != nil {
					return perr
				}
			} else {
				printLocalTransaction(c.App.Writer, tx, stack.formatter)
			}
			if err != nil {
				return fmt.Errorf("purchase failed: %w", err)
			}
			return nil
		},
	}
}

func confirm(in io.Reader) bool {
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printSnapshot(w io.Writer, s wallet.Session, snap *wallet.SaleSnapshot, f display.Formatter) {
	if s.Account != nil {
		fmt.Fprintf(w, "✓ Connected as %s\n", display.ShortAddress(s.Account.Hex()))
	}
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Progress:   %s (%s)\n", display.Progress(snap.Progress()), f.TokenRatio(snap.TokensSold, snap.TotalSupply))
	fmt.Fprintf(w, "Remaining:  %s\n", f.TokenAmount(snap.TokensRemaining))
	fmt.Fprintf(w, "Rate:       %s\n", f.Rate(snap.Price))
	fmt.Fprintf(w, "Limits:     %s to %s\n", f.SpendAmount(snap.MinContribution), f.SpendAmount(snap.MaxContribution))
	fmt.Fprintf(w, "Active:     %t\n", snap.Active(time.Now()))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Balance:    %s", f.SpendAmount(snap.UserNativeBalance))
	if fiat := f.FiatAmount(snap.UserNativeBalance); fiat != "" {
		fmt.Fprintf(w, " (%s)", fiat)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tokens:     %s\n", f.TokenAmount(snap.UserTokenBalance))
	fmt.Fprintf(w, "Purchased:  %s for %s\n", f.TokenAmount(snap.UserTokensPurchased), f.SpendAmount(snap.UserContribution))
}

func printLocalTransaction(w io.Writer, tx purchase.Transaction, f display.Formatter) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "ID:       %s\n", tx.ID)
	fmt.Fprintf(w, "Status:   %s\n", statusLabel(string(tx.Status)))
	fmt.Fprintf(w, "Spend:    %s\n", f.SpendAmount(tx.SpendAmount))
	fmt.Fprintf(w, "Receive:  ~%s\n", f.TokenAmount(tx.ReceiveAmount))
	if tx.SettledAt != nil {
		fmt.Fprintf(w, "Settled:  %s after %s\n", tx.SettledAt.Format(time.RFC3339),
			tx.SettledAt.Sub(tx.CreatedAt).Round(time.Millisecond))
	}
	if tx.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", tx.Error)
	}
}
