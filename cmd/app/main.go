package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"cryptobot/internal/app"
	"cryptobot/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:  "cryptobot",
		Usage: "exchange automation: market data, orders, strategies and copy trading",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/config.yaml",
				Usage:   "path to the yaml configuration",
				EnvVars: []string{"CRYPTOBOT_CONFIG"},
			},
		},
		Action: runServer,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run feed, reconciler and strategy engine until interrupted",
				Action: runServer,
			},
			{
				Name:  "balances",
				Usage: "refresh and print the non-empty balances of a user",
				Flags: []cli.Flag{
					userFlag,
					&cli.BoolFlag{Name: "cached", Usage: "print the last stored snapshot without calling the exchange"},
				},
				Action: withApp(balances),
			},
			{
				Name:  "candles",
				Usage: "print historical candles of a symbol, oldest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "symbol", Required: true},
					&cli.StringFlag{Name: "interval", Value: "5", Usage: "1 3 5 15 30 60 120 240 360 720 D W M"},
					&cli.IntFlag{Name: "limit", Value: 200, Usage: "at most 1000"},
				},
				Action: withApp(candles),
			},
			{
				Name:   "orders",
				Usage:  "list a user's orders, newest first",
				Flags:  []cli.Flag{userFlag, &cli.IntFlag{Name: "limit", Value: 20}},
				Action: withApp(listOrders),
			},
			{
				Name:  "place",
				Usage: "place an order",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "symbol", Required: true},
					&cli.StringFlag{Name: "side", Required: true, Usage: "BUY or SELL"},
					&cli.StringFlag{Name: "type", Value: "MARKET", Usage: "MARKET or LIMIT"},
					&cli.StringFlag{Name: "qty", Required: true},
					&cli.StringFlag{Name: "price", Usage: "required for LIMIT"},
				},
				Action: withApp(placeOrder),
			},
			{
				Name:   "cancel",
				Usage:  "cancel an open order",
				Flags:  []cli.Flag{userFlag, &cli.Uint64Flag{Name: "id", Required: true}},
				Action: withApp(cancelOrder),
			},
			{
				Name:  "sync-trades",
				Usage: "import execution history idempotently",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "symbol"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: withApp(syncTrades),
			},
			{
				Name:  "trades",
				Usage: "list stored trades of a user, or the fills of one order",
				Flags: []cli.Flag{
					userFlag,
					&cli.Uint64Flag{Name: "order", Usage: "local order id"},
					&cli.StringFlag{Name: "symbol"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: withApp(listTrades),
			},
			{
				Name:  "link",
				Usage: "make a follower copy a lead's orders at a scale factor",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "lead", Required: true},
					&cli.Uint64Flag{Name: "follower", Required: true},
					&cli.StringFlag{Name: "scale", Value: "1"},
				},
				Action: withApp(linkFollower),
			},
			{
				Name:  "strategy",
				Usage: "manage automated strategies",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "create a strategy (starts PAUSED)",
						Flags: []cli.Flag{
							userFlag,
							&cli.StringFlag{Name: "name"},
							&cli.StringFlag{Name: "type", Required: true, Usage: "DCA, GRID or SMA_CROSS"},
							&cli.StringFlag{Name: "symbol", Required: true},
							&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "key=value, repeatable"},
						},
						Action: withApp(createStrategy),
					},
					{
						Name:   "list",
						Flags:  []cli.Flag{userFlag},
						Action: withApp(listStrategies),
					},
					{
						Name:   "activate",
						Flags:  []cli.Flag{userFlag, &cli.Uint64Flag{Name: "id", Required: true}},
						Action: withApp(setStrategyStatus(domain.StrategyActive)),
					},
					{
						Name:   "deactivate",
						Flags:  []cli.Flag{userFlag, &cli.Uint64Flag{Name: "id", Required: true}},
						Action: withApp(setStrategyStatus(domain.StrategyPaused)),
					},
				},
			},
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		slog.Error("cryptobot failed", slog.Any("error", err))
		os.Exit(1)
	}
}

var userFlag = &cli.Uint64Flag{Name: "user", Aliases: []string{"u"}, Value: 1, Usage: "owner id"}

func runServer(c *cli.Context) error {
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(c.String("config")); err != nil {
		return fmt.Errorf("bootstrapping failed: %w", err)
	}
	defer bootstrap.Shutdown()

	if err := bootstrap.Start(c.Context); err != nil {
		return err
	}
	slog.Info("Press Ctrl+C to exit.")

	<-c.Context.Done()
	return nil
}

// withApp runs a one-shot command against a freshly initialized application.
func withApp(fn func(*cli.Context, *app.Bootstrap) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		bootstrap := app.NewBootstrap()
		if err := bootstrap.Initialize(c.String("config")); err != nil {
			return fmt.Errorf("bootstrapping failed: %w", err)
		}
		defer bootstrap.Shutdown()

		if err := bootstrap.StartOneShot(c.Context); err != nil {
			return err
		}
		return fn(c, bootstrap)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func balances(c *cli.Context, b *app.Bootstrap) error {
	if c.Bool("cached") {
		list, err := b.Accounts.CachedBalances(c.Context, c.Uint64("user"))
		if err != nil {
			return err
		}
		return printJSON(list)
	}
	list, err := b.Accounts.RefreshBalances(c.Context, c.Uint64("user"))
	if err != nil {
		return err
	}
	return printJSON(list)
}

func candles(c *cli.Context, b *app.Bootstrap) error {
	list, err := b.Candles.GetCandles(c.Context, c.String("symbol"), c.String("interval"), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(list)
}

func listOrders(c *cli.Context, b *app.Bootstrap) error {
	list, err := b.Orders.ListOrders(c.Context, c.Uint64("user"), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(list)
}

func placeOrder(c *cli.Context, b *app.Bootstrap) error {
	side, err := domain.ParseSide(c.String("side"))
	if err != nil {
		return err
	}
	orderType, err := domain.ParseOrderType(c.String("type"))
	if err != nil {
		return err
	}
	qty, err := decimal.NewFromString(c.String("qty"))
	if err != nil {
		return &domain.ValidationError{Field: "qty", Reason: err.Error()}
	}
	price := decimal.Zero
	if raw := c.String("price"); raw != "" {
		if price, err = decimal.NewFromString(raw); err != nil {
			return &domain.ValidationError{Field: "price", Reason: err.Error()}
		}
	}

	order, err := b.Orders.PlaceOrder(c.Context, c.Uint64("user"), domain.OrderRequest{
		Symbol:   c.String("symbol"),
		Side:     side,
		Type:     orderType,
		Quantity: qty,
		Price:    price,
	})
	if err != nil {
		return err
	}
	return printJSON(order)
}

func cancelOrder(c *cli.Context, b *app.Bootstrap) error {
	order, err := b.Orders.CancelOrder(c.Context, c.Uint64("user"), c.Uint64("id"))
	if err != nil {
		return err
	}
	return printJSON(order)
}

func syncTrades(c *cli.Context, b *app.Bootstrap) error {
	res, err := b.Trades.SyncTrades(c.Context, c.Uint64("user"), c.String("symbol"), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func listTrades(c *cli.Context, b *app.Bootstrap) error {
	if id := c.Uint64("order"); id != 0 {
		list, err := b.Trades.TradesByOrder(c.Context, c.Uint64("user"), id)
		if err != nil {
			return err
		}
		return printJSON(list)
	}
	list, err := b.Trades.ListTrades(c.Context, c.Uint64("user"), c.String("symbol"), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(list)
}

func linkFollower(c *cli.Context, b *app.Bootstrap) error {
	scale, err := decimal.NewFromString(c.String("scale"))
	if err != nil {
		return &domain.ValidationError{Field: "scale", Reason: err.Error()}
	}
	rel, err := b.Mirror.LinkFollower(c.Context, c.Uint64("lead"), c.Uint64("follower"), scale)
	if err != nil {
		return err
	}
	return printJSON(rel)
}

func createStrategy(c *cli.Context, b *app.Bootstrap) error {
	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}
	st, err := b.Strategies.Create(c.Context, c.Uint64("user"), domain.Strategy{
		Name:   c.String("name"),
		Type:   domain.StrategyType(strings.ToUpper(c.String("type"))),
		Symbol: c.String("symbol"),
		Params: params,
	})
	if err != nil {
		return err
	}
	return printJSON(st)
}

func listStrategies(c *cli.Context, b *app.Bootstrap) error {
	list, err := b.Strategies.List(c.Context, c.Uint64("user"))
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return printJSON(list)
}

func setStrategyStatus(status domain.StrategyStatus) func(*cli.Context, *app.Bootstrap) error {
	return func(c *cli.Context, b *app.Bootstrap) error {
		st, err := b.Strategies.SetStatus(c.Context, c.Uint64("user"), c.Uint64("id"), status)
		if err != nil {
			return err
		}
		return printJSON(st)
	}
}

func parseParams(pairs []string) (domain.Params, error) {
	params := domain.Params{}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, &domain.ValidationError{Field: "param", Reason: fmt.Sprintf("expected key=value, got %q", kv)}
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params, nil
}
