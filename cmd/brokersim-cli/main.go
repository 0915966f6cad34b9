package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"brokersim/internal/config"
	"brokersim/internal/domain"
	"brokersim/internal/store"
	"brokersim/pkg/brokersim"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: brokersim-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  health     Check the fulfillment daemon\n")
	fmt.Fprintf(os.Stderr, "  run-pass   Run a fulfillment pass now\n")
	fmt.Fprintf(os.Stderr, "  place      Place an order\n")
	fmt.Fprintf(os.Stderr, "  cancel     Request cancellation of an order\n")
	fmt.Fprintf(os.Stderr, "  get        Show an order\n")
	fmt.Fprintf(os.Stderr, "  rollup     Roll intraday price data into daily points\n")
	fmt.Fprintf(os.Stderr, "  prune      Remove price data past retention\n")
	fmt.Fprintf(os.Stderr, "\nRun 'brokersim-cli <command> -h' for command options.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("brokersim-cli %s\n", version)
	case "health":
		err = health(args)
	case "run-pass":
		err = runPass(args)
	case "place":
		err = place(args)
	case "cancel":
		err = cancelOrder(args)
	case "get":
		err = getOrder(args)
	case "rollup":
		err = rollup(args)
	case "prune":
		err = prune(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// ---------------------------------------------------------------------------
// Daemon commands
// ---------------------------------------------------------------------------

func daemonFlags(name string) (*flag.FlagSet, *string, *time.Duration) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9090", "fulfillment daemon gRPC address")
	timeout := fs.Duration("timeout", 5*time.Minute, "request timeout")
	return fs, addr, timeout
}

func withClient(addr string, timeout time.Duration, fn func(ctx context.Context, c *brokersim.Client) error) error {
	c, err := brokersim.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func health(args []string) error {
	fs, addr, timeout := daemonFlags("health")
	fs.Parse(args)
	return withClient(*addr, *timeout, func(ctx context.Context, c *brokersim.Client) error {
		ok, err := c.Healthy(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("daemon at %s is not serving", *addr)
		}
		fmt.Println("SERVING")
		return nil
	})
}

func runPass(args []string) error {
	fs, addr, timeout := daemonFlags("run-pass")
	fs.Parse(args)
	return withClient(*addr, *timeout, func(ctx context.Context, c *brokersim.Client) error {
		report, err := c.RunPass(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	})
}

func place(args []string) error {
	fs, addr, timeout := daemonFlags("place")
	var (
		user        = fs.String("user", "", "user ID")
		portfolio   = fs.String("portfolio", "", "portfolio ID")
		security    = fs.String("security", "", "security ID")
		secType     = fs.String("type", string(domain.SecurityTypeEquity), "security type: company or mutualfund")
		side        = fs.String("side", string(domain.OrderSideBuy), "Buy or Sell")
		subtype     = fs.String("subtype", string(domain.OrderSubTypeMarket), "MARKET, LIMIT, STOP_LOSS, STOP_LIMIT, TAKE_PROFIT, SIP or SWP")
		quantity    = fs.Float64("qty", 0, "quantity (plan total for SIP/SWP)")
		price       = fs.Float64("price", 0, "reference price for market orders")
		limit       = fs.Float64("limit", 0, "limit price")
		stop        = fs.Float64("stop", 0, "stop price")
		takeProfit  = fs.Float64("take-profit", 0, "take-profit price")
		tif         = fs.String("tif", "", "DAY or GTC (default GTC)")
		frequency   = fs.String("frequency", "", "DAILY, WEEKLY or MONTHLY for SIP/SWP")
		installment = fs.Float64("installment", 0, "installment quantity for SIP/SWP (0 runs until cancelled)")
	)
	fs.Parse(args)

	fields := map[string]any{
		"user_id":       *user,
		"portfolio_id":  *portfolio,
		"security_id":   *security,
		"security_type": *secType,
		"side":          *side,
		"subtype":       *subtype,
		"quantity":      *quantity,
	}
	optional := map[string]float64{
		"price":                *price,
		"limit_price":          *limit,
		"stop_price":           *stop,
		"take_profit_price":    *takeProfit,
		"installment_quantity": *installment,
	}
	for k, v := range optional {
		if v != 0 {
			fields[k] = v
		}
	}
	if *tif != "" {
		fields["time_in_force"] = *tif
	}
	if *frequency != "" {
		fields["frequency"] = *frequency
	}

	return withClient(*addr, *timeout, func(ctx context.Context, c *brokersim.Client) error {
		o, err := c.PlaceOrder(ctx, fields)
		if err != nil {
			return err
		}
		return printJSON(o)
	})
}

func cancelOrder(args []string) error {
	fs, addr, timeout := daemonFlags("cancel")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: brokersim-cli cancel [options] <order-id>")
	}
	return withClient(*addr, *timeout, func(ctx context.Context, c *brokersim.Client) error {
		if err := c.CancelOrder(ctx, fs.Arg(0)); err != nil {
			return err
		}
		fmt.Printf("cancel requested for %s\n", fs.Arg(0))
		return nil
	})
}

func getOrder(args []string) error {
	fs, addr, timeout := daemonFlags("get")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: brokersim-cli get [options] <order-id>")
	}
	return withClient(*addr, *timeout, func(ctx context.Context, c *brokersim.Client) error {
		o, err := c.GetOrder(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return printJSON(o)
	})
}

// ---------------------------------------------------------------------------
// Local price data maintenance
// ---------------------------------------------------------------------------

func priceStore() (*config.Config, *store.ParquetStore, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, store.NewParquetStore(cfg.Storage.DataDir, domain.Granularity(cfg.Market.IntradayGranularity)), nil
}

func rollup(args []string) error {
	fs := flag.NewFlagSet("rollup", flag.ExitOnError)
	date := fs.String("date", time.Now().UTC().Format("2006-01-02"), "day to roll up (YYYY-MM-DD)")
	fs.Parse(args)

	day, err := time.Parse("2006-01-02", *date)
	if err != nil {
		return fmt.Errorf("invalid -date: %w", err)
	}
	_, ps, err := priceStore()
	if err != nil {
		return err
	}
	n, err := ps.RollupDaily(context.Background(), day)
	if err != nil {
		return err
	}
	fmt.Printf("rolled up %d securities for %s\n", n, *date)
	return nil
}

func prune(args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	fs.Parse(args)

	cfg, ps, err := priceStore()
	if err != nil {
		return err
	}
	m := cfg.Maintenance
	n, err := ps.Prune(context.Background(), store.RetentionPolicy{
		GranularDays:     m.GranularRetentionDays,
		EquityDailyYears: m.EquityDailyYears,
		FundDailyYears:   m.FundDailyYears,
	}, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d files\n", n)
	return nil
}
