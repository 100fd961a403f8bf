package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"meridian/internal/domain"
	"meridian/internal/httpapi"
	"meridian/pkg/meridian"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: meridian-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version     Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  signal      Submit an entry signal\n")
	fmt.Fprintf(os.Stderr, "  quote       Push a price sample (paper mode)\n")
	fmt.Fprintf(os.Stderr, "  exit        Close a position at market\n")
	fmt.Fprintf(os.Stderr, "  stop        Tighten a position's stop price\n")
	fmt.Fprintf(os.Stderr, "  target      Replace a position's target price\n")
	fmt.Fprintf(os.Stderr, "  positions   List positions\n")
	fmt.Fprintf(os.Stderr, "  orders      List orders\n")
	fmt.Fprintf(os.Stderr, "  trades      List executions\n")
	fmt.Fprintf(os.Stderr, "  stats       Show engine activity counters\n")
	fmt.Fprintf(os.Stderr, "\nThe server address comes from MERIDIAN_ADDR (default http://127.0.0.1:8787).\n")
}

func serverAddr() string {
	if addr := os.Getenv("MERIDIAN_ADDR"); addr != "" {
		return addr
	}
	return "http://127.0.0.1:8787"
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := meridian.NewClient(serverAddr())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("meridian-cli %s\n", version)
	case "signal":
		err = cmdSignal(ctx, client, os.Args[2:])
	case "quote":
		err = cmdQuote(ctx, client, os.Args[2:])
	case "exit":
		err = cmdExit(ctx, client, os.Args[2:])
	case "stop":
		err = cmdPrice(ctx, client.ModifyStop, os.Args[2:])
	case "target":
		err = cmdPrice(ctx, client.ModifyTarget, os.Args[2:])
	case "positions":
		err = cmdPositions(ctx, client, os.Args[2:])
	case "orders":
		err = cmdOrders(ctx, client, os.Args[2:])
	case "trades":
		err = cmdTrades(ctx, client, os.Args[2:])
	case "stats":
		err = cmdStats(ctx, client)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func cmdSignal(ctx context.Context, client *meridian.Client, args []string) error {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol to trade (required)")
	side := fs.String("side", "BUY", "BUY or SELL")
	qty := fs.Int64("qty", 0, "quantity (required)")
	stop := fs.Float64("stop", 0, "stop-loss price")
	target := fs.Float64("target", 0, "target price")
	id := fs.String("id", "", "signal id (defaults to a fresh UUID)")
	fs.Parse(args)

	if *id == "" {
		*id = uuid.NewString()
	}
	res, err := client.SubmitSignal(ctx, &domain.Signal{
		ID:          *id,
		Symbol:      *symbol,
		Side:        domain.Side(*side),
		Quantity:    *qty,
		Type:        domain.SignalTypeEntry,
		StopPrice:   *stop,
		TargetPrice: *target,
		IssuedAt:    time.Now(),
	})
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func cmdQuote(ctx context.Context, client *meridian.Client, args []string) error {
	fs := flag.NewFlagSet("quote", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol (required)")
	price := fs.Float64("price", 0, "last trade price (required)")
	fs.Parse(args)

	return client.PushQuote(ctx, domain.Quote{
		Symbol:    *symbol,
		Last:      *price,
		Timestamp: time.Now(),
	})
}

func cmdExit(ctx context.Context, client *meridian.Client, args []string) error {
	fs := flag.NewFlagSet("exit", flag.ExitOnError)
	id := fs.String("position", "", "position id (required)")
	fs.Parse(args)

	res, err := client.Exit(ctx, *id)
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

// cmdPrice drives both the stop and target commands; call is the client
// method to invoke.
func cmdPrice(ctx context.Context, call func(context.Context, string, float64) (httpapi.CommandResponse, error), args []string) error {
	fs := flag.NewFlagSet("price", flag.ExitOnError)
	id := fs.String("position", "", "position id (required)")
	price := fs.Float64("price", 0, "new price (required)")
	fs.Parse(args)

	res, err := call(ctx, *id, *price)
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func cmdPositions(ctx context.Context, client *meridian.Client, args []string) error {
	fs := flag.NewFlagSet("positions", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	positions, err := client.GetPositions(ctx, *status)
	if err != nil {
		return err
	}
	printJSON(positions)
	return nil
}

func cmdOrders(ctx context.Context, client *meridian.Client, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	orders, err := client.GetOrders(ctx, *status)
	if err != nil {
		return err
	}
	printJSON(orders)
	return nil
}

func cmdTrades(ctx context.Context, client *meridian.Client, args []string) error {
	fs := flag.NewFlagSet("trades", flag.ExitOnError)
	orderID := fs.String("order", "", "filter by order id")
	fs.Parse(args)

	trades, err := client.GetTrades(ctx, *orderID)
	if err != nil {
		return err
	}
	printJSON(trades)
	return nil
}

func cmdStats(ctx context.Context, client *meridian.Client) error {
	stats, err := client.GetStats(ctx)
	if err != nil {
		return err
	}
	printJSON(stats)
	return nil
}
