// Command nagare-eval runs the offline evaluation pipeline once and prints
// the report as JSON. It shares configuration with the server (env vars,
// .env), so pointing it at the production database is a matter of running
// it in the same environment.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nagare-ai/nagare"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	window := flag.Duration("window", 24*time.Hour, "evaluate runs finished within this window")
	output := flag.String("o", "", "write the JSON report to this file instead of stdout")
	flag.Parse()

	level := slog.LevelWarn
	if os.Getenv("NAGARE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := nagare.New(
		nagare.WithVersion(version),
		nagare.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	report, err := app.Evaluate(ctx, *window)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluation failed: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		return 1
	}
	data = append(data, '\n')

	if *output != "" {
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write report: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = os.Stdout.Write(data)
	return 0
}
