// Command pocketsession connects a demo session and prints live quotes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tradewire/pocketsession/config"
	"github.com/tradewire/pocketsession/internal/observability"
	"github.com/tradewire/pocketsession/pocketoption"
)

const loggerPrefix = "pocketsession "

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML configuration file")
		symbol     = flag.String("symbol", "EURUSD_otc", "symbol to subscribe")
		duration   = flag.Duration("duration", time.Minute, "how long to stream quotes")
	)
	flag.Parse()

	logger := log.New(os.Stderr, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	ssid := strings.TrimSpace(os.Getenv("POCKETSESSION_SSID"))
	if ssid == "" {
		logger.Fatal("POCKETSESSION_SSID must hold the raw session credential")
	}

	cfg := config.FromEnv()
	if *configPath != "" {
		loaded, err := config.LoadFile(cfg, *configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		cfg = loaded
		logger.Printf("configuration loaded from %s", *configPath)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session, err := pocketoption.NewWithConfig(ctx, ssid, cfg)
	if err != nil {
		logger.Fatalf("connect: %v", err)
	}
	defer session.Close()

	logger.Printf("session open: demo=%v balance=%s",
		session.IsDemo(), session.GetBalance().Balance)

	go watchTelemetry(ctx, logger, session.Events())

	quotes, err := session.SubscribeSymbolTimed(ctx, *symbol, *duration)
	if err != nil {
		logger.Fatalf("subscribe %s: %v", *symbol, err)
	}
	defer quotes.Close()

	for {
		q, err := quotes.Next(ctx)
		if err != nil {
			logger.Printf("stream ended: %v", err)
			return
		}
		logger.Printf("%s %s @ %s", q.Asset, q.Price, q.Timestamp().Format(time.RFC3339Nano))
	}
}

// watchTelemetry relays session telemetry events onto the log.
func watchTelemetry(ctx context.Context, logger *log.Logger, bus observability.Bus) {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Printf("event %s severity=%s fields=%v", ev.Type, ev.Severity, ev.Fields)
		}
	}
}
