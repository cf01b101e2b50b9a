package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fillwatch/internal/config"
	"fillwatch/internal/engine"
	"fillwatch/internal/feed"
	"fillwatch/internal/logging"
	"fillwatch/internal/metrics"
	"fillwatch/internal/net"
	"fillwatch/internal/printer"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	size := flag.String("size", "", "Order size to price after every update")
	symbol := flag.String("symbol", "", "Symbol to watch (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *size != "" {
		cfg.OrderSize = *size
	}
	if *symbol != "" {
		cfg.Symbol = *symbol
	}
	logging.Setup(cfg)

	orderSize, err := readOrderSize(cfg.OrderSize)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid order size")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	// Setup the book engine, its feed and the query server.
	eng := engine.New(orderSize)
	if cfg.Output.Console {
		eng.SetReporter(printer.New(os.Stdout))
	}
	client := feed.NewClient(cfg)
	syncer := feed.NewSyncer(client, client, eng, time.Duration(cfg.Feed.ReconnectDelaySeconds)*time.Second)

	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return syncer.Run(ctx)
	})
	if cfg.Query.Enabled {
		srv := net.New(cfg.Query.Address, cfg.Query.Port, eng, cfg.Query.Workers, cfg.Query.MaxSessions)
		t.Go(func() error {
			return srv.Run(ctx)
		})
	}
	if cfg.Metrics.Enabled {
		reg := metrics.Init()
		t.Go(func() error {
			return metrics.Serve(ctx, cfg.Metrics.Addr, reg)
		})
	}

	log.Info().Stringer("size", orderSize).Msg("fillwatch running")

	// Block until a signal or a component failure.
	<-t.Dying()
	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("fillwatch stopped")
	}
	fmt.Println()
	log.Info().Msg("fillwatch stopped")
}

// readOrderSize parses the configured size, asking for one when none is set.
func readOrderSize(configured string) (decimal.Decimal, error) {
	if configured == "" {
		fmt.Print("Enter order size: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return decimal.Decimal{}, fmt.Errorf("unable to read order size: %w", err)
		}
		configured = strings.TrimSpace(line)
	}
	size, err := decimal.NewFromString(configured)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !size.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("order size must be positive, got %s", size)
	}
	return size, nil
}
