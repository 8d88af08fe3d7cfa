// Command ckks-client provisions keys, sends one feature vector to the server and prints
// the score it gets back.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/z3rotig4r/ckks_linear/client"
	"github.com/z3rotig4r/ckks_linear/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := log.New(os.Stderr, "[Client] ", log.LstdFlags)

	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}

	store, err := cfg.Channel.Open()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(store, client.Options{
		Descriptor:     cfg.Crypto.Params,
		Scale:          cfg.Crypto.FixedPointScale,
		Features:       cfg.Client.Features,
		Ranges:         cfg.Client.Ranges,
		InputPath:      cfg.Client.InputPath,
		ResultPath:     cfg.Client.ResultPath,
		PollInterval:   cfg.Channel.PollInterval,
		Timeout:        cfg.Client.Timeout,
		KeySettle:      cfg.Client.KeySettle,
		ResponseSettle: cfg.Client.ResponseSettle,
	}, logger)

	score, err := c.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%.10g\n", score)
	return nil
}
