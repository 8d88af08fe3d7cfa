// Command ckks-server scores encrypted requests published on the shared channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/z3rotig4r/ckks_linear/config"
	"github.com/z3rotig4r/ckks_linear/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := log.New(os.Stderr, "[Server] ", log.LstdFlags)

	path := config.Path()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	params, err := cfg.Crypto.Params.Build()
	if err != nil {
		return fmt.Errorf("create CKKS parameters: %w", err)
	}
	logger.Printf("Config %s: LogN=%d, MaxLevel=%d, MaxSlots=%d, channel=%s",
		path, params.LogN(), params.MaxLevel(), params.MaxSlots(), cfg.Channel.Backend)

	store, err := cfg.Channel.Open()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, closeModel, err := cfg.Server.ModelSource(ctx)
	if err != nil {
		return fmt.Errorf("open model source: %w", err)
	}
	defer closeModel()

	srv := server.New(store, source, params, server.Options{
		FixedPointScale: cfg.Crypto.FixedPointScale,
		PollInterval:    cfg.Channel.PollInterval,
		KeyRetryDelay:   cfg.Server.KeyRetryDelay,
	}, logger)

	if cfg.Server.HTTPAddr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Printf("Ops endpoints on %s", cfg.Server.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("Ops server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Printf("Ops server shutdown error: %v", err)
			}
		}()
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Println("Shutdown complete")
	return nil
}
