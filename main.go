package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"dashfeed/internal/config"
	"dashfeed/internal/logging"
	"dashfeed/internal/server"
)

func main() {
	// Load configuration
	v := config.New()
	cfg, err := config.Read(v)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	slog.SetDefault(logger)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	a, err := newApp(cfg, logger, afero.NewOsFs(), os.Stdout)
	if err != nil {
		log.Fatalf("Failed to build service: %v", err)
	}
	defer a.Close()

	if cfg.ListenAddr == "" {
		if err := runOnce(ctx, a); err != nil {
			log.Fatalf("Coordinator failed: %v", err)
		}
		return
	}

	if err := serve(ctx, a, v, cfg.ListenAddr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// runOnce aggregates the catalog a single time and prints the report.
func runOnce(ctx context.Context, a *app) error {
	// Add timeout to prevent hanging indefinitely
	fetchCtx, fetchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer fetchCancel()

	fmt.Println("Fetching dashboard data from configured sources...")
	fmt.Println("================================================")
	if err := a.coord.Run(fetchCtx); err != nil {
		return err
	}

	fmt.Println("================================================")
	fmt.Println("All fetches completed!")
	return nil
}

// serve warms the cache in the background and answers HTTP until ctx ends.
func serve(ctx context.Context, a *app, v *viper.Viper, addr string) error {
	a.warmer.Warm(ctx, a.catalog.Tiers)

	if v != nil {
		watching := config.Watch(v, a.reload, func(err error) {
			a.logger.Error("config reload failed", slog.String("error", err.Error()))
		})
		if watching {
			a.logger.Info("watching config file for source changes")
		}
	}

	srv, err := server.New(addr, a.handler(), server.WithLogger(a.logger))
	if err != nil {
		return err
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
