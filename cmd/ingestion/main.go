package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

func main() {
	loadEnv()

	app := fx.New(
		fx.Provide(
			ProvideConfig,
			newLogger,
			ProvideTimescaleStore,
			ProvideRedisStore,
			ProvideAlertEvaluator,
			ProvideAuthenticator,
			ProvideRateLimiter,
			ProvideAggregateCache,
			ProvideDispatcher,
			ProvideIngestor,
			ProvideHandler,
		),
		fx.Invoke(
			startLiveFeed,
			startHTTPServer,
			startQueueConsumer,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error stopping app:", err)
	}
}

// loadEnv loads the first .env found in the working directory or up to two
// levels above it. A missing file is fine in containers.
func loadEnv() {
	candidates := []string{".env"}
	if wd, err := os.Getwd(); err == nil {
		parent := filepath.Dir(wd)
		candidates = append(candidates,
			filepath.Join(parent, ".env"),
			filepath.Join(filepath.Dir(parent), ".env"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			abs, _ := filepath.Abs(path)
			fmt.Printf("Loaded environment from: %s\n", abs)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables")
}
