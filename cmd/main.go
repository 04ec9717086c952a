package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glowstream/engine/internal/config"
	"github.com/glowstream/engine/internal/logger"
	"go.uber.org/zap"
)

// These variables are set at build time via -ldflags
var (
	version = "dev"     // Set via -X main.version=...
	commit  = "unknown" // Set via -X main.commit=...
	date    = "unknown" // Set via -X main.date=...
)

func main() {
	config.SetVersion(version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		logger.Info("Received termination signal. Shutting down gracefully...", zap.String("signal", sig.String()))
		cancel()
	}()

	// start and bunker block until the context is canceled
	needsBlocking := false
	if len(os.Args) > 1 && (os.Args[1] == "start" || os.Args[1] == "bunker") {
		helpRequested := false
		for _, arg := range os.Args[2:] {
			if arg == "--help" || arg == "-h" {
				helpRequested = true
				break
			}
		}
		needsBlocking = !helpRequested
	}

	Execute(ctx)

	if needsBlocking {
		<-ctx.Done()
		logger.Info("Engine has shut down successfully.")
		time.Sleep(1 * time.Second) // Give time for logs to flush
	}
}
