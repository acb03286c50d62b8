package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tispace-dev/tispace/internal/app"
	"github.com/tispace-dev/tispace/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		switch {
		case errors.Is(err, app.ErrStateUnreadable):
			return 2
		case errors.Is(err, app.ErrListenerBind):
			return 3
		default:
			return 1
		}
	}
	return 0
}
