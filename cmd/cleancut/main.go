// Command cleancut is the silence detection broker for video editor panels.
//
// Run `cleancut serve` for the broker, `cleancut peer` for a headless editor
// stand-in, and `cleancut detect`, `stats` or `decimate` to run the analyzer
// locally without a broker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
