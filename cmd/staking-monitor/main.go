package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var received atomic.Value
	go func() {
		sig := <-sigCh
		received.Store(sig)
		cancel()
	}()

	err := Execute(ctx)

	// A termination signal exits with the conventional shell code for
	// that signal once all pollers have drained.
	if sig, ok := received.Load().(syscall.Signal); ok {
		os.Exit(128 + int(sig))
	}
	if err != nil {
		os.Exit(1)
	}
}
