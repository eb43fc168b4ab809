package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	burrowmq "github.com/vbohinc/burrow-mq"
	"github.com/vbohinc/burrow-mq/logger"
)

func main() {
	l := logger.NewZerologConsoleLogger(os.Stdout)

	server := burrowmq.NewServer(burrowmq.WithLogger(l))

	addr := os.Getenv("BURROWMQ_ADDR")
	if addr == "" {
		addr = ":5672"
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			l.Err("Server failed: %v", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		l.Info("Received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			l.Err("Shutdown error: %v", err)
			os.Exit(1)
		}
	}
}
