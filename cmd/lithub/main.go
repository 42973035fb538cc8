package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	lithubcmd "github.com/TimRepke/lithub/internal/cmd/lithub"
)

func main() {
	cfg, err := lithubcmd.ParseConfig(flag.CommandLine, os.Args[1:], nil)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	logger := lithubcmd.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := lithubcmd.Run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
