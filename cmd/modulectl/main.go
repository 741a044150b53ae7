package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/danmuck/patchnet/internal/node"
	"github.com/danmuck/patchnet/internal/observability"
)

func main() {
	path := flag.String("config", "cmd/modulectl/config.toml", "module config path")
	flag.Parse()

	logger := observability.InitLogger("modulectl")
	cfg, err := loadModuleConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modulectl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := node.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modulectl: %v\n", err)
		os.Exit(1)
	}
	if err := serve(ctx, svc, logger); err != nil {
		fmt.Fprintf(os.Stderr, "modulectl: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, n node.Node, log zerolog.Logger) error {
	log.Info().Str("id", n.NodeID()).Str("kind", n.Kind()).Msg("module starting")
	err := n.Run(ctx)
	if snap := n.Snapshot(); snap != nil {
		log.Info().
			Uint64("cycles", snap.Cycle).
			Uint64("sent", snap.Counters.Sent).
			Uint64("received", snap.Counters.Received).
			Msg("module stopped")
	}
	return err
}
