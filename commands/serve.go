package commands

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"meshnode/config"
	"meshnode/node"
)

// RunServe brings up the node and runs it until the context is cancelled or
// the process receives an interrupt.
func RunServe(ctx context.Context, cfg *config.Config) {
	n, err := node.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	defer n.Close()

	sctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("Serving on %s", cfg.API.ListenAddress)
	if err := n.Run(sctx); err != nil && sctx.Err() == nil {
		log.Fatalf("Node exited: %v", err)
	}
	log.Info("Shutting down")
}
