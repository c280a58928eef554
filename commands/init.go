package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"meshnode/config"
)

// RunInit writes a default configuration file for a new node.
func RunInit(ctx context.Context, cfg *config.Config) {
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	log.Infof("Wrote default config for node %s", cfg.Node.ID)
}
