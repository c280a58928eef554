package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"meshnode/command"
	"meshnode/config"
	"meshnode/settings"
)

// RunInfo prints the node identity, radio configuration and the persisted
// settings without starting the radios.
func RunInfo(ctx context.Context, cfg *config.Config) {
	log.Infof("Node: %s (%s), firmware %s", cfg.Node.ID, cfg.Node.Name, cfg.Node.FirmwareVersion)
	log.Infof("Proximity: group %s, channel %d", cfg.Proximity.Group, cfg.Proximity.Channel)
	log.Infof("LoRa: group %s, ttl %d", cfg.Lora.Group, cfg.Lora.TTL)

	store, err := settings.Open(cfg.DataStore.SettingsPath)
	if err != nil {
		log.Fatalf("Failed to open settings store: %v", err)
	}
	defer store.Close()

	keys, err := store.Keys()
	if err != nil {
		log.Errorf("Failed to enumerate settings: %v", err)
		return
	}
	log.Infof("Settings: %d keys persisted", len(keys))
	for _, key := range keys {
		switch key {
		case command.KeyFrequencyHz:
			log.Infof("  %s = %.0f", key, store.GetFloat(key, 0))
		default:
			log.Infof("  %s = %q", key, store.GetString(key, ""))
		}
	}
}
