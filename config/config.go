package config

import (
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Config holds the node identity, radio parameters, and service settings.
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		FirmwareVersion string `json:"firmware_version"`
	} `json:"node"`

	Proximity struct {
		Group            string `json:"group"`
		Channel          int    `json:"channel"`
		ProbeIntervalSec int    `json:"probe_interval_sec"`
	} `json:"proximity"`

	Lora struct {
		Group             string  `json:"group"`
		FrequencyHz       float64 `json:"frequency_hz"`
		SpreadingFactor   int     `json:"spreading_factor"`
		TxPowerDbm        int     `json:"tx_power_dbm"`
		TTL               int     `json:"ttl"`
		BeaconIntervalSec int     `json:"beacon_interval_sec"`
	} `json:"lora"`

	API struct {
		ListenAddress string `json:"listen_address"`
		OTAEnabled    bool   `json:"ota_enabled"`
	} `json:"api"`

	DataStore struct {
		SettingsPath string `json:"settings"`
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.ID = "node-001"
	cfg.Node.Name = "meshnode"
	cfg.Node.FirmwareVersion = "1.0.0"

	cfg.Proximity.Group = "239.77.77.1:7771"
	cfg.Proximity.Channel = 1
	cfg.Proximity.ProbeIntervalSec = 15

	cfg.Lora.Group = "239.77.77.2:7772"
	cfg.Lora.FrequencyHz = 915e6
	cfg.Lora.SpreadingFactor = 9
	cfg.Lora.TxPowerDbm = 14
	cfg.Lora.TTL = 5
	cfg.Lora.BeaconIntervalSec = 30

	cfg.API.ListenAddress = "127.0.0.1:8080"
	cfg.API.OTAEnabled = true

	cfg.DataStore.SettingsPath = "/var/lib/meshnode/settings"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
