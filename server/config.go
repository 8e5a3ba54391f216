package server

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/detectorlab/pkg/detectron"
)

type Config struct {
	DetectorRoot   string           `json:"detectorRoot"`   // Directory that holds the detectors
	DB             dbh.DBConfig     `json:"db"`             // Job history
	Listen         string           `json:"listen"`         // HTTP listen address, eg ":8090"
	Framework      detectron.Config `json:"framework"`      // How to launch the Detectron2 bridge
	ArchiveStorage StorageConfig    `json:"archiveStorage"` // Where exported detectors go. Optional.
}

// At most one of the storage options may be configured (i.e. either 'filesystem' or 'gcs').
// If neither is configured, export and import are disabled.
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

// DefaultListen is used when the config doesn't specify a listen address
const DefaultListen = ":8090"

func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}
	if cfgB, err := os.ReadFile(configFile); err != nil {
		return nil, err
	} else {
		if err := json.Unmarshal(cfgB, cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
		}
	}
	if cfg.DetectorRoot == "" {
		return nil, fmt.Errorf("Config file %v must specify detectorRoot", configFile)
	}
	if cfg.DB.Driver == "" {
		return nil, fmt.Errorf("Config file %v must specify db", configFile)
	}
	if cfg.ArchiveStorage.Filesystem != nil && cfg.ArchiveStorage.GCS != nil {
		return nil, fmt.Errorf("Only one of archiveStorage.filesystem and archiveStorage.gcs may be configured")
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	return cfg, nil
}
