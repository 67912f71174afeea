package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type Config struct {
	ExclusionLists struct {
		PollTimer        Timer `json:"poll_timer"`
		FetchTimeout     Timer `json:"fetch_timeout"`
		MaxListBytes     int   `json:"max_list_bytes"`
		BuildConcurrency int   `json:"build_concurrency"`
	} `json:"exclusion_lists"`

	Leadership struct {
		LeaseTimer Timer `json:"lease_timer"`
	} `json:"leadership"`

	Seed struct {
		File  string `json:"file"`
		Watch bool   `json:"watch"`
	} `json:"seed"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = "data/settings.json"

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	configValue.Store(cfg)
}

// ReadSettings loads the settings file, creating it from the embedded defaults
// when missing.
func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("Error reading settings file", "path", settingsFilePath, "error", err)
			return
		}
		log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)

		if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
			log.Error("Error creating directory for settings file", "error", err)
			return
		}
		if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
			log.Error("Error writing default settings file", "error", err)
			return
		}
		data = defaultConfig
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

// SetConfig applies, persists and broadcasts a new configuration.
func SetConfig(newConfig Config) error {
	if err := validate(newConfig); err != nil {
		return err
	}
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"}); err != nil {
		return err
	}

	log.Debug("Configuration updated and written to file")
	return nil
}

func validate(cfg Config) error {
	if cfg.ExclusionLists.MaxListBytes < 0 {
		return errors.New("config: max_list_bytes must not be negative")
	}
	if cfg.ExclusionLists.BuildConcurrency < 0 {
		return errors.New("config: build_concurrency must not be negative")
	}
	return nil
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal configuration: %w", err))
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write configuration: %w", err))
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, fmt.Errorf("serialize configuration: %w", err))
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, fmt.Errorf("broadcast configuration: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)
	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}
