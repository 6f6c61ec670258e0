// Package config loads and validates the daemon configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CameraConfig describes one physical camera.
type CameraConfig struct {
	ID       string `json:"id"`       // stable identifier, e.g. "cam0"
	Device   string `json:"device"`   // V4L2 device path, e.g. /dev/video0
	Position string `json:"position"` // front / rear / left / right
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FPS      int    `json:"fps"`
}

// BotConfig configures the chat-bot command gateway connection.
type BotConfig struct {
	Enabled      bool   `json:"enabled"`
	GatewayURL   string `json:"gateway_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Config holds all daemon configuration.
type Config struct {
	SaveDirectory          string         `json:"save_directory"`
	StorageQuotaMB         int64          `json:"storage_quota_mb"`          // 0 disables retention pruning
	SegmentDurationSeconds int            `json:"segment_duration_seconds"` // default 60
	Cameras                []CameraConfig `json:"cameras"`
	Bot                    BotConfig      `json:"bot"`
}

// Load reads configuration from ~/.config/evcam/config.json, falling back
// to configs/default-config.json when the user config doesn't exist.
func Load() (*Config, error) {
	configDir := filepath.Join(os.Getenv("HOME"), ".config", "evcam")
	userConfigPath := filepath.Join(configDir, "config.json")

	data, err := os.ReadFile(userConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultPath := "configs/default-config.json"
			data, err = os.ReadFile(defaultPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}

			// Create user config directory for future saves.
			if err := os.MkdirAll(configDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create config directory: %w", err)
			}
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.SegmentDurationSeconds == 0 {
		cfg.SegmentDurationSeconds = 60
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes configuration to ~/.config/evcam/config.json.
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	configDir := filepath.Join(os.Getenv("HOME"), ".config", "evcam")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(configDir, "config.json"), data, 0644)
}

// CameraByID returns the camera with the given id, or nil.
func (c *Config) CameraByID(id string) *CameraConfig {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.SaveDirectory == "" {
		return fmt.Errorf("save_directory must be set")
	}

	if c.SegmentDurationSeconds < 10 || c.SegmentDurationSeconds > 600 {
		return fmt.Errorf("segment_duration_seconds must be between 10 and 600, got %d",
			c.SegmentDurationSeconds)
	}

	if c.StorageQuotaMB < 0 {
		return fmt.Errorf("storage_quota_mb must not be negative, got %d", c.StorageQuotaMB)
	}

	if len(c.Cameras) == 0 {
		return fmt.Errorf("at least one camera must be configured")
	}
	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera id must be set")
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
		if cam.Device == "" {
			return fmt.Errorf("camera %s: device must be set", cam.ID)
		}
		if cam.Position == "" {
			return fmt.Errorf("camera %s: position must be set", cam.ID)
		}
		if cam.Width <= 0 || cam.Height <= 0 {
			return fmt.Errorf("camera %s: invalid dimensions %dx%d", cam.ID, cam.Width, cam.Height)
		}
		if cam.FPS < 1 || cam.FPS > 60 {
			return fmt.Errorf("camera %s: fps must be between 1 and 60, got %d", cam.ID, cam.FPS)
		}
	}

	if c.Bot.Enabled {
		if c.Bot.GatewayURL == "" {
			return fmt.Errorf("bot.gateway_url must be set when the bot is enabled")
		}
		if c.Bot.ClientID == "" || c.Bot.ClientSecret == "" {
			return fmt.Errorf("bot credentials must be set when the bot is enabled")
		}
	}

	return nil
}
