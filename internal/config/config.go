// Package config handles configuration loading for the tool server and client.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Tools  ToolsConfig  `yaml:"tools"`
	Push   PushConfig   `yaml:"push"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" validate:"gte=1,lte=65535"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// ExperimentConfig points at one experiment directory.
type ExperimentConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// DataConfig lists the served experiments in the order they appear in the file.
type DataConfig struct {
	Experiments map[string]ExperimentConfig `validate:"dive"`

	order []string
}

// UnmarshalYAML keeps the key order of the data section.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping of experiments, got %s", node.Tag)
	}
	d.Experiments = make(map[string]ExperimentConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var exp ExperimentConfig
		if err := node.Content[i+1].Decode(&exp); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		if _, dup := d.Experiments[id]; dup {
			return fmt.Errorf("data: duplicate experiment %q", id)
		}
		d.Experiments[id] = exp
		d.order = append(d.order, id)
	}
	return nil
}

// ExperimentIDs returns the experiment ids in config order.
func (d DataConfig) ExperimentIDs() []string {
	return d.order
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb" validate:"gte=1"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes" validate:"gte=1"`
	LabelEntries   int `yaml:"label_entries" validate:"gte=1"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize        int    `yaml:"tile_size" validate:"gte=64,lte=1024"`
	DefaultColormap string `yaml:"default_colormap" validate:"oneof=viridis plasma inferno magma"`
}

// ToolsConfig controls the tool job queue and result persistence.
type ToolsConfig struct {
	SQLitePath    string `yaml:"sqlite_path" validate:"required"`
	MaxConcurrent int    `yaml:"max_concurrent" validate:"gte=1"`
	QueueSize     int    `yaml:"queue_size" validate:"gte=1"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=1"`
}

// PushConfig controls buffering of push events for sessions without a subscriber.
type PushConfig struct {
	BufferSize       int `yaml:"buffer_size" validate:"gte=1"`
	BufferTTLSeconds int `yaml:"buffer_ttl_seconds" validate:"gte=1"`
}

// BufferTTL returns the buffer lifetime as a duration.
func (p PushConfig) BufferTTL() time.Duration {
	return time.Duration(p.BufferTTLSeconds) * time.Second
}

// ClientConfig is read by tmclient.
type ClientConfig struct {
	ServerURL            string `yaml:"server_url" validate:"required,url"`
	ReconnectInitialMS   int    `yaml:"reconnect_initial_ms" validate:"gte=1"`
	ReconnectMaxMS       int    `yaml:"reconnect_max_ms" validate:"gtefield=ReconnectInitialMS"`
	ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts" validate:"gte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			Experiments: map[string]ExperimentConfig{"default": {Path: "./data/experiments/default"}},
			order:       []string{"default"},
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			LabelEntries:   64,
		},
		Render: RenderConfig{
			TileSize:        256,
			DefaultColormap: "viridis",
		},
		Tools: ToolsConfig{
			SQLitePath:    "./data/tools.db",
			MaxConcurrent: 2,
			QueueSize:     100,
			RetentionDays: 30,
		},
		Push: PushConfig{
			BufferSize:       32,
			BufferTTLSeconds: 600,
		},
		Client: ClientConfig{
			ServerURL:            "http://localhost:8080",
			ReconnectInitialMS:   500,
			ReconnectMaxMS:       30000,
			ReconnectMaxAttempts: 8,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Experiments) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.LabelEntries == 0 {
		cfg.Cache.LabelEntries = defaults.Cache.LabelEntries
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Tools.SQLitePath == "" {
		cfg.Tools.SQLitePath = defaults.Tools.SQLitePath
	}
	if cfg.Tools.MaxConcurrent == 0 {
		cfg.Tools.MaxConcurrent = defaults.Tools.MaxConcurrent
	}
	if cfg.Tools.QueueSize == 0 {
		cfg.Tools.QueueSize = defaults.Tools.QueueSize
	}
	if cfg.Tools.RetentionDays == 0 {
		cfg.Tools.RetentionDays = defaults.Tools.RetentionDays
	}
	if cfg.Push.BufferSize == 0 {
		cfg.Push.BufferSize = defaults.Push.BufferSize
	}
	if cfg.Push.BufferTTLSeconds == 0 {
		cfg.Push.BufferTTLSeconds = defaults.Push.BufferTTLSeconds
	}
	if cfg.Client.ServerURL == "" {
		cfg.Client.ServerURL = defaults.Client.ServerURL
	}
	if cfg.Client.ReconnectInitialMS == 0 {
		cfg.Client.ReconnectInitialMS = defaults.Client.ReconnectInitialMS
	}
	if cfg.Client.ReconnectMaxMS == 0 {
		cfg.Client.ReconnectMaxMS = defaults.Client.ReconnectMaxMS
	}
	if cfg.Client.ReconnectMaxAttempts == 0 {
		cfg.Client.ReconnectMaxAttempts = defaults.Client.ReconnectMaxAttempts
	}
}
