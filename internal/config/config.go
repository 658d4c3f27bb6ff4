// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	DB        DBConfig        `mapstructure:"db"`
	Vultr     VultrConfig     `mapstructure:"vultr"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FleetConfig governs the queue lease, worker liveness, and rotation policy.
type FleetConfig struct {
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	OfflineGrace      time.Duration `mapstructure:"offline_grace"`
	SpawnTimeout      time.Duration `mapstructure:"spawn_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	RotationThreshold int           `mapstructure:"rotation_threshold"`
	AutoRotate        bool          `mapstructure:"auto_rotate"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// VultrConfig holds the instance template for provisioned workers.
type VultrConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Region       string        `mapstructure:"region"`
	Plan         string        `mapstructure:"plan"`
	OSID         int           `mapstructure:"os_id"`
	LabelPrefix  string        `mapstructure:"label_prefix"`
	BootTimeout  time.Duration `mapstructure:"boot_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// PubSubConfig holds metadata for history event fan-out.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProvidersConfig selects backing implementations. "memory" variants exist
// for development and tests.
type ProvidersConfig struct {
	Store       string `mapstructure:"store"`       // postgres | memory
	Provisioner string `mapstructure:"provisioner"` // vultr | memory
	Publisher   string `mapstructure:"publisher"`   // pubsub | memory | none
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("fleet.lease_duration", "10m")
	v.SetDefault("fleet.max_attempts", 3)
	v.SetDefault("fleet.heartbeat_timeout", "2m")
	v.SetDefault("fleet.offline_grace", "5m")
	v.SetDefault("fleet.spawn_timeout", "5m")
	v.SetDefault("fleet.sweep_interval", "30s")
	v.SetDefault("fleet.rotation_threshold", 2)
	v.SetDefault("fleet.auto_rotate", true)
	v.SetDefault("vultr.region", "lax")
	v.SetDefault("vultr.plan", "vc2-1c-1gb")
	v.SetDefault("vultr.os_id", 1743)
	v.SetDefault("vultr.label_prefix", "inkdex-scraper-")
	v.SetDefault("vultr.boot_timeout", "5m")
	v.SetDefault("vultr.poll_interval", "10s")
	v.SetDefault("providers.store", "memory")
	v.SetDefault("providers.provisioner", "memory")
	v.SetDefault("providers.publisher", "none")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth.enabled")
	}
	if c.Fleet.LeaseDuration <= 0 {
		return fmt.Errorf("fleet.lease_duration must be > 0")
	}
	if c.Fleet.MaxAttempts <= 0 {
		return fmt.Errorf("fleet.max_attempts must be > 0")
	}
	if c.Fleet.HeartbeatTimeout <= 0 {
		return fmt.Errorf("fleet.heartbeat_timeout must be > 0")
	}
	if c.Fleet.SweepInterval <= 0 {
		return fmt.Errorf("fleet.sweep_interval must be > 0")
	}
	if c.Fleet.RotationThreshold <= 0 {
		return fmt.Errorf("fleet.rotation_threshold must be > 0")
	}
	switch c.Providers.Store {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when providers.store is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("providers.store must be postgres or memory, got %q", c.Providers.Store)
	}
	switch c.Providers.Provisioner {
	case "vultr":
		if c.Vultr.APIKey == "" {
			return fmt.Errorf("vultr.api_key is required when providers.provisioner is vultr")
		}
	case "memory":
	default:
		return fmt.Errorf("providers.provisioner must be vultr or memory, got %q", c.Providers.Provisioner)
	}
	switch c.Providers.Publisher {
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when providers.publisher is pubsub")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("providers.publisher must be pubsub, memory, or none, got %q", c.Providers.Publisher)
	}
	return nil
}
