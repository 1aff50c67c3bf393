// Package config loads the service configuration from YAML. Command-line
// flags override file values; the file is optional.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signhub/rqes/internal/models"
)

// Duration parses YAML strings like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Listen string `yaml:"listen"`

	Store   StoreConfig   `yaml:"store"`
	CA      CAConfig      `yaml:"ca"`
	Backend BackendConfig `yaml:"backend"`
	SAD     SADConfig     `yaml:"sad"`
	KeyPool KeyPoolConfig `yaml:"key_pool"`
}

// StoreConfig selects the credential registry backend.
type StoreConfig struct {
	// Type is "memory" or "postgres".
	Type string `yaml:"type"`

	ConnString  string `yaml:"conn_string"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// CAConfig points at the certificate authority key material.
type CAConfig struct {
	KeyPath  string `yaml:"key_path"`
	CertPath string `yaml:"cert_path"`
}

// BackendConfig selects the signing backend.
type BackendConfig struct {
	// Type is "soft" or "pkcs11".
	Type string `yaml:"type"`

	// Soft token slot bound.
	MaxSlots int `yaml:"max_slots"`

	// PKCS#11 module settings.
	ModulePath string `yaml:"module_path"`
	SlotID     uint   `yaml:"slot_id"`
	PIN        string `yaml:"pin"`
}

// SADConfig describes the trusted SAD issuer.
type SADConfig struct {
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	JWKSURL   string   `yaml:"jwks_url"`
	JWKSTTL   Duration `yaml:"jwks_ttl"`
	CacheDir  string   `yaml:"cache_dir"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// KeyPoolConfig bounds key generation and retirement.
type KeyPoolConfig struct {
	MaxKeyGeneration int      `yaml:"max_key_generation"`
	MaxKeyDeletion   int      `yaml:"max_key_deletion"`
	CleanupCoreSize  int      `yaml:"cleanup_core_size"`
	CleanupMaxSize   int      `yaml:"cleanup_max_size"`
	QueueCapacity    int      `yaml:"queue_capacity"`
	NamePrefix       string   `yaml:"name_prefix"`
	ReserveTTL       Duration `yaml:"reserve_ttl"`
	CertValidity     Duration `yaml:"cert_validity"`
	SweepInterval    Duration `yaml:"sweep_interval"`
}

// Concurrency returns the pool's concurrency settings.
func (k KeyPoolConfig) Concurrency() models.ConcurrencySettings {
	return models.ConcurrencySettings{
		MaxKeyGeneration: k.MaxKeyGeneration,
		MaxKeyDeletion:   k.MaxKeyDeletion,
	}
}

// Cleanup returns the pool's deletion worker policy.
func (k KeyPoolConfig) Cleanup() models.OneTimeKeysCleanupPolicy {
	return models.OneTimeKeysCleanupPolicy{
		CoreSize:      k.CleanupCoreSize,
		MaxSize:       k.CleanupMaxSize,
		QueueCapacity: k.QueueCapacity,
		NamePrefix:    k.NamePrefix,
	}
}

// Load reads and parses the YAML config at path and applies defaults. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults sets default values for unset fields
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "localhost:8090"
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Backend.Type == "" {
		c.Backend.Type = "soft"
	}
	if c.Backend.MaxSlots == 0 {
		c.Backend.MaxSlots = 1000
	}
	if c.SAD.JWKSTTL == 0 {
		c.SAD.JWKSTTL = Duration(time.Hour)
	}
	if c.KeyPool.SweepInterval == 0 {
		c.KeyPool.SweepInterval = Duration(time.Minute)
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory":
	case "postgres":
		if c.Store.ConnString == "" {
			return fmt.Errorf("postgres store requires a connection string")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	switch c.Backend.Type {
	case "soft":
	case "pkcs11":
		if c.Backend.ModulePath == "" {
			return fmt.Errorf("pkcs11 backend requires a module path")
		}
	default:
		return fmt.Errorf("unknown backend type %q", c.Backend.Type)
	}

	if c.SAD.Issuer == "" {
		return fmt.Errorf("SAD issuer is required")
	}
	if c.SAD.Audience == "" {
		return fmt.Errorf("SAD audience is required")
	}
	if c.SAD.JWKSURL == "" {
		return fmt.Errorf("SAD JWKS URL is required")
	}

	return nil
}
