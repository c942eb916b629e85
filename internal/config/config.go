package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Database DatabaseConfig `yaml:"database"`
	Content  ContentConfig  `yaml:"content"`
	GC       GCConfig       `yaml:"gc"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from config file %s: %w", configPath, err)
	}

	// Enrich with env variables
	data = expandEnvVars(data)

	return Parse(data)
}

// Parse decodes YAML bytes and fills the remaining fields from env-default tags.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := cleanenv.ParseYAML(bytes.NewReader(data), &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Content.Root == "" {
		return fmt.Errorf("content.root is required")
	}
	if c.App.MaxSymlinkHops <= 0 {
		return fmt.Errorf("app.max_symlink_hops must be positive")
	}
	if c.Content.Primary != nil {
		if err := c.Content.Primary.validate(); err != nil {
			return err
		}
	}
	seen := map[string]bool{PrimaryStoreName: true}
	for _, m := range c.Content.Mirrors {
		if m.Name == "" {
			return fmt.Errorf("content mirror without a name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate content store name %q", m.Name)
		}
		seen[m.Name] = true
		if err := m.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (m MirrorConfig) validate() error {
	switch m.Type {
	case StoreLocal:
		if m.Path == "" {
			return fmt.Errorf("content store %q: path is required", m.Name)
		}
	case StoreS3:
		if m.Bucket == "" {
			return fmt.Errorf("content store %q: bucket is required", m.Name)
		}
	default:
		return fmt.Errorf("content store %q: unknown type %q", m.Name, m.Type)
	}
	return nil
}

func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
