package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const FileName = "redstone.yml"

const (
	BackendSQLite   = "sqlite"
	BackendDocument = "document"
)

// Config models redstone.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Storage struct {
		Backend     string `yaml:"backend"`
		Path        string `yaml:"path"`
		Aggregation string `yaml:"aggregation"`
	} `yaml:"storage"`
	Screenshots struct {
		Dir      string `yaml:"dir"`
		MaxBytes int64  `yaml:"max_bytes"`
	} `yaml:"screenshots"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	API struct {
		RunsPerPage int `yaml:"runs_per_page"`
	} `yaml:"api"`
	Recorder struct {
		StrictDefinitionRefs bool `yaml:"strict_definition_refs"`
	} `yaml:"recorder"`
}

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rs config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendDocument:
	default:
		return fmt.Errorf("config.storage.backend must be %q or %q", BackendSQLite, BackendDocument)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("config.storage.path is required")
	}
	switch c.Storage.Aggregation {
	case "", "queried", "eager":
	default:
		return fmt.Errorf("config.storage.aggregation must be queried or eager")
	}
	if strings.TrimSpace(c.Screenshots.Dir) == "" {
		return fmt.Errorf("config.screenshots.dir is required")
	}
	if c.Screenshots.MaxBytes <= 0 {
		return fmt.Errorf("config.screenshots.max_bytes must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	if c.API.RunsPerPage < 0 {
		return fmt.Errorf("config.api.runs_per_page must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Resolve makes relative storage and screenshot paths relative to workspace.
func (c *Config) Resolve(workspace string) {
	if workspace == "" {
		return
	}
	if c.Storage.Path != "" && !filepath.IsAbs(c.Storage.Path) {
		c.Storage.Path = filepath.Join(workspace, c.Storage.Path)
	}
	if c.Screenshots.Dir != "" && !filepath.IsAbs(c.Screenshots.Dir) {
		c.Screenshots.Dir = filepath.Join(workspace, c.Screenshots.Dir)
	}
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8000
  base_path: /api
  # jwt_secret enables bearer auth for mutating requests
  jwt_secret: ""

storage:
  # sqlite or document
  backend: sqlite
  path: redstone.db
  # queried asks the store for counts; eager loads children and counts in memory
  aggregation: queried

screenshots:
  dir: screenshots
  max_bytes: 10485760

logging:
  level: info
  format: text

api:
  runs_per_page: 50

recorder:
  strict_definition_refs: false
`
