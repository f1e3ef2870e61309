package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/runtime"
)

// EnvPrefix prefixes every environment override, e.g. SCRIPTBOX_RUNTIME_ISOLATE
const EnvPrefix = "SCRIPTBOX"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Docker   DockerConfig   `mapstructure:"docker"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// RuntimeConfig selects and tunes the execution runtime
type RuntimeConfig struct {
	// Root is the runtime root holding projects and cached venvs.
	// Empty falls back to SCRIPTBOX_RUNTIME_ROOT, then ~/.scriptbox/runtime.
	Root      string `mapstructure:"root"`
	Isolate   bool   `mapstructure:"isolate"`
	PythonTag string `mapstructure:"python_tag"`
	Strict    bool   `mapstructure:"strict"`
}

// ResolverConfig holds dependency resolution settings
type ResolverConfig struct {
	RegistryURL   string   `mapstructure:"registry_url"`
	SitePackages  []string `mapstructure:"site_packages"`
	Python        string   `mapstructure:"python"`
	OverridesFile string   `mapstructure:"overrides_file"`
}

// DockerConfig holds container engine connection settings
type DockerConfig struct {
	// Host overrides DOCKER_HOST when set
	Host string `mapstructure:"host"`
}

// New loads and validates the application configuration from config.yaml
// in the working directory or ./config
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v)
}

// NewFromFile loads and validates the configuration from an explicit file
func NewFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("runtime.root", "")
	v.SetDefault("runtime.isolate", false)
	v.SetDefault("runtime.python_tag", runtime.DefaultPythonTag)
	v.SetDefault("runtime.strict", false)

	v.SetDefault("resolver.registry_url", deps.DefaultRegistryURL)
	v.SetDefault("resolver.site_packages", []string{})
	v.SetDefault("resolver.python", "python3")
	v.SetDefault("resolver.overrides_file", "")

	v.SetDefault("docker.host", "")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if _, err := runtime.PythonVersion(c.Runtime.PythonTag); err != nil {
		return fmt.Errorf("invalid runtime.python_tag: %w", err)
	}

	registry, err := url.Parse(c.Resolver.RegistryURL)
	if err != nil || (registry.Scheme != "http" && registry.Scheme != "https") || registry.Host == "" {
		return fmt.Errorf("invalid resolver.registry_url: %q", c.Resolver.RegistryURL)
	}

	if c.Resolver.Python == "" {
		return errors.New("resolver.python must not be empty")
	}

	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.HTTPPort)
}
