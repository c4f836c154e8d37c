package internal

import (
	"fmt"
	"path/filepath"

	"github.com/hbomb79/Hearth/internal/registry"
	"github.com/hbomb79/Hearth/internal/server"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// HearthConfig is the struct used to contain the
// various user config supplied by file, or
// manually inside the code.
type HearthConfig struct {
	Host string `yaml:"host" env:"HOST_ADDR" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"HOST_PORT" env-default:"8080"`

	Server   server.Config   `yaml:"server"`
	Registry registry.Config `yaml:"registry"`
}

// LoadFromFile loads a YAML formatted configuration file in to a
// HearthConfig struct, with environment variables taking precedence
// over the file contents.
func (config *HearthConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration for Hearth - %w", err)
	}

	return nil
}

// LoadFromEnv populates the config purely from environment variables
// and defaults, for deployments which carry no config file at all.
func (config *HearthConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration for Hearth - %w", err)
	}

	return nil
}

// DefaultConfigPath derives the conventional location of the Hearth
// config file inside the users home directory.
func DefaultConfigPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to derive user home dir: %w", err)
	}

	return filepath.Join(home, ".config", "hearth", "config.yaml"), nil
}

// ListenAddr combines the configured host and port in to the address
// given to the listener.
func (config *HearthConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%s", config.Host, config.Port)
}
