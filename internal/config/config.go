// Package config loads the go-sideload configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAnisetteURL = "https://ani.sidestore.io"
	DefaultGSAURL      = "https://gsa.apple.com/grandslam/GsService2"
	DefaultAuthURL     = "https://gsa.apple.com/auth"
	DefaultPortalURL   = "https://developerservices2.apple.com/services"
	DefaultLocale      = "en_US"
	DefaultMachineName = "go-sideload"

	fileName = "config.yml"
)

type Config struct {
	ConfigDir       string  `yaml:"config_dir"`
	AnisetteURL     string  `yaml:"anisette_url"`
	GSAURL          string  `yaml:"gsa_url"`
	AuthURL         string  `yaml:"auth_url"`
	PortalURL       string  `yaml:"portal_url"`
	Locale          string  `yaml:"locale"`
	MachineName     string  `yaml:"machine_name"`
	PortalRateLimit float64 `yaml:"portal_rate_limit"`
	TrustAnchor     string  `yaml:"trust_anchor"`

	// AppleID and Password are only ever taken from the environment.
	AppleID  string `yaml:"-"`
	Password string `yaml:"-"`
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "go-sideload")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "go-sideload")
	}
	return filepath.Join(".", ".go-sideload")
}

// ReadFile parses a YAML config file. Missing keys keep their defaults.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	config.fill()
	return config, nil
}

// Load resolves the configuration directory, reads config.yml from it when
// present and applies environment overrides.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = os.Getenv("SIDELOAD_CONFIG_DIR")
	}
	if dir == "" {
		dir = DefaultDir()
	}
	config, err := ReadFile(filepath.Join(dir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		config = Default()
	} else if err != nil {
		return nil, err
	}
	if config.ConfigDir == "" {
		config.ConfigDir = dir
	}
	config.applyEnv()
	return config, nil
}

func Default() *Config {
	return &Config{
		AnisetteURL: DefaultAnisetteURL,
		GSAURL:      DefaultGSAURL,
		AuthURL:     DefaultAuthURL,
		PortalURL:   DefaultPortalURL,
		Locale:      DefaultLocale,
		MachineName: DefaultMachineName,
	}
}

func (c *Config) fill() {
	d := Default()
	if c.AnisetteURL == "" {
		c.AnisetteURL = d.AnisetteURL
	}
	if c.GSAURL == "" {
		c.GSAURL = d.GSAURL
	}
	if c.AuthURL == "" {
		c.AuthURL = d.AuthURL
	}
	if c.PortalURL == "" {
		c.PortalURL = d.PortalURL
	}
	if c.Locale == "" {
		c.Locale = d.Locale
	}
	if c.MachineName == "" {
		c.MachineName = d.MachineName
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SIDELOAD_ANISETTE_URL"); v != "" {
		c.AnisetteURL = v
	}
	c.AppleID = strings.TrimSpace(os.Getenv("SIDELOAD_APPLE_ID"))
	c.Password = os.Getenv("SIDELOAD_PASSWORD")
}

// KeysDir is where per-account signing keys and certificates live.
func (c *Config) KeysDir() string {
	return filepath.Join(c.ConfigDir, "keys")
}
