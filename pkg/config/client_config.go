package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the configuration of the fedfeeds command line client
type ClientConfig struct {
	Version  string          `yaml:"version"`
	Servers  []ServerInfo    `yaml:"servers,omitempty"`
	Defaults DefaultSettings `yaml:"defaults"`
}

// DefaultSettings represents default settings for the client
type DefaultSettings struct {
	PreferredDomain string   `yaml:"preferred_domain,omitempty"`
	AutoDiscovery   bool     `yaml:"auto_discovery"`
	DiscoveryGroup  string   `yaml:"discovery_group,omitempty"`
	Timeout         Duration `yaml:"timeout,omitempty"`
	RetryCount      int      `yaml:"retry_count,omitempty"`
	OutputFormat    string   `yaml:"output_format,omitempty"`
}

// ServerInfo pins a service of a domain to a URI so the client can skip
// multicast discovery.
type ServerInfo struct {
	Domain      string `yaml:"domain"`
	Service     string `yaml:"service"`
	URI         string `yaml:"uri"`
	Description string `yaml:"description,omitempty"`
}

// GetConfigDir returns the fedfeeds configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("FEDFEEDS_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fedfeeds")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".fedfeeds"
	}
	return filepath.Join(home, ".fedfeeds")
}

// GetConfigPath returns the path to the client config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "client.yaml")
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Version: "1",
		Defaults: DefaultSettings{
			AutoDiscovery:  true,
			DiscoveryGroup: Default().Discovery.Group,
			Timeout:        Duration(10 * time.Second),
			RetryCount:     3,
			OutputFormat:   "styled",
		},
	}
}

// LoadClientConfig loads the client configuration, returning defaults when
// no file exists yet.
func LoadClientConfig() (*ClientConfig, error) {
	configPath := GetConfigPath()

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return defaultClientConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultClientConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Save writes the client configuration to GetConfigPath
func (c *ClientConfig) Save() error {
	if err := os.MkdirAll(GetConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Lookup returns the pinned URI for a service of a domain
func (c *ClientConfig) Lookup(domain, service string) (string, bool) {
	for _, s := range c.Servers {
		if s.Domain == domain && s.Service == service {
			return s.URI, true
		}
	}
	return "", false
}

// AddServer adds or replaces a pinned server and saves the configuration
func (c *ClientConfig) AddServer(server ServerInfo) error {
	if server.Domain == "" || server.Service == "" || server.URI == "" {
		return fmt.Errorf("domain, service and uri are required")
	}

	for i, existing := range c.Servers {
		if existing.Domain == server.Domain && existing.Service == server.Service {
			c.Servers[i] = server
			return c.Save()
		}
	}

	c.Servers = append(c.Servers, server)
	if c.Defaults.PreferredDomain == "" {
		c.Defaults.PreferredDomain = server.Domain
	}

	return c.Save()
}

// RemoveServer removes a pinned server and saves the configuration
func (c *ClientConfig) RemoveServer(domain, service string) error {
	for i, s := range c.Servers {
		if s.Domain == domain && s.Service == service {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return c.Save()
		}
	}
	return fmt.Errorf("server %s/%s not found", domain, service)
}

// RequestTimeout returns the configured per-request timeout
func (c *ClientConfig) RequestTimeout() time.Duration {
	if c.Defaults.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Defaults.Timeout.Std()
}
