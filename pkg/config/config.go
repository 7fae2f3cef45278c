package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeFeeds Mode = "feeds"
	ModeUsers Mode = "users"
	ModeServe Mode = "serve" // feeds and users in one process
)

type Transport string

const (
	TransportREST Transport = "rest"
	TransportGRPC Transport = "grpc"
)

const (
	// MaxServerID is the exclusive upper bound of server ids
	MaxServerID = 1024
	// NoServerID marks a server id that was never configured. Every server
	// hosting feeds needs its own id, unique across the federation.
	NoServerID = -1
)

type Config struct {
	Mode          Mode              `json:"mode" yaml:"mode"`
	Domain        string            `json:"domain" yaml:"domain"`
	ServerID      int               `json:"server_id" yaml:"server_id"`
	Listen        string            `json:"listen" yaml:"listen"`
	AdvertiseHost string            `json:"advertise_host,omitempty" yaml:"advertise_host,omitempty"`
	Transport     Transport         `json:"transport" yaml:"transport"`
	MetricsAddr   string            `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
	Discovery     DiscoveryConfig   `json:"discovery" yaml:"discovery"`
	Retry         RetryConfig       `json:"retry" yaml:"retry"`
	Propagation   PropagationConfig `json:"propagation" yaml:"propagation"`
	Peers         []PeerConfig      `json:"peers,omitempty" yaml:"peers,omitempty"`
}

type DiscoveryConfig struct {
	Group          string   `json:"group" yaml:"group"`
	Interface      string   `json:"interface,omitempty" yaml:"interface,omitempty"`
	AnnouncePeriod Duration `json:"announce_period" yaml:"announce_period"`
	RetryPeriod    Duration `json:"retry_period" yaml:"retry_period"`
	TTL            int      `json:"ttl" yaml:"ttl"`
	// Static disables multicast; only configured peers and the node's own
	// services are known.
	Static bool `json:"static,omitempty" yaml:"static,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	Delay       Duration `json:"delay" yaml:"delay"`
	Jitter      float64  `json:"jitter" yaml:"jitter"`
}

type PropagationConfig struct {
	Workers   int      `json:"workers" yaml:"workers"`
	QueueSize int      `json:"queue_size" yaml:"queue_size"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// PeerConfig seeds discovery with a service that does not announce itself
// on the local multicast group.
type PeerConfig struct {
	Domain  string `json:"domain" yaml:"domain"`
	Service string `json:"service" yaml:"service"`
	URI     string `json:"uri" yaml:"uri"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Mode:      ModeServe,
		ServerID:  NoServerID,
		Listen:    ":8080",
		Transport: TransportREST,
		Discovery: DiscoveryConfig{
			Group:          "224.0.0.1:5000",
			AnnouncePeriod: Duration(time.Second),
			RetryPeriod:    Duration(5 * time.Second),
			TTL:            1,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Delay:       Duration(time.Second),
		},
		Propagation: PropagationConfig{
			QueueSize: 1024,
			Timeout:   Duration(30 * time.Second),
		},
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or JSON file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv builds a configuration from FEDFEEDS_* variables
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.Mode = Mode(getEnv("FEDFEEDS_MODE", string(cfg.Mode)))
	cfg.Domain = getEnv("FEDFEEDS_DOMAIN", cfg.Domain)
	cfg.Listen = getEnv("FEDFEEDS_LISTEN", cfg.Listen)
	cfg.AdvertiseHost = getEnv("FEDFEEDS_ADVERTISE_HOST", cfg.AdvertiseHost)
	cfg.Transport = Transport(getEnv("FEDFEEDS_TRANSPORT", string(cfg.Transport)))
	cfg.MetricsAddr = getEnv("FEDFEEDS_METRICS_ADDR", cfg.MetricsAddr)
	cfg.Discovery.Group = getEnv("FEDFEEDS_DISCOVERY_GROUP", cfg.Discovery.Group)
	cfg.Discovery.Interface = getEnv("FEDFEEDS_DISCOVERY_INTERFACE", cfg.Discovery.Interface)

	if v := os.Getenv("FEDFEEDS_SERVER_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("FEDFEEDS_SERVER_ID: %w", err)
		}
		cfg.ServerID = id
	}
	if v := os.Getenv("FEDFEEDS_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("FEDFEEDS_WORKERS: %w", err)
		}
		cfg.Propagation.Workers = workers
	}

	if peers := os.Getenv("FEDFEEDS_PEERS"); peers != "" {
		// Comma-separated domain/service=uri: d2/feeds=http://b:8080/rest
		parsed, err := ParsePeers(peers)
		if err != nil {
			return nil, fmt.Errorf("FEDFEEDS_PEERS: %w", err)
		}
		cfg.Peers = parsed
	}

	return cfg, nil
}

// ParsePeers parses a comma-separated list of domain/service=uri entries
func ParsePeers(s string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, uri, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("peer %q: expected domain/service=uri", entry)
		}
		domain, service, ok := strings.Cut(key, "/")
		if !ok || domain == "" || service == "" || uri == "" {
			return nil, fmt.Errorf("peer %q: expected domain/service=uri", entry)
		}
		peers = append(peers, PeerConfig{Domain: domain, Service: service, URI: uri})
	}
	return peers, nil
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeFeeds, ModeUsers, ModeServe:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if strings.ContainsAny(c.Domain, "@:\t ") {
		return fmt.Errorf("domain %q must not contain '@', ':' or whitespace", c.Domain)
	}
	if c.ServerID < 0 && c.Mode != ModeUsers {
		return fmt.Errorf("server_id is required and must be unique across the federation")
	}
	if c.ServerID >= MaxServerID {
		return fmt.Errorf("server_id %d out of range [0, %d)", c.ServerID, MaxServerID)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Transport {
	case TransportREST, TransportGRPC:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	for _, p := range c.Peers {
		if p.Domain == "" || p.Service == "" || p.URI == "" {
			return fmt.Errorf("peer entries need domain, service and uri")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
