// Package config loads the YAML configuration shared by the listener, the
// status monitor and the reporter. JSON is valid YAML, so the flat JSON
// secret document used by older deployments loads too.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendREST   = "rest"
	BackendSQLite = "sqlite"
)

type Config struct {
	Listen         string `yaml:"listen"`
	LogLevel       string `yaml:"log_level"`
	TrustForwarded bool   `yaml:"trust_forwarded"`

	HomeNetwork        string        `yaml:"home_network"`
	HomeHostnamesByCPU HostnameTable `yaml:"home_hostnames_by_cpu"`
	CanonicalSuffix    string        `yaml:"canonical_suffix"`
	DNSTimeout         time.Duration `yaml:"dns_timeout"`

	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Telegram TelegramConfig `yaml:"telegram"`
	Client   ClientConfig   `yaml:"client"`

	// Flat keys of the legacy secret document.
	UpstashURL    string `yaml:"upstash_redis_rest_url"`
	UpstashToken  string `yaml:"upstash_redis_rest_token"`
	GraphiteURL   string `yaml:"graphite_api_url"`
	GraphiteToken string `yaml:"graphite_access_token"`

	homeNetwork netip.Prefix
}

type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	URL         string        `yaml:"url"`
	AccessToken string        `yaml:"access_token"`
	SQLitePath  string        `yaml:"sqlite_path"`
	Index       string        `yaml:"index"`
	TTL         time.Duration `yaml:"ttl"`
	Timeout     time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	URL         string        `yaml:"url"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
}

type MonitorConfig struct {
	Window         time.Duration `yaml:"window"`
	Period         time.Duration `yaml:"period"`
	Cutoff         time.Duration `yaml:"cutoff"`
	Grace          time.Duration `yaml:"grace"`
	CacheTolerance time.Duration `yaml:"cache_tolerance"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type ClientConfig struct {
	// Transport is "websocket" (URL is ws://.../report) or "http"
	// (URL is the listener base URL).
	Transport    string        `yaml:"transport"`
	URL          string        `yaml:"url"`
	Schedule     string        `yaml:"schedule"`
	XMRigURL     string        `yaml:"xmrig_url"`
	XMRigToken   string        `yaml:"xmrig_token"`
	AdvertiseAPI string        `yaml:"advertise_api"`
	Timeout      time.Duration `yaml:"timeout"`
}

// HostnameTable maps a CPU brand word to the hostname of the home machine
// carrying that CPU. It decodes from a YAML mapping or from a string
// holding a JSON object.
type HostnameTable map[string]string

func (t *HostnameTable) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if strings.TrimSpace(value.Value) == "" {
			*t = nil
			return nil
		}
		var m map[string]string
		if err := json.Unmarshal([]byte(value.Value), &m); err != nil {
			return fmt.Errorf("home_hostnames_by_cpu: %w", err)
		}
		*t = m
		return nil
	}
	var m map[string]string
	if err := value.Decode(&m); err != nil {
		return err
	}
	*t = m
	return nil
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DNSTimeout == 0 {
		c.DNSTimeout = time.Second
	}

	if c.Store.URL == "" {
		c.Store.URL = c.UpstashURL
	}
	if c.Store.AccessToken == "" {
		c.Store.AccessToken = c.UpstashToken
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendREST
		if c.Store.URL == "" {
			c.Store.Backend = BackendSQLite
		}
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "rigstatus.db"
	}
	if c.Store.Index == "" {
		c.Store.Index = "reports"
	}
	if c.Store.TTL == 0 {
		c.Store.TTL = 24 * time.Hour
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = 10 * time.Second
	}

	if c.Metrics.URL == "" {
		c.Metrics.URL = c.GraphiteURL
	}
	if c.Metrics.AccessToken == "" {
		c.Metrics.AccessToken = c.GraphiteToken
	}
	if c.Metrics.Timeout == 0 {
		c.Metrics.Timeout = 10 * time.Second
	}

	if c.Monitor.Window == 0 {
		c.Monitor.Window = 65 * time.Second
	}
	if c.Monitor.Period == 0 {
		c.Monitor.Period = 60 * time.Second
	}
	if c.Monitor.Cutoff == 0 {
		c.Monitor.Cutoff = 61 * time.Second
	}
	if c.Monitor.Grace == 0 {
		c.Monitor.Grace = time.Second
	}
	if c.Monitor.CacheTolerance == 0 {
		c.Monitor.CacheTolerance = 10 * time.Millisecond
	}

	if c.Client.Transport == "" {
		c.Client.Transport = "websocket"
	}
	if c.Client.Schedule == "" {
		c.Client.Schedule = "0 * * * * *"
	}
	if c.Client.XMRigURL == "" {
		c.Client.XMRigURL = "http://127.0.0.1:8080"
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 10 * time.Second
	}
}

// applyEnv lets secrets stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("RIGSTATUS_STORE_TOKEN"); v != "" {
		c.Store.AccessToken = v
	}
	if v := os.Getenv("RIGSTATUS_METRICS_TOKEN"); v != "" {
		c.Metrics.AccessToken = v
	}
	if v := os.Getenv("RIGSTATUS_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
}

func (c *Config) validate() error {
	if c.HomeNetwork != "" {
		prefix, err := netip.ParsePrefix(c.HomeNetwork)
		if err != nil {
			return fmt.Errorf("home_network: %w", err)
		}
		c.homeNetwork = prefix.Masked()
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case BackendREST:
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the %s backend", BackendREST)
		}
	case BackendSQLite:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendREST, BackendSQLite, c.Store.Backend)
	}
	if c.Store.TTL < time.Second {
		return fmt.Errorf("store.ttl must be at least 1s")
	}

	if c.Monitor.Period <= 0 || c.Monitor.Window < c.Monitor.Period {
		return fmt.Errorf("monitor.window must not be shorter than monitor.period")
	}
	switch c.Client.Transport {
	case "websocket", "http":
	default:
		return fmt.Errorf("client.transport must be websocket or http, got %q", c.Client.Transport)
	}
	return nil
}

// HomeNetworkPrefix is the parsed home_network, or the zero prefix when
// none is configured.
func (c *Config) HomeNetworkPrefix() netip.Prefix {
	return c.homeNetwork
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Logger builds the text logger every binary writes to stderr.
func (c *Config) Logger() *slog.Logger {
	level, _ := c.SlogLevel()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
