// Package config loads server and client settings from defaults, an optional
// YAML file and PUDP_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Well-known endpoints shared by every participant.
const (
	DefaultServerPort     = 12345
	DefaultMulticastGroup = "239.0.0.1:54321"
	DefaultSecret         = "minha_chave_preconfigurada"
)

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// File enables a rotating log file in addition to stderr when non-empty.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MulticastConfig describes the config broadcast channel.
type MulticastConfig struct {
	Group    string        `mapstructure:"group"`
	TTL      int           `mapstructure:"ttl"`
	Repeats  int           `mapstructure:"repeats"`
	Interval time.Duration `mapstructure:"interval"`
}

// FeedConfig controls the WebSocket config feed on the server.
type FeedConfig struct {
	// Listen is the HTTP address of the feed; empty disables it.
	Listen string `mapstructure:"listen"`
}

// ServerConfig is the registration server configuration.
type ServerConfig struct {
	Listen            string          `mapstructure:"listen"`
	Secret            string          `mapstructure:"secret"`
	MaxClients        int             `mapstructure:"max_clients"`
	InactivityTimeout time.Duration   `mapstructure:"inactivity_timeout"`
	ReadTimeout       time.Duration   `mapstructure:"read_timeout"`
	StatusInterval    time.Duration   `mapstructure:"status_interval"`
	Multicast         MulticastConfig `mapstructure:"multicast"`
	Feed              FeedConfig      `mapstructure:"feed"`
	Log               LogConfig       `mapstructure:"log"`
}

// ClientConfig is the configuration of a PowerUDP endpoint.
type ClientConfig struct {
	Server         string          `mapstructure:"server"`
	Secret         string          `mapstructure:"secret"`
	LocalPort      int             `mapstructure:"local_port"`
	KeepAlive      time.Duration   `mapstructure:"keep_alive"`
	StatusInterval time.Duration   `mapstructure:"status_interval"`
	FeedURL        string          `mapstructure:"feed_url"`
	Multicast      MulticastConfig `mapstructure:"multicast"`
	Log            LogConfig       `mapstructure:"log"`
}

// DefaultLog returns the logging defaults shared by both roles.
func DefaultLog() LogConfig {
	return LogConfig{
		Level:      "info",
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// DefaultMulticast returns the multicast defaults.
func DefaultMulticast() MulticastConfig {
	return MulticastConfig{
		Group:    DefaultMulticastGroup,
		TTL:      32,
		Repeats:  3,
		Interval: 100 * time.Millisecond,
	}
}

// DefaultServer returns a ServerConfig populated with defaults.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Listen:            fmt.Sprintf(":%d", DefaultServerPort),
		Secret:            DefaultSecret,
		MaxClients:        10,
		InactivityTimeout: 5 * time.Minute,
		ReadTimeout:       5 * time.Second,
		StatusInterval:    30 * time.Second,
		Multicast:         DefaultMulticast(),
		Log:               DefaultLog(),
	}
}

// DefaultClient returns a ClientConfig populated with defaults.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		Server:         fmt.Sprintf("127.0.0.1:%d", DefaultServerPort),
		Secret:         DefaultSecret,
		StatusInterval: 10 * time.Second,
		Multicast:      DefaultMulticast(),
		Log:            DefaultLog(),
	}
}

// LoadServer reads the server configuration. See load for the search rules.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := load(path, "pudp-server", cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient reads the client configuration. See load for the search rules.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := load(path, "pudp", cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seeder registers a config's current values as viper defaults.
type seeder interface {
	seed(v *viper.Viper)
}

// load fills out from path (if non-empty), otherwise from <name>.yaml in the
// working directory or ~/.pudp, then applies environment overrides.
// Environment variables use the prefix PUDP and `.`/`-` are replaced with `_`.
// Example: PUDP_LOG_LEVEL=debug
func load(path, name string, out seeder) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PUDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	out.seed(v)

	if path == "" {
		if envPath := os.Getenv("PUDP_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pudp"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func seedLog(v *viper.Viper, c LogConfig) {
	v.SetDefault("log.level", c.Level)
	v.SetDefault("log.file", c.File)
	v.SetDefault("log.max_size_mb", c.MaxSizeMB)
	v.SetDefault("log.max_backups", c.MaxBackups)
	v.SetDefault("log.max_age_days", c.MaxAgeDays)
	v.SetDefault("log.compress", c.Compress)
}

func seedMulticast(v *viper.Viper, c MulticastConfig) {
	v.SetDefault("multicast.group", c.Group)
	v.SetDefault("multicast.ttl", c.TTL)
	v.SetDefault("multicast.repeats", c.Repeats)
	v.SetDefault("multicast.interval", c.Interval)
}

func (c *ServerConfig) seed(v *viper.Viper) {
	v.SetDefault("listen", c.Listen)
	v.SetDefault("secret", c.Secret)
	v.SetDefault("max_clients", c.MaxClients)
	v.SetDefault("inactivity_timeout", c.InactivityTimeout)
	v.SetDefault("read_timeout", c.ReadTimeout)
	v.SetDefault("status_interval", c.StatusInterval)
	v.SetDefault("feed.listen", c.Feed.Listen)
	seedMulticast(v, c.Multicast)
	seedLog(v, c.Log)
}

func (c *ClientConfig) seed(v *viper.Viper) {
	v.SetDefault("server", c.Server)
	v.SetDefault("secret", c.Secret)
	v.SetDefault("local_port", c.LocalPort)
	v.SetDefault("keep_alive", c.KeepAlive)
	v.SetDefault("status_interval", c.StatusInterval)
	v.SetDefault("feed_url", c.FeedURL)
	seedMulticast(v, c.Multicast)
	seedLog(v, c.Log)
}

func (c *ServerConfig) validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	if err := c.Multicast.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = fmt.Sprintf(":%d", DefaultServerPort)
	}
	if c.Secret == "" {
		return errors.New("secret must not be empty")
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("invalid max_clients: %d", c.MaxClients)
	}
	if c.InactivityTimeout < 0 {
		c.InactivityTimeout = 0
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}
	return nil
}

func (c *ClientConfig) validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	if err := c.Multicast.validate(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("invalid server address %q: %w", c.Server, err)
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("invalid local_port: %d", c.LocalPort)
	}
	if c.KeepAlive < 0 {
		c.KeepAlive = 0
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 10 * time.Second
	}
	return nil
}

func (c *LogConfig) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		c.Level = lvl
	case "":
		c.Level = "info"
	default:
		return fmt.Errorf("invalid log.level: %q", c.Level)
	}
	return nil
}

func (c *MulticastConfig) validate() error {
	addr, err := net.ResolveUDPAddr("udp4", c.Group)
	if err != nil {
		return fmt.Errorf("invalid multicast.group %q: %w", c.Group, err)
	}
	if !addr.IP.IsMulticast() {
		return fmt.Errorf("multicast.group %q is not a multicast address", c.Group)
	}
	if c.TTL < 1 || c.TTL > 255 {
		c.TTL = 32
	}
	if c.Repeats < 1 {
		c.Repeats = 3
	}
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	return nil
}
