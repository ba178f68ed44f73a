// Package config loads server and client configuration from a layered
// source: defaults, an optional YAML file, and environment variables,
// in ascending priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds every tunable a tunnel server needs at startup.
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ServerIP          string        `mapstructure:"server_ip"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ForwardTimeout    time.Duration `mapstructure:"forward_timeout"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	MetricsListenAddr string        `mapstructure:"metrics_listen_addr"`
	LogLevel          string        `mapstructure:"log_level"`
}

// ClientConfig holds every tunable a tunnel client needs at startup.
type ClientConfig struct {
	ServerAddr        string        `mapstructure:"server_addr"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	LocalProxyAddr    string        `mapstructure:"local_proxy_addr"`
	LogLevel          string        `mapstructure:"log_level"`
}

const envPrefix = "TUNNEL"

// LoadServerConfig reads a ServerConfig from defaults, the optional file
// at path (ignored if empty or missing), and TUNNEL_*-prefixed
// environment variables, in that ascending priority.
func LoadServerConfig(path string) (*ServerConfig, error) {
	v := newViper(path)
	applyServerDefaults(v)

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal server config: %w", err)
	}
	return &cfg, nil
}

// LoadClientConfig is LoadServerConfig's client-side counterpart.
func LoadClientConfig(path string) (*ClientConfig, error) {
	v := newViper(path)
	applyClientDefaults(v)

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal client config: %w", err)
	}
	return &cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tunnel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tunnel")
	}
	return v
}

func readConfigFile(v *viper.Viper, path string) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: read config file: %w", err)
}

func applyServerDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8888")
	v.SetDefault("server_ip", "0.0.0.0")
	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("forward_timeout", 10*time.Second)
	v.SetDefault("username", "student")
	v.SetDefault("password", "secure123")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_listen_addr", ":9090")
	v.SetDefault("log_level", "info")
}

func applyClientDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", "192.168.0.105:8888")
	v.SetDefault("username", "student")
	v.SetDefault("password", "secure123")
	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("keepalive_interval", 30*time.Second)
	v.SetDefault("local_proxy_addr", "127.0.0.1:9000")
	v.SetDefault("log_level", "info")
}
