// Package config loads TcpOptions and default ClusterResource values from
// YAML/env for local test harnesses: viper for precedence (env > file >
// defaults), a mapstructure decode hook for human-readable durations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/marmos91/rpccore/internal/balancer/lbapi"
	"github.com/marmos91/rpccore/internal/posix/tcpoptions"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the root configuration for a local test harness: the posix
// socket tuning knobs plus default cluster resource values a resolver
// collaborator would otherwise supply from xDS.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RPCCORE_*)
//  2. Configuration file
//  3. Default values
//
// Environment variables override only keys that the configuration file
// sets; when no file is found, Load returns the defaults and does not
// consult the environment.
type Config struct {
	Logging LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	TCP     TCPOptionsConfig `mapstructure:"tcp" yaml:"tcp"`
	Cluster ClusterConfig    `mapstructure:"cluster" yaml:"cluster"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// TCPOptionsConfig mirrors tcpoptions.Options with mapstructure/yaml tags;
// Load decodes it into a real tcpoptions.Options via ToOptions.
type TCPOptionsConfig struct {
	ReadChunkSize               int  `mapstructure:"read_chunk_size" yaml:"read_chunk_size"`
	MinReadChunkSize            int  `mapstructure:"min_read_chunk_size" yaml:"min_read_chunk_size"`
	MaxReadChunkSize            int  `mapstructure:"max_read_chunk_size" yaml:"max_read_chunk_size"`
	ZerocopyEnabled             bool `mapstructure:"zerocopy_enabled" yaml:"zerocopy_enabled"`
	ZerocopySendBytesThreshold  int  `mapstructure:"zerocopy_send_bytes_threshold" yaml:"zerocopy_send_bytes_threshold"`
	ZerocopyMaxSimultaneousSend int  `mapstructure:"zerocopy_max_simultaneous_send" yaml:"zerocopy_max_simultaneous_send"`
	DSCP                        int  `mapstructure:"dscp" yaml:"dscp"`
	TCPReceiveBufferSize        int  `mapstructure:"tcp_receive_buffer_size" yaml:"tcp_receive_buffer_size"`
	AllowReusePort              bool `mapstructure:"allow_reuse_port" yaml:"allow_reuse_port"`
}

// ToOptions materializes a tcpoptions.Options from the decoded config,
// starting from tcpoptions.Default() so zero-valued fields keep their
// package defaults rather than becoming invalid zeros.
func (c TCPOptionsConfig) ToOptions() tcpoptions.Options {
	opts := tcpoptions.Default()
	if c.ReadChunkSize != 0 {
		opts.ReadChunkSize = c.ReadChunkSize
	}
	if c.MinReadChunkSize != 0 {
		opts.MinReadChunkSize = c.MinReadChunkSize
	}
	if c.MaxReadChunkSize != 0 {
		opts.MaxReadChunkSize = c.MaxReadChunkSize
	}
	opts.ZerocopyEnabled = c.ZerocopyEnabled
	if c.ZerocopySendBytesThreshold != 0 {
		opts.ZerocopySendBytesThreshold = c.ZerocopySendBytesThreshold
	}
	if c.ZerocopyMaxSimultaneousSend != 0 {
		opts.ZerocopyMaxSimultaneousSend = c.ZerocopyMaxSimultaneousSend
	}
	if c.DSCP != 0 {
		opts.DSCP = c.DSCP
	}
	if c.TCPReceiveBufferSize != 0 {
		opts.TCPReceiveBufferSize = c.TCPReceiveBufferSize
	}
	opts.AllowReusePort = c.AllowReusePort
	return opts
}

// ClusterConfig mirrors lbapi.ClusterResource for YAML/env decoding.
type ClusterConfig struct {
	EDSServiceName        string        `mapstructure:"eds_service_name" yaml:"eds_service_name"`
	LRSServer             string        `mapstructure:"lrs_server" yaml:"lrs_server"`
	MaxConcurrentRequests uint32        `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	ConnectionIdleTimeout time.Duration `mapstructure:"connection_idle_timeout" yaml:"connection_idle_timeout"`
}

// ToClusterResource materializes an lbapi.ClusterResource, applying the
// documented default of 1024 for an unset MaxConcurrentRequests.
func (c ClusterConfig) ToClusterResource() lbapi.ClusterResource {
	max := c.MaxConcurrentRequests
	if max == 0 {
		max = lbapi.DefaultMaxConcurrentRequests
	}
	return lbapi.ClusterResource{
		EDSServiceName:        c.EDSServiceName,
		LRSServer:             c.LRSServer,
		MaxConcurrentRequests: max,
		ConnectionIdleTimeout: c.ConnectionIdleTimeout.Milliseconds(),
	}
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return defaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("RPCCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(configDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rpccore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "rpccore")
}
